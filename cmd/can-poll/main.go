package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/kstaniek/go-can-telemetry/internal/metrics"
	"github.com/kstaniek/go-can-telemetry/internal/telemetry"
)

func main() {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("can-poll %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if cfg == nil {
		os.Exit(2)
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)
	l.Info("build_info", "version", version, "commit", commit, "date", date)
	metrics.InitBuildInfo(version, commit, date)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	var wg sync.WaitGroup
	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)

	if cfg.metricsAddr != "" {
		srv := metrics.StartHTTP(cfg.metricsAddr)
		defer func() {
			shutCtx, shutCancel := context.WithTimeout(context.Background(), time.Second)
			defer shutCancel()
			_ = srv.Shutdown(shutCtx)
		}()
		stopMDNS, err := startMDNS(ctx, cfg, addrPort(cfg.metricsAddr))
		if err != nil {
			l.Warn("mdns_error", "error", err)
		} else {
			defer stopMDNS()
		}
	}

	ch, cleanup, err := openChannel(cfg, l)
	if err != nil {
		l.Error("backend_init_error", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	poller, err := telemetry.New(ch, cfg.bitrate, cfg.nodeID, cfg.timeout, cfg.debug)
	if err != nil {
		l.Error("poller_init_error", "error", err)
		os.Exit(1)
	}
	metrics.SetReadinessFunc(func() bool { return true })

	mode := telemetry.CallAndResponse
	if cfg.mode == "passive" {
		mode = telemetry.PassivePoll
	}
	kind := telemetry.DataFrame
	if cfg.kind == "remote" {
		kind = telemetry.RemoteFrame
	}

	failures := 0
	for i := 0; i < cfg.count; i++ {
		if ctx.Err() != nil {
			l.Info("interrupted", "completed", i)
			break
		}
		value, err := poller.Poll(cfg.header, cfg.pollFilter(), mode, kind, cfg.payload)
		switch {
		case err == nil:
			l.Info("poll_ok", "n", i, "id", fmt.Sprintf("0x%03X", cfg.header), "value", fmt.Sprintf("0x%016X", value))
		case errors.Is(err, telemetry.ErrTimeout):
			failures++
			l.Warn("poll_timeout", "n", i, "id", fmt.Sprintf("0x%03X", cfg.header), "timeout", cfg.timeout)
		default:
			failures++
			l.Error("poll_failed", "n", i, "error", err)
		}
		if i+1 < cfg.count {
			sleepCtx(ctx, cfg.interval)
		}
	}
	snap := metrics.Snap()
	l.Info("poll_summary", "polls", cfg.count, "failures", failures,
		"tx", snap.Tx, "rx", snap.Rx, "timeouts", snap.Timeouts, "channel_errors", snap.ChannelErrors)
	cancel()
	wg.Wait()
	if failures == cfg.count {
		os.Exit(1)
	}
}

// addrPort extracts the TCP port from a listen address like ":9100".
func addrPort(addr string) int {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0
	}
	return port
}

// sleepCtx sleeps for d or until ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
