package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-can-telemetry/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus counters
var (
	TxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "can_tx_frames_total",
		Help: "Total CAN frames transmitted on the channel.",
	})
	RxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "can_rx_frames_total",
		Help: "Total CAN frames received and decoded by the poller.",
	})
	PollTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "poll_timeouts_total",
		Help: "Total polls that elapsed without a matching frame.",
	})
	ChannelErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "channel_errors_total",
		Help: "Total polls aborted due to channel error status.",
	})
	RecoveryFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "recovery_frames_total",
		Help: "Total best-effort recovery frames sent after a channel error.",
	})
	InvalidPayloads = promauto.NewCounter(prometheus.CounterOpts{
		Name: "invalid_payloads_total",
		Help: "Total polls rejected for payload length over 8 bytes.",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})
	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality)
const (
	ErrSerialWrite   = "serial_write"
	ErrSerialRead    = "serial_read"
	ErrSocketCANRead = "socketcan_read"
	ErrFilterInstall = "filter_install"
	ErrReceive       = "receive"
)

// StartHTTP serves Prometheus metrics at /metrics on the given address.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters for easy logging (avoid Prometheus scraping in-process)
var (
	localTx       uint64
	localRx       uint64
	localTimeouts uint64
	localChanErrs uint64
	localRecovery uint64
	localInvalid  uint64
	localErrors   uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	Tx            uint64
	Rx            uint64
	Timeouts      uint64
	ChannelErrors uint64
	Recoveries    uint64
	Invalid       uint64
	Errors        uint64 // sum across error labels
}

func Snap() Snapshot {
	return Snapshot{
		Tx:            atomic.LoadUint64(&localTx),
		Rx:            atomic.LoadUint64(&localRx),
		Timeouts:      atomic.LoadUint64(&localTimeouts),
		ChannelErrors: atomic.LoadUint64(&localChanErrs),
		Recoveries:    atomic.LoadUint64(&localRecovery),
		Invalid:       atomic.LoadUint64(&localInvalid),
		Errors:        atomic.LoadUint64(&localErrors),
	}
}

// Wrapper helpers to keep call sites simple.
func IncTx() {
	TxFrames.Inc()
	atomic.AddUint64(&localTx, 1)
}

func IncRx() {
	RxFrames.Inc()
	atomic.AddUint64(&localRx, 1)
}

func IncTimeout() {
	PollTimeouts.Inc()
	atomic.AddUint64(&localTimeouts, 1)
}

func IncChannelError() {
	ChannelErrors.Inc()
	atomic.AddUint64(&localChanErrs, 1)
}

func IncRecovery() {
	RecoveryFrames.Inc()
	atomic.AddUint64(&localRecovery, 1)
}

func IncInvalidPayload() {
	InvalidPayloads.Inc()
	atomic.AddUint64(&localInvalid, 1)
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	// Pre-register common error label series so first error does not log a registration latency.
	for _, lbl := range []string{
		ErrSerialWrite, ErrSerialRead, ErrSocketCANRead,
		ErrFilterInstall, ErrReceive,
	} {
		Errors.WithLabelValues(lbl).Add(0)
	}
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil { // if not set yet, treat as ready so metrics endpoint doesn't flap
		return true
	}
	return fn()
}
