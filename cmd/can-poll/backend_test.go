package main

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/kstaniek/go-can-telemetry/internal/serial"
	"github.com/kstaniek/go-can-telemetry/internal/telemetry"
)

// testLogger returns a no-op slog.Logger for tests.
func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// fakeSerialPort implements serial.Port for tests.
type fakeSerialPort struct{}

func (f *fakeSerialPort) Read(p []byte) (int, error)  { return 0, io.EOF }
func (f *fakeSerialPort) Write(p []byte) (int, error) { return len(p), nil }
func (f *fakeSerialPort) Close() error                { return nil }

func TestOpenChannel_SLCAN(t *testing.T) {
	openSerialPort = func(name string, baud int, to time.Duration) (serial.Port, error) {
		return &fakeSerialPort{}, nil
	}
	defer func() { openSerialPort = serial.Open }()

	cfg := validConfig()
	ch, cleanup, err := openChannel(cfg, testLogger())
	if err != nil {
		t.Fatalf("openChannel: %v", err)
	}
	defer cleanup()
	if err := ch.Start(cfg.bitrate, telemetry.ModeNormal); err != nil {
		t.Fatalf("Start: %v", err)
	}
}

func TestOpenChannel_Loopback(t *testing.T) {
	cfg := validConfig()
	cfg.backend = "loopback"
	cfg.debug = true
	ch, cleanup, err := openChannel(cfg, testLogger())
	if err != nil {
		t.Fatalf("openChannel: %v", err)
	}
	defer cleanup()

	// loopback + debug: a call-and-response poll answers itself
	p, err := telemetry.New(ch, cfg.bitrate, cfg.nodeID, 100*time.Millisecond, true)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	v, err := p.PollSame(0x200, telemetry.CallAndResponse, telemetry.DataFrame, []byte{0x0D, 0x0C})
	if err != nil {
		t.Fatalf("PollSame: %v", err)
	}
	if v != 0x0C0D {
		t.Fatalf("value = %#x, want echoed payload 0x0C0D", v)
	}
}

func TestOpenChannel_Unknown(t *testing.T) {
	cfg := validConfig()
	cfg.backend = "canopen"
	if _, _, err := openChannel(cfg, testLogger()); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}
