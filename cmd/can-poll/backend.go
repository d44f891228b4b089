package main

import (
	"fmt"
	"log/slog"

	"github.com/kstaniek/go-can-telemetry/internal/loopback"
	"github.com/kstaniek/go-can-telemetry/internal/serial"
	"github.com/kstaniek/go-can-telemetry/internal/slcan"
	"github.com/kstaniek/go-can-telemetry/internal/socketcan"
	"github.com/kstaniek/go-can-telemetry/internal/telemetry"
)

// openSerialPort is a hook for tests (overridden in unit tests).
var openSerialPort = serial.Open

// openChannel selects and opens the configured channel backend. The
// returned cleanup releases the underlying device.
func openChannel(cfg *appConfig, l *slog.Logger) (telemetry.Channel, func(), error) {
	switch cfg.backend {
	case "slcan":
		port, err := openSerialPort(cfg.serialDev, cfg.serialBaud, cfg.serialReadTO)
		if err != nil {
			return nil, func() {}, fmt.Errorf("open serial: %w", err)
		}
		l.Info("serial_open", "device", cfg.serialDev, "baud", cfg.serialBaud)
		ch := slcan.New(port)
		return ch, func() { _ = ch.Close() }, nil
	case "socketcan":
		dev, err := socketcan.Open(cfg.canIf)
		if err != nil {
			return nil, func() {}, fmt.Errorf("open socketcan: %w", err)
		}
		l.Info("socketcan_open", "if", cfg.canIf)
		return dev, func() { _ = dev.Close() }, nil
	case "loopback":
		// Demo backend: with -debug the poller's own frames echo back, so
		// a call-and-response poll returns its request payload.
		bus := loopback.NewBus()
		return bus.Endpoint(), func() {}, nil
	default:
		return nil, func() {}, fmt.Errorf("unknown backend %q (use slcan|socketcan|loopback)", cfg.backend)
	}
}
