// Package serial abstracts the tarm/serial port for testability.
package serial

import (
	"time"

	"github.com/tarm/serial"
)

// Port is the minimal serial surface the SLCAN channel needs.
// Implemented by *serial.Port in production and by fakes in tests.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// Open opens a serial device. readTimeout bounds each Read so callers can
// poll the port without blocking indefinitely.
func Open(name string, baud int, readTimeout time.Duration) (Port, error) {
	cfg := &serial.Config{Name: name, Baud: baud, ReadTimeout: readTimeout}
	return serial.OpenPort(cfg)
}
