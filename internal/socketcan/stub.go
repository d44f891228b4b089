//go:build !linux

package socketcan

import (
	"errors"

	"github.com/kstaniek/go-can-telemetry/internal/can"
	"github.com/kstaniek/go-can-telemetry/internal/telemetry"
)

var errUnsupported = errors.New("socketcan: only supported on linux")

// Device is a stub so the CLI compiles on non-linux platforms.
type Device struct{}

func Open(iface string) (*Device, error) { return nil, errUnsupported }

func (d *Device) Start(bitrate int, mode telemetry.BusMode) error { return errUnsupported }
func (d *Device) Close() error                                    { return errUnsupported }
func (d *Device) Transmit(can.Frame) error                        { return errUnsupported }
func (d *Device) Receive(*can.Frame) (bool, error)                { return false, errUnsupported }
func (d *Device) ErrorStatus() telemetry.Status                   { return telemetry.StatusError }
func (d *Device) ClearFilters() error                             { return errUnsupported }
func (d *Device) AddFilter(mask, pattern uint32) error            { return errUnsupported }
