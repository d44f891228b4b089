package slcan

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/kstaniek/go-can-telemetry/internal/can"
	"github.com/kstaniek/go-can-telemetry/internal/logging"
	"github.com/kstaniek/go-can-telemetry/internal/metrics"
	"github.com/kstaniek/go-can-telemetry/internal/serial"
	"github.com/kstaniek/go-can-telemetry/internal/telemetry"
)

const (
	readBufSize = 256
	// statusReadAttempts bounds how many port reads ErrorStatus spends
	// waiting for the Fxx reply; each read is bounded by the port's own
	// read timeout.
	statusReadAttempts = 4
)

type acceptance struct{ mask, pattern uint32 }

// Channel drives an SLCAN (Lawicel protocol) serial CAN adapter and
// implements telemetry.Channel. It is not safe for concurrent use, matching
// the poller's single-threaded contract.
type Channel struct {
	port  serial.Port
	codec Codec
	log   *slog.Logger

	acc     bytes.Buffer
	readBuf []byte
	rx      []can.Frame

	// Acceptance filters are mirrored in software: not every adapter
	// firmware honors the m/M registers, and the poller relies on the
	// channel delivering only matching frames.
	filters []acceptance
	status  telemetry.Status
}

// New wraps an open serial port. The port should have a short read timeout
// so Receive stays non-blocking.
func New(port serial.Port) *Channel {
	return &Channel{
		port:    port,
		log:     logging.L().With("channel", "slcan"),
		readBuf: make([]byte, readBufSize),
	}
}

// Start closes any previous session, programs the bitrate and opens the
// bus, in loopback mode when requested.
func (c *Channel) Start(bitrate int, mode telemetry.BusMode) error {
	speed, err := SpeedCommand(bitrate)
	if err != nil {
		return err
	}
	// Close is NACKed when the channel was never open; ignore it.
	_, _ = c.port.Write(cmdClose)
	if _, err := c.port.Write(speed); err != nil {
		return fmt.Errorf("set bitrate: %w", err)
	}
	open := cmdOpen
	if mode == telemetry.ModeLoopback {
		open = cmdLoopback
	}
	if _, err := c.port.Write(open); err != nil {
		return fmt.Errorf("open bus: %w", err)
	}
	if err := c.writeAcceptance(0, 0xFFFFFFFF); err != nil {
		return fmt.Errorf("reset acceptance registers: %w", err)
	}
	c.status = telemetry.StatusOK
	c.log.Debug("slcan_open", "bitrate", bitrate, "loopback", mode == telemetry.ModeLoopback)
	return nil
}

// Transmit writes one frame record. Write failures also latch the error
// status so the poller's status check observes them.
func (c *Channel) Transmit(f can.Frame) error {
	if _, err := c.port.Write(c.codec.Encode(f)); err != nil {
		c.status = telemetry.StatusError
		metrics.IncError(metrics.ErrSerialWrite)
		return fmt.Errorf("slcan transmit: %w", err)
	}
	return nil
}

// Receive drains the port once and reports the next frame passing the
// acceptance filter, if any. It never blocks longer than one port read.
func (c *Channel) Receive(fr *can.Frame) (bool, error) {
	if c.pop(fr) {
		return true, nil
	}
	if err := c.drainPort(); err != nil {
		return false, err
	}
	return c.pop(fr), nil
}

// ErrorStatus requests the adapter's status flags and maps them. Frames
// that arrive while waiting for the reply are queued for Receive.
func (c *Channel) ErrorStatus() telemetry.Status {
	if _, err := c.port.Write(cmdStatus); err != nil {
		c.status = telemetry.StatusError
		return c.status
	}
	for i := 0; i < statusReadAttempts; i++ {
		if err := c.drainPort(); err != nil {
			c.status = telemetry.StatusError
			return c.status
		}
	}
	return c.status
}

// ClearFilters resets the acceptance registers to accept everything.
func (c *Channel) ClearFilters() error {
	c.filters = nil
	return c.writeAcceptance(0, 0xFFFFFFFF)
}

// AddFilter accepts frames whose identifier matches mask on the bits
// selected by pattern. The adapter's code/mask registers use inverted
// don't-care semantics, hence the complement.
func (c *Channel) AddFilter(mask, pattern uint32) error {
	c.filters = append(c.filters, acceptance{mask: mask, pattern: pattern})
	return c.writeAcceptance(mask, ^pattern)
}

// Close shuts the bus and releases the port.
func (c *Channel) Close() error {
	_, _ = c.port.Write(cmdClose)
	return c.port.Close()
}

func (c *Channel) writeAcceptance(code, mask uint32) error {
	if _, err := c.port.Write([]byte(fmt.Sprintf("m%08X\r", code))); err != nil {
		return err
	}
	_, err := c.port.Write([]byte(fmt.Sprintf("M%08X\r", mask)))
	return err
}

// drainPort performs one bounded read and decodes whatever complete records
// accumulated. Malformed records are dropped, not fatal.
func (c *Channel) drainPort() error {
	n, err := c.port.Read(c.readBuf)
	if n > 0 {
		c.acc.Write(c.readBuf[:n])
	}
	if c.acc.Len() > 0 {
		decErr := c.codec.DecodeStream(&c.acc,
			func(f can.Frame) {
				if c.accepts(f) {
					c.rx = append(c.rx, f)
				}
			},
			func(flags byte) { c.status = statusFromFlags(flags) },
		)
		if decErr != nil {
			metrics.IncError(metrics.ErrSerialRead)
			c.log.Warn("slcan_decode_error", "error", decErr)
		}
	}
	if err != nil {
		// tarm/serial reports a read timeout as EOF.
		if errors.Is(err, io.EOF) {
			return nil
		}
		metrics.IncError(metrics.ErrSerialRead)
		return fmt.Errorf("slcan read: %w", err)
	}
	return nil
}

func (c *Channel) pop(fr *can.Frame) bool {
	if len(c.rx) == 0 {
		return false
	}
	*fr = c.rx[0]
	c.rx = c.rx[1:]
	return true
}

func (c *Channel) accepts(f can.Frame) bool {
	if f.Err() {
		c.status = telemetry.StatusError
		return false
	}
	if len(c.filters) == 0 {
		return true
	}
	for _, flt := range c.filters {
		if f.ID()&flt.pattern == flt.mask&flt.pattern {
			return true
		}
	}
	return false
}

func statusFromFlags(flags byte) telemetry.Status {
	switch {
	case flags&(StatusBusError|StatusErrorPassive) != 0:
		return telemetry.StatusError
	case flags != 0:
		return telemetry.StatusWarning
	default:
		return telemetry.StatusOK
	}
}
