// Package telemetry implements a request/response polling helper for a CAN
// bus: send an optional query frame, narrow the acceptance filter, wait for
// a reply within a bounded window and decode its payload into a uint64.
package telemetry

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kstaniek/go-can-telemetry/internal/can"
	"github.com/kstaniek/go-can-telemetry/internal/logging"
	"github.com/kstaniek/go-can-telemetry/internal/metrics"
)

// BusMode selects how the channel is brought up.
type BusMode int

const (
	ModeNormal   BusMode = iota
	ModeLoopback         // test mode; frames loop back to the sender
)

// Status is the channel health reported by ErrorStatus.
type Status int

const (
	StatusOK Status = iota
	StatusWarning
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusWarning:
		return "warning"
	case StatusError:
		return "error"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Mode selects the poll behavior.
type Mode int

const (
	// CallAndResponse transmits a request frame before waiting for a reply.
	CallAndResponse Mode = iota
	// PassivePoll only waits for traffic matching the acceptance filter.
	PassivePoll
)

// FrameKind selects the RTR flag on the outgoing frame.
type FrameKind int

const (
	DataFrame FrameKind = iota
	RemoteFrame
)

// MaxPayload is the largest payload Poll accepts.
const MaxPayload = can.MaxDataLen

// Sentinel is the value returned alongside every poll failure.
const Sentinel = ^uint64(0)

// acceptPattern is the fixed filter pattern: match all 11 identifier bits.
const acceptPattern = 0x7FF

// defaultReceiveInterval bounds how far past the timeout a poll may run.
const defaultReceiveInterval = 500 * time.Microsecond

var (
	// ErrPayloadTooLong is returned when a payload exceeds MaxPayload bytes.
	ErrPayloadTooLong = errors.New("telemetry: payload exceeds 8 bytes")
	// ErrChannel is returned when the channel reports an error status
	// before the receive wait begins.
	ErrChannel = errors.New("telemetry: channel error")
	// ErrTimeout is returned when no frame arrives within the timeout.
	ErrTimeout = errors.New("telemetry: poll timeout")
)

// Channel is the bus collaborator a Poller drives. Implementations deliver
// only frames passing the active acceptance filter; the poller accepts the
// first delivered frame without further identifier matching.
//
// Transmit failures surface through ErrorStatus rather than being acted on
// per call; filters are cumulative until cleared.
type Channel interface {
	Start(baudRate int, mode BusMode) error
	Transmit(can.Frame) error
	// Receive is non-blocking: it reports whether a frame was available
	// and, if so, fills fr.
	Receive(fr *can.Frame) (bool, error)
	ErrorStatus() Status
	ClearFilters() error
	AddFilter(mask, pattern uint32) error
}

// Poller polls a CAN channel for single-frame replies. It borrows the
// channel: the channel must outlive the poller and must not be shared with
// another poller. A Poller is single-threaded by design; concurrent calls
// are not supported.
type Poller struct {
	ch       Channel
	baudRate int
	nodeID   uint32
	timeout  time.Duration
	debug    bool
	interval time.Duration
	log      *slog.Logger
}

// Option customizes a Poller at construction.
type Option func(*Poller)

// WithLogger sets the poller's logger (defaults to the global one).
func WithLogger(l *slog.Logger) Option {
	return func(p *Poller) {
		if l != nil {
			p.log = l
		}
	}
}

// WithReceiveInterval sets the sleep between receive attempts in the wait
// loop. Values <= 0 keep the default.
func WithReceiveInterval(d time.Duration) Option {
	return func(p *Poller) {
		if d > 0 {
			p.interval = d
		}
	}
}

// New starts the channel at baudRate (loopback mode when debug is set) and
// installs the default acceptance filter (mask = nodeID). Negative timeouts
// clamp to zero.
func New(ch Channel, baudRate int, nodeID uint32, timeout time.Duration, debug bool, opts ...Option) (*Poller, error) {
	p := &Poller{
		ch:       ch,
		baudRate: baudRate,
		nodeID:   nodeID,
		timeout:  clampTimeout(timeout),
		debug:    debug,
		interval: defaultReceiveInterval,
		log:      logging.L(),
	}
	for _, opt := range opts {
		opt(p)
	}
	mode := ModeNormal
	if debug {
		mode = ModeLoopback
	}
	if err := ch.Start(baudRate, mode); err != nil {
		return nil, fmt.Errorf("start channel: %w", err)
	}
	if err := p.setDefaultFilter(); err != nil {
		return nil, fmt.Errorf("install default filter: %w", err)
	}
	p.log.Debug("poller_up", "node_id", nodeID, "baud", baudRate, "timeout", p.timeout, "loopback", debug)
	return p, nil
}

// NodeID returns the configured node identity (also the default filter mask).
func (p *Poller) NodeID() uint32 { return p.nodeID }

// Timeout returns the current poll timeout.
func (p *Poller) Timeout() time.Duration { return p.timeout }

// SetTimeout replaces the poll timeout; it takes effect on the next Poll.
// Negative values clamp to zero.
func (p *Poller) SetTimeout(d time.Duration) { p.timeout = clampTimeout(d) }

// Poll narrows the acceptance filter to mask, optionally transmits a request
// frame with the given header, and waits for one matching reply.
//
// On success it returns the reply payload zero-extended to 8 bytes and read
// little-endian. On any failure it returns Sentinel together with one of
// ErrPayloadTooLong, ErrChannel or ErrTimeout (or a wrapped channel error).
// The default filter is restored on every exit path except the payload
// length violation, which performs no filter operations at all.
func (p *Poller) Poll(header, filter uint32, mode Mode, kind FrameKind, payload []byte) (uint64, error) {
	if len(payload) > MaxPayload {
		metrics.IncInvalidPayload()
		return Sentinel, ErrPayloadTooLong
	}

	if err := p.setFilter(filter); err != nil {
		metrics.IncError(metrics.ErrFilterInstall)
		p.restoreDefaultFilter()
		return Sentinel, fmt.Errorf("install filter 0x%03X: %w", filter, err)
	}

	if mode == CallAndResponse {
		req := can.New(header, payload)
		req.SetRTR(kind == RemoteFrame)
		// A transmit failure is not checked here; the status query below
		// covers it.
		_ = p.ch.Transmit(req)
		metrics.IncTx()
		p.log.Debug("poll_tx", "id", header, "len", req.Len, "rtr", req.RTR())
	}

	if st := p.ch.ErrorStatus(); st != StatusOK {
		p.recover(st)
		p.restoreDefaultFilter()
		metrics.IncChannelError()
		return Sentinel, fmt.Errorf("%w: status %s", ErrChannel, st)
	}

	var resp can.Frame
	start := time.Now()
	for {
		ok, err := p.ch.Receive(&resp)
		if err != nil {
			p.restoreDefaultFilter()
			metrics.IncError(metrics.ErrReceive)
			return Sentinel, fmt.Errorf("receive: %w", err)
		}
		if ok {
			p.restoreDefaultFilter()
			metrics.IncRx()
			v := decode(resp.Payload())
			p.log.Debug("poll_rx", "id", resp.ID(), "len", resp.Len, "value", v)
			return v, nil
		}
		if time.Since(start) >= p.timeout {
			p.restoreDefaultFilter()
			metrics.IncTimeout()
			return Sentinel, ErrTimeout
		}
		time.Sleep(p.interval)
	}
}

// PollSame polls with the acceptance filter equal to the request header,
// for the common case where request and reply share one identifier.
func (p *Poller) PollSame(header uint32, mode Mode, kind FrameKind, payload []byte) (uint64, error) {
	return p.Poll(header, header, mode, kind, payload)
}

// PollValue is the sentinel-only form of Poll for callers that do not
// distinguish failure kinds: every failure collapses to Sentinel.
func (p *Poller) PollValue(header, filter uint32, mode Mode, kind FrameKind, payload []byte) uint64 {
	v, _ := p.Poll(header, filter, mode, kind, payload)
	return v
}

// recover sends one best-effort clear frame addressed with the node's own
// id. It is a side effect of the error path, not a retry of the request.
func (p *Poller) recover(st Status) {
	_ = p.ch.Transmit(can.New(p.nodeID, nil))
	metrics.IncRecovery()
	p.log.Warn("channel_error", "status", st.String(), "recovery_id", p.nodeID)
}

// setFilter clears all filters and installs exactly one (mask, 0x7FF) pair.
func (p *Poller) setFilter(mask uint32) error {
	if err := p.ch.ClearFilters(); err != nil {
		return err
	}
	return p.ch.AddFilter(mask, acceptPattern)
}

func (p *Poller) setDefaultFilter() error { return p.setFilter(p.nodeID) }

// restoreDefaultFilter reinstates the node-id filter on poll exit paths.
// A failure here must not mask the poll result, so it is only logged.
func (p *Poller) restoreDefaultFilter() {
	if err := p.setDefaultFilter(); err != nil {
		metrics.IncError(metrics.ErrFilterInstall)
		p.log.Warn("default_filter_restore_failed", "error", err)
	}
}

// decode zero-extends b to 8 bytes and reads it little-endian. The byte
// order is fixed rather than host-dependent so decoded values are portable
// across platforms.
func decode(b []byte) uint64 {
	var buf [8]byte
	copy(buf[:], b)
	return binary.LittleEndian.Uint64(buf[:])
}

func clampTimeout(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}
