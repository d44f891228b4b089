// Package loopback provides an in-memory CAN bus for tests, simulations and
// the demo backend. Endpoints attached to one Bus exchange frames subject to
// each endpoint's acceptance filters.
package loopback

import (
	"sync"

	"github.com/kstaniek/go-can-telemetry/internal/can"
	"github.com/kstaniek/go-can-telemetry/internal/telemetry"
)

const endpointBuffer = 64

// Bus connects loopback endpoints.
type Bus struct {
	mu        sync.RWMutex
	endpoints []*Endpoint
}

func NewBus() *Bus { return &Bus{} }

// Endpoint attaches a new endpoint to the bus.
func (b *Bus) Endpoint() *Endpoint {
	ep := &Endpoint{
		bus: b,
		ch:  make(chan can.Frame, endpointBuffer),
	}
	b.mu.Lock()
	b.endpoints = append(b.endpoints, ep)
	b.mu.Unlock()
	return ep
}

type filter struct{ mask, pattern uint32 }

// Endpoint is one attachment point on a loopback bus. It implements
// telemetry.Channel. Acceptance filtering happens at delivery time, the way
// a hardware filter would.
type Endpoint struct {
	bus *Bus
	ch  chan can.Frame

	mu      sync.Mutex
	filters []filter
	mode    telemetry.BusMode
	started bool
	baud    int
	status  telemetry.Status
}

// Start records the bus parameters. In loopback mode the endpoint's own
// transmissions are delivered back to it.
func (e *Endpoint) Start(baudRate int, mode telemetry.BusMode) error {
	e.mu.Lock()
	e.baud = baudRate
	e.mode = mode
	e.started = true
	e.status = telemetry.StatusOK
	e.mu.Unlock()
	return nil
}

// Transmit delivers the frame to every other endpoint whose filters accept
// it (and to the sender itself in loopback mode). Full endpoint buffers
// drop, they do not block.
func (e *Endpoint) Transmit(f can.Frame) error {
	e.mu.Lock()
	echo := e.mode == telemetry.ModeLoopback
	e.mu.Unlock()

	e.bus.mu.RLock()
	targets := make([]*Endpoint, 0, len(e.bus.endpoints))
	for _, ep := range e.bus.endpoints {
		if ep != e || echo {
			targets = append(targets, ep)
		}
	}
	e.bus.mu.RUnlock()

	for _, t := range targets {
		t.deliver(f)
	}
	return nil
}

// Receive is non-blocking.
func (e *Endpoint) Receive(fr *can.Frame) (bool, error) {
	select {
	case f := <-e.ch:
		*fr = f
		return true, nil
	default:
		return false, nil
	}
}

// ErrorStatus returns the current (possibly injected) status.
func (e *Endpoint) ErrorStatus() telemetry.Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// SetErrorStatus injects a status for fault testing.
func (e *Endpoint) SetErrorStatus(st telemetry.Status) {
	e.mu.Lock()
	e.status = st
	e.mu.Unlock()
}

func (e *Endpoint) ClearFilters() error {
	e.mu.Lock()
	e.filters = nil
	e.mu.Unlock()
	return nil
}

func (e *Endpoint) AddFilter(mask, pattern uint32) error {
	e.mu.Lock()
	e.filters = append(e.filters, filter{mask: mask, pattern: pattern})
	e.mu.Unlock()
	return nil
}

func (e *Endpoint) deliver(f can.Frame) {
	if !e.accepts(f) {
		return
	}
	select {
	case e.ch <- f:
	default:
	}
}

func (e *Endpoint) accepts(f can.Frame) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.filters) == 0 {
		return true
	}
	for _, flt := range e.filters {
		if f.ID()&flt.pattern == flt.mask&flt.pattern {
			return true
		}
	}
	return false
}
