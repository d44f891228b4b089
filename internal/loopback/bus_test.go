package loopback

import (
	"errors"
	"testing"
	"time"

	"github.com/kstaniek/go-can-telemetry/internal/can"
	"github.com/kstaniek/go-can-telemetry/internal/telemetry"
)

func TestBus_DeliverBetweenEndpoints(t *testing.T) {
	bus := NewBus()
	a := bus.Endpoint()
	b := bus.Endpoint()
	if err := a.Start(500000, telemetry.ModeNormal); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := a.Transmit(can.New(0x123, []byte{0x01})); err != nil {
		t.Fatalf("Transmit: %v", err)
	}

	var fr can.Frame
	ok, err := b.Receive(&fr)
	if err != nil || !ok {
		t.Fatalf("peer receive: ok=%v err=%v", ok, err)
	}
	if fr.ID() != 0x123 || fr.Data[0] != 0x01 {
		t.Fatalf("frame = %+v", fr)
	}

	// normal mode: no echo to the sender
	if ok, _ := a.Receive(&fr); ok {
		t.Fatalf("sender echoed its own frame: %+v", fr)
	}
}

func TestEndpoint_LoopbackModeEchoes(t *testing.T) {
	bus := NewBus()
	a := bus.Endpoint()
	if err := a.Start(500000, telemetry.ModeLoopback); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := a.Transmit(can.New(0x42, []byte{0xEE})); err != nil {
		t.Fatalf("Transmit: %v", err)
	}
	var fr can.Frame
	ok, err := a.Receive(&fr)
	if err != nil || !ok {
		t.Fatalf("loopback echo missing: ok=%v err=%v", ok, err)
	}
	if fr.ID() != 0x42 {
		t.Fatalf("echo id = %#x", fr.ID())
	}
}

func TestEndpoint_FilterAppliedAtDelivery(t *testing.T) {
	bus := NewBus()
	a := bus.Endpoint()
	b := bus.Endpoint()
	if err := b.AddFilter(0x200, 0x7FF); err != nil {
		t.Fatalf("AddFilter: %v", err)
	}

	_ = a.Transmit(can.New(0x100, nil)) // filtered out
	_ = a.Transmit(can.New(0x200, []byte{0x05}))

	var fr can.Frame
	ok, _ := b.Receive(&fr)
	if !ok || fr.ID() != 0x200 {
		t.Fatalf("got ok=%v frame=%+v, want only 0x200 delivered", ok, fr)
	}
	if ok, _ := b.Receive(&fr); ok {
		t.Fatalf("filtered frame delivered: %+v", fr)
	}

	if err := b.ClearFilters(); err != nil {
		t.Fatalf("ClearFilters: %v", err)
	}
	_ = a.Transmit(can.New(0x100, nil))
	if ok, _ := b.Receive(&fr); !ok {
		t.Fatal("cleared filters should accept everything")
	}
}

// responder answers requests on reqID with the given payload until stop is
// closed.
func responder(ep *Endpoint, reqID uint32, payload []byte, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}
		var fr can.Frame
		ok, err := ep.Receive(&fr)
		if err != nil {
			return
		}
		if ok && fr.ID() == reqID && !fr.RTR() {
			_ = ep.Transmit(can.New(reqID, payload))
		}
		time.Sleep(100 * time.Microsecond)
	}
}

func TestPoller_OverLoopbackBus(t *testing.T) {
	bus := NewBus()
	node := bus.Endpoint()
	peer := bus.Endpoint()
	monitor := bus.Endpoint()
	_ = peer.Start(500000, telemetry.ModeNormal)

	stop := make(chan struct{})
	defer close(stop)
	go responder(peer, 0x200, []byte{0xAA, 0xBB}, stop)

	p, err := telemetry.New(node, 500000, 0x100, 50*time.Millisecond, false)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	v, err := p.PollSame(0x200, telemetry.CallAndResponse, telemetry.DataFrame, []byte{0x01, 0x02})
	if err != nil {
		t.Fatalf("PollSame: %v", err)
	}
	if v != 0xBBAA {
		t.Fatalf("value = %#x, want 0xBBAA", v)
	}

	// Inject a channel fault: the poll fails fast and the peer observes
	// one recovery frame carrying the node id.
	node.SetErrorStatus(telemetry.StatusError)
	if _, err := p.PollSame(0x300, telemetry.CallAndResponse, telemetry.DataFrame, nil); !errors.Is(err, telemetry.ErrChannel) {
		t.Fatalf("err = %v, want ErrChannel", err)
	}
	deadline := time.Now().Add(time.Second)
	seen := false
	for time.Now().Before(deadline) && !seen {
		var fr can.Frame
		ok, _ := monitor.Receive(&fr)
		if ok && fr.ID() == 0x100 && fr.Len == 0 {
			seen = true
		}
		time.Sleep(time.Millisecond)
	}
	if !seen {
		t.Fatal("recovery frame with node id not observed on the bus")
	}
}
