package main

import (
	"os"
	"testing"
	"time"
)

func TestApplyEnvOverrides_Basic(t *testing.T) {
	base := validConfig()

	os.Setenv("CAN_POLL_BITRATE", "250000")
	os.Setenv("CAN_POLL_HEADER", "0x321")
	os.Setenv("CAN_POLL_FILTER", "0x322")
	os.Setenv("CAN_POLL_TIMEOUT", "250ms")
	os.Setenv("CAN_POLL_DEBUG", "true")
	os.Setenv("CAN_POLL_PAYLOAD", "DEADBEEF")
	t.Cleanup(func() {
		os.Unsetenv("CAN_POLL_BITRATE")
		os.Unsetenv("CAN_POLL_HEADER")
		os.Unsetenv("CAN_POLL_FILTER")
		os.Unsetenv("CAN_POLL_TIMEOUT")
		os.Unsetenv("CAN_POLL_DEBUG")
		os.Unsetenv("CAN_POLL_PAYLOAD")
	})
	if err := applyEnvOverrides(base, map[string]struct{}{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if base.bitrate != 250000 {
		t.Fatalf("expected bitrate override, got %d", base.bitrate)
	}
	if base.header != 0x321 {
		t.Fatalf("expected header override, got %#x", base.header)
	}
	if !base.hasFilter || base.filter != 0x322 {
		t.Fatalf("expected filter override, got %#x (set=%v)", base.filter, base.hasFilter)
	}
	if base.timeout != 250*time.Millisecond {
		t.Fatalf("expected timeout 250ms got %v", base.timeout)
	}
	if !base.debug {
		t.Fatalf("expected debug true")
	}
	if len(base.payload) != 4 || base.payload[0] != 0xDE {
		t.Fatalf("payload = % X", base.payload)
	}
}

func TestApplyEnvOverrides_FlagPrecedence(t *testing.T) {
	base := validConfig()
	os.Setenv("CAN_POLL_BITRATE", "125000")
	t.Cleanup(func() { os.Unsetenv("CAN_POLL_BITRATE") })
	// Simulate user passed -bitrate flag (so env should be ignored)
	if err := applyEnvOverrides(base, map[string]struct{}{"bitrate": {}}); err != nil {
		t.Fatalf("err: %v", err)
	}
	if base.bitrate != 500000 {
		t.Fatalf("expected bitrate unchanged 500000 got %d", base.bitrate)
	}
}

func TestApplyEnvOverrides_BadValue(t *testing.T) {
	base := validConfig()
	os.Setenv("CAN_POLL_TIMEOUT", "soon")
	t.Cleanup(func() { os.Unsetenv("CAN_POLL_TIMEOUT") })
	if err := applyEnvOverrides(base, map[string]struct{}{}); err == nil {
		t.Fatal("expected error for malformed duration")
	}
}
