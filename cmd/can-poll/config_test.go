package main

import (
	"testing"
	"time"
)

func validConfig() *appConfig {
	return &appConfig{
		backend:      "slcan",
		serialDev:    "/dev/null",
		serialBaud:   115200,
		serialReadTO: 10 * time.Millisecond,
		canIf:        "can0",
		bitrate:      500000,
		nodeID:       0x100,
		header:       0x200,
		mode:         "call",
		kind:         "data",
		timeout:      100 * time.Millisecond,
		count:        1,
		interval:     time.Second,
		logFormat:    "text",
		logLevel:     "info",
	}
}

func TestConfigValidate_OK(t *testing.T) {
	if err := validConfig().validate(); err != nil {
		t.Fatalf("expected ok got %v", err)
	}
}

func TestConfigValidate_Errors(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*appConfig)
	}{
		{"badFormat", func(c *appConfig) { c.logFormat = "xx" }},
		{"badLevel", func(c *appConfig) { c.logLevel = "nope" }},
		{"badBackend", func(c *appConfig) { c.backend = "x" }},
		{"badMode", func(c *appConfig) { c.mode = "shout" }},
		{"badKind", func(c *appConfig) { c.kind = "fd" }},
		{"badBitrate", func(c *appConfig) { c.bitrate = 0 }},
		{"badSerialBaud", func(c *appConfig) { c.serialBaud = 0 }},
		{"badSerialTO", func(c *appConfig) { c.serialReadTO = 0 }},
		{"wideNodeID", func(c *appConfig) { c.nodeID = 0x800 }},
		{"wideHeader", func(c *appConfig) { c.header = 0x1000 }},
		{"wideFilter", func(c *appConfig) { c.filter = 0x800; c.hasFilter = true }},
		{"longPayload", func(c *appConfig) { c.payload = make([]byte, 9) }},
		{"negTimeout", func(c *appConfig) { c.timeout = -time.Second }},
		{"badCount", func(c *appConfig) { c.count = 0 }},
		{"negInterval", func(c *appConfig) { c.interval = -time.Second }},
	}
	for _, tc := range tests {
		base := validConfig()
		tc.mod(base)
		if err := base.validate(); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}

func TestConfig_PollFilterDefaultsToHeader(t *testing.T) {
	c := validConfig()
	if got := c.pollFilter(); got != 0x200 {
		t.Fatalf("pollFilter = %#x, want header", got)
	}
	c.filter = 0x300
	c.hasFilter = true
	if got := c.pollFilter(); got != 0x300 {
		t.Fatalf("pollFilter = %#x, want explicit filter", got)
	}
}

func TestSetIdentifiers(t *testing.T) {
	c := validConfig()
	if err := c.setIdentifiers("0x7FF", "512", "0x300", "01 02 aa"); err != nil {
		t.Fatalf("setIdentifiers: %v", err)
	}
	if c.nodeID != 0x7FF || c.header != 512 || !c.hasFilter || c.filter != 0x300 {
		t.Fatalf("parsed ids: %+v", c)
	}
	if len(c.payload) != 3 || c.payload[2] != 0xAA {
		t.Fatalf("payload = % X", c.payload)
	}

	for _, bad := range [][4]string{
		{"zz", "0x200", "", ""},
		{"0x100", "nope", "", ""},
		{"0x100", "0x200", "0xGG", ""},
		{"0x100", "0x200", "", "0xZZ"},
	} {
		c := validConfig()
		if err := c.setIdentifiers(bad[0], bad[1], bad[2], bad[3]); err == nil {
			t.Fatalf("setIdentifiers(%v): expected error", bad)
		}
	}
}
