package main

import (
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kstaniek/go-can-telemetry/internal/can"
)

type appConfig struct {
	backend      string
	serialDev    string
	serialBaud   int
	serialReadTO time.Duration
	canIf        string
	bitrate      int

	nodeID    uint32
	header    uint32
	filter    uint32
	hasFilter bool
	mode      string
	kind      string
	payload   []byte

	timeout  time.Duration
	count    int
	interval time.Duration
	debug    bool

	logFormat       string
	logLevel        string
	metricsAddr     string
	logMetricsEvery time.Duration
	mdnsEnable      bool
	mdnsName        string
}

func parseFlags() (*appConfig, bool) {
	cfg := &appConfig{}
	backend := flag.String("backend", "slcan", "CAN backend: slcan|socketcan|loopback")
	serialDev := flag.String("serial", "/dev/ttyUSB0", "Serial device path (slcan backend)")
	serialBaud := flag.Int("serial-baud", 115200, "Serial port baud rate (slcan backend)")
	serialReadTO := flag.Duration("serial-read-timeout", 10*time.Millisecond, "Serial read timeout")
	canIf := flag.String("can-if", "can0", "SocketCAN interface (when --backend=socketcan)")
	bitrate := flag.Int("bitrate", 500000, "CAN bus bitrate")
	nodeID := flag.String("node-id", "0x100", "This node's CAN identifier (default filter mask)")
	header := flag.String("header", "0x200", "Outgoing frame identifier")
	filter := flag.String("filter", "", "Acceptance filter mask for the poll (defaults to header)")
	mode := flag.String("mode", "call", "Poll mode: call|passive")
	kind := flag.String("kind", "data", "Frame kind: data|remote")
	payload := flag.String("payload", "", "Request payload as hex bytes (max 8)")
	timeout := flag.Duration("timeout", 100*time.Millisecond, "Poll timeout")
	count := flag.Int("count", 1, "Number of polls to run")
	interval := flag.Duration("interval", time.Second, "Delay between polls")
	debug := flag.Bool("debug", false, "Start the channel in loopback/test mode")
	logFormat := flag.String("log-format", "text", "Log format: text|json")
	logLevel := flag.String("log-level", "info", "Log level: debug|info|warn|error")
	metricsAddr := flag.String("metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	logMetricsEvery := flag.Duration("log-metrics-interval", 0, "If >0, periodically log metrics counters (for non-Prometheus setups)")
	mdnsEnable := flag.Bool("mdns-enable", false, "Advertise the metrics endpoint via mDNS")
	mdnsName := flag.String("mdns-name", "", "mDNS instance name (default can-poll-<hostname>)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	// Track which flags were explicitly set to give them precedence over env.
	setFlags := map[string]struct{}{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })
	cfg.backend = *backend
	cfg.serialDev = *serialDev
	cfg.serialBaud = *serialBaud
	cfg.serialReadTO = *serialReadTO
	cfg.canIf = *canIf
	cfg.bitrate = *bitrate
	cfg.mode = *mode
	cfg.kind = *kind
	cfg.timeout = *timeout
	cfg.count = *count
	cfg.interval = *interval
	cfg.debug = *debug
	cfg.logFormat = *logFormat
	cfg.logLevel = *logLevel
	cfg.metricsAddr = *metricsAddr
	cfg.logMetricsEvery = *logMetricsEvery
	cfg.mdnsEnable = *mdnsEnable
	cfg.mdnsName = *mdnsName

	if err := cfg.setIdentifiers(*nodeID, *header, *filter, *payload); err != nil {
		fmt.Printf("configuration error: %v\n", err)
		return nil, *showVersion
	}
	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		fmt.Printf("environment override error: %v\n", err)
		return nil, *showVersion
	}
	if err := cfg.validate(); err != nil {
		fmt.Printf("configuration error: %v\n", err)
		return nil, *showVersion
	}
	return cfg, *showVersion
}

// setIdentifiers parses the id/payload string flags into typed fields.
func (c *appConfig) setIdentifiers(nodeID, header, filter, payload string) error {
	var err error
	if c.nodeID, err = parseID(nodeID); err != nil {
		return fmt.Errorf("invalid node-id: %w", err)
	}
	if c.header, err = parseID(header); err != nil {
		return fmt.Errorf("invalid header: %w", err)
	}
	if filter != "" {
		if c.filter, err = parseID(filter); err != nil {
			return fmt.Errorf("invalid filter: %w", err)
		}
		c.hasFilter = true
	}
	if payload != "" {
		if c.payload, err = parsePayload(payload); err != nil {
			return fmt.Errorf("invalid payload: %w", err)
		}
	}
	return nil
}

// validate performs basic semantic validation of the parsed configuration.
// It does not attempt to open devices – only checks values/ranges.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	switch c.backend {
	case "slcan", "socketcan", "loopback":
	default:
		return fmt.Errorf("invalid backend: %s", c.backend)
	}
	switch c.mode {
	case "call", "passive":
	default:
		return fmt.Errorf("invalid mode: %s", c.mode)
	}
	switch c.kind {
	case "data", "remote":
	default:
		return fmt.Errorf("invalid kind: %s", c.kind)
	}
	if c.bitrate <= 0 {
		return fmt.Errorf("bitrate must be > 0 (got %d)", c.bitrate)
	}
	if c.serialBaud <= 0 {
		return fmt.Errorf("serial-baud must be > 0 (got %d)", c.serialBaud)
	}
	if c.serialReadTO <= 0 {
		return fmt.Errorf("serial-read-timeout must be > 0")
	}
	if c.nodeID > can.CAN_SFF_MASK {
		return fmt.Errorf("node-id 0x%X exceeds 11 bits", c.nodeID)
	}
	if c.header > can.CAN_SFF_MASK {
		return fmt.Errorf("header 0x%X exceeds 11 bits", c.header)
	}
	if c.hasFilter && c.filter > can.CAN_SFF_MASK {
		return fmt.Errorf("filter 0x%X exceeds 11 bits", c.filter)
	}
	if len(c.payload) > can.MaxDataLen {
		return fmt.Errorf("payload is %d bytes, max %d", len(c.payload), can.MaxDataLen)
	}
	if c.timeout < 0 {
		return fmt.Errorf("timeout must be >= 0")
	}
	if c.count <= 0 {
		return fmt.Errorf("count must be > 0 (got %d)", c.count)
	}
	if c.interval < 0 {
		return fmt.Errorf("interval must be >= 0")
	}
	return nil
}

// pollFilter returns the acceptance filter mask, defaulting to the header.
func (c *appConfig) pollFilter() uint32 {
	if c.hasFilter {
		return c.filter
	}
	return c.header
}

// applyEnvOverrides maps CAN_POLL_* environment variables to config fields
// unless a corresponding flag was explicitly set. Empty values are ignored.
// Durations accept Go time.ParseDuration format; identifiers accept 0x hex.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	get := func(k string) (string, bool) { v, ok := os.LookupEnv(k); return strings.TrimSpace(v), ok }
	str := func(flagName, env string, dst *string) {
		if _, ok := set[flagName]; ok {
			return
		}
		if v, ok := get(env); ok && v != "" {
			*dst = v
		}
	}
	num := func(flagName, env string, dst *int) {
		if _, ok := set[flagName]; ok {
			return
		}
		if v, ok := get(env); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			} else if firstErr == nil {
				firstErr = fmt.Errorf("invalid %s: %w", env, err)
			}
		}
	}
	dur := func(flagName, env string, dst *time.Duration) {
		if _, ok := set[flagName]; ok {
			return
		}
		if v, ok := get(env); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			} else if firstErr == nil {
				firstErr = fmt.Errorf("invalid %s: %w", env, err)
			}
		}
	}
	id := func(flagName, env string, dst *uint32) {
		if _, ok := set[flagName]; ok {
			return
		}
		if v, ok := get(env); ok && v != "" {
			if n, err := parseID(v); err == nil {
				*dst = n
			} else if firstErr == nil {
				firstErr = fmt.Errorf("invalid %s: %w", env, err)
			}
		}
	}
	boolean := func(flagName, env string, dst *bool) {
		if _, ok := set[flagName]; ok {
			return
		}
		if v, ok := get(env); ok && v != "" {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				*dst = true
			case "0", "false", "no", "off":
				*dst = false
			}
		}
	}

	str("backend", "CAN_POLL_BACKEND", &c.backend)
	str("serial", "CAN_POLL_SERIAL", &c.serialDev)
	num("serial-baud", "CAN_POLL_SERIAL_BAUD", &c.serialBaud)
	dur("serial-read-timeout", "CAN_POLL_SERIAL_READ_TIMEOUT", &c.serialReadTO)
	str("can-if", "CAN_POLL_IF", &c.canIf)
	num("bitrate", "CAN_POLL_BITRATE", &c.bitrate)
	id("node-id", "CAN_POLL_NODE_ID", &c.nodeID)
	id("header", "CAN_POLL_HEADER", &c.header)
	if _, ok := set["filter"]; !ok {
		if v, ok := get("CAN_POLL_FILTER"); ok && v != "" {
			if n, err := parseID(v); err == nil {
				c.filter = n
				c.hasFilter = true
			} else if firstErr == nil {
				firstErr = fmt.Errorf("invalid CAN_POLL_FILTER: %w", err)
			}
		}
	}
	str("mode", "CAN_POLL_MODE", &c.mode)
	str("kind", "CAN_POLL_KIND", &c.kind)
	if _, ok := set["payload"]; !ok {
		if v, ok := get("CAN_POLL_PAYLOAD"); ok && v != "" {
			if b, err := parsePayload(v); err == nil {
				c.payload = b
			} else if firstErr == nil {
				firstErr = fmt.Errorf("invalid CAN_POLL_PAYLOAD: %w", err)
			}
		}
	}
	dur("timeout", "CAN_POLL_TIMEOUT", &c.timeout)
	num("count", "CAN_POLL_COUNT", &c.count)
	dur("interval", "CAN_POLL_INTERVAL", &c.interval)
	boolean("debug", "CAN_POLL_DEBUG", &c.debug)
	str("log-format", "CAN_POLL_LOG_FORMAT", &c.logFormat)
	str("log-level", "CAN_POLL_LOG_LEVEL", &c.logLevel)
	if _, ok := set["metrics-addr"]; !ok {
		if v, ok := get("CAN_POLL_METRICS"); ok {
			c.metricsAddr = v
		}
	}
	dur("log-metrics-interval", "CAN_POLL_LOG_METRICS_INTERVAL", &c.logMetricsEvery)
	boolean("mdns-enable", "CAN_POLL_MDNS_ENABLE", &c.mdnsEnable)
	str("mdns-name", "CAN_POLL_MDNS_NAME", &c.mdnsName)
	return firstErr
}

// parseID parses a CAN identifier, accepting decimal or 0x-prefixed hex.
func parseID(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}

// parsePayload decodes hex bytes, tolerating spaces and an 0x prefix.
func parsePayload(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.ToLower(s), "0x")
	s = strings.ReplaceAll(s, " ", "")
	return hex.DecodeString(s)
}
