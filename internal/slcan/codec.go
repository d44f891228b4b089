// Package slcan implements the Lawicel/SLCAN ASCII serial protocol and a
// telemetry channel on top of it.
package slcan

import (
	"bytes"
	"fmt"

	"github.com/kstaniek/go-can-telemetry/internal/can"
)

// Record terminator and adapter acknowledgements.
const (
	cr   = '\r'
	bell = 0x07 // adapter NACK, sent bare without a terminator
)

// Commands without frame payloads.
var (
	cmdOpen     = []byte("O\r")
	cmdLoopback = []byte("l\r")
	cmdClose    = []byte("C\r")
	cmdStatus   = []byte("F\r")
)

// SpeedCommand maps a CAN bitrate to the adapter's Sn setup command.
func SpeedCommand(bitrate int) ([]byte, error) {
	var n byte
	switch bitrate {
	case 10000:
		n = '0'
	case 20000:
		n = '1'
	case 50000:
		n = '2'
	case 100000:
		n = '3'
	case 125000:
		n = '4'
	case 250000:
		n = '5'
	case 500000:
		n = '6'
	case 800000:
		n = '7'
	case 1000000:
		n = '8'
	default:
		return nil, fmt.Errorf("slcan: unsupported bitrate %d", bitrate)
	}
	return []byte{'S', n, cr}, nil
}

type Codec struct{}

// Encode renders one classic CAN frame as a CR-terminated SLCAN record:
// t/T for data frames (standard/extended id), r/R for RTR frames.
func (Codec) Encode(f can.Frame) []byte {
	ext := f.Extended()
	var b bytes.Buffer
	switch {
	case f.RTR() && ext:
		b.WriteByte('R')
	case f.RTR():
		b.WriteByte('r')
	case ext:
		b.WriteByte('T')
	default:
		b.WriteByte('t')
	}
	if ext {
		fmt.Fprintf(&b, "%08X", f.ID())
	} else {
		fmt.Fprintf(&b, "%03X", f.ID())
	}
	n := int(f.Len)
	if n > can.MaxDataLen {
		n = can.MaxDataLen
	}
	b.WriteByte('0' + byte(n))
	if !f.RTR() {
		for _, d := range f.Data[:n] {
			fmt.Fprintf(&b, "%02X", d)
		}
	}
	b.WriteByte(cr)
	return b.Bytes()
}

// Decode parses one record (without the trailing CR) into a frame.
func (Codec) Decode(rec []byte) (can.Frame, error) {
	var f can.Frame
	if len(rec) == 0 {
		return f, fmt.Errorf("slcan: empty record")
	}
	kind := rec[0]
	var idLen int
	switch kind {
	case 't', 'r':
		idLen = 3
	case 'T', 'R':
		idLen = 8
	default:
		return f, fmt.Errorf("slcan: unknown record type %q", kind)
	}
	if len(rec) < 1+idLen+1 {
		return f, fmt.Errorf("slcan: truncated record %q", rec)
	}
	id, err := parseHex(rec[1 : 1+idLen])
	if err != nil {
		return f, fmt.Errorf("slcan: bad identifier in %q: %w", rec, err)
	}
	dlc := rec[1+idLen]
	if dlc < '0' || dlc > '8' {
		return f, fmt.Errorf("slcan: bad length %q", dlc)
	}
	n := int(dlc - '0')

	if idLen == 8 {
		f.CANID = (id & can.CAN_EFF_MASK) | can.CAN_EFF_FLAG
	} else {
		f.CANID = id & can.CAN_SFF_MASK
	}
	f.Len = uint8(n)
	if kind == 'r' || kind == 'R' {
		f.SetRTR(true)
		return f, nil
	}
	body := rec[1+idLen+1:]
	if len(body) != 2*n {
		return f, fmt.Errorf("slcan: record %q payload length %d, want %d", rec, len(body), 2*n)
	}
	for i := 0; i < n; i++ {
		v, err := parseHex(body[2*i : 2*i+2])
		if err != nil {
			return f, fmt.Errorf("slcan: bad payload in %q: %w", rec, err)
		}
		f.Data[i] = byte(v)
	}
	return f, nil
}

// ParseStatus extracts the status flag byte from an Fxx record.
func ParseStatus(rec []byte) (byte, error) {
	if len(rec) != 3 || rec[0] != 'F' {
		return 0, fmt.Errorf("slcan: malformed status record %q", rec)
	}
	v, err := parseHex(rec[1:])
	if err != nil {
		return 0, fmt.Errorf("slcan: bad status record %q: %w", rec, err)
	}
	return byte(v), nil
}

// Status flag bits reported by the F command (SJA1000 layout).
const (
	StatusRxFull       = 1 << 0
	StatusTxFull       = 1 << 1
	StatusErrorWarning = 1 << 2
	StatusOverrun      = 1 << 3
	StatusErrorPassive = 1 << 5
	StatusArbLost      = 1 << 6
	StatusBusError     = 1 << 7
)

// DecodeStream consumes complete records from acc, emitting decoded frames
// via onFrame and status flag bytes via onStatus. Acknowledgement records
// (bare CR, z/Z, version and bell bytes) are skipped. Incomplete trailing
// input stays in acc for the next call. The first malformed frame record
// stops the scan and is returned as an error with the record consumed.
func (c Codec) DecodeStream(acc *bytes.Buffer, onFrame func(can.Frame), onStatus func(byte)) error {
	for {
		data := acc.Bytes()
		// NACK bytes arrive without a terminator.
		start := 0
		for start < len(data) && data[start] == bell {
			start++
		}
		i := bytes.IndexByte(data[start:], cr)
		if i < 0 {
			if start > 0 {
				acc.Next(start)
			}
			return nil
		}
		rec := data[start : start+i]
		acc.Next(start + i + 1)
		if len(rec) == 0 {
			continue // command OK ack
		}
		switch rec[0] {
		case 't', 'T', 'r', 'R':
			f, err := c.Decode(rec)
			if err != nil {
				return err
			}
			onFrame(f)
		case 'F':
			if flags, err := ParseStatus(rec); err == nil {
				onStatus(flags)
			}
		default:
			// z/Z transmit acks, version/serial replies: ignore.
		}
	}
}

func parseHex(b []byte) (uint32, error) {
	var v uint32
	for _, c := range b {
		var d byte
		switch {
		case c >= '0' && c <= '9':
			d = c - '0'
		case c >= 'A' && c <= 'F':
			d = c - 'A' + 10
		case c >= 'a' && c <= 'f':
			d = c - 'a' + 10
		default:
			return 0, fmt.Errorf("invalid hex digit %q", c)
		}
		v = v<<4 | uint32(d)
	}
	return v, nil
}
