//go:build linux

package socketcan

import (
	"encoding/binary"
	"fmt"
	"net"

	"golang.org/x/sys/unix"

	"github.com/kstaniek/go-can-telemetry/internal/can"
	"github.com/kstaniek/go-can-telemetry/internal/metrics"
	"github.com/kstaniek/go-can-telemetry/internal/telemetry"
)

// canErrMask selects all error classes (linux/can/error.h CAN_ERR_MASK).
const canErrMask = 0x1FFFFFFF

// Device is a raw SocketCAN channel implementing telemetry.Channel.
// The interface bitrate is kernel-managed (ip link set ... bitrate);
// Start records the requested rate but cannot program it from a raw socket.
type Device struct {
	fd      int
	iface   string
	status  telemetry.Status
	filters []unix.CanFilter
}

func Open(iface string) (*Device, error) {
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("socket(AF_CAN): %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FD_FRAMES, 0); err != nil {
		// Older kernels may not know this option; ignore ENOPROTOOPT
		if err != unix.ENOPROTOOPT {
			_ = unix.Close(fd)
			return nil, fmt.Errorf("disable CAN FD: %w", err)
		}
	}
	// Deliver bus error frames so ErrorStatus can observe them.
	if err := unix.SetsockoptInt(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_ERR_FILTER, canErrMask); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("enable error frames: %w", err)
	}
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("if %q: %w", iface, err)
	}
	sa := &unix.SockaddrCAN{Ifindex: ifi.Index}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("bind(can@%s): %w", iface, err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("set nonblock: %w", err)
	}
	return &Device{fd: fd, iface: iface}, nil
}

// Start configures the socket for the requested mode. Loopback mode echoes
// our own transmissions back to the socket, which is what the poller's
// debug flag expects.
func (d *Device) Start(bitrate int, mode telemetry.BusMode) error {
	recvOwn := 0
	if mode == telemetry.ModeLoopback {
		recvOwn = 1
		if err := unix.SetsockoptInt(d.fd, unix.SOL_CAN_RAW, unix.CAN_RAW_LOOPBACK, 1); err != nil {
			return fmt.Errorf("enable loopback: %w", err)
		}
	}
	if err := unix.SetsockoptInt(d.fd, unix.SOL_CAN_RAW, unix.CAN_RAW_RECV_OWN_MSGS, recvOwn); err != nil {
		return fmt.Errorf("recv own msgs: %w", err)
	}
	d.status = telemetry.StatusOK
	return nil
}

func (d *Device) Close() error { return unix.Close(d.fd) }

// Transmit writes one classic CAN frame. Write failures latch the error
// status for the poller's status check.
func (d *Device) Transmit(fr can.Frame) error {
	var buf [unix.CAN_MTU]byte
	binary.LittleEndian.PutUint32(buf[0:4], fr.CANID)
	buf[4] = fr.Len
	copy(buf[8:], fr.Data[:fr.Len])
	if _, err := unix.Write(d.fd, buf[:]); err != nil {
		d.status = telemetry.StatusError
		return fmt.Errorf("socketcan write: %w", err)
	}
	return nil
}

// Receive performs one non-blocking read. Error frames latch the status and
// are not delivered as data.
func (d *Device) Receive(fr *can.Frame) (bool, error) {
	var buf [unix.CAN_MTU]byte
	n, err := unix.Read(d.fd, buf[:])
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR {
			return false, nil
		}
		metrics.IncError(metrics.ErrSocketCANRead)
		return false, fmt.Errorf("socketcan read: %w", err)
	}
	if n != unix.CAN_MTU {
		metrics.IncError(metrics.ErrSocketCANRead)
		return false, fmt.Errorf("short read: %d", n)
	}

	// struct can_frame (linux/can.h):
	//   can_id  u32   [0:4]  (includes EFF/RTR/ERR flags)
	//   can_dlc u8    [4]
	//   pad     3B    [5:8]
	//   data    [8]   [8:16]
	//
	// The kernel provides fields in host byte order. On common Linux archs
	// (little-endian) this matches binary.LittleEndian.
	id := binary.LittleEndian.Uint32(buf[0:4])
	if id&can.CAN_ERR_FLAG != 0 {
		d.status = telemetry.StatusError
		return false, nil
	}
	dlc := int(buf[4])
	if dlc > can.MaxDataLen {
		dlc = can.MaxDataLen
	}

	fr.CANID = id
	fr.Len = uint8(dlc)
	copy(fr.Data[:], buf[8:8+dlc])
	return true, nil
}

// ErrorStatus returns the health latched by Transmit/Receive.
func (d *Device) ErrorStatus() telemetry.Status { return d.status }

// ClearFilters installs the kernel's match-everything filter.
func (d *Device) ClearFilters() error {
	d.filters = nil
	all := []unix.CanFilter{{Id: 0, Mask: 0}}
	if err := unix.SetsockoptCanRawFilter(d.fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FILTER, all); err != nil {
		return fmt.Errorf("clear filters: %w", err)
	}
	return nil
}

// AddFilter accepts frames where id&pattern == mask&pattern; filters are
// cumulative until cleared.
func (d *Device) AddFilter(mask, pattern uint32) error {
	d.filters = append(d.filters, unix.CanFilter{Id: mask, Mask: pattern})
	if err := unix.SetsockoptCanRawFilter(d.fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FILTER, d.filters); err != nil {
		return fmt.Errorf("install filters: %w", err)
	}
	return nil
}
