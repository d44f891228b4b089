package can

// SocketCAN flag bits for can_id (same values as <linux/can.h>)
const (
	CAN_EFF_FLAG = 0x80000000
	CAN_RTR_FLAG = 0x40000000
	CAN_ERR_FLAG = 0x20000000
	CAN_SFF_MASK = 0x7FF
	CAN_EFF_MASK = 0x1FFFFFFF
)

// MaxDataLen is the classic CAN payload limit.
const MaxDataLen = 8

// Frame is a single classic CAN frame. CANID carries EFF/RTR/ERR flags in
// its upper bits like SocketCAN. Len is payload length (0..8); only the
// first Len bytes of Data are valid.
type Frame struct {
	CANID uint32
	Len   uint8
	Data  [MaxDataLen]byte
}

// New builds a standard-identifier data frame. Data beyond MaxDataLen is
// truncated; callers validate length before this point.
func New(id uint32, data []byte) Frame {
	var f Frame
	f.CANID = id & CAN_SFF_MASK
	n := len(data)
	if n > MaxDataLen {
		n = MaxDataLen
	}
	f.Len = uint8(n)
	copy(f.Data[:], data[:n])
	return f
}

// ID returns the raw identifier with flag bits stripped.
func (f Frame) ID() uint32 {
	if f.CANID&CAN_EFF_FLAG != 0 {
		return f.CANID & CAN_EFF_MASK
	}
	return f.CANID & CAN_SFF_MASK
}

// Extended reports whether the frame uses a 29-bit identifier.
func (f Frame) Extended() bool { return f.CANID&CAN_EFF_FLAG != 0 }

// RTR reports the remote-transmission-request flag.
func (f Frame) RTR() bool { return f.CANID&CAN_RTR_FLAG != 0 }

// SetRTR sets or clears the remote-transmission-request flag.
func (f *Frame) SetRTR(on bool) {
	if on {
		f.CANID |= CAN_RTR_FLAG
	} else {
		f.CANID &^= CAN_RTR_FLAG
	}
}

// Err reports whether the frame is a bus error frame.
func (f Frame) Err() bool { return f.CANID&CAN_ERR_FLAG != 0 }

// Payload returns the valid payload slice (aliases Data).
func (f *Frame) Payload() []byte {
	n := f.Len
	if n > MaxDataLen {
		n = MaxDataLen
	}
	return f.Data[:n]
}

func (f Frame) CopyShallow() Frame { // handy for tests
	var g Frame
	g.CANID, g.Len = f.CANID, f.Len
	copy(g.Data[:], f.Data[:])
	return g
}
