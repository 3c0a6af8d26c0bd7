package tp

import (
	"fmt"
	"time"
)

// PDUType is the high nibble of the first protocol control byte.
type PDUType uint8

const (
	SingleFrameType      PDUType = 0
	FirstFrameType       PDUType = 1
	ConsecutiveFrameType PDUType = 2
	FlowControlType      PDUType = 3
)

func (t PDUType) String() string {
	switch t {
	case SingleFrameType:
		return "SingleFrame"
	case FirstFrameType:
		return "FirstFrame"
	case ConsecutiveFrameType:
		return "ConsecutiveFrame"
	case FlowControlType:
		return "FlowControl"
	default:
		return fmt.Sprintf("PDUType(%d)", uint8(t))
	}
}

// FlowStatus 定义了流控帧的状态。
type FlowStatus uint8

const (
	ContinueToSend FlowStatus = 0x00
	Wait           FlowStatus = 0x01
	Overflow       FlowStatus = 0x02
)

func (s FlowStatus) String() string {
	switch s {
	case ContinueToSend:
		return "CTS"
	case Wait:
		return "WAIT"
	case Overflow:
		return "OVFLW"
	default:
		return fmt.Sprintf("FlowStatus(%d)", uint8(s))
	}
}

// PDU is one of *SingleFrame, *FirstFrame, *ConsecutiveFrame or *FlowControlFrame.
type PDU interface {
	Type() PDUType
}

// SingleFrame is a complete message that fits in one CAN frame.
type SingleFrame struct {
	Data []byte
}

// FirstFrame opens a segmented message of TotalSize bytes. Lengths above
// 4095 use the escape encoding.
type FirstFrame struct {
	TotalSize uint32
	Data      []byte

	frameLen int // length of the CAN payload that carried it
}

// ConsecutiveFrame carries Data up to the end of the CAN frame, including any
// padding of the last frame. The receiver trims it to the message length.
type ConsecutiveFrame struct {
	SequenceNumber uint8
	Data           []byte

	frameLen int
}

// FlowControlFrame is the receiver's answer to a First Frame or a full block.
// STmin keeps its wire encoding; SeparationTime decodes it.
type FlowControlFrame struct {
	Status    FlowStatus
	BlockSize uint8
	STmin     byte
}

func (*SingleFrame) Type() PDUType      { return SingleFrameType }
func (*FirstFrame) Type() PDUType       { return FirstFrameType }
func (*ConsecutiveFrame) Type() PDUType { return ConsecutiveFrameType }
func (*FlowControlFrame) Type() PDUType { return FlowControlType }

// SeparationTime decodes STmin.
func (fc *FlowControlFrame) SeparationTime() time.Duration { return DecodeSTmin(fc.STmin) }

func (sf *SingleFrame) String() string { return fmt.Sprintf("SF [%d] % X", len(sf.Data), sf.Data) }
func (ff *FirstFrame) String() string {
	return fmt.Sprintf("FF total %d [%d] % X", ff.TotalSize, len(ff.Data), ff.Data)
}
func (cf *ConsecutiveFrame) String() string {
	return fmt.Sprintf("CF sn %d [%d] % X", cf.SequenceNumber, len(cf.Data), cf.Data)
}
func (fc *FlowControlFrame) String() string {
	return fmt.Sprintf("FC %s bs %d stmin 0x%02X", fc.Status, fc.BlockSize, fc.STmin)
}

// ValidSTmin reports whether b is a defined separation time value.
func ValidSTmin(b byte) bool {
	return b <= 0x7F || (b >= 0xF1 && b <= 0xF9)
}

// DecodeSTmin converts a separation time byte to a duration. Reserved values
// are read as the maximum of 127 ms.
func DecodeSTmin(b byte) time.Duration {
	switch {
	case b <= 0x7F:
		return time.Duration(b) * time.Millisecond
	case b >= 0xF1 && b <= 0xF9:
		return time.Duration(b-0xF0) * 100 * time.Microsecond
	default:
		return 127 * time.Millisecond
	}
}

// EncodeSTmin converts a duration to the smallest separation time byte that
// is not shorter than d. Durations above 127 ms saturate.
func EncodeSTmin(d time.Duration) byte {
	if d <= 0 {
		return 0
	}
	if d < time.Millisecond {
		n := (d + 100*time.Microsecond - 1) / (100 * time.Microsecond)
		if n <= 9 {
			return 0xF0 + byte(n)
		}
		return 0x01
	}
	ms := (d + time.Millisecond - 1) / time.Millisecond
	if ms > 0x7F {
		return 0x7F
	}
	return byte(ms)
}
