package tp

import (
	"encoding/binary"
	"fmt"
)

const (
	pciSingleFrame      = 0x00
	pciFirstFrame       = 0x10
	pciConsecutiveFrame = 0x20
	pciFlowControl      = 0x30

	// MaxClassicMessageSize fits the 12 bit First Frame length field.
	MaxClassicMessageSize = 4095
	// MaxEscapedMessageSize fits the 32 bit escape length field.
	MaxEscapedMessageSize = 1<<32 - 1

	classicDL = 8
)

var fdLengths = []int{8, 12, 16, 20, 24, 32, 48, 64}

// padLen rounds n up to the next padded frame length: 8 for classic
// frames, the next valid DLC length for CAN FD.
func padLen(n int) int {
	for _, l := range fdLengths {
		if n <= l {
			return l
		}
	}
	return fdLengths[len(fdLengths)-1]
}

// Codec converts PDUs to CAN payloads and back for one session.
type Codec struct {
	txDL     int
	fd       bool
	txPrefix []byte
	rxPrefix []byte

	txPadding bool
	txPad     byte

	rxPadding  bool
	chkPadLen  bool
	chkPadData bool
	rxPad      byte
}

// NewCodec derives the framing parameters from cfg and the session address.
func NewCodec(cfg Config, addr Address) Codec {
	opts := cfg.Options
	return Codec{
		txDL:       int(cfg.LinkLayer.TxDL()),
		fd:         cfg.LinkLayer.FD(),
		txPrefix:   addr.TxPrefix(),
		rxPrefix:   addr.RxPrefix(),
		txPadding:  opts.Flags().Has(TxPadding),
		txPad:      opts.TxPadContent(),
		rxPadding:  opts.Flags().Has(RxPadding),
		chkPadLen:  opts.Flags().Has(ChkPadLen),
		chkPadData: opts.Flags().Has(ChkPadData),
		rxPad:      opts.RxPadContent(),
	}
}

// SingleFrameCapacity is the largest message sent as a Single Frame.
func (c Codec) SingleFrameCapacity() int {
	short := classicDL - 1 - len(c.txPrefix)
	if c.txDL > classicDL {
		if escaped := c.txDL - 2 - len(c.txPrefix); escaped > short {
			return escaped
		}
	}
	return short
}

// FirstFrameCapacity is the number of message bytes a First Frame carries.
func (c Codec) FirstFrameCapacity(total int) int {
	header := 2
	if total > MaxClassicMessageSize {
		header = 6
	}
	return c.txDL - header - len(c.txPrefix)
}

// ConsecutiveFrameCapacity is the number of message bytes per Consecutive Frame.
func (c Codec) ConsecutiveFrameCapacity() int {
	return c.txDL - 1 - len(c.txPrefix)
}

// Encode builds the CAN payload for p.
func (c Codec) Encode(p PDU) ([]byte, error) {
	out := make([]byte, 0, c.txDL)
	out = append(out, c.txPrefix...)
	short := classicDL - 1 - len(c.txPrefix)

	switch p := p.(type) {
	case *SingleFrame:
		n := len(p.Data)
		switch {
		case n == 0:
			return nil, fmt.Errorf("single frame without data")
		case n <= short:
			out = append(out, pciSingleFrame|byte(n))
		case c.txDL > classicDL && n <= c.txDL-2-len(c.txPrefix):
			out = append(out, pciSingleFrame, byte(n))
		default:
			return nil, fmt.Errorf("%d bytes do not fit a single frame of %d", n, c.txDL)
		}
		out = append(out, p.Data...)
	case *FirstFrame:
		if p.TotalSize <= MaxClassicMessageSize {
			out = append(out, pciFirstFrame|byte(p.TotalSize>>8&0x0F), byte(p.TotalSize))
		} else {
			out = append(out, pciFirstFrame, 0x00)
			out = binary.BigEndian.AppendUint32(out, p.TotalSize)
		}
		out = append(out, p.Data...)
	case *ConsecutiveFrame:
		out = append(out, pciConsecutiveFrame|p.SequenceNumber&0x0F)
		out = append(out, p.Data...)
	case *FlowControlFrame:
		out = append(out, pciFlowControl|byte(p.Status&0x0F), p.BlockSize, p.STmin)
	default:
		return nil, fmt.Errorf("unknown PDU %T", p)
	}

	if len(out) > c.txDL {
		return nil, fmt.Errorf("%s needs %d bytes, tx_dl is %d", p.Type(), len(out), c.txDL)
	}
	return c.pad(out), nil
}

func (c Codec) pad(out []byte) []byte {
	target := len(out)
	if c.txPadding || len(out) > classicDL {
		target = padLen(len(out))
	}
	for len(out) < target {
		out = append(out, c.txPad)
	}
	return out
}

// Decode parses a received CAN payload. The receive address extension, if
// any, must lead the payload and is stripped.
func (c Codec) Decode(raw []byte) (PDU, error) {
	frameLen := len(raw)
	p := raw
	if len(c.rxPrefix) > 0 {
		if len(p) < 1 {
			return nil, newDecodeError(Truncated, "missing address extension")
		}
		if p[0] != c.rxPrefix[0] {
			return nil, newDecodeError(AddressMismatch, "got 0x%02X, want 0x%02X", p[0], c.rxPrefix[0])
		}
		p = p[1:]
	}
	if len(p) == 0 {
		return nil, newDecodeError(Truncated, "empty payload")
	}
	ae := len(c.rxPrefix)

	switch PDUType(p[0] >> 4) {
	case SingleFrameType:
		var dl, start int
		if frameLen <= classicDL {
			dl, start = int(p[0]&0x0F), 1
			if dl == 0 {
				return nil, newDecodeError(InvalidLength, "single frame length 0")
			}
			if dl > classicDL-1-ae {
				return nil, newDecodeError(InvalidLength, "single frame length %d", dl)
			}
		} else {
			if p[0]&0x0F != 0 {
				return nil, newDecodeError(InvalidLength, "CAN FD single frame without escape")
			}
			if len(p) < 2 {
				return nil, newDecodeError(Truncated, "escaped single frame")
			}
			dl, start = int(p[1]), 2
			if dl == 0 {
				return nil, newDecodeError(InvalidLength, "escaped single frame length 0")
			}
		}
		if dl > len(p)-start {
			return nil, newDecodeError(Truncated, "single frame announces %d bytes, has %d", dl, len(p)-start)
		}
		if err := c.checkPad(raw, ae+start+dl); err != nil {
			return nil, err
		}
		return &SingleFrame{Data: p[start : start+dl]}, nil

	case FirstFrameType:
		if frameLen < classicDL {
			return nil, newDecodeError(InvalidLength, "first frame of %d bytes does not fill the frame", frameLen)
		}
		if len(p) < 2 {
			return nil, newDecodeError(Truncated, "first frame header")
		}
		total := uint32(p[0]&0x0F)<<8 | uint32(p[1])
		start := 2
		if total == 0 {
			if len(p) < 6 {
				return nil, newDecodeError(Truncated, "escaped first frame header")
			}
			total = binary.BigEndian.Uint32(p[2:6])
			start = 6
			if total == 0 {
				return nil, newDecodeError(InvalidLength, "first frame length 0")
			}
			if total <= MaxClassicMessageSize {
				return nil, newDecodeError(InvalidLength, "escaped first frame length %d", total)
			}
		}
		data := p[start:]
		if int64(total) <= int64(len(data)) {
			return nil, newDecodeError(InvalidLength, "first frame length %d fits into the frame", total)
		}
		return &FirstFrame{TotalSize: total, Data: data, frameLen: frameLen}, nil

	case ConsecutiveFrameType:
		if len(p) < 2 {
			return nil, newDecodeError(Truncated, "consecutive frame without data")
		}
		return &ConsecutiveFrame{SequenceNumber: p[0] & 0x0F, Data: p[1:], frameLen: frameLen}, nil

	case FlowControlType:
		if len(p) < 3 {
			return nil, newDecodeError(Truncated, "flow control frame of %d bytes", len(p))
		}
		status := FlowStatus(p[0] & 0x0F)
		if status > Overflow {
			return nil, newDecodeError(InvalidFlowStatus, "flow status %d", status)
		}
		if err := c.checkPad(raw, ae+3); err != nil {
			return nil, err
		}
		return &FlowControlFrame{Status: status, BlockSize: p[1], STmin: p[2]}, nil

	default:
		return nil, newDecodeError(UnknownType, "PCI 0x%02X", p[0])
	}
}

// CheckPadding validates the padding of the last consecutive frame, of which
// used data bytes belong to the message.
func (c Codec) CheckPadding(cf *ConsecutiveFrame, used int) error {
	raw := make([]byte, 0, cf.frameLen)
	raw = append(raw, c.rxPrefix...)
	raw = append(raw, pciConsecutiveFrame|cf.SequenceNumber)
	raw = append(raw, cf.Data...)
	return c.checkPad(raw, len(c.rxPrefix)+1+used)
}

// checkPad applies ChkPadLen and ChkPadData to raw, whose first end bytes are protocol content.
func (c Codec) checkPad(raw []byte, end int) error {
	if !c.chkPadLen && !c.chkPadData {
		return nil
	}
	if !c.rxPadding {
		// unpadded frames must be exactly as long as their content
		if c.chkPadLen && len(raw) <= classicDL && len(raw) != end {
			return newDecodeError(InvalidPadding, "unexpected padding, %d bytes for %d", len(raw), end)
		}
		return nil
	}
	if c.chkPadLen {
		if want := padLen(len(raw)); len(raw) != want {
			return newDecodeError(InvalidPadding, "frame length %d, want %d", len(raw), want)
		}
	}
	if c.chkPadData {
		for i := end; i < len(raw); i++ {
			if raw[i] != c.rxPad {
				return newDecodeError(InvalidPadding, "byte %d is 0x%02X, want 0x%02X", i, raw[i], c.rxPad)
			}
		}
	}
	return nil
}
