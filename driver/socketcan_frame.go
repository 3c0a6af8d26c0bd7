package driver

import (
	"encoding/binary"
	"fmt"
)

// Sizes of struct can_frame and struct canfd_frame.
const (
	CANMTU   = 16
	CANFDMTU = 72
)

// canfd_frame.flags
const (
	canfdBRS = 0x01
	canfdESI = 0x02
	canfdFDF = 0x04
)

// marshalRaw lays f out as can_frame (classic) or canfd_frame (FD).
func marshalRaw(f Frame) ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	size := CANMTU
	if f.FD {
		size = CANFDMTU
	}
	buf := make([]byte, size)
	binary.LittleEndian.PutUint32(buf[0:4], f.RawID())
	buf[4] = byte(len(f.Data))
	if f.FD {
		flags := byte(canfdFDF)
		if f.BRS {
			flags |= canfdBRS
		}
		if f.ESI {
			flags |= canfdESI
		}
		buf[5] = flags
	}
	copy(buf[8:], f.Data)
	return buf, nil
}

// unmarshalRaw decodes a can_frame or canfd_frame read from a raw socket.
func unmarshalRaw(buf []byte) (Frame, IDFlags, error) {
	if len(buf) != CANMTU && len(buf) != CANFDMTU {
		return Frame{}, 0, fmt.Errorf("driver: short raw frame of %d bytes", len(buf))
	}
	id, flags := ParseRawID(binary.LittleEndian.Uint32(buf[0:4]))
	n := int(buf[4])
	limit := len(buf) - 8
	if n > limit {
		return Frame{}, flags, fmt.Errorf("driver: raw frame length %d exceeds %d", n, limit)
	}
	f := Frame{
		ID:       id,
		Extended: flags.Has(FlagEFF),
		FD:       len(buf) == CANFDMTU,
		Data:     append([]byte(nil), buf[8:8+n]...),
	}
	if f.FD {
		f.BRS = buf[5]&canfdBRS != 0
		f.ESI = buf[5]&canfdESI != 0
	}
	return f, flags, nil
}
