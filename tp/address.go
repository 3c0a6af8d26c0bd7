package tp

import (
	"fmt"

	"github.com/LoveWonYoung/canisotp/driver"
)

// Normal fixed addressing (29 bit) identifier bases, ISO 15765-2 table 5.
const (
	NormalFixedPhysical   uint32 = 0x18DA0000
	NormalFixedFunctional uint32 = 0x18DB0000
)

// NormalFixedID builds a 29 bit identifier carrying target and source address.
func NormalFixedID(base uint32, target, source byte) uint32 {
	return base&0x1FFF0000 | uint32(target)<<8 | uint32(source)
}

// Address identifies one session on the bus. TxID is the local identifier we
// transmit with; RxID is the remote identifier we accept.
type Address struct {
	TxID uint32
	RxID uint32

	// Tx29Bit and Rx29Bit select the extended frame format. NewAddress sets
	// them for identifiers above 0x7FF.
	Tx29Bit bool
	Rx29Bit bool

	txPrefix []byte
	rxPrefix []byte
}

// NewAddress resolves identifiers and extension bytes from cfg.
func NewAddress(localID, remoteID uint32, cfg Config) (Address, error) {
	if localID > driver.EFFMask {
		return Address{}, configErrorf("local id", "0x%X exceeds 29 bits", localID)
	}
	if remoteID > driver.EFFMask {
		return Address{}, configErrorf("remote id", "0x%X exceeds 29 bits", remoteID)
	}
	a := Address{
		TxID:    localID,
		RxID:    remoteID,
		Tx29Bit: localID > driver.SFFMask,
		Rx29Bit: remoteID > driver.SFFMask,
	}
	opts := cfg.Options
	if opts.Flags().Has(RxExtAddr) && !opts.Flags().Has(ExtendAddr) {
		return Address{}, configErrorf("flags", "RX_EXT_ADDR requires EXTEND_ADDR")
	}
	if opts.Flags().Has(ExtendAddr) {
		a.txPrefix = []byte{opts.ExtAddress()}
		rx := opts.ExtAddress()
		if opts.Flags().Has(RxExtAddr) {
			rx = opts.RxExtAddress()
		}
		a.rxPrefix = []byte{rx}
	}
	return a, nil
}

// TxPrefix is prepended to every transmitted payload.
func (a Address) TxPrefix() []byte { return a.txPrefix }

// RxPrefix must lead every received payload.
func (a Address) RxPrefix() []byte { return a.rxPrefix }

// Filter returns the receive filter a link should be bound with.
func (a Address) Filter() driver.Filter {
	return driver.Filter{{ID: a.RxID, Extended: a.Rx29Bit}}
}

// IsForMe reports whether f belongs to this session.
func (a Address) IsForMe(f driver.Frame) bool {
	if f.ID != a.RxID || f.Extended != a.Rx29Bit {
		return false
	}
	if len(a.rxPrefix) > 0 {
		return len(f.Data) > 0 && f.Data[0] == a.rxPrefix[0]
	}
	return true
}

// TxFrame wraps an encoded payload into a frame addressed to the peer.
func (a Address) TxFrame(payload []byte, ll LinkLayerOptions) driver.Frame {
	f := driver.Frame{ID: a.TxID, Extended: a.Tx29Bit, Data: payload}
	if ll.FD() {
		f.FD = true
		f.BRS = ll.TxFlags()&TxBRS != 0
		f.ESI = ll.TxFlags()&TxESI != 0
	}
	return f
}

func (a Address) String() string {
	s := fmt.Sprintf("tx 0x%X rx 0x%X", a.TxID, a.RxID)
	if len(a.txPrefix) > 0 {
		s += fmt.Sprintf(" ext 0x%02X/0x%02X", a.txPrefix[0], a.rxPrefix[0])
	}
	return s
}
