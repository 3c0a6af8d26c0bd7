package tp

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"time"
)

// Flags selects protocol behaviour. The bit values are those of the Linux
// can-isotp socket options so that option records can be exchanged with it.
type Flags uint32

const (
	ListenMode   Flags = 0x001 // never transmit flow control
	ExtendAddr   Flags = 0x002 // first payload byte is an address extension
	TxPadding    Flags = 0x004 // pad transmitted frames to tx_dl
	RxPadding    Flags = 0x008 // expect padded received frames
	ChkPadLen    Flags = 0x010 // reject received frames shorter than 8 bytes
	ChkPadData   Flags = 0x020 // reject received padding not equal to rxpad content
	HalfDuplex   Flags = 0x040 // do not receive while sending and vice versa
	ForceTxSTmin Flags = 0x080 // ignore the peer's STmin and use Config.TxSTmin
	ForceRxSTmin Flags = 0x100 // drop consecutive frames arriving faster than Config.RxSTmin
	RxExtAddr    Flags = 0x200 // use a separate address extension for reception

	allFlags Flags = 0x3FF
)

var flagNames = []struct {
	f    Flags
	name string
}{
	{ListenMode, "LISTEN_MODE"},
	{ExtendAddr, "EXTEND_ADDR"},
	{TxPadding, "TX_PADDING"},
	{RxPadding, "RX_PADDING"},
	{ChkPadLen, "CHK_PAD_LEN"},
	{ChkPadData, "CHK_PAD_DATA"},
	{HalfDuplex, "HALF_DUPLEX"},
	{ForceTxSTmin, "FORCE_TXSTMIN"},
	{ForceRxSTmin, "FORCE_RXSTMIN"},
	{RxExtAddr, "RX_EXT_ADDR"},
}

// NewFlags validates a raw flag word.
func NewFlags(v uint32) (Flags, error) {
	if unknown := Flags(v) &^ allFlags; unknown != 0 {
		return 0, configErrorf("flags", "unknown bits 0x%X", uint32(unknown))
	}
	return Flags(v), nil
}

// Has reports whether every bit of other is set.
func (f Flags) Has(other Flags) bool { return f&other == other }

func (f Flags) String() string {
	if f == 0 {
		return "0"
	}
	var parts []string
	for _, n := range flagNames {
		if f.Has(n.f) {
			parts = append(parts, n.name)
		}
	}
	if rest := f &^ allFlags; rest != 0 {
		parts = append(parts, fmt.Sprintf("0x%X", uint32(rest)))
	}
	return strings.Join(parts, "|")
}

const (
	DefaultPadContent = 0xCC

	// OptionsSize, FlowControlOptionsSize and LinkLayerOptionsSize are the
	// byte sizes of the can_isotp_options, can_isotp_fc_options and
	// can_isotp_ll_options structures.
	OptionsSize            = 12
	FlowControlOptionsSize = 3
	LinkLayerOptionsSize   = 3
)

// Options holds the general protocol options. The zero value is not useful;
// start from DefaultOptions.
type Options struct {
	flags        Flags
	frameTxTime  uint32 // ns
	extAddress   byte
	txPadContent byte
	rxPadContent byte
	rxExtAddress byte
}

// DefaultOptions returns the options used when nothing is configured.
func DefaultOptions() Options {
	return Options{txPadContent: DefaultPadContent, rxPadContent: DefaultPadContent}
}

// NewOptions builds a fully specified options record.
func NewOptions(flags Flags, frameTxTime time.Duration, extAddress, txPad, rxPad, rxExtAddress byte) (Options, error) {
	o := Options{extAddress: extAddress, txPadContent: txPad, rxPadContent: rxPad, rxExtAddress: rxExtAddress}
	if err := o.SetFlags(flags); err != nil {
		return Options{}, err
	}
	if err := o.SetFrameTxTime(frameTxTime); err != nil {
		return Options{}, err
	}
	return o, nil
}

func (o Options) Flags() Flags { return o.flags }

func (o *Options) SetFlags(f Flags) error {
	v, err := NewFlags(uint32(f))
	if err != nil {
		return err
	}
	o.flags = v
	return nil
}

// FrameTxTime is the extra gap inserted between consecutive frames.
func (o Options) FrameTxTime() time.Duration { return time.Duration(o.frameTxTime) }

func (o *Options) SetFrameTxTime(d time.Duration) error {
	ns, err := durationNs("frame_txtime", d)
	if err != nil {
		return err
	}
	o.frameTxTime = ns
	return nil
}

func (o Options) ExtAddress() byte { return o.extAddress }
func (o *Options) SetExtAddress(b byte) { o.extAddress = b }
func (o Options) TxPadContent() byte { return o.txPadContent }
func (o *Options) SetTxPadContent(b byte) { o.txPadContent = b }
func (o Options) RxPadContent() byte { return o.rxPadContent }
func (o *Options) SetRxPadContent(b byte) { o.rxPadContent = b }
func (o Options) RxExtAddress() byte { return o.rxExtAddress }
func (o *Options) SetRxExtAddress(b byte) { o.rxExtAddress = b }

// MarshalBinary encodes the can_isotp_options layout.
func (o Options) MarshalBinary() ([]byte, error) {
	b := make([]byte, OptionsSize)
	binary.LittleEndian.PutUint32(b[0:4], uint32(o.flags))
	binary.LittleEndian.PutUint32(b[4:8], o.frameTxTime)
	b[8] = o.extAddress
	b[9] = o.txPadContent
	b[10] = o.rxPadContent
	b[11] = o.rxExtAddress
	return b, nil
}

func (o *Options) UnmarshalBinary(b []byte) error {
	if len(b) != OptionsSize {
		return configErrorf("options", "record is %d bytes, want %d", len(b), OptionsSize)
	}
	flags, err := NewFlags(binary.LittleEndian.Uint32(b[0:4]))
	if err != nil {
		return err
	}
	*o = Options{
		flags:        flags,
		frameTxTime:  binary.LittleEndian.Uint32(b[4:8]),
		extAddress:   b[8],
		txPadContent: b[9],
		rxPadContent: b[10],
		rxExtAddress: b[11],
	}
	return nil
}

// FlowControlOptions are advertised to the peer in every flow control frame.
type FlowControlOptions struct {
	bs     byte
	stmin  byte
	wftmax byte
}

func NewFlowControlOptions(bs, stmin, wftmax byte) (FlowControlOptions, error) {
	var fc FlowControlOptions
	fc.SetBlockSize(bs)
	if err := fc.SetSTmin(stmin); err != nil {
		return FlowControlOptions{}, err
	}
	fc.SetWftMax(wftmax)
	return fc, nil
}

// BlockSize is the number of consecutive frames per block, 0 for unlimited.
func (fc FlowControlOptions) BlockSize() byte { return fc.bs }
func (fc *FlowControlOptions) SetBlockSize(b byte) { fc.bs = b }

// STmin is the raw separation time byte.
func (fc FlowControlOptions) STmin() byte { return fc.stmin }

func (fc *FlowControlOptions) SetSTmin(b byte) error {
	if !ValidSTmin(b) {
		return configErrorf("stmin", "0x%02X is reserved", b)
	}
	fc.stmin = b
	return nil
}

// WftMax is the number of wait frames tolerated per message.
func (fc FlowControlOptions) WftMax() byte { return fc.wftmax }
func (fc *FlowControlOptions) SetWftMax(b byte) { fc.wftmax = b }

func (fc FlowControlOptions) MarshalBinary() ([]byte, error) {
	return []byte{fc.bs, fc.stmin, fc.wftmax}, nil
}

func (fc *FlowControlOptions) UnmarshalBinary(b []byte) error {
	if len(b) != FlowControlOptionsSize {
		return configErrorf("fc options", "record is %d bytes, want %d", len(b), FlowControlOptionsSize)
	}
	v, err := NewFlowControlOptions(b[0], b[1], b[2])
	if err != nil {
		return err
	}
	*fc = v
	return nil
}

// LinkTxFlags are the canfd_frame flags used for transmitted FD frames.
type LinkTxFlags uint8

const (
	TxBRS LinkTxFlags = 0x01
	TxESI LinkTxFlags = 0x02

	allLinkTxFlags = TxBRS | TxESI
)

const (
	CANMTU   = 16
	CANFDMTU = 72
)

// LinkLayerOptions select classic CAN or CAN FD framing.
type LinkLayerOptions struct {
	mtu     byte
	txDL    byte
	txFlags LinkTxFlags
}

// DefaultLinkLayerOptions is classic CAN with 8 byte frames.
func DefaultLinkLayerOptions() LinkLayerOptions {
	return LinkLayerOptions{mtu: CANMTU, txDL: 8}
}

func NewLinkLayerOptions(mtu, txDL byte, flags LinkTxFlags) (LinkLayerOptions, error) {
	ll := LinkLayerOptions{mtu: CANMTU, txDL: 8}
	if err := ll.SetMTU(mtu); err != nil {
		return LinkLayerOptions{}, err
	}
	if err := ll.SetTxDL(txDL); err != nil {
		return LinkLayerOptions{}, err
	}
	if err := ll.SetTxFlags(flags); err != nil {
		return LinkLayerOptions{}, err
	}
	return ll, nil
}

func (ll LinkLayerOptions) MTU() byte { return ll.mtu }

func (ll *LinkLayerOptions) SetMTU(mtu byte) error {
	if mtu != CANMTU && mtu != CANFDMTU {
		return configErrorf("ll mtu", "%d is neither %d nor %d", mtu, CANMTU, CANFDMTU)
	}
	if mtu == CANMTU && ll.txDL > 8 {
		return configErrorf("ll mtu", "tx_dl %d needs CAN FD", ll.txDL)
	}
	ll.mtu = mtu
	return nil
}

// TxDL is the data length of transmitted frames.
func (ll LinkLayerOptions) TxDL() byte { return ll.txDL }

func (ll *LinkLayerOptions) SetTxDL(dl byte) error {
	if !validTxDL(int(dl)) {
		return configErrorf("ll tx_dl", "%d is not one of 8, 12, 16, 20, 24, 32, 48, 64", dl)
	}
	if dl > 8 && ll.mtu != CANFDMTU {
		return configErrorf("ll tx_dl", "%d needs mtu %d", dl, CANFDMTU)
	}
	ll.txDL = dl
	return nil
}

func (ll LinkLayerOptions) TxFlags() LinkTxFlags { return ll.txFlags }

func (ll *LinkLayerOptions) SetTxFlags(f LinkTxFlags) error {
	if f&^allLinkTxFlags != 0 {
		return configErrorf("ll tx_flags", "unknown bits 0x%X", uint8(f))
	}
	ll.txFlags = f
	return nil
}

// FD reports whether CAN FD framing is enabled.
func (ll LinkLayerOptions) FD() bool { return ll.mtu == CANFDMTU }

func (ll LinkLayerOptions) MarshalBinary() ([]byte, error) {
	return []byte{ll.mtu, ll.txDL, byte(ll.txFlags)}, nil
}

func (ll *LinkLayerOptions) UnmarshalBinary(b []byte) error {
	if len(b) != LinkLayerOptionsSize {
		return configErrorf("ll options", "record is %d bytes, want %d", len(b), LinkLayerOptionsSize)
	}
	v, err := NewLinkLayerOptions(b[0], b[1], LinkTxFlags(b[2]))
	if err != nil {
		return err
	}
	*ll = v
	return nil
}

func validTxDL(dl int) bool {
	switch dl {
	case 8, 12, 16, 20, 24, 32, 48, 64:
		return true
	}
	return false
}

func durationNs(field string, d time.Duration) (uint32, error) {
	if d < 0 {
		return 0, configErrorf(field, "negative duration %v", d)
	}
	if d.Nanoseconds() > math.MaxUint32 {
		return 0, configErrorf(field, "%v does not fit 32 bit nanoseconds", d)
	}
	return uint32(d.Nanoseconds()), nil
}

// Config is the complete configuration of a session. It is read-only once
// the session is open.
type Config struct {
	Options     Options
	FlowControl FlowControlOptions
	LinkLayer   LinkLayerOptions

	// TxSTmin replaces the peer's STmin when ForceTxSTmin is set.
	TxSTmin time.Duration
	// RxSTmin is the minimum gap between received consecutive frames when ForceRxSTmin is set.
	RxSTmin time.Duration

	TimeoutN_Bs time.Duration // until reception of a flow control frame
	TimeoutN_Cr time.Duration // until reception of the next consecutive frame
	TimeoutN_Br time.Duration // between repeated wait frames

	// WaitResetsTimeout restarts the N_Bs timer whenever a wait frame arrives.
	WaitResetsTimeout bool
	// DisableFlowControl sends all consecutive frames without awaiting flow
	// control, for peers that only listen.
	DisableFlowControl bool

	// MaxMessageSize is the largest message accepted on reception.
	MaxMessageSize int
	// RxQueueSize is the number of completed messages buffered for Receive.
	RxQueueSize int
}

// DefaultConfig returns classic CAN, no padding, unlimited block size and
// the ISO 15765-2 default timeouts of one second. Wait frames are repeated
// every 100 ms so that they arrive well within the sender's N_Bs.
func DefaultConfig() Config {
	return Config{
		Options:     DefaultOptions(),
		LinkLayer:   DefaultLinkLayerOptions(),
		TimeoutN_Bs: 1000 * time.Millisecond,
		TimeoutN_Cr: 1000 * time.Millisecond,
		TimeoutN_Br: 100 * time.Millisecond,

		WaitResetsTimeout: true,

		MaxMessageSize: MaxClassicMessageSize,
		RxQueueSize:    16,
	}
}

// Validate checks the fields that are not guarded by accessors.
func (c *Config) Validate() error {
	if c.LinkLayer.mtu == 0 {
		return configErrorf("ll mtu", "not set, start from DefaultConfig")
	}
	if _, err := NewLinkLayerOptions(c.LinkLayer.mtu, c.LinkLayer.txDL, c.LinkLayer.txFlags); err != nil {
		return err
	}
	if _, err := NewFlags(uint32(c.Options.flags)); err != nil {
		return err
	}
	if !ValidSTmin(c.FlowControl.stmin) {
		return configErrorf("stmin", "0x%02X is reserved", c.FlowControl.stmin)
	}
	if _, err := durationNs("tx_stmin", c.TxSTmin); err != nil {
		return err
	}
	if _, err := durationNs("rx_stmin", c.RxSTmin); err != nil {
		return err
	}
	for _, t := range []struct {
		name string
		d    time.Duration
	}{{"N_Bs", c.TimeoutN_Bs}, {"N_Cr", c.TimeoutN_Cr}, {"N_Br", c.TimeoutN_Br}} {
		if t.d <= 0 {
			return configErrorf("timeout "+t.name, "must be positive, got %v", t.d)
		}
	}
	if c.MaxMessageSize <= 0 || int64(c.MaxMessageSize) > math.MaxUint32 {
		return configErrorf("max message size", "%d", c.MaxMessageSize)
	}
	if c.RxQueueSize <= 0 {
		return configErrorf("rx queue size", "must be positive, got %d", c.RxQueueSize)
	}
	return nil
}
