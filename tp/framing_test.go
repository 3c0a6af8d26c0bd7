package tp

import (
	"bytes"
	"errors"
	"testing"
)

func testCodec(t *testing.T, mutate func(*Config)) Codec {
	t.Helper()
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	addr, err := NewAddress(0x7E0, 0x7E8, cfg)
	if err != nil {
		t.Fatalf("NewAddress failed: %v", err)
	}
	return NewCodec(cfg, addr)
}

func withFlags(f Flags) func(*Config) {
	return func(c *Config) {
		if err := c.Options.SetFlags(c.Options.Flags() | f); err != nil {
			panic(err)
		}
	}
}

func withFD(c *Config) {
	ll, err := NewLinkLayerOptions(CANFDMTU, 64, 0)
	if err != nil {
		panic(err)
	}
	c.LinkLayer = ll
}

func withExtAddr(tx, rx byte) func(*Config) {
	return func(c *Config) {
		flags := c.Options.Flags() | ExtendAddr
		if rx != tx {
			flags |= RxExtAddr
		}
		if err := c.Options.SetFlags(flags); err != nil {
			panic(err)
		}
		c.Options.SetExtAddress(tx)
		c.Options.SetRxExtAddress(rx)
	}
}

func mustEncode(t *testing.T, c Codec, p PDU) []byte {
	t.Helper()
	b, err := c.Encode(p)
	if err != nil {
		t.Fatalf("Encode(%v) failed: %v", p, err)
	}
	return b
}

func seq(from, n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(from + i)
	}
	return b
}

// --- Encoding ---

func TestCodec_EncodeSingleFrame(t *testing.T) {
	req := []byte{0x22, 0xF1, 0x89}

	got := mustEncode(t, testCodec(t, nil), &SingleFrame{Data: req})
	if want := []byte{0x03, 0x22, 0xF1, 0x89}; !bytes.Equal(got, want) {
		t.Errorf("Expected % X, got % X", want, got)
	}

	got = mustEncode(t, testCodec(t, withFlags(TxPadding)), &SingleFrame{Data: req})
	if want := []byte{0x03, 0x22, 0xF1, 0x89, 0xCC, 0xCC, 0xCC, 0xCC}; !bytes.Equal(got, want) {
		t.Errorf("Expected % X, got % X", want, got)
	}

	c := testCodec(t, nil)
	if _, err := c.Encode(&SingleFrame{}); err == nil {
		t.Error("Expected empty single frame to be rejected")
	}
	if _, err := c.Encode(&SingleFrame{Data: seq(0, 8)}); err == nil {
		t.Error("Expected 8 byte single frame to be rejected on classic CAN")
	}
}

func TestCodec_EncodeMultiFrame(t *testing.T) {
	c := testCodec(t, nil)
	msg := seq(0, 10)

	ff := mustEncode(t, c, &FirstFrame{TotalSize: 10, Data: msg[:6]})
	if want := []byte{0x10, 0x0A, 0x00, 0x01, 0x02, 0x03, 0x04, 0x05}; !bytes.Equal(ff, want) {
		t.Errorf("Expected FF % X, got % X", want, ff)
	}
	cf := mustEncode(t, c, &ConsecutiveFrame{SequenceNumber: 1, Data: msg[6:]})
	if want := []byte{0x21, 0x06, 0x07, 0x08, 0x09}; !bytes.Equal(cf, want) {
		t.Errorf("Expected CF % X, got % X", want, cf)
	}

	escaped := mustEncode(t, c, &FirstFrame{TotalSize: 10000, Data: []byte{0xAA, 0xBB}})
	if want := []byte{0x10, 0x00, 0x00, 0x00, 0x27, 0x10, 0xAA, 0xBB}; !bytes.Equal(escaped, want) {
		t.Errorf("Expected escaped FF % X, got % X", want, escaped)
	}
}

func TestCodec_EncodeFlowControl(t *testing.T) {
	fc := &FlowControlFrame{Status: ContinueToSend, BlockSize: 8, STmin: 0x14}
	if got := mustEncode(t, testCodec(t, nil), fc); !bytes.Equal(got, []byte{0x30, 0x08, 0x14}) {
		t.Errorf("Unexpected FC % X", got)
	}
	padded := mustEncode(t, testCodec(t, withFlags(TxPadding)), &FlowControlFrame{Status: Wait})
	if want := []byte{0x31, 0x00, 0x00, 0xCC, 0xCC, 0xCC, 0xCC, 0xCC}; !bytes.Equal(padded, want) {
		t.Errorf("Expected % X, got % X", want, padded)
	}
}

func TestCodec_EncodeCANFD(t *testing.T) {
	c := testCodec(t, withFD)
	msg := seq(1, 20)
	got := mustEncode(t, c, &SingleFrame{Data: msg})
	if len(got) != 24 {
		t.Fatalf("Expected frame padded to 24 bytes, got %d", len(got))
	}
	if got[0] != 0x00 || got[1] != 20 {
		t.Errorf("Expected escape header 00 14, got % X", got[:2])
	}
	if !bytes.Equal(got[2:22], msg) || got[22] != 0xCC || got[23] != 0xCC {
		t.Errorf("Unexpected frame % X", got)
	}

	short := mustEncode(t, c, &SingleFrame{Data: []byte{0x3E, 0x00}})
	if !bytes.Equal(short, []byte{0x02, 0x3E, 0x00}) {
		t.Errorf("Short messages keep the classic header, got % X", short)
	}
}

func TestCodec_Capacity(t *testing.T) {
	tests := []struct {
		name       string
		mutate     func(*Config)
		sf, ff, cf int
	}{
		{"normal", nil, 7, 6, 7},
		{"extended", withExtAddr(0xF1, 0xF1), 6, 5, 6},
		{"fd", withFD, 62, 62, 63},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := testCodec(t, tt.mutate)
			if got := c.SingleFrameCapacity(); got != tt.sf {
				t.Errorf("SF capacity: expected %d, got %d", tt.sf, got)
			}
			if got := c.FirstFrameCapacity(100); got != tt.ff {
				t.Errorf("FF capacity: expected %d, got %d", tt.ff, got)
			}
			if got := c.ConsecutiveFrameCapacity(); got != tt.cf {
				t.Errorf("CF capacity: expected %d, got %d", tt.cf, got)
			}
		})
	}
	if got := testCodec(t, nil).FirstFrameCapacity(5000); got != 2 {
		t.Errorf("Escaped FF capacity: expected 2, got %d", got)
	}
}

func TestCodec_ExtendedAddressing(t *testing.T) {
	c := testCodec(t, withExtAddr(0xF1, 0xF2))
	got := mustEncode(t, c, &SingleFrame{Data: []byte{0x3E, 0x00}})
	if want := []byte{0xF1, 0x02, 0x3E, 0x00}; !bytes.Equal(got, want) {
		t.Errorf("Expected % X, got % X", want, got)
	}

	p, err := c.Decode([]byte{0xF2, 0x02, 0x7E, 0x00})
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if sf, ok := p.(*SingleFrame); !ok || !bytes.Equal(sf.Data, []byte{0x7E, 0x00}) {
		t.Errorf("Unexpected PDU %v", p)
	}

	_, err = c.Decode([]byte{0xF1, 0x02, 0x7E, 0x00})
	assertDecodeError(t, err, AddressMismatch)

	// seven bytes of content leave no room with an extension byte
	_, err = c.Decode([]byte{0xF2, 0x07, 1, 2, 3, 4, 5, 6})
	assertDecodeError(t, err, InvalidLength)
}

// --- Decoding ---

func assertDecodeError(t *testing.T, err error, kind DecodeErrorKind) {
	t.Helper()
	var de *DecodeError
	if !errors.As(err, &de) {
		t.Fatalf("Expected DecodeError %s, got %v", kind, err)
	}
	if de.Kind != kind {
		t.Errorf("Expected kind %s, got %s (%v)", kind, de.Kind, err)
	}
	if !errors.Is(err, ErrMalformed) {
		t.Error("DecodeError should match ErrMalformed")
	}
}

func TestCodec_Decode(t *testing.T) {
	c := testCodec(t, nil)

	tests := []struct {
		name string
		raw  []byte
		want PDU
	}{
		{"sf", []byte{0x03, 0x22, 0xF1, 0x89}, &SingleFrame{Data: []byte{0x22, 0xF1, 0x89}}},
		{"sf padded", []byte{0x03, 0x62, 0xF1, 0x89, 0xCC, 0xCC, 0xCC, 0xCC}, &SingleFrame{Data: []byte{0x62, 0xF1, 0x89}}},
		{"ff", []byte{0x10, 0x0A, 0x00, 0x01, 0x02, 0x03, 0x04, 0x05}, &FirstFrame{TotalSize: 10, Data: seq(0, 6)}},
		{"ff escaped", []byte{0x10, 0x00, 0x00, 0x00, 0x27, 0x10, 0xAA, 0xBB}, &FirstFrame{TotalSize: 10000, Data: []byte{0xAA, 0xBB}}},
		{"cf", []byte{0x21, 0x06, 0x07}, &ConsecutiveFrame{SequenceNumber: 1, Data: []byte{0x06, 0x07}}},
		{"fc", []byte{0x30, 0x08, 0x14}, &FlowControlFrame{Status: ContinueToSend, BlockSize: 8, STmin: 0x14}},
		{"fc wait", []byte{0x31, 0x00, 0x00, 0xCC}, &FlowControlFrame{Status: Wait}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := c.Decode(tt.raw)
			if err != nil {
				t.Fatalf("Decode(% X) failed: %v", tt.raw, err)
			}
			if p.Type() != tt.want.Type() {
				t.Fatalf("Expected %s, got %s", tt.want.Type(), p.Type())
			}
			switch want := tt.want.(type) {
			case *SingleFrame:
				if got := p.(*SingleFrame); !bytes.Equal(got.Data, want.Data) {
					t.Errorf("Expected % X, got % X", want.Data, got.Data)
				}
			case *FirstFrame:
				got := p.(*FirstFrame)
				if got.TotalSize != want.TotalSize || !bytes.Equal(got.Data, want.Data) {
					t.Errorf("Expected %v, got %v", want, got)
				}
			case *ConsecutiveFrame:
				got := p.(*ConsecutiveFrame)
				if got.SequenceNumber != want.SequenceNumber || !bytes.Equal(got.Data, want.Data) {
					t.Errorf("Expected %v, got %v", want, got)
				}
			case *FlowControlFrame:
				if got := p.(*FlowControlFrame); *got != *want {
					t.Errorf("Expected %v, got %v", want, got)
				}
			}
		})
	}
}

func TestCodec_DecodeErrors(t *testing.T) {
	c := testCodec(t, nil)
	tests := []struct {
		name string
		raw  []byte
		kind DecodeErrorKind
	}{
		{"empty", nil, Truncated},
		{"sf length zero", []byte{0x00, 0x11}, InvalidLength},
		{"sf length 8", []byte{0x08, 1, 2, 3, 4, 5, 6, 7}, InvalidLength},
		{"sf short", []byte{0x05, 0x01, 0x02}, Truncated},
		{"ff short frame", []byte{0x10, 0x0A, 0x00, 0x01}, InvalidLength},
		{"ff fits single frame", []byte{0x10, 0x05, 1, 2, 3, 4, 5, 6}, InvalidLength},
		{"ff escaped zero", []byte{0x10, 0x00, 0x00, 0x00, 0x00, 0x00, 0xAA, 0xBB}, InvalidLength},
		{"ff escaped small", []byte{0x10, 0x00, 0x00, 0x00, 0x0F, 0xFF, 0xAA, 0xBB}, InvalidLength},
		{"cf without data", []byte{0x21}, Truncated},
		{"fc short", []byte{0x30, 0x08}, Truncated},
		{"fc reserved status", []byte{0x33, 0x00, 0x00}, InvalidFlowStatus},
		{"unknown type", []byte{0x40, 0x00}, UnknownType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Decode(tt.raw)
			assertDecodeError(t, err, tt.kind)
		})
	}
}

func TestCodec_DecodeCANFD(t *testing.T) {
	c := testCodec(t, withFD)
	raw := append([]byte{0x00, 20}, seq(1, 20)...)
	raw = append(raw, 0xCC, 0xCC)
	p, err := c.Decode(raw)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if sf := p.(*SingleFrame); !bytes.Equal(sf.Data, seq(1, 20)) {
		t.Errorf("Unexpected data % X", sf.Data)
	}

	bad := append([]byte{0x05}, seq(1, 11)...)
	_, err = c.Decode(bad)
	assertDecodeError(t, err, InvalidLength)
}

func TestCodec_PaddingChecks(t *testing.T) {
	tests := []struct {
		name  string
		flags Flags
		raw   []byte
		ok    bool
	}{
		{"padded length ok", RxPadding | ChkPadLen, []byte{0x03, 1, 2, 3, 0xCC, 0xCC, 0xCC, 0xCC}, true},
		{"unpadded rejected", RxPadding | ChkPadLen, []byte{0x03, 1, 2, 3}, false},
		{"pad content ok", RxPadding | ChkPadData, []byte{0x03, 1, 2, 3, 0xCC, 0xCC, 0xCC, 0xCC}, true},
		{"pad content wrong", RxPadding | ChkPadData, []byte{0x03, 1, 2, 3, 0xCC, 0xCC, 0x00, 0xCC}, false},
		{"fc pad content wrong", RxPadding | ChkPadData, []byte{0x30, 0, 0, 0xCC, 0xCC, 0xCC, 0xCC, 0xAA}, false},
		{"no padding expected ok", ChkPadLen, []byte{0x03, 1, 2, 3}, true},
		{"no padding expected, padded", ChkPadLen, []byte{0x03, 1, 2, 3, 0x00}, false},
		{"checks off", 0, []byte{0x03, 1, 2, 3, 0x00, 0x11}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := testCodec(t, withFlags(tt.flags))
			_, err := c.Decode(tt.raw)
			if tt.ok {
				if err != nil {
					t.Errorf("Expected % X to pass, got %v", tt.raw, err)
				}
				return
			}
			assertDecodeError(t, err, InvalidPadding)
		})
	}
}

func TestCodec_CheckPaddingLastConsecutiveFrame(t *testing.T) {
	c := testCodec(t, withFlags(RxPadding|ChkPadData))

	p, err := c.Decode([]byte{0x22, 0x08, 0x09, 0xCC, 0xCC, 0xCC, 0xCC, 0xCC})
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if err := c.CheckPadding(p.(*ConsecutiveFrame), 2); err != nil {
		t.Errorf("Expected valid padding, got %v", err)
	}

	p, err = c.Decode([]byte{0x22, 0x08, 0x09, 0xCC, 0x00, 0xCC, 0xCC, 0xCC})
	if err != nil {
		t.Fatalf("Consecutive frames are not pad-checked while decoding: %v", err)
	}
	assertDecodeError(t, c.CheckPadding(p.(*ConsecutiveFrame), 2), InvalidPadding)
}
