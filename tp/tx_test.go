package tp

import (
	"bytes"
	"errors"
	"testing"
	"time"
)

func newTestSegmenter(t *testing.T, mutate func(*Config)) *Segmenter {
	t.Helper()
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	return NewSegmenter(cfg, testCodec(t, func(c *Config) { *c = cfg }))
}

func cts(bs, stmin byte) *FlowControlFrame {
	return &FlowControlFrame{Status: ContinueToSend, BlockSize: bs, STmin: stmin}
}

func TestSegmenter_SingleFrameThreshold(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		size   int
		single bool
	}{
		{"7 bytes", nil, 7, true},
		{"8 bytes", nil, 8, false},
		{"extended 6 bytes", withExtAddr(0x10, 0x10), 6, true},
		{"extended 7 bytes", withExtAddr(0x10, 0x10), 7, false},
		{"fd 62 bytes", withFD, 62, true},
		{"fd 63 bytes", withFD, 63, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestSegmenter(t, tt.mutate)
			p, err := s.Start(seq(0, tt.size))
			if err != nil {
				t.Fatalf("Start failed: %v", err)
			}
			if got := p.Type() == SingleFrameType; got != tt.single {
				t.Fatalf("Expected single frame %v, got %s", tt.single, p.Type())
			}
			if tt.single && s.State() != TxIdle {
				t.Errorf("Expected Idle after a single frame, got %s", s.State())
			}
			if !tt.single && s.State() != TxAwaitingFlowControl {
				t.Errorf("Expected AwaitingFlowControl, got %s", s.State())
			}
		})
	}
}

func TestSegmenter_RejectsEmptyAndBusy(t *testing.T) {
	s := newTestSegmenter(t, nil)
	if _, err := s.Start(nil); !errors.Is(err, ErrEmptyMessage) {
		t.Errorf("Expected ErrEmptyMessage, got %v", err)
	}
	if _, err := s.Start(seq(0, 20)); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if _, err := s.Start(seq(0, 20)); err == nil {
		t.Error("Expected a second Start to fail while a message is in progress")
	}
}

func TestSegmenter_EscapedFirstFrame(t *testing.T) {
	s := newTestSegmenter(t, nil)
	p, err := s.Start(seq(0, 5000))
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	ff := p.(*FirstFrame)
	if ff.TotalSize != 5000 || len(ff.Data) != 2 {
		t.Errorf("Expected escaped FF with 2 data bytes, got %v", ff)
	}
	if s.Remaining() != 4998 {
		t.Errorf("Expected 4998 bytes remaining, got %d", s.Remaining())
	}
}

func TestSegmenter_SequenceNumbers(t *testing.T) {
	s := newTestSegmenter(t, nil)
	msg := seq(0, 6+7*17)
	if _, err := s.Start(msg); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	ready, err := s.OnFlowControl(cts(0, 0))
	if !ready || err != nil {
		t.Fatalf("Expected CTS to start sending, got %v %v", ready, err)
	}

	var sent []byte
	var sns []uint8
	for s.State() == TxSending {
		cf, err := s.Next()
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		sns = append(sns, cf.SequenceNumber)
		sent = append(sent, cf.Data...)
	}
	if !bytes.Equal(sent, msg[6:]) {
		t.Error("Consecutive frames do not carry the rest of the message")
	}
	want := []uint8{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 0, 1}
	if !bytes.Equal(sns, want) {
		t.Errorf("Expected sequence numbers %v, got %v", want, sns)
	}
	if s.State() != TxIdle {
		t.Errorf("Expected Idle, got %s", s.State())
	}
}

func TestSegmenter_BlockSize(t *testing.T) {
	s := newTestSegmenter(t, nil)
	if _, err := s.Start(seq(0, 30)); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	s.OnFlowControl(cts(2, 0))
	for i := 0; i < 2; i++ {
		if _, err := s.Next(); err != nil {
			t.Fatalf("Next %d failed: %v", i, err)
		}
	}
	if s.State() != TxAwaitingFlowControl {
		t.Fatalf("Expected AwaitingFlowControl after a block, got %s", s.State())
	}
	if _, err := s.Next(); err == nil {
		t.Fatal("Next must fail while waiting for flow control")
	}
	s.OnFlowControl(cts(2, 0))
	cf, err := s.Next()
	if err != nil || cf.SequenceNumber != 3 {
		t.Fatalf("Expected CF 3, got %v %v", cf, err)
	}
	cf, _ = s.Next()
	if len(cf.Data) != 3 || s.State() != TxIdle {
		t.Errorf("Expected a 3 byte last frame and Idle, got %v in %s", cf, s.State())
	}
}

func TestSegmenter_WaitFrames(t *testing.T) {
	s := newTestSegmenter(t, withFlowControl(0, 0, 2))
	s.Start(seq(0, 20))
	for i := 0; i < 2; i++ {
		ready, err := s.OnFlowControl(&FlowControlFrame{Status: Wait})
		if ready || err != nil {
			t.Fatalf("Wait %d: expected to keep waiting, got %v %v", i+1, ready, err)
		}
	}
	_, err := s.OnFlowControl(&FlowControlFrame{Status: Wait})
	if !errors.Is(err, ErrTooManyWaitFrames) {
		t.Fatalf("Expected ErrTooManyWaitFrames, got %v", err)
	}
	if s.State() != TxIdle {
		t.Errorf("Expected Idle, got %s", s.State())
	}

	strict := newTestSegmenter(t, nil)
	strict.Start(seq(0, 20))
	if _, err := strict.OnFlowControl(&FlowControlFrame{Status: Wait}); !errors.Is(err, ErrTooManyWaitFrames) {
		t.Errorf("With wftmax 0 any wait frame fails, got %v", err)
	}
}

func TestSegmenter_WaitThenContinue(t *testing.T) {
	s := newTestSegmenter(t, withFlowControl(0, 0, 1))
	s.Start(seq(0, 20))
	if ready, err := s.OnFlowControl(&FlowControlFrame{Status: Wait}); ready || err != nil {
		t.Fatalf("Expected to wait, got %v %v", ready, err)
	}
	if ready, err := s.OnFlowControl(cts(0, 0)); !ready || err != nil {
		t.Fatalf("Expected CTS after WAIT, got %v %v", ready, err)
	}
}

func TestSegmenter_Overflow(t *testing.T) {
	s := newTestSegmenter(t, nil)
	s.Start(seq(0, 20))
	_, err := s.OnFlowControl(&FlowControlFrame{Status: Overflow})
	if !errors.Is(err, ErrReceiverOverflow) {
		t.Fatalf("Expected ErrReceiverOverflow, got %v", err)
	}
	if s.State() != TxIdle {
		t.Errorf("Expected Idle, got %s", s.State())
	}
}

func TestSegmenter_Timeout(t *testing.T) {
	s := newTestSegmenter(t, nil)
	s.Start(seq(0, 20))
	err := s.Timeout()
	var pe *ProtocolError
	if !errors.As(err, &pe) {
		t.Fatalf("Expected ProtocolError, got %v", err)
	}
	if pe.From != "AwaitingFlowControl" || pe.Event != "N_Bs timer" || !errors.Is(err, ErrTimeout) {
		t.Errorf("Unexpected error %v", err)
	}
	if s.State() != TxIdle {
		t.Errorf("Expected Idle, got %s", s.State())
	}
	if _, err := s.Start(seq(0, 20)); err != nil {
		t.Errorf("Expected a new message to start after the timeout, got %v", err)
	}
}

func TestSegmenter_Gap(t *testing.T) {
	s := newTestSegmenter(t, func(c *Config) {
		if err := c.Options.SetFrameTxTime(time.Millisecond); err != nil {
			panic(err)
		}
	})
	s.Start(seq(0, 20))
	s.OnFlowControl(cts(0, 0x14))
	if got := s.Gap(); got != 21*time.Millisecond {
		t.Errorf("Expected 21ms, got %v", got)
	}

	forced := newTestSegmenter(t, func(c *Config) {
		withFlags(ForceTxSTmin)(c)
		c.TxSTmin = 5 * time.Millisecond
	})
	forced.Start(seq(0, 20))
	forced.OnFlowControl(cts(0, 0x7F))
	if got := forced.Gap(); got != 5*time.Millisecond {
		t.Errorf("Expected forced 5ms, got %v", got)
	}

	micro := newTestSegmenter(t, nil)
	micro.Start(seq(0, 20))
	micro.OnFlowControl(cts(0, 0xF3))
	if got := micro.Gap(); got != 300*time.Microsecond {
		t.Errorf("Expected 300µs, got %v", got)
	}
}

func TestSegmenter_DisableFlowControl(t *testing.T) {
	s := newTestSegmenter(t, func(c *Config) { c.DisableFlowControl = true })
	s.Start(seq(0, 20))
	if s.State() != TxSending {
		t.Fatalf("Expected Sending right after the First Frame, got %s", s.State())
	}
	n := 0
	for s.State() == TxSending {
		if _, err := s.Next(); err != nil {
			t.Fatal(err)
		}
		n++
	}
	if n != 2 {
		t.Errorf("Expected 2 consecutive frames, got %d", n)
	}
}

func TestSegmenter_IgnoresFlowControlWhenIdle(t *testing.T) {
	s := newTestSegmenter(t, nil)
	ready, err := s.OnFlowControl(cts(0, 0))
	if ready || err != nil {
		t.Errorf("Expected unexpected flow control to be ignored, got %v %v", ready, err)
	}
}
