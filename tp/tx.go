package tp

import (
	"fmt"
	"time"
)

// TxState is the state of the Segmenter.
type TxState uint8

const (
	TxIdle TxState = iota
	TxAwaitingFlowControl
	TxSending
)

func (s TxState) String() string {
	switch s {
	case TxIdle:
		return "Idle"
	case TxAwaitingFlowControl:
		return "AwaitingFlowControl"
	case TxSending:
		return "Sending"
	default:
		return fmt.Sprintf("TxState(%d)", uint8(s))
	}
}

// Segmenter splits one message at a time into frames and tracks the flow
// control handshake. It does no I/O and no sleeping; Session does both.
type Segmenter struct {
	cfg   Config
	codec Codec

	state  TxState
	msg    []byte
	offset int
	seq    uint8
	bs     int
	sent   int
	stmin  time.Duration
	waits  int
}

// NewSegmenter returns an idle Segmenter encoding with codec.
func NewSegmenter(cfg Config, codec Codec) *Segmenter {
	return &Segmenter{cfg: cfg, codec: codec}
}

// State reports where the current transfer stands.
func (s *Segmenter) State() TxState { return s.state }

// Remaining is the number of message bytes not yet handed out.
func (s *Segmenter) Remaining() int { return len(s.msg) - s.offset }

// Reset abandons the message in progress.
func (s *Segmenter) Reset() {
	s.state = TxIdle
	s.msg = nil
	s.offset = 0
	s.seq = 0
	s.bs = 0
	s.sent = 0
	s.stmin = 0
	s.waits = 0
}

func (s *Segmenter) fail(event string, cause error, detail string) error {
	from := s.state
	s.Reset()
	return &ProtocolError{
		Op:     "send",
		From:   from.String(),
		To:     TxIdle.String(),
		Event:  event,
		Detail: detail,
		Err:    cause,
	}
}

// Start begins msg and returns its first PDU: a Single Frame, after which the
// Segmenter is idle again, or a First Frame.
func (s *Segmenter) Start(msg []byte) (PDU, error) {
	if s.state != TxIdle {
		return nil, fmt.Errorf("isotp: send: %s: message in progress", s.state)
	}
	if len(msg) == 0 {
		return nil, ErrEmptyMessage
	}
	if int64(len(msg)) > MaxEscapedMessageSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(msg))
	}
	if len(msg) <= s.codec.SingleFrameCapacity() {
		return &SingleFrame{Data: msg}, nil
	}

	n := s.codec.FirstFrameCapacity(len(msg))
	s.msg = msg
	s.offset = n
	s.seq = 1
	s.sent = 0
	s.waits = 0
	if s.cfg.DisableFlowControl {
		s.state = TxSending
		s.bs = 0
		s.stmin = s.cfg.TxSTmin
	} else {
		s.state = TxAwaitingFlowControl
	}
	return &FirstFrame{TotalSize: uint32(len(msg)), Data: msg[:n]}, nil
}

// OnFlowControl applies a flow control frame. It reports whether consecutive
// frames may be sent now; a wait frame keeps the Segmenter waiting.
func (s *Segmenter) OnFlowControl(fc *FlowControlFrame) (bool, error) {
	if s.state != TxAwaitingFlowControl {
		return false, nil
	}
	switch fc.Status {
	case ContinueToSend:
		s.bs = int(fc.BlockSize)
		s.sent = 0
		s.waits = 0
		s.stmin = fc.SeparationTime()
		if s.cfg.Options.Flags().Has(ForceTxSTmin) {
			s.stmin = s.cfg.TxSTmin
		}
		s.state = TxSending
		return true, nil
	case Wait:
		s.waits++
		if s.waits > int(s.cfg.FlowControl.WftMax()) {
			return false, s.fail("FlowControl(WAIT)", ErrTooManyWaitFrames,
				fmt.Sprintf("%d wait frames, wftmax %d", s.waits, s.cfg.FlowControl.WftMax()))
		}
		return false, nil
	case Overflow:
		return false, s.fail("FlowControl(OVFLW)", ErrReceiverOverflow,
			fmt.Sprintf("%d byte message refused", len(s.msg)))
	default:
		return false, s.fail(fmt.Sprintf("FlowControl(%d)", fc.Status), ErrMalformed, "invalid flow status")
	}
}

// Timeout abandons the message after N_Bs expired without flow control.
func (s *Segmenter) Timeout() error {
	return s.fail("N_Bs timer", ErrTimeout,
		fmt.Sprintf("%d of %d bytes sent", s.offset, len(s.msg)))
}

// Gap is the delay before the next consecutive frame.
func (s *Segmenter) Gap() time.Duration {
	return s.cfg.Options.FrameTxTime() + s.stmin
}

// Next returns the next consecutive frame. After the last frame of a block
// the state becomes TxAwaitingFlowControl, after the last frame of the
// message TxIdle.
func (s *Segmenter) Next() (*ConsecutiveFrame, error) {
	if s.state != TxSending {
		return nil, fmt.Errorf("isotp: send: no consecutive frame in state %s", s.state)
	}
	n := min(s.codec.ConsecutiveFrameCapacity(), len(s.msg)-s.offset)
	cf := &ConsecutiveFrame{SequenceNumber: s.seq, Data: s.msg[s.offset : s.offset+n]}
	s.offset += n
	s.seq = (s.seq + 1) & 0x0F
	s.sent++

	switch {
	case s.offset >= len(s.msg):
		s.Reset()
	case s.bs > 0 && s.sent >= s.bs:
		s.sent = 0
		s.state = TxAwaitingFlowControl
	}
	return cf, nil
}
