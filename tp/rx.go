package tp

import (
	"fmt"
	"time"
)

// RxState is the state of the Reassembler.
type RxState uint8

const (
	RxIdle RxState = iota
	RxAwaitingConsecutive
	RxAwaitingCapacity // a wait frame was sent, the First Frame is on hold
)

func (s RxState) String() string {
	switch s {
	case RxIdle:
		return "Idle"
	case RxAwaitingConsecutive:
		return "AwaitingConsecutive"
	case RxAwaitingCapacity:
		return "AwaitingCapacity"
	default:
		return fmt.Sprintf("RxState(%d)", uint8(s))
	}
}

// RxResult is the outcome of one reassembly step.
type RxResult struct {
	// Message is set when Complete.
	Message  []byte
	Complete bool
	// FlowControl must be transmitted to the sender when not nil.
	FlowControl *FlowControlFrame
	// Err aborted the message in progress.
	Err error
	// Ignored marks a frame that did not fit the current state and was dropped.
	Ignored bool
	// Aborted marks a partial message discarded for a new First or Single Frame.
	Aborted bool
}

// Reassembler turns the frames of one sender into messages. It is not safe
// for concurrent use; a Session drives it from a single goroutine.
type Reassembler struct {
	cfg    Config
	codec  Codec
	flow   *FlowController
	listen bool

	state       RxState
	total       int
	buf         []byte
	expectedSeq uint8
	blockCount  int
	deadline    time.Time
	lastCF      time.Time
	advertised  time.Duration
}

// NewReassembler returns an idle Reassembler. flow decides the flow control
// answers; it is unused in listen mode.
func NewReassembler(cfg Config, codec Codec, flow *FlowController) *Reassembler {
	if flow == nil {
		flow = NewFlowController(cfg, nil)
	}
	return &Reassembler{
		cfg:    cfg,
		codec:  codec,
		flow:   flow,
		listen: cfg.Options.Flags().Has(ListenMode),
	}
}

// State reports where the current reception stands.
func (r *Reassembler) State() RxState { return r.state }

// Deadline is the instant Expire must be called at, if a message is in progress.
func (r *Reassembler) Deadline() (time.Time, bool) {
	if r.state == RxIdle {
		return time.Time{}, false
	}
	return r.deadline, true
}

// Reset discards any message in progress. It reports whether one was dropped.
func (r *Reassembler) Reset() bool {
	active := r.state != RxIdle
	r.state = RxIdle
	r.buf = nil
	r.total = 0
	r.blockCount = 0
	r.lastCF = time.Time{}
	return active
}

func (r *Reassembler) fail(event string, cause error, detail string) RxResult {
	from := r.state
	r.Reset()
	return RxResult{Err: &ProtocolError{
		Op:     "receive",
		From:   from.String(),
		To:     RxIdle.String(),
		Event:  event,
		Detail: detail,
		Err:    cause,
	}}
}

// Feed processes one decoded PDU received at now.
func (r *Reassembler) Feed(p PDU, now time.Time) RxResult {
	switch p := p.(type) {
	case *SingleFrame:
		aborted := r.Reset()
		msg := append([]byte(nil), p.Data...)
		return RxResult{Message: msg, Complete: true, Aborted: aborted}
	case *FirstFrame:
		aborted := r.Reset()
		res := r.first(p, now)
		res.Aborted = aborted
		return res
	case *ConsecutiveFrame:
		return r.consecutive(p, now)
	default:
		return RxResult{Ignored: true}
	}
}

func (r *Reassembler) first(ff *FirstFrame, now time.Time) RxResult {
	r.flow.Begin()
	r.total = int(ff.TotalSize)
	r.expectedSeq = 1
	r.blockCount = 0

	if r.listen {
		if int64(ff.TotalSize) > int64(r.cfg.MaxMessageSize) {
			return r.fail(FirstFrameType.String(), ErrReceiverOverflow,
				fmt.Sprintf("%d bytes exceed %d", ff.TotalSize, r.cfg.MaxMessageSize))
		}
		r.start(ff.Data, now, 0)
		return RxResult{}
	}

	fc := r.flow.Decide(ff.TotalSize)
	switch fc.Status {
	case ContinueToSend:
		r.start(ff.Data, now, DecodeSTmin(fc.STmin))
		return RxResult{FlowControl: fc}
	case Wait:
		r.buf = newRxBuffer(r.total, ff.Data)
		r.state = RxAwaitingCapacity
		r.deadline = now.Add(r.cfg.TimeoutN_Br)
		return RxResult{FlowControl: fc}
	default:
		res := r.fail(FirstFrameType.String(), ErrReceiverOverflow,
			fmt.Sprintf("%d bytes, limit %d", ff.TotalSize, r.cfg.MaxMessageSize))
		res.FlowControl = fc
		return res
	}
}

// rxPrealloc caps the capacity reserved on a First Frame. Larger messages
// grow the buffer as their consecutive frames arrive.
const rxPrealloc = 4096

func newRxBuffer(total int, data []byte) []byte {
	return append(make([]byte, 0, min(total, rxPrealloc)), data...)
}

func (r *Reassembler) start(data []byte, now time.Time, stmin time.Duration) {
	if r.buf == nil {
		r.buf = newRxBuffer(r.total, data)
	}
	r.advertised = stmin
	r.state = RxAwaitingConsecutive
	r.deadline = now.Add(r.cfg.TimeoutN_Cr + stmin)
}

func (r *Reassembler) consecutive(cf *ConsecutiveFrame, now time.Time) RxResult {
	if r.state != RxAwaitingConsecutive {
		return RxResult{Ignored: true}
	}
	if r.cfg.Options.Flags().Has(ForceRxSTmin) && !r.lastCF.IsZero() && now.Sub(r.lastCF) < r.cfg.RxSTmin {
		return RxResult{Ignored: true}
	}
	if cf.SequenceNumber != r.expectedSeq {
		return r.fail(ConsecutiveFrameType.String(), ErrSequence,
			fmt.Sprintf("expected %d, got %d", r.expectedSeq, cf.SequenceNumber))
	}
	r.lastCF = now

	remaining := r.total - len(r.buf)
	n := len(cf.Data)
	if n >= remaining {
		if err := r.codec.CheckPadding(cf, remaining); err != nil {
			return r.fail(ConsecutiveFrameType.String(), ErrMalformed, err.Error())
		}
		msg := append(r.buf, cf.Data[:remaining]...)
		r.Reset()
		return RxResult{Message: msg, Complete: true}
	}

	r.buf = append(r.buf, cf.Data...)
	r.expectedSeq = (r.expectedSeq + 1) & 0x0F
	r.deadline = now.Add(r.cfg.TimeoutN_Cr + r.advertised)

	var res RxResult
	if bs := int(r.cfg.FlowControl.BlockSize()); bs > 0 {
		r.blockCount++
		if r.blockCount >= bs {
			r.blockCount = 0
			if !r.listen {
				res.FlowControl = r.flow.Continue()
			}
		}
	}
	return res
}

// Expire handles the deadline returned by Deadline.
func (r *Reassembler) Expire(now time.Time) RxResult {
	if r.state == RxIdle || now.Before(r.deadline) {
		return RxResult{}
	}
	switch r.state {
	case RxAwaitingConsecutive:
		return r.fail("N_Cr timer", ErrTimeout,
			fmt.Sprintf("%d of %d bytes received", len(r.buf), r.total))
	default:
		fc := r.flow.Decide(uint32(r.total))
		switch fc.Status {
		case ContinueToSend:
			r.start(nil, now, DecodeSTmin(fc.STmin))
			return RxResult{FlowControl: fc}
		case Wait:
			r.deadline = now.Add(r.cfg.TimeoutN_Br)
			return RxResult{FlowControl: fc}
		default:
			res := r.fail("N_Br timer", ErrReceiverOverflow,
				fmt.Sprintf("no buffer after %d wait frames", r.flow.Waits()))
			res.FlowControl = fc
			return res
		}
	}
}
