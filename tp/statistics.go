package tp

import "sync/atomic"

// Statistics counts session activity. All methods are safe for concurrent use.
type Statistics struct {
	txFrames   atomic.Uint64
	rxFrames   atomic.Uint64
	txMessages atomic.Uint64
	rxMessages atomic.Uint64

	sequenceErrors atomic.Uint64
	timeouts       atomic.Uint64
	overflows      atomic.Uint64
	waitFrames     atomic.Uint64
	decodeErrors   atomic.Uint64
	droppedFrames  atomic.Uint64
}

// StatisticsSnapshot is a copy of all counters taken at one point in time.
type StatisticsSnapshot struct {
	TxFrames       uint64
	RxFrames       uint64
	TxMessages     uint64
	RxMessages     uint64
	SequenceErrors uint64
	Timeouts       uint64
	Overflows      uint64
	WaitFrames     uint64
	DecodeErrors   uint64
	DroppedFrames  uint64
}

// NewStatistics returns a zeroed counter set.
func NewStatistics() *Statistics {
	return &Statistics{}
}

func (s *Statistics) FrameTx()     { s.txFrames.Add(1) }
func (s *Statistics) FrameRx()     { s.rxFrames.Add(1) }
func (s *Statistics) MessageTx()   { s.txMessages.Add(1) }
func (s *Statistics) MessageRx()   { s.rxMessages.Add(1) }
func (s *Statistics) WaitFrame()   { s.waitFrames.Add(1) }
func (s *Statistics) DecodeError() { s.decodeErrors.Add(1) }

// Dropped counts a frame that was valid but did not fit the receive state.
func (s *Statistics) Dropped() { s.droppedFrames.Add(1) }

// ProtocolFailure counts err under its cause.
func (s *Statistics) ProtocolFailure(err error) {
	pe, ok := asProtocolError(err)
	if !ok {
		return
	}
	switch pe.Err {
	case ErrSequence:
		s.sequenceErrors.Add(1)
	case ErrTimeout:
		s.timeouts.Add(1)
	case ErrReceiverOverflow, ErrTooManyWaitFrames:
		s.overflows.Add(1)
	}
}

func (s *Statistics) GetTxFrames() uint64       { return s.txFrames.Load() }
func (s *Statistics) GetRxFrames() uint64       { return s.rxFrames.Load() }
func (s *Statistics) GetTxMessages() uint64     { return s.txMessages.Load() }
func (s *Statistics) GetRxMessages() uint64     { return s.rxMessages.Load() }
func (s *Statistics) GetSequenceErrors() uint64 { return s.sequenceErrors.Load() }
func (s *Statistics) GetTimeouts() uint64       { return s.timeouts.Load() }
func (s *Statistics) GetOverflows() uint64      { return s.overflows.Load() }
func (s *Statistics) GetWaitFrames() uint64     { return s.waitFrames.Load() }
func (s *Statistics) GetDecodeErrors() uint64   { return s.decodeErrors.Load() }
func (s *Statistics) GetDroppedFrames() uint64  { return s.droppedFrames.Load() }

func (s *Statistics) Snapshot() StatisticsSnapshot {
	return StatisticsSnapshot{
		TxFrames:       s.GetTxFrames(),
		RxFrames:       s.GetRxFrames(),
		TxMessages:     s.GetTxMessages(),
		RxMessages:     s.GetRxMessages(),
		SequenceErrors: s.GetSequenceErrors(),
		Timeouts:       s.GetTimeouts(),
		Overflows:      s.GetOverflows(),
		WaitFrames:     s.GetWaitFrames(),
		DecodeErrors:   s.GetDecodeErrors(),
		DroppedFrames:  s.GetDroppedFrames(),
	}
}

// Reset clears all counters.
func (s *Statistics) Reset() {
	for _, c := range []*atomic.Uint64{
		&s.txFrames, &s.rxFrames, &s.txMessages, &s.rxMessages,
		&s.sequenceErrors, &s.timeouts, &s.overflows, &s.waitFrames,
		&s.decodeErrors, &s.droppedFrames,
	} {
		c.Store(0)
	}
}
