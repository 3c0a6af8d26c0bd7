package tp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/LoveWonYoung/canisotp/driver"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// SessionOption customises a Session.
type SessionOption func(*Session)

// WithLogger replaces the standard logrus logger.
func WithLogger(l logrus.FieldLogger) SessionOption {
	return func(s *Session) { s.log = l }
}

// WithStatistics shares a counter set, e.g. between several sessions.
func WithStatistics(st *Statistics) SessionOption {
	return func(s *Session) { s.stats = st }
}

type rxItem struct {
	msg []byte
	err error
}

// Session is one ISO-TP connection between a local and a remote identifier.
// Reception runs on an internal goroutine that owns the Reassembler; Send
// drives the Segmenter on the caller's goroutine.
type Session struct {
	link  driver.Link
	addr  Address
	cfg   Config
	codec Codec
	log   logrus.FieldLogger
	stats *Statistics

	rx *Reassembler // pump goroutine only
	tx *Segmenter   // guarded by sendMu

	sendMu  sync.Mutex
	writeMu sync.Mutex

	duplexMu sync.Mutex
	rxActive bool
	txActive bool

	fcCh   chan *FlowControlFrame
	fcWant atomic.Bool // set while the segmenter awaits flow control
	rxq    chan rxItem

	abort      atomic.Bool
	readMu     sync.Mutex
	readCancel context.CancelFunc

	cancel    context.CancelFunc
	g         *errgroup.Group
	done      chan struct{}
	errMu     sync.Mutex
	err       error
	closed    atomic.Bool
	closeOnce sync.Once
}

// Open binds ifname through binder and starts a session on it. localID is
// transmitted with, remoteID is received.
func Open(ctx context.Context, binder driver.Binder, ifname string, localID, remoteID uint32, cfg Config, opts ...SessionOption) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	addr, err := NewAddress(localID, remoteID, cfg)
	if err != nil {
		return nil, err
	}
	link, err := binder.Bind(ctx, ifname, addr.Filter())
	if err != nil {
		var lookup *driver.LookupError
		if errors.As(err, &lookup) {
			return nil, err
		}
		return nil, &IOError{Op: "bind " + ifname, Err: err}
	}
	s, err := NewSession(link, addr, cfg, opts...)
	if err != nil {
		_ = link.Close()
		return nil, err
	}
	return s, nil
}

// NewSession starts a session on a link that is already bound. The session
// owns link from now on and closes it in Close.
func NewSession(link driver.Link, addr Address, cfg Config, opts ...SessionOption) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Session{
		link:  link,
		addr:  addr,
		cfg:   cfg,
		codec: NewCodec(cfg, addr),
		fcCh:  make(chan *FlowControlFrame, 4),
		rxq:   make(chan rxItem, cfg.RxQueueSize),
		done:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logrus.StandardLogger()
	}
	s.log = s.log.WithFields(logrus.Fields{
		"tx_id": fmt.Sprintf("0x%X", addr.TxID),
		"rx_id": fmt.Sprintf("0x%X", addr.RxID),
	})
	if s.stats == nil {
		s.stats = NewStatistics()
	}
	s.rx = NewReassembler(cfg, s.codec, NewFlowController(cfg, s.hasRoom))
	s.tx = NewSegmenter(cfg, s.codec)

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	g, gctx := errgroup.WithContext(ctx)
	s.g = g
	g.Go(func() error { return s.pump(gctx) })

	s.log.WithField("flags", cfg.Options.Flags()).Debug("session started")
	return s, nil
}

func (s *Session) Address() Address        { return s.addr }
func (s *Session) Config() Config          { return s.cfg }
func (s *Session) Statistics() *Statistics { return s.stats }

func (s *Session) hasRoom() bool { return len(s.rxq) < cap(s.rxq) }

// Send transmits msg and blocks until its last frame is written or the
// transfer fails. Concurrent calls are serialised. An empty msg is rejected
// with ErrEmptyMessage.
func (s *Session) Send(ctx context.Context, msg []byte) error {
	if s.cfg.Options.Flags().Has(ListenMode) {
		return ErrListenOnly
	}
	if err := s.failure(); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrSessionClosed
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	if !s.beginTx() {
		return ErrBusy
	}
	defer s.endTx()
	s.drainFlowControl()

	first, err := s.tx.Start(msg)
	if err != nil {
		return err
	}
	defer func() {
		s.fcWant.Store(false)
		if s.tx.State() != TxIdle {
			s.log.WithField("state", s.tx.State()).Debug("send aborted")
			s.tx.Reset()
		}
	}()
	s.expectFlowControl()
	if err := s.writePDU(ctx, first); err != nil {
		return err
	}

	paced := false
	for s.tx.State() != TxIdle {
		switch s.tx.State() {
		case TxAwaitingFlowControl:
			if err := s.awaitFlowControl(ctx); err != nil {
				return err
			}
			paced = false
		case TxSending:
			if paced {
				if err := s.sleep(ctx, s.tx.Gap()); err != nil {
					return err
				}
			}
			cf, err := s.tx.Next()
			if err != nil {
				return err
			}
			s.expectFlowControl()
			if err := s.writePDU(ctx, cf); err != nil {
				return err
			}
			paced = true
		}
	}
	s.stats.MessageTx()
	return nil
}

func (s *Session) awaitFlowControl(ctx context.Context) error {
	timer := time.NewTimer(s.cfg.TimeoutN_Bs)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return s.failureOr(ErrSessionClosed)
		case <-timer.C:
			err := s.tx.Timeout()
			s.stats.ProtocolFailure(err)
			s.log.WithError(err).Warn("no flow control")
			return err
		case fc := <-s.fcCh:
			ready, err := s.tx.OnFlowControl(fc)
			s.fcWant.Store(s.tx.State() == TxAwaitingFlowControl)
			if err != nil {
				s.stats.ProtocolFailure(err)
				s.log.WithError(err).Warn("transfer refused")
				return err
			}
			if ready {
				return nil
			}
			if fc.Status == Wait {
				s.stats.WaitFrame()
				if s.cfg.WaitResetsTimeout {
					timer.Reset(s.cfg.TimeoutN_Bs)
				}
			}
		}
	}
}

func (s *Session) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return s.failureOr(ErrSessionClosed)
	case <-t.C:
		return nil
	}
}

// Receive returns the next complete message, or the error that aborted a
// reception. Cancelling ctx also abandons a reception in progress.
func (s *Session) Receive(ctx context.Context) ([]byte, error) {
	select {
	case it := <-s.rxq:
		return it.msg, it.err
	default:
	}
	select {
	case it := <-s.rxq:
		return it.msg, it.err
	case <-ctx.Done():
		s.requestAbort()
		return nil, ctx.Err()
	case <-s.done:
		return nil, s.failureOr(ErrSessionClosed)
	}
}

// Close stops the receive goroutine and closes the link. It is safe to call
// more than once.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.cancel()
		if gerr := s.g.Wait(); gerr != nil {
			s.log.WithError(gerr).Debug("receive loop ended")
		}
		if err = s.link.Close(); err != nil {
			s.log.WithError(err).Debug("closing link")
		}
		s.log.Debug("session closed")
	})
	return err
}

func (s *Session) pump(ctx context.Context) error {
	defer close(s.done)
	for {
		if s.abort.Swap(false) {
			s.abortReception()
		}

		var (
			rctx   context.Context
			cancel context.CancelFunc
		)
		if dl, ok := s.rx.Deadline(); ok {
			rctx, cancel = context.WithDeadline(ctx, dl)
		} else {
			rctx, cancel = context.WithCancel(ctx)
		}
		s.readMu.Lock()
		s.readCancel = cancel
		s.readMu.Unlock()

		f, err := s.link.ReadFrame(rctx)

		s.readMu.Lock()
		s.readCancel = nil
		s.readMu.Unlock()
		cancel()

		if ctx.Err() != nil {
			return nil
		}
		if s.abort.Swap(false) || errors.Is(err, context.Canceled) {
			s.abortReception()
			if err != nil {
				continue
			}
		}
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				if err := s.handle(ctx, s.rx.Expire(time.Now())); err != nil {
					return err
				}
				continue
			}
			ioErr := &IOError{Op: "read", Err: err}
			s.setFailure(ioErr)
			s.log.WithError(err).Error("link read failed")
			return ioErr
		}
		if err := s.onFrame(ctx, f); err != nil {
			return err
		}
	}
}

func (s *Session) onFrame(ctx context.Context, f driver.Frame) error {
	if !s.addr.IsForMe(f) {
		return nil
	}
	s.stats.FrameRx()
	now := time.Now()

	p, err := s.codec.Decode(f.Data)
	if err != nil {
		s.stats.DecodeError()
		entry := s.log.WithError(err).WithField("frame", f)
		if s.rx.State() == RxIdle {
			entry.Debug("malformed frame dropped")
			return nil
		}
		entry.Warn("malformed frame aborts reception")
		from := s.rx.State()
		s.rx.Reset()
		s.setRxActive(false)
		s.deliver(rxItem{err: &ProtocolError{
			Op:    "receive",
			From:  from.String(),
			To:    RxIdle.String(),
			Event: "malformed frame",
			Err:   err,
		}})
		return nil
	}

	if fc, ok := p.(*FlowControlFrame); ok {
		s.routeFlowControl(fc)
		return nil
	}
	if s.cfg.Options.Flags().Has(HalfDuplex) && p.Type() != ConsecutiveFrameType && s.isTxActive() {
		s.stats.Dropped()
		s.log.WithField("pdu", p).Debug("half-duplex: ignoring frame while sending")
		return nil
	}
	return s.handle(ctx, s.rx.Feed(p, now))
}

// expectFlowControl opens the flow control path before the frame that
// solicits it goes out. Frames queued earlier are stale.
func (s *Session) expectFlowControl() {
	want := s.tx.State() == TxAwaitingFlowControl
	if want {
		s.drainFlowControl()
	}
	s.fcWant.Store(want)
}

func (s *Session) routeFlowControl(fc *FlowControlFrame) {
	if !s.isTxActive() || !s.fcWant.Load() {
		s.stats.Dropped()
		s.log.WithField("pdu", fc).Debug("unexpected flow control")
		return
	}
	select {
	case s.fcCh <- fc:
	default:
		s.stats.Dropped()
		s.log.WithField("pdu", fc).Warn("flow control backlog full, frame dropped")
	}
}

// handle applies one reassembly step. Only a failed flow control write is returned.
func (s *Session) handle(ctx context.Context, res RxResult) error {
	if res.Aborted {
		s.log.Warn("incomplete message replaced by a new one")
	}
	if res.Ignored {
		s.stats.Dropped()
	}
	if res.FlowControl != nil {
		if res.FlowControl.Status == Wait {
			s.stats.WaitFrame()
		}
		if err := s.writePDU(ctx, res.FlowControl); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
	if res.Err != nil {
		s.stats.ProtocolFailure(res.Err)
		s.log.WithError(res.Err).Warn("reception aborted")
		s.deliver(rxItem{err: res.Err})
	}
	if res.Complete {
		s.stats.MessageRx()
		s.deliver(rxItem{msg: res.Message})
	}
	s.setRxActive(s.rx.State() != RxIdle)
	return nil
}

func (s *Session) deliver(it rxItem) {
	select {
	case s.rxq <- it:
	default:
		s.stats.Dropped()
		s.log.WithField("len", len(it.msg)).Warn("receive queue full, message dropped")
	}
}

func (s *Session) writePDU(ctx context.Context, p PDU) error {
	payload, err := s.codec.Encode(p)
	if err != nil {
		return err
	}
	f := s.addr.TxFrame(payload, s.cfg.LinkLayer)

	s.writeMu.Lock()
	err = s.link.WriteFrame(ctx, f)
	s.writeMu.Unlock()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if s.closed.Load() {
			return ErrSessionClosed
		}
		ioErr := &IOError{Op: "write", Err: err}
		s.setFailure(ioErr)
		s.cancel()
		s.log.WithError(err).Error("link write failed")
		return ioErr
	}
	s.stats.FrameTx()
	return nil
}

// requestAbort asks the pump to drop the reception in progress. The read
// it interrupts returns context.Canceled, which the pump treats the same way.
func (s *Session) requestAbort() {
	s.readMu.Lock()
	defer s.readMu.Unlock()
	s.abort.Store(true)
	if s.readCancel != nil {
		s.readCancel()
	}
}

func (s *Session) abortReception() {
	if s.rx.Reset() {
		s.log.Debug("reception abandoned by receiver")
	}
	s.setRxActive(false)
}

func (s *Session) drainFlowControl() {
	for {
		select {
		case <-s.fcCh:
		default:
			return
		}
	}
}

func (s *Session) beginTx() bool {
	s.duplexMu.Lock()
	defer s.duplexMu.Unlock()
	if s.cfg.Options.Flags().Has(HalfDuplex) && s.rxActive {
		return false
	}
	s.txActive = true
	return true
}

func (s *Session) endTx() {
	s.duplexMu.Lock()
	s.txActive = false
	s.duplexMu.Unlock()
}

func (s *Session) isTxActive() bool {
	s.duplexMu.Lock()
	defer s.duplexMu.Unlock()
	return s.txActive
}

func (s *Session) setRxActive(v bool) {
	s.duplexMu.Lock()
	s.rxActive = v
	s.duplexMu.Unlock()
}

func (s *Session) setFailure(err error) {
	s.errMu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.errMu.Unlock()
}

func (s *Session) failure() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *Session) failureOr(fallback error) error {
	if err := s.failure(); err != nil {
		return err
	}
	return fallback
}
