package tp

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/LoveWonYoung/canisotp/driver"
	"github.com/jellydator/ttlcache/v3"
	"github.com/sirupsen/logrus"
)

// MonitorEvent is one observation of the bus monitor. Exactly one of PDU,
// Message and Err is set.
type MonitorEvent struct {
	ID       uint32
	Extended bool
	Time     time.Time

	PDU     PDU
	Message []byte
	Err     error
}

type streamKey struct {
	id       uint32
	extended bool
	ext      int // address extension, -1 without extended addressing
}

type stream struct {
	mu    sync.Mutex
	codec Codec
	rx    *Reassembler
}

// Monitor reassembles the ISO-TP traffic of every identifier on a bus
// without taking part in it. Streams that stop half way are reported on
// Expired once N_Cr has passed.
type Monitor struct {
	cfg      Config
	extended bool
	log      logrus.FieldLogger

	mu      sync.Mutex
	streams *ttlcache.Cache[streamKey, *stream]
	expired chan MonitorEvent

	unsubscribe func()
	started     atomic.Bool
	closeOnce   sync.Once
}

// NewMonitor creates a monitor. cfg is used in listen mode regardless of its flags.
func NewMonitor(cfg Config, log logrus.FieldLogger) (*Monitor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Options.SetFlags(cfg.Options.Flags() | ListenMode); err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	m := &Monitor{
		cfg:      cfg,
		extended: cfg.Options.Flags().Has(ExtendAddr),
		log:      log,
		streams: ttlcache.New[streamKey, *stream](
			ttlcache.WithTTL[streamKey, *stream](cfg.TimeoutN_Cr),
			ttlcache.WithDisableTouchOnHit[streamKey, *stream](),
		),
		expired: make(chan MonitorEvent, 64),
	}
	m.unsubscribe = m.streams.OnEviction(m.onEviction)
	return m, nil
}

// Expired delivers the timeouts of abandoned streams.
func (m *Monitor) Expired() <-chan MonitorEvent { return m.expired }

// Start evicts expired streams in the background until Close. Without it
// expiry is only noticed by the next Feed.
func (m *Monitor) Start() {
	if m.started.CompareAndSwap(false, true) {
		go m.streams.Start()
	}
}

// Close stops background expiry. Pending Expired events are discarded.
func (m *Monitor) Close() {
	m.closeOnce.Do(func() {
		if m.started.Load() {
			m.streams.Stop()
		}
		m.unsubscribe()
	})
}

// Active is the number of streams with a message in progress.
func (m *Monitor) Active() int { return m.streams.Len() }

// Feed processes one frame received at now.
func (m *Monitor) Feed(f driver.Frame, now time.Time) []MonitorEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streams.DeleteExpired()

	base := MonitorEvent{ID: f.ID, Extended: f.Extended, Time: now}
	key := streamKey{id: f.ID, extended: f.Extended, ext: -1}
	if m.extended {
		if len(f.Data) == 0 {
			base.Err = newDecodeError(Truncated, "missing address extension")
			return []MonitorEvent{base}
		}
		key.ext = int(f.Data[0])
	}

	var st *stream
	if item := m.streams.Get(key); item != nil {
		st = item.Value()
	} else {
		st = m.newStream(key)
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	p, err := st.codec.Decode(f.Data)
	if err != nil {
		base.Err = err
		return []MonitorEvent{base}
	}
	ev := base
	ev.PDU = p
	events := []MonitorEvent{ev}

	if p.Type() != FlowControlType {
		res := st.rx.Feed(p, now)
		if res.Err != nil {
			ev := base
			ev.Err = res.Err
			events = append(events, ev)
		}
		if res.Complete {
			ev := base
			ev.Message = res.Message
			events = append(events, ev)
		}
	}

	if st.rx.State() == RxIdle {
		m.streams.Delete(key)
	} else {
		m.streams.Set(key, st, ttlcache.DefaultTTL)
	}
	return events
}

func (m *Monitor) newStream(key streamKey) *stream {
	addr := Address{RxID: key.id, Rx29Bit: key.extended}
	if key.ext >= 0 {
		addr.rxPrefix = []byte{byte(key.ext)}
		addr.txPrefix = addr.rxPrefix
	}
	codec := NewCodec(m.cfg, addr)
	return &stream{codec: codec, rx: NewReassembler(m.cfg, codec, nil)}
}

func (m *Monitor) onEviction(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[streamKey, *stream]) {
	if reason != ttlcache.EvictionReasonExpired {
		return
	}
	st := item.Value()
	st.mu.Lock()
	dl, active := st.rx.Deadline()
	var res RxResult
	if active {
		res = st.rx.Expire(dl)
	}
	st.mu.Unlock()
	if res.Err == nil {
		return
	}

	key := item.Key()
	ev := MonitorEvent{ID: key.id, Extended: key.extended, Time: dl, Err: res.Err}
	select {
	case m.expired <- ev:
	default:
		m.log.WithField("id", key.id).Warn("monitor: expiry backlog full, event dropped")
	}
}
