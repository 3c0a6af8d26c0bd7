package driver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// RxBufferSize is the per-endpoint queue depth of the virtual bus.
const RxBufferSize = 1024

// DefaultWriteLogLimit is how many of the most recent writes a new bus keeps.
const DefaultWriteLogLimit = 4096

// WriteRecord 记录一次写入操作
type WriteRecord struct {
	Endpoint  string
	Frame     Frame
	Timestamp time.Time
}

// VirtualBus is an in-memory CAN bus for development and tests. Every bound
// endpoint receives the frames written by the other endpoints of the same
// interface name, filtered like a raw socket.
type VirtualBus struct {
	mu       sync.Mutex
	ifaces   map[string][]*VirtualLink
	writeLog []WriteRecord
	logLimit int
	log      logrus.FieldLogger
	nextID   int
}

// NewVirtualBus creates an empty bus. Interface names come into existence on first Bind.
func NewVirtualBus() *VirtualBus {
	return &VirtualBus{
		ifaces:   make(map[string][]*VirtualLink),
		logLimit: DefaultWriteLogLimit,
		log:      logrus.StandardLogger(),
	}
}

// SetWriteLogLimit keeps only the n most recent writes. Zero turns recording off.
func (b *VirtualBus) SetWriteLogLimit(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.logLimit = max(n, 0)
	b.trimWriteLog()
}

func (b *VirtualBus) trimWriteLog() {
	if over := len(b.writeLog) - b.logLimit; over > 0 {
		b.writeLog = b.writeLog[over:]
	}
	if b.logLimit == 0 {
		b.writeLog = nil
	}
}

// SetLogger replaces the bus logger.
func (b *VirtualBus) SetLogger(l logrus.FieldLogger) {
	b.mu.Lock()
	b.log = l
	b.mu.Unlock()
}

// Bind implements Binder.
func (b *VirtualBus) Bind(ctx context.Context, ifname string, filter Filter) (Link, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return b.Endpoint(ifname, filter), nil
}

// Endpoint binds a new endpoint and returns the concrete type, for tests that inject frames.
func (b *VirtualBus) Endpoint(ifname string, filter Filter) *VirtualLink {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	l := &VirtualLink{
		bus:    b,
		ifname: ifname,
		name:   fmt.Sprintf("%s#%d", ifname, b.nextID),
		filter: append(Filter(nil), filter...),
		rx:     make(chan Frame, RxBufferSize),
		done:   make(chan struct{}),
	}
	b.ifaces[ifname] = append(b.ifaces[ifname], l)
	b.log.WithField("endpoint", l.name).Debug("virtual endpoint bound")
	return l
}

func (b *VirtualBus) deliver(from *VirtualLink, f Frame) {
	b.mu.Lock()
	if b.logLimit > 0 {
		b.writeLog = append(b.writeLog, WriteRecord{Endpoint: from.name, Frame: f, Timestamp: time.Now()})
		b.trimWriteLog()
	}
	peers := append([]*VirtualLink(nil), b.ifaces[from.ifname]...)
	log := b.log
	b.mu.Unlock()

	log.WithField("endpoint", from.name).Debugf("TX %s", f)
	for _, p := range peers {
		if p == from || !p.filter.Match(f) {
			continue
		}
		p.push(f, log)
	}
}

func (b *VirtualBus) remove(l *VirtualLink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	links := b.ifaces[l.ifname]
	for i, p := range links {
		if p == l {
			b.ifaces[l.ifname] = append(links[:i], links[i+1:]...)
			break
		}
	}
}

// WriteLog returns a copy of the recorded writes, oldest first.
func (b *VirtualBus) WriteLog() []WriteRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]WriteRecord(nil), b.writeLog...)
}

// ClearWriteLog 清除写入日志
func (b *VirtualBus) ClearWriteLog() {
	b.mu.Lock()
	b.writeLog = nil
	b.mu.Unlock()
}

// VirtualLink is one endpoint on a VirtualBus.
type VirtualLink struct {
	bus    *VirtualBus
	ifname string
	name   string
	filter Filter

	rx        chan Frame
	done      chan struct{}
	closeOnce sync.Once
}

func (l *VirtualLink) push(f Frame, log logrus.FieldLogger) {
	f.Data = append([]byte(nil), f.Data...)
	select {
	case <-l.done:
	case l.rx <- f:
	default:
		log.WithField("endpoint", l.name).Warnf("rx queue full, dropping %s", f)
	}
}

// WriteFrame implements Link.
func (l *VirtualLink) WriteFrame(ctx context.Context, f Frame) error {
	if err := f.Validate(); err != nil {
		return err
	}
	select {
	case <-l.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	l.bus.deliver(l, f)
	return nil
}

// ReadFrame implements Link.
func (l *VirtualLink) ReadFrame(ctx context.Context) (Frame, error) {
	select {
	case f := <-l.rx:
		return f, nil
	case <-l.done:
		return Frame{}, ErrClosed
	case <-ctx.Done():
		return Frame{}, readTimeout(ctx)
	}
}

// Inject queues f as if it had been received from the bus, bypassing the filter.
func (l *VirtualLink) Inject(f Frame) error {
	select {
	case <-l.done:
		return ErrClosed
	case l.rx <- f:
		return nil
	default:
		return fmt.Errorf("virtual endpoint %s: rx queue full", l.name)
	}
}

// Close implements Link. It is safe to call more than once.
func (l *VirtualLink) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
		l.bus.remove(l)
	})
	return nil
}
