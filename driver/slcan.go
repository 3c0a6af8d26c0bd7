package driver

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/sirupsen/logrus"
	"go.bug.st/serial"
	"golang.org/x/sync/errgroup"
)

// SLCAN bit rate codes for the "Sn" command.
const (
	SLCAN10k   = 0
	SLCAN20k   = 1
	SLCAN50k   = 2
	SLCAN100k  = 3
	SLCAN125k  = 4
	SLCAN250k  = 5
	SLCAN500k  = 6
	SLCAN800k  = 7
	SLCAN1000k = 8
)

// SLCAN binds Lawicel-protocol serial adapters (CANable, USBtin, ...). The
// interface name passed to Bind is the serial device, e.g. /dev/ttyACM0 or COM3.
type SLCAN struct {
	BaudRate     int // serial speed, default 115200
	Bitrate      int // one of the SLCANxxx codes, default SLCAN500k
	OpenAttempts uint
	RetryDelay   time.Duration
	Logger       logrus.FieldLogger
}

// slcanPort is the part of serial.Port the adapter needs.
type slcanPort interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
}

var openSerial = func(name string, mode *serial.Mode) (slcanPort, error) {
	return serial.Open(name, mode)
}

// Bind implements Binder. Opening is retried because USB adapters take a
// moment to enumerate after being plugged in.
func (s SLCAN) Bind(ctx context.Context, ifname string, filter Filter) (Link, error) {
	baud := s.BaudRate
	if baud == 0 {
		baud = 115200
	}
	bitrate := s.Bitrate
	if bitrate == 0 {
		bitrate = SLCAN500k
	}
	if bitrate < SLCAN10k || bitrate > SLCAN1000k {
		return nil, fmt.Errorf("slcan: invalid bitrate code %d", bitrate)
	}
	attempts := s.OpenAttempts
	if attempts == 0 {
		attempts = 3
	}
	delay := s.RetryDelay
	if delay == 0 {
		delay = 500 * time.Millisecond
	}
	log := s.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	log = log.WithField("port", ifname)

	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := retry.DoWithData(
		func() (slcanPort, error) {
			p, err := openSerial(ifname, mode)
			if err != nil {
				var pe *serial.PortError
				if errors.As(err, &pe) && pe.Code() != serial.PortNotFound && pe.Code() != serial.PortBusy {
					return nil, retry.Unrecoverable(err)
				}
				return nil, err
			}
			return p, nil
		},
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(delay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.WithError(err).Debugf("open attempt %d failed", n+1)
		}),
	)
	if err != nil {
		var pe *serial.PortError
		if errors.As(err, &pe) && pe.Code() == serial.PortNotFound {
			return nil, &LookupError{Name: ifname, Err: err}
		}
		return nil, fmt.Errorf("slcan: open %s: %w", ifname, err)
	}
	return newSLCANLink(port, ifname, bitrate, filter, log)
}

type slcanLink struct {
	port   slcanPort
	name   string
	filter Filter
	log    logrus.FieldLogger

	wmu    sync.Mutex
	rx     chan Frame
	done   chan struct{}
	cancel context.CancelFunc
	g      *errgroup.Group

	closeOnce sync.Once
	closeErr  error
}

func newSLCANLink(port slcanPort, name string, bitrate int, filter Filter, log logrus.FieldLogger) (*slcanLink, error) {
	// close first in case the adapter was left open, then configure and open the channel
	for _, cmd := range []string{"C\r", fmt.Sprintf("S%d\r", bitrate), "O\r"} {
		if _, err := port.Write([]byte(cmd)); err != nil {
			port.Close()
			return nil, fmt.Errorf("slcan: %s: configure: %w", name, err)
		}
	}
	if err := port.SetReadTimeout(100 * time.Millisecond); err != nil {
		port.Close()
		return nil, fmt.Errorf("slcan: %s: set read timeout: %w", name, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)
	l := &slcanLink{
		port:   port,
		name:   name,
		filter: append(Filter(nil), filter...),
		log:    log,
		rx:     make(chan Frame, RxBufferSize),
		done:   make(chan struct{}),
		cancel: cancel,
		g:      g,
	}
	g.Go(func() error {
		defer close(l.done)
		return l.readLoop(ctx)
	})
	return l, nil
}

func (l *slcanLink) readLoop(ctx context.Context) error {
	buf := make([]byte, 256)
	var line []byte
	for {
		if ctx.Err() != nil {
			return nil
		}
		n, err := l.port.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			l.log.WithError(err).Error("serial read failed")
			return err
		}
		for _, b := range buf[:n] {
			switch b {
			case '\r':
				l.handleLine(line)
				line = line[:0]
			case 0x07: // BEL: adapter rejected a command
				l.log.Warn("adapter returned error")
				line = line[:0]
			default:
				line = append(line, b)
			}
		}
	}
}

func (l *slcanLink) handleLine(line []byte) {
	if len(line) == 0 {
		return
	}
	switch line[0] {
	case 't', 'T', 'd', 'D', 'b', 'B':
	default:
		// command acknowledgements ('z', 'Z') and status replies
		return
	}
	f, err := DecodeSLCAN(string(line))
	if err != nil {
		l.log.WithError(err).Warnf("bad slcan line %q", line)
		return
	}
	if !l.filter.Match(f) {
		return
	}
	select {
	case l.rx <- f:
	default:
		l.log.Warnf("rx queue full, dropping %s", f)
	}
}

func (l *slcanLink) WriteFrame(ctx context.Context, f Frame) error {
	select {
	case <-l.done:
		return ErrClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	line, err := EncodeSLCAN(f)
	if err != nil {
		return err
	}
	l.wmu.Lock()
	defer l.wmu.Unlock()
	n, err := l.port.Write([]byte(line))
	if err != nil {
		return fmt.Errorf("slcan: %s: write: %w", l.name, err)
	}
	if n != len(line) {
		return fmt.Errorf("slcan: %s: short write (%d of %d bytes)", l.name, n, len(line))
	}
	return nil
}

func (l *slcanLink) ReadFrame(ctx context.Context) (Frame, error) {
	select {
	case f := <-l.rx:
		return f, nil
	case <-l.done:
		return Frame{}, ErrClosed
	case <-ctx.Done():
		return Frame{}, readTimeout(ctx)
	}
}

func (l *slcanLink) Close() error {
	l.closeOnce.Do(func() {
		l.cancel()
		l.wmu.Lock()
		if _, err := l.port.Write([]byte("C\r")); err != nil {
			l.log.WithError(err).Debug("close channel failed")
		}
		l.wmu.Unlock()
		l.closeErr = l.port.Close()
		if err := l.g.Wait(); err != nil {
			l.log.WithError(err).Debug("reader stopped with error")
		}
	})
	return l.closeErr
}

// EncodeSLCAN renders f as one SLCAN command line including the trailing CR.
func EncodeSLCAN(f Frame) (string, error) {
	if err := f.Validate(); err != nil {
		return "", err
	}
	var cmd byte
	switch {
	case f.FD && f.BRS:
		cmd = 'b'
	case f.FD:
		cmd = 'd'
	default:
		cmd = 't'
	}
	var b bytes.Buffer
	if f.Extended {
		b.WriteByte(cmd - 'a' + 'A')
		fmt.Fprintf(&b, "%08X", f.ID&EFFMask)
	} else {
		b.WriteByte(cmd)
		fmt.Fprintf(&b, "%03X", f.ID&SFFMask)
	}
	dlc, ok := lenToDLC(len(f.Data), f.FD)
	if !ok {
		return "", fmt.Errorf("slcan: no DLC for %d data bytes", len(f.Data))
	}
	fmt.Fprintf(&b, "%X", dlc)
	b.WriteString(strings.ToUpper(hex.EncodeToString(f.Data)))
	b.WriteByte('\r')
	return b.String(), nil
}

// DecodeSLCAN parses one SLCAN frame line (with or without the trailing CR).
func DecodeSLCAN(line string) (Frame, error) {
	line = strings.TrimRight(line, "\r")
	if len(line) < 1 {
		return Frame{}, errors.New("slcan: empty line")
	}
	var f Frame
	idLen := 3
	switch line[0] {
	case 't':
	case 'T':
		f.Extended, idLen = true, 8
	case 'd':
		f.FD = true
	case 'D':
		f.FD, f.Extended, idLen = true, true, 8
	case 'b':
		f.FD, f.BRS = true, true
	case 'B':
		f.FD, f.BRS, f.Extended, idLen = true, true, true, 8
	default:
		return Frame{}, fmt.Errorf("slcan: unsupported command %q", line[0])
	}
	if len(line) < 1+idLen+1 {
		return Frame{}, fmt.Errorf("slcan: truncated line %q", line)
	}
	id, err := strconv.ParseUint(line[1:1+idLen], 16, 32)
	if err != nil {
		return Frame{}, fmt.Errorf("slcan: bad id: %w", err)
	}
	f.ID = uint32(id)
	dlc, err := strconv.ParseUint(line[1+idLen:2+idLen], 16, 8)
	if err != nil {
		return Frame{}, fmt.Errorf("slcan: bad dlc: %w", err)
	}
	n := dlcToLen(byte(dlc), f.FD)
	data, err := hex.DecodeString(line[2+idLen:])
	if err != nil {
		return Frame{}, fmt.Errorf("slcan: bad data: %w", err)
	}
	if len(data) != n {
		return Frame{}, fmt.Errorf("slcan: dlc %d announces %d bytes, got %d", dlc, n, len(data))
	}
	f.Data = data
	return f, f.Validate()
}

var fdLengths = [16]int{0, 1, 2, 3, 4, 5, 6, 7, 8, 12, 16, 20, 24, 32, 48, 64}

func dlcToLen(dlc byte, fd bool) int {
	dlc &= 0x0F
	if !fd && dlc > 8 {
		return 8
	}
	return fdLengths[dlc]
}

func lenToDLC(n int, fd bool) (byte, bool) {
	if !fd && n > 8 {
		return 0, false
	}
	for dlc, l := range fdLengths {
		if l == n {
			return byte(dlc), true
		}
	}
	return 0, false
}
