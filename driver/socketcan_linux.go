//go:build linux

package driver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// pollSlice bounds a single poll so that cancellation is noticed promptly.
const pollSlice = 50 * time.Millisecond

// SocketCAN binds raw CAN_RAW sockets on Linux network interfaces (can0, vcan0, ...).
type SocketCAN struct {
	// FD enables CAN_RAW_FD_FRAMES so that 72-byte canfd_frame structures are exchanged.
	FD bool
	// DisableLoopback turns off local echo of sent frames to other sockets on the host.
	DisableLoopback bool
}

// Bind implements Binder.
func (s SocketCAN) Bind(ctx context.Context, ifname string, filter Filter) (Link, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ifindex, err := interfaceIndex(ifname)
	if err != nil {
		return nil, err
	}

	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("create CAN socket: %w", err)
	}
	ok := false
	defer func() {
		if !ok {
			unix.Close(fd)
		}
	}()

	if s.FD {
		if err := unix.SetsockoptInt(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FD_FRAMES, 1); err != nil {
			return nil, fmt.Errorf("enable CAN FD frames: %w", err)
		}
	}
	if s.DisableLoopback {
		if err := unix.SetsockoptInt(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_LOOPBACK, 0); err != nil {
			return nil, fmt.Errorf("disable loopback: %w", err)
		}
	}
	if len(filter) > 0 {
		filters := make([]unix.CanFilter, 0, len(filter))
		for _, id := range filter {
			mask := uint32(unix.CAN_EFF_FLAG | unix.CAN_RTR_FLAG)
			if id.Extended {
				mask |= unix.CAN_EFF_MASK
			} else {
				mask |= unix.CAN_SFF_MASK
			}
			filters = append(filters, unix.CanFilter{
				Id:   Frame{ID: id.ID, Extended: id.Extended}.RawID(),
				Mask: mask,
			})
		}
		if err := unix.SetsockoptCanRawFilter(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FILTER, filters); err != nil {
			return nil, fmt.Errorf("set CAN filter: %w", err)
		}
	}
	if err := unix.Bind(fd, &unix.SockaddrCAN{Ifindex: ifindex}); err != nil {
		return nil, fmt.Errorf("bind CAN socket to %s: %w", ifname, err)
	}

	ok = true
	return &socketLink{fd: fd, ifname: ifname, fdFrames: s.FD}, nil
}

func interfaceIndex(ifname string) (int, error) {
	iface, err := net.InterfaceByName(ifname)
	if err != nil {
		return 0, &LookupError{Name: ifname, Err: err}
	}
	return iface.Index, nil
}

type socketLink struct {
	fd       int
	ifname   string
	fdFrames bool

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

func (l *socketLink) WriteFrame(ctx context.Context, f Frame) error {
	if l.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if f.FD && !l.fdFrames {
		return fmt.Errorf("%s: CAN FD frames not enabled", l.ifname)
	}
	buf, err := marshalRaw(f)
	if err != nil {
		return err
	}
	for {
		n, err := unix.Write(l.fd, buf)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			if l.closed.Load() {
				return ErrClosed
			}
			return fmt.Errorf("%s: write frame: %w", l.ifname, err)
		}
		if n != len(buf) {
			return fmt.Errorf("%s: short frame write (%d of %d bytes)", l.ifname, n, len(buf))
		}
		return nil
	}
}

func (l *socketLink) ReadFrame(ctx context.Context) (Frame, error) {
	buf := make([]byte, CANFDMTU)
	fds := []unix.PollFd{{Fd: int32(l.fd), Events: unix.POLLIN}}
	for {
		if l.closed.Load() {
			return Frame{}, ErrClosed
		}
		if ctx.Err() != nil {
			return Frame{}, readTimeout(ctx)
		}
		wait := pollSlice
		if dl, ok := ctx.Deadline(); ok {
			if until := time.Until(dl); until < wait {
				wait = until
			}
		}
		if wait < 0 {
			wait = 0
		}
		n, err := unix.Poll(fds, int(wait.Milliseconds()))
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return Frame{}, fmt.Errorf("%s: poll: %w", l.ifname, err)
		}
		if n == 0 {
			continue
		}
		if fds[0].Revents&(unix.POLLNVAL|unix.POLLHUP|unix.POLLERR) != 0 {
			if l.closed.Load() {
				return Frame{}, ErrClosed
			}
			return Frame{}, fmt.Errorf("%s: socket error (revents 0x%x)", l.ifname, fds[0].Revents)
		}

		nr, err := unix.Read(l.fd, buf)
		if errors.Is(err, unix.EINTR) || errors.Is(err, unix.EAGAIN) {
			continue
		}
		if err != nil {
			return Frame{}, fmt.Errorf("%s: read frame: %w", l.ifname, err)
		}
		f, flags, err := unmarshalRaw(buf[:nr])
		if err != nil {
			return Frame{}, err
		}
		// error frames and remote requests never carry ISO-TP data
		if flags.Has(FlagERR) || flags.Has(FlagRTR) {
			continue
		}
		return f, nil
	}
}

func (l *socketLink) Close() error {
	l.closeOnce.Do(func() {
		l.closed.Store(true)
		l.closeErr = unix.Close(l.fd)
	})
	return l.closeErr
}
