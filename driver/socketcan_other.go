//go:build !linux

package driver

import "context"

// SocketCAN is only available on Linux.
type SocketCAN struct {
	FD              bool
	DisableLoopback bool
}

// Bind always fails with ErrNotSupported.
func (s SocketCAN) Bind(ctx context.Context, ifname string, filter Filter) (Link, error) {
	return nil, ErrNotSupported
}
