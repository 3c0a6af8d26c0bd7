package driver

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
)

// Adapter kinds understood by NewBinder.
const (
	KindSocketCAN = "socketcan"
	KindSLCAN     = "slcan"
	KindVirtual   = "virtual"
)

// BinderOptions parameterise NewBinder. Fields that do not apply to the
// selected kind are ignored.
type BinderOptions struct {
	FD           bool
	BaudRate     int
	SLCANBitrate int
	Logger       logrus.FieldLogger
}

// NewBinder returns the adapter registered under kind.
func NewBinder(kind string, opts BinderOptions) (Binder, error) {
	switch strings.ToLower(kind) {
	case KindSocketCAN, "":
		return SocketCAN{FD: opts.FD}, nil
	case KindSLCAN:
		return SLCAN{BaudRate: opts.BaudRate, Bitrate: opts.SLCANBitrate, Logger: opts.Logger}, nil
	case KindVirtual:
		bus := NewVirtualBus()
		if opts.Logger != nil {
			bus.SetLogger(opts.Logger)
		}
		return bus, nil
	default:
		return nil, fmt.Errorf("driver: unknown adapter %q (want %s, %s or %s)", kind, KindSocketCAN, KindSLCAN, KindVirtual)
	}
}
