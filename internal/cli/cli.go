// Package cli holds the flag handling shared by the isotp command line tools.
package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/LoveWonYoung/canisotp/driver"
	"github.com/LoveWonYoung/canisotp/logrecorder"
	"github.com/LoveWonYoung/canisotp/tp"
	"github.com/avast/retry-go/v4"
	"github.com/sirupsen/logrus"
)

// Flags are the options common to all tools.
type Flags struct {
	Interface string
	Driver    string
	FD        bool
	Baud      int
	Bitrate   int

	TxPad   string
	ExtAddr string
	BS      uint
	STmin   string
	WftMax  uint

	OpenAttempts uint
	Verbose      bool
	LogDir       string
}

// Register adds the common flags to fs.
func (f *Flags) Register(fs *flag.FlagSet) {
	fs.StringVar(&f.Interface, "i", "vcan0", "CAN interface or serial device")
	fs.StringVar(&f.Driver, "driver", driver.KindSocketCAN, "adapter: socketcan, slcan or virtual")
	fs.BoolVar(&f.FD, "fd", false, "use CAN FD frames with 64 byte tx_dl")
	fs.IntVar(&f.Baud, "baud", 115200, "serial speed for slcan")
	fs.IntVar(&f.Bitrate, "bitrate", driver.SLCAN500k, "slcan bit rate code 0..8")
	fs.StringVar(&f.TxPad, "pad", "", "pad frames with this hex byte, e.g. CC")
	fs.StringVar(&f.ExtAddr, "x", "", "extended addressing byte in hex")
	fs.UintVar(&f.BS, "bs", 0, "block size advertised in flow control")
	fs.StringVar(&f.STmin, "stmin", "0", "STmin byte advertised in flow control, hex")
	fs.UintVar(&f.WftMax, "wftmax", 0, "wait frames tolerated per message")
	fs.UintVar(&f.OpenAttempts, "retries", 5, "attempts to bind the interface")
	fs.BoolVar(&f.Verbose, "v", false, "debug logging")
	fs.StringVar(&f.LogDir, "logdir", "", "also write a rotated log below this directory")
}

// Logger configures logrus. The returned function releases the log file.
func (f *Flags) Logger(name string) (*logrus.Logger, func(), error) {
	log := logrus.New()
	level := logrus.InfoLevel
	if f.Verbose {
		level = logrus.DebugLevel
	}
	log.SetLevel(level)
	if f.LogDir == "" {
		return log, func() {}, nil
	}
	rec, err := logrecorder.New(log, logrecorder.Options{
		Dir:     f.LogDir,
		Name:    name + "_",
		Rotate:  10 * time.Minute,
		Level:   level,
		Console: true,
	})
	if err != nil {
		return nil, nil, err
	}
	return log, func() { _ = rec.Close() }, nil
}

// Binder returns the selected adapter.
func (f *Flags) Binder(log logrus.FieldLogger) (driver.Binder, error) {
	return driver.NewBinder(f.Driver, driver.BinderOptions{
		FD:           f.FD,
		BaudRate:     f.Baud,
		SLCANBitrate: f.Bitrate,
		Logger:       log,
	})
}

// Config translates the flags into a session configuration.
func (f *Flags) Config() (tp.Config, error) {
	cfg := tp.DefaultConfig()
	flags := cfg.Options.Flags()

	if f.TxPad != "" {
		b, err := ParseByte(f.TxPad)
		if err != nil {
			return cfg, fmt.Errorf("-pad: %w", err)
		}
		cfg.Options.SetTxPadContent(b)
		cfg.Options.SetRxPadContent(b)
		flags |= tp.TxPadding | tp.RxPadding
	}
	if f.ExtAddr != "" {
		b, err := ParseByte(f.ExtAddr)
		if err != nil {
			return cfg, fmt.Errorf("-x: %w", err)
		}
		cfg.Options.SetExtAddress(b)
		flags |= tp.ExtendAddr
	}
	if err := cfg.Options.SetFlags(flags); err != nil {
		return cfg, err
	}

	if f.BS > 0xFF || f.WftMax > 0xFF {
		return cfg, errors.New("-bs and -wftmax take values up to 255")
	}
	stmin, err := ParseByte(f.STmin)
	if err != nil {
		return cfg, fmt.Errorf("-stmin: %w", err)
	}
	fc, err := tp.NewFlowControlOptions(byte(f.BS), stmin, byte(f.WftMax))
	if err != nil {
		return cfg, err
	}
	cfg.FlowControl = fc

	if f.FD {
		ll, err := tp.NewLinkLayerOptions(tp.CANFDMTU, 64, tp.TxBRS)
		if err != nil {
			return cfg, err
		}
		cfg.LinkLayer = ll
		cfg.MaxMessageSize = 1 << 16
	}
	return cfg, cfg.Validate()
}

// Open binds the interface and starts a session. A missing interface is
// retried since vcan and USB adapters often appear only after the tool starts.
func (f *Flags) Open(ctx context.Context, binder driver.Binder, local, remote uint32, cfg tp.Config, log logrus.FieldLogger) (*tp.Session, error) {
	return retryLookup(ctx, f, log, func() (*tp.Session, error) {
		return tp.Open(ctx, binder, f.Interface, local, remote, cfg, tp.WithLogger(log))
	})
}

// Bind binds a raw link, retried like Open.
func (f *Flags) Bind(ctx context.Context, binder driver.Binder, filter driver.Filter, log logrus.FieldLogger) (driver.Link, error) {
	return retryLookup(ctx, f, log, func() (driver.Link, error) {
		return binder.Bind(ctx, f.Interface, filter)
	})
}

func retryLookup[T any](ctx context.Context, f *Flags, log logrus.FieldLogger, fn func() (T, error)) (T, error) {
	return retry.DoWithData(
		fn,
		retry.Context(ctx),
		retry.Attempts(max(f.OpenAttempts, 1)),
		retry.Delay(time.Second),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			var lookup *driver.LookupError
			return errors.As(err, &lookup)
		}),
		retry.OnRetry(func(n uint, err error) {
			log.WithError(err).Warnf("bind %s, attempt %d", f.Interface, n+1)
		}),
	)
}

// ParseID reads a CAN identifier in hex, with or without 0x prefix.
func ParseID(s string) (uint32, error) {
	v, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(s), "0x"), 16, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid CAN id %q", s)
	}
	if v > uint64(driver.EFFMask) {
		return 0, fmt.Errorf("CAN id %q exceeds 29 bits", s)
	}
	return uint32(v), nil
}

// ParseByte reads one hex byte.
func ParseByte(s string) (byte, error) {
	v, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(s), "0x"), 16, 8)
	if err != nil {
		return 0, fmt.Errorf("invalid byte %q", s)
	}
	return byte(v), nil
}

// ParseHex reads a payload such as "22F189" or "22 F1 89".
func ParseHex(s string) ([]byte, error) {
	s = strings.Join(strings.Fields(s), "")
	if len(s)%2 != 0 {
		return nil, fmt.Errorf("odd number of hex digits in %q", s)
	}
	out := make([]byte, len(s)/2)
	for i := range out {
		b, err := ParseByte(s[2*i : 2*i+2])
		if err != nil {
			return nil, err
		}
		out[i] = b
	}
	return out, nil
}

// Finish logs err, releases the logger and returns the process exit code.
// Commands run their work in a function whose deferred cleanup has already
// happened when Finish is called.
func Finish(log logrus.FieldLogger, release func(), err error) int {
	code := 0
	if err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Error("exiting")
		code = 1
	}
	if release != nil {
		release()
	}
	return code
}
