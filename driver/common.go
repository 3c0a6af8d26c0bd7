package driver

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// IDFlags are the control bits carried in the upper three bits of a raw CAN identifier.
type IDFlags uint32

const (
	FlagEFF IDFlags = 0x80000000 // extended frame format (29 bit)
	FlagRTR IDFlags = 0x40000000 // remote transmission request
	FlagERR IDFlags = 0x20000000 // error message frame

	idFlagsMask = FlagEFF | FlagRTR | FlagERR
)

const (
	SFFMask uint32 = 0x000007FF
	EFFMask uint32 = 0x1FFFFFFF

	// MaxDataLen / MaxFDDataLen are the payload limits of classic and FD frames.
	MaxDataLen   = 8
	MaxFDDataLen = 64
)

// Has reports whether all bits of other are set.
func (f IDFlags) Has(other IDFlags) bool { return f&other == other }

func (f IDFlags) String() string {
	if f == 0 {
		return "0"
	}
	var parts []string
	if f.Has(FlagEFF) {
		parts = append(parts, "EFF")
	}
	if f.Has(FlagRTR) {
		parts = append(parts, "RTR")
	}
	if f.Has(FlagERR) {
		parts = append(parts, "ERR")
	}
	if rest := f &^ idFlagsMask; rest != 0 {
		parts = append(parts, fmt.Sprintf("0x%08X", uint32(rest)))
	}
	return strings.Join(parts, "|")
}

// Frame 是一个 CAN / CAN-FD 报文，屏蔽了具体适配器的差异。
type Frame struct {
	ID       uint32
	Data     []byte
	Extended bool
	FD       bool
	BRS      bool // bit rate switch (FD only)
	ESI      bool // error state indicator (FD only)
}

// NewFrame builds a frame and selects the 29-bit format for identifiers above 0x7FF.
func NewFrame(id uint32, data []byte) Frame {
	return Frame{
		ID:       id & EFFMask,
		Data:     data,
		Extended: id > SFFMask,
		FD:       len(data) > MaxDataLen,
	}
}

// RawID returns the identifier as the kernel encodes it in can_frame.can_id.
func (f Frame) RawID() uint32 {
	if f.Extended {
		return (f.ID & EFFMask) | uint32(FlagEFF)
	}
	return f.ID & SFFMask
}

// ParseRawID splits a kernel can_id into identifier and flags.
func ParseRawID(raw uint32) (id uint32, flags IDFlags) {
	flags = IDFlags(raw) & idFlagsMask
	if flags.Has(FlagEFF) {
		return raw & EFFMask, flags
	}
	return raw & SFFMask, flags
}

// Validate checks identifier range and payload length.
func (f Frame) Validate() error {
	if f.Extended {
		if f.ID > EFFMask {
			return fmt.Errorf("extended id 0x%X out of range", f.ID)
		}
	} else if f.ID > SFFMask {
		return fmt.Errorf("standard id 0x%X out of range", f.ID)
	}
	limit := MaxDataLen
	if f.FD {
		limit = MaxFDDataLen
	}
	if len(f.Data) > limit {
		return fmt.Errorf("payload of %d bytes exceeds %d", len(f.Data), limit)
	}
	return nil
}

func (f Frame) String() string {
	var idStr string
	if f.Extended {
		idStr = fmt.Sprintf("%08X", f.ID)
	} else {
		idStr = fmt.Sprintf("%03X", f.ID)
	}
	var flags []string
	if f.FD {
		flags = append(flags, "fd")
	}
	if f.BRS {
		flags = append(flags, "brs")
	}
	if f.ESI {
		flags = append(flags, "esi")
	}
	var flagStr string
	if len(flags) > 0 {
		flagStr = fmt.Sprintf(" (%s)", strings.Join(flags, ","))
	}
	return fmt.Sprintf("%s [%d]%s %s", idStr, len(f.Data), flagStr, strings.ToUpper(hex.EncodeToString(f.Data)))
}

// FilterID selects frames with one identifier in one format.
type FilterID struct {
	ID       uint32
	Extended bool
}

// Filter lists the identifiers a link should deliver. An empty filter accepts every frame.
type Filter []FilterID

// Match reports whether f passes the filter.
func (flt Filter) Match(f Frame) bool {
	if len(flt) == 0 {
		return true
	}
	for _, id := range flt {
		if id.ID == f.ID && id.Extended == f.Extended {
			return true
		}
	}
	return false
}

// Link is one bound CAN endpoint. WriteFrame transmits a whole frame or nothing;
// ReadFrame blocks until a frame arrives or ctx is done.
type Link interface {
	WriteFrame(ctx context.Context, f Frame) error
	ReadFrame(ctx context.Context) (Frame, error)
	Close() error
}

// Binder opens a Link on a named interface.
type Binder interface {
	Bind(ctx context.Context, ifname string, filter Filter) (Link, error)
}

var (
	ErrClosed       = errors.New("driver: link closed")
	ErrTimeout      = fmt.Errorf("driver: read timeout: %w", context.DeadlineExceeded)
	ErrNotSupported = errors.New("driver: not supported on this platform")
)

// LookupError reports an interface that could not be resolved.
type LookupError struct {
	Name string
	Err  error
}

func (e *LookupError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("driver: interface %q not found", e.Name)
	}
	return fmt.Sprintf("driver: interface %q not found: %v", e.Name, e.Err)
}

func (e *LookupError) Unwrap() error { return e.Err }

// readTimeout converts ctx's done state into the driver error for a read.
func readTimeout(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrTimeout
	}
	return ctx.Err()
}
