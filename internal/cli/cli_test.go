package cli

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"io"
	"testing"

	"github.com/LoveWonYoung/canisotp/driver"
	"github.com/LoveWonYoung/canisotp/tp"
	"github.com/sirupsen/logrus"
)

func parse(t *testing.T, args ...string) *Flags {
	t.Helper()
	var f Flags
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	f.Register(fs)
	if err := fs.Parse(args); err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	return &f
}

func quiet() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestParseID(t *testing.T) {
	tests := []struct {
		in      string
		want    uint32
		wantErr bool
	}{
		{"7E0", 0x7E0, false},
		{"0x7e8", 0x7E8, false},
		{"18DAF110", 0x18DAF110, false},
		{"20000000", 0, true},
		{"xyz", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseID(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Expected error %v, got %v", tt.wantErr, err)
			}
			if got != tt.want {
				t.Errorf("Expected 0x%X, got 0x%X", tt.want, got)
			}
		})
	}
}

func TestParseHex(t *testing.T) {
	got, err := ParseHex("22 F1 89")
	if err != nil || !bytes.Equal(got, []byte{0x22, 0xF1, 0x89}) {
		t.Errorf("Expected 22 F1 89, got % X (%v)", got, err)
	}
	for _, in := range []string{"2", "ZZ"} {
		if _, err := ParseHex(in); err == nil {
			t.Errorf("Expected %q to be rejected", in)
		}
	}
}

func TestConfig(t *testing.T) {
	f := parse(t, "-pad", "AA", "-x", "10", "-bs", "8", "-stmin", "F1", "-wftmax", "3", "-fd")
	cfg, err := f.Config()
	if err != nil {
		t.Fatalf("Config failed: %v", err)
	}
	flags := cfg.Options.Flags()
	if !flags.Has(tp.TxPadding|tp.RxPadding|tp.ExtendAddr) || cfg.Options.TxPadContent() != 0xAA {
		t.Errorf("Unexpected options %v pad 0x%02X", flags, cfg.Options.TxPadContent())
	}
	if cfg.Options.ExtAddress() != 0x10 {
		t.Errorf("Expected ext address 0x10, got 0x%02X", cfg.Options.ExtAddress())
	}
	if cfg.FlowControl.BlockSize() != 8 || cfg.FlowControl.STmin() != 0xF1 || cfg.FlowControl.WftMax() != 3 {
		t.Errorf("Unexpected flow control %+v", cfg.FlowControl)
	}
	if !cfg.LinkLayer.FD() || cfg.LinkLayer.TxDL() != 64 {
		t.Errorf("Expected CAN FD link layer")
	}
}

func TestConfig_Rejects(t *testing.T) {
	for _, args := range [][]string{
		{"-pad", "XYZ"},
		{"-bs", "256"},
		{"-stmin", "80"},
	} {
		if _, err := parse(t, args...).Config(); err == nil {
			t.Errorf("Expected %v to be rejected", args)
		}
	}
}

type flakyBinder struct {
	failures int
	inner    driver.Binder
}

func (b *flakyBinder) Bind(ctx context.Context, ifname string, filter driver.Filter) (driver.Link, error) {
	if b.failures > 0 {
		b.failures--
		return nil, &driver.LookupError{Name: ifname}
	}
	return b.inner.Bind(ctx, ifname, filter)
}

func TestOpen_RetriesMissingInterface(t *testing.T) {
	f := parse(t, "-driver", "virtual", "-retries", "2")
	log := quiet()
	binder, err := f.Binder(log)
	if err != nil {
		t.Fatalf("Binder failed: %v", err)
	}
	cfg, _ := f.Config()

	flaky := &flakyBinder{failures: 1, inner: binder}
	s, err := f.Open(context.Background(), flaky, 0x7E0, 0x7E8, cfg, log)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	s.Close()

	flaky.failures = 5
	_, err = f.Open(context.Background(), flaky, 0x7E0, 0x7E8, cfg, log)
	var lookup *driver.LookupError
	if !errors.As(err, &lookup) {
		t.Errorf("Expected LookupError after the last attempt, got %v", err)
	}
}

func TestBinder_UnknownDriver(t *testing.T) {
	if _, err := parse(t, "-driver", "peak").Binder(quiet()); err == nil {
		t.Error("Expected unknown driver to be rejected")
	}
}

func TestFinish(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"success", nil, 0},
		{"interrupted", context.Canceled, 0},
		{"failure", errors.New("boom"), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			released := false
			if code := Finish(quiet(), func() { released = true }, tt.err); code != tt.code {
				t.Errorf("Expected exit code %d, got %d", tt.code, code)
			}
			if !released {
				t.Error("Expected the logger to be released")
			}
		})
	}
}
