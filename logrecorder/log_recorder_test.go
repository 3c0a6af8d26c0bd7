package logrecorder

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func TestNowString(t *testing.T) {
	now := time.Date(2025, 4, 25, 9, 7, 0, 0, time.Local)
	if got := NowString(now); got != "20250425_0907" {
		t.Errorf("Expected 20250425_0907, got %s", got)
	}
}

func TestMakeDir(t *testing.T) {
	root := t.TempDir()
	now := time.Date(2025, 4, 5, 0, 0, 0, 0, time.Local)
	dir, err := MakeDir(root, now)
	if err != nil {
		t.Fatalf("MakeDir failed: %v", err)
	}
	if dir != filepath.Join(root, "2025_04_05") {
		t.Errorf("Unexpected directory %s", dir)
	}
	if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
		t.Errorf("Directory not created: %v", err)
	}
}

func TestRecorder(t *testing.T) {
	log := logrus.New()
	r, err := New(log, Options{Dir: t.TempDir(), Name: "test_", Level: logrus.DebugLevel})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	path := r.Path()
	if !strings.HasPrefix(filepath.Base(path), "test_") || filepath.Ext(path) != ".log" {
		t.Errorf("Unexpected file name %s", path)
	}

	log.WithField("tx_id", "0x7E0").Debug("frame written")
	if err := r.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Errorf("Second Close failed: %v", err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(b), "frame written") || !strings.Contains(string(b), "tx_id=0x7E0") {
		t.Errorf("Log line missing, file contains %q", b)
	}
	if log.Out != os.Stderr {
		t.Error("Expected output to be restored to stderr")
	}
}

func TestRecorder_Rotate(t *testing.T) {
	log := logrus.New()
	r, err := New(log, Options{Dir: t.TempDir(), Rotate: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer r.Close()

	time.Sleep(50 * time.Millisecond)
	log.Info("after rotation")
	b, err := os.ReadFile(r.Path())
	if err != nil {
		t.Fatalf("Current log file unreadable: %v", err)
	}
	if !strings.Contains(string(b), "after rotation") {
		t.Errorf("Expected the rotated file to receive new lines, got %q", b)
	}
}
