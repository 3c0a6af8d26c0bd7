package logrecorder

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// NowString 返回当前时间格式为 "20060102_1504" 的字符串
func NowString(now time.Time) string {
	return now.Format("20060102_1504")
}

// MakeDir 在 root 下创建以日期命名的目录（如：2025_04_25）
func MakeDir(root string, now time.Time) (string, error) {
	dirName := fmt.Sprintf("%d_%02d_%02d", now.Year(), now.Month(), now.Day())
	fullPath := filepath.Join(root, dirName)
	if err := os.MkdirAll(fullPath, 0o755); err != nil {
		return "", fmt.Errorf("logrecorder: create %s: %w", fullPath, err)
	}
	return fullPath, nil
}

// Options configures a Recorder.
type Options struct {
	// Dir is the root of the dated log directories. Empty means the working directory.
	Dir string
	// Name prefixes every file name.
	Name string
	// Rotate starts a new file this often. Zero disables rotation.
	Rotate time.Duration
	// Level defaults to logrus.InfoLevel.
	Level logrus.Level
	// Console also writes to stderr.
	Console bool
}

// Recorder points a logrus logger at a file that is replaced periodically.
type Recorder struct {
	opts   Options
	logger *logrus.Logger

	mu   sync.Mutex
	file *os.File
	path string

	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// New opens the first log file and configures logger to use it.
func New(logger *logrus.Logger, opts Options) (*Recorder, error) {
	if opts.Name == "" {
		opts.Name = "isotp_"
	}
	if opts.Level == 0 {
		opts.Level = logrus.InfoLevel
	}
	r := &Recorder{opts: opts, logger: logger, stop: make(chan struct{})}
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05.000000",
		DisableColors:   true,
	})
	logger.SetLevel(opts.Level)
	if err := r.open(time.Now()); err != nil {
		return nil, err
	}
	if opts.Rotate > 0 {
		r.wg.Add(1)
		go r.rotate()
	}
	return r, nil
}

// Path is the file currently written to.
func (r *Recorder) Path() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.path
}

func (r *Recorder) open(now time.Time) error {
	dir, err := MakeDir(r.opts.Dir, now)
	if err != nil {
		return err
	}
	path := filepath.Join(dir, r.opts.Name+NowString(now)+".log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o666)
	if err != nil {
		return fmt.Errorf("logrecorder: open %s: %w", path, err)
	}

	var out io.Writer = f
	if r.opts.Console {
		out = io.MultiWriter(os.Stderr, f)
	}

	r.mu.Lock()
	old := r.file
	r.file, r.path = f, path
	r.logger.SetOutput(out)
	r.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	return nil
}

func (r *Recorder) rotate() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.opts.Rotate)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case now := <-ticker.C:
			if err := r.open(now); err != nil {
				r.logger.WithError(err).Error("log rotation failed")
			}
		}
	}
}

// Close stops rotation, restores stderr output and closes the file.
func (r *Recorder) Close() error {
	var err error
	r.once.Do(func() {
		close(r.stop)
		r.wg.Wait()
		r.mu.Lock()
		defer r.mu.Unlock()
		r.logger.SetOutput(os.Stderr)
		if r.file != nil {
			err = r.file.Close()
			r.file = nil
		}
	})
	return err
}
