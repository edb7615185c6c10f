// Package activitylog keeps the human-readable trail of what the poster did
// in a single size-bounded file.
package activitylog

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
)

// DefaultCap is the size above which Rotate evicts the oldest lines.
const DefaultCap int64 = 4 << 20

// ExportFilename is the attachment name used when the log is downloaded.
const ExportFilename = "bluesky_poster_log.txt"

const timestampLayout = "2006-01-02 15:04:05"

// Log appends timestamped lines to a file. A nil *Log discards everything.
type Log struct {
	path    string
	cap     int64
	now     func() time.Time
	zl      zerolog.Logger
	enabled atomic.Bool

	mu sync.Mutex
}

// Option configures a Log.
type Option func(*Log)

// WithCap sets the rotation threshold in bytes.
func WithCap(n int64) Option { return func(l *Log) { l.cap = n } }

// WithClock sets the time source for timestamps.
func WithClock(now func() time.Time) Option { return func(l *Log) { l.now = now } }

// WithLogger mirrors every entry to zl at debug level.
func WithLogger(zl zerolog.Logger) Option { return func(l *Log) { l.zl = zl } }

// New returns a Log writing to path. Logging starts disabled.
func New(path string, opts ...Option) *Log {
	l := &Log{
		path: path,
		cap:  DefaultCap,
		now:  time.Now,
		zl:   zerolog.Nop(),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Path returns the file the log writes to.
func (l *Log) Path() string { return l.path }

// Cap returns the rotation threshold.
func (l *Log) Cap() int64 { return l.cap }

// SetEnabled turns appending on or off.
func (l *Log) SetEnabled(on bool) {
	if l != nil {
		l.enabled.Store(on)
	}
}

// Enabled reports whether appends are written.
func (l *Log) Enabled() bool {
	return l != nil && l.enabled.Load()
}

// Logf formats and appends a message. Write failures go to the process
// logger only.
func (l *Log) Logf(format string, args ...any) {
	if l == nil {
		return
	}
	if err := l.Append(fmt.Sprintf(format, args...)); err != nil {
		l.zl.Warn().Err(err).Str("path", l.path).Msg("Failed to write activity log")
	}
}

// Append writes "[timestamp] message\n" when logging is enabled.
func (l *Log) Append(msg string) error {
	if !l.Enabled() {
		return nil
	}
	l.zl.Debug().Msg(msg)
	line := fmt.Sprintf("[%s] %s\n", l.now().Format(timestampLayout), msg)

	l.mu.Lock()
	defer l.mu.Unlock()
	return l.appendLocked(line)
}

func (l *Log) appendLocked(line string) error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("activitylog: create dir: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("activitylog: open: %w", err)
	}
	if _, err := f.WriteString(line); err != nil {
		f.Close()
		return fmt.Errorf("activitylog: write: %w", err)
	}
	return f.Close()
}

// Size returns the current file size; zero if the file does not exist.
func (l *Log) Size() (int64, error) {
	fi, err := os.Stat(l.path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("activitylog: stat: %w", err)
	}
	return fi.Size(), nil
}

// Read returns the whole log; empty if the file does not exist.
func (l *Log) Read() ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.readLocked()
}

func (l *Log) readLocked() ([]byte, error) {
	data, err := os.ReadFile(l.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("activitylog: read: %w", err)
	}
	return data, nil
}

// Export copies the log to w.
func (l *Log) Export(w io.Writer) (int64, error) {
	data, err := l.Read()
	if err != nil {
		return 0, err
	}
	n, err := w.Write(data)
	return int64(n), err
}

// Clear empties the log.
func (l *Log) Clear() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	err := os.Truncate(l.path, 0)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("activitylog: clear: %w", err)
	}
	return nil
}

// Rotate evicts the oldest lines if the log is over its cap, keeping the
// longest run of whole trailing lines that fits. It reports whether the file
// was rewritten.
func (l *Log) Rotate() (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := l.readLocked()
	if err != nil {
		return false, err
	}
	if int64(len(data)) <= l.cap {
		return false, nil
	}
	kept := keepNewest(data, l.cap)
	if err := os.WriteFile(l.path, kept, 0o644); err != nil {
		return false, fmt.Errorf("activitylog: rotate: %w", err)
	}
	return true, nil
}

// MaybeRotate rotates when logging is enabled and the file is over its cap.
func (l *Log) MaybeRotate() {
	if !l.Enabled() {
		return
	}
	size, err := l.Size()
	if err != nil || size <= l.cap {
		return
	}
	l.Logf("Log file size (%s) exceeded max limit (%s). Starting rotation.", HumanSize(size), HumanSize(l.cap))
	rotated, err := l.Rotate()
	if err != nil {
		l.zl.Warn().Err(err).Msg("Activity log rotation failed")
		return
	}
	if rotated {
		l.zl.Info().Str("path", l.path).Msg("Log rotation completed. Oldest entries removed.")
	}
}

// keepNewest returns the longest suffix of data made of whole lines whose
// total size is at most limit. A trailing partial line counts as a line.
func keepNewest(data []byte, limit int64) []byte {
	start := len(data)
	for start > 0 {
		// find the beginning of the line ending at start
		i := bytes.LastIndexByte(data[:start-1], '\n') + 1
		if int64(len(data)-i) > limit {
			break
		}
		start = i
	}
	return data[start:]
}

// HumanSize formats n bytes for display in binary units.
func HumanSize(n int64) string {
	if n < 0 {
		n = 0
	}
	return humanize.IBytes(uint64(n))
}
