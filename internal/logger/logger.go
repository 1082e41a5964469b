// Package logger appends readings to timestamped CSV files.
package logger

import (
	"encoding/csv"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/mfreitag/thermolog/internal/device"
)

// Logger records readings to CSV with automatic rotation. Each row is
// flushed as it is written: sample rates are seconds-scale, so durability
// wins over throughput.
type Logger struct {
	mu      sync.Mutex
	dir     string
	enabled bool

	file     *os.File
	writer   *csv.Writer
	channels int // column count of the open file's header
	rows     int
}

// Config holds logger configuration.
type Config struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

const (
	maxRowsPerFile = 100_000
	timestampCol   = "Timestamp"
	tsFormat       = "2006-01-02T15:04:05.000"
)

// New creates a Logger writing under cfg.Path.
func New(cfg Config) *Logger {
	if cfg.Path == "" {
		cfg.Path = "logs"
	}
	return &Logger{dir: cfg.Path, enabled: cfg.Enabled}
}

// SetEnabled toggles logging at runtime; disabling closes the current file.
func (l *Logger) SetEnabled(on bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = on
	if !on {
		l.closeFile()
	}
}

// IsEnabled reports whether logging is active.
func (l *Logger) IsEnabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enabled
}

// Append writes one reading. A file is opened on the first row and rotated
// when it grows past the row cap or the channel count changes (the header
// must match the row width).
func (l *Logger) Append(r device.Reading) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled || len(r.Values) == 0 {
		return
	}

	if l.writer == nil || l.rows >= maxRowsPerFile || l.channels != len(r.Values) {
		if err := l.rotateFile(len(r.Values), r.Timestamp); err != nil {
			log.Printf("[logger] rotate failed: %v", err)
			return
		}
	}

	row := make([]string, 1+len(r.Values))
	row[0] = r.Timestamp.Format(tsFormat)
	for i, v := range r.Values {
		row[i+1] = strconv.FormatFloat(v, 'f', 2, 64)
	}
	if err := l.writer.Write(row); err != nil {
		log.Printf("[logger] write failed: %v", err)
		return
	}
	l.writer.Flush()
	l.rows++
}

// Close flushes and closes the current log file. Safe on every exit path
// and safe to call more than once.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closeFile()
}

func (l *Logger) rotateFile(channels int, now time.Time) error {
	l.closeFile()

	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", l.dir, err)
	}

	filename := fmt.Sprintf("thermolog_%s.csv", now.Format("2006-01-02_150405"))
	path := filepath.Join(l.dir, filename)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	l.file = f
	l.writer = csv.NewWriter(f)
	l.channels = channels
	l.rows = 0

	header := make([]string, 1+channels)
	header[0] = timestampCol
	for i := 1; i <= channels; i++ {
		header[i] = fmt.Sprintf("Temp%d", i)
	}
	if err := l.writer.Write(header); err != nil {
		return err
	}
	l.writer.Flush()

	log.Printf("[logger] opened %s (%d channels)", path, channels)
	return nil
}

func (l *Logger) closeFile() {
	if l.writer != nil {
		l.writer.Flush()
		l.writer = nil
	}
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
	l.channels = 0
}
