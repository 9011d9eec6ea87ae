package logger

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Logger is an io.Writer that appends process log output to files next to
// Path, starting a new file once the current one reaches MaxBytes. Files are
// named <stem>_<timestamp>_<seq><ext> after Path's base name.
type Logger struct {
	mu       sync.Mutex
	dir      string
	stem     string
	ext      string
	maxBytes int64

	file    *os.File
	written int64
	seq     int
	now     func() time.Time
}

// Config holds logger configuration.
type Config struct {
	Path     string `yaml:"path" json:"path"`
	MaxBytes int64  `yaml:"max_bytes" json:"maxBytes"`
}

const defaultMaxBytes = 10 << 20

// New creates a new Logger. Files are opened lazily on the first write.
func New(cfg Config) *Logger {
	if cfg.Path == "" {
		cfg.Path = "/var/log/rovbridge/rovbridge.log"
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = defaultMaxBytes
	}
	base := filepath.Base(cfg.Path)
	ext := filepath.Ext(base)
	return &Logger{
		dir:      filepath.Dir(cfg.Path),
		stem:     strings.TrimSuffix(base, ext),
		ext:      ext,
		maxBytes: cfg.MaxBytes,
		now:      time.Now,
	}
}

// Write appends p to the current file, rotating first if p would push it
// past the size limit. A single write is never split across files.
func (l *Logger) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil || (l.written > 0 && l.written+int64(len(p)) > l.maxBytes) {
		if err := l.rotateFile(); err != nil {
			return 0, err
		}
	}

	n, err := l.file.Write(p)
	l.written += int64(n)
	return n, err
}

// Current returns the path of the file being written, or "" before the
// first write.
func (l *Logger) Current() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return ""
	}
	return l.file.Name()
}

// Close closes the current log file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closeFile()
}

func (l *Logger) rotateFile() error {
	l.closeFile()

	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", l.dir, err)
	}

	l.seq++
	filename := fmt.Sprintf("%s_%s_%03d%s", l.stem, l.now().Format("2006-01-02_150405"), l.seq, l.ext)
	path := filepath.Join(l.dir, filename)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	l.file = f
	l.written = 0
	return nil
}

func (l *Logger) closeFile() error {
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	if err != nil {
		// stderr only: the std logger may be writing through us
		log.New(os.Stderr, "", log.LstdFlags).Printf("[logger] close failed: %v", err)
	}
	return err
}
