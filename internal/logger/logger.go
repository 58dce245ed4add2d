// Package logger builds the supervisor's slog logger and the rotating files
// that capture child stdout/stderr.
package logger

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default rotation settings
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// Log levels
const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// Output formats
const (
	FormatText = "text"
	FormatJSON = "json"
)

// SlogConfig controls the structured logger of the supervisor itself.
type SlogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Color      bool   `mapstructure:"color"`
	TimeStamps bool   `mapstructure:"timestamps"`
	Source     bool   `mapstructure:"source"`
	// File, when set, receives the log as well (rotated).
	File string `mapstructure:"file"`
}

// FileConfig describes where child output goes.
// If StdoutPath/StderrPath are empty and Dir is set, files are
// Dir/<name>.stdout.log and Dir/<name>.stderr.log.
type FileConfig struct {
	Dir        string `mapstructure:"dir"`
	StdoutPath string `mapstructure:"stdout"`
	StderrPath string `mapstructure:"stderr"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// Config is the [log] section.
type Config struct {
	Slog SlogConfig `mapstructure:"slog"`
	File FileConfig `mapstructure:"file"`
	// Mirror forwards each child output line to the supervisor log at debug level.
	Mirror bool `mapstructure:"mirror"`
}

// Default returns an info-level colored text logger without files.
func Default() Config {
	return Config{Slog: SlogConfig{Level: LevelInfo, Format: FormatText, Color: true, TimeStamps: true}}
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn, "warning":
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewSlogger builds a logger writing to stderr, plus Slog.File when set.
func (c Config) NewSlogger() *slog.Logger {
	return c.NewSloggerTo(os.Stderr)
}

// NewSloggerTo is NewSlogger with an explicit console writer.
func (c Config) NewSloggerTo(console io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(c.Slog.Level), AddSource: c.Slog.Source}
	if !c.Slog.TimeStamps {
		opts.ReplaceAttr = func(groups []string, a slog.Attr) slog.Attr {
			if len(groups) == 0 && a.Key == slog.TimeKey {
				return slog.Attr{}
			}
			return a
		}
	}
	w := console
	if c.Slog.File != "" {
		_ = os.MkdirAll(filepath.Dir(c.Slog.File), 0o750)
		w = io.MultiWriter(console, c.File.rotator(c.Slog.File))
	}
	var h slog.Handler
	switch {
	case strings.EqualFold(c.Slog.Format, FormatJSON):
		h = slog.NewJSONHandler(w, opts)
	case c.Slog.Color && c.Slog.File == "":
		h = NewColorTextHandler(w, opts, c.Slog.TimeStamps)
	default:
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h)
}

// Paths resolves the stdout and stderr file paths for name; either may be "".
func (f FileConfig) Paths(name string) (stdout, stderr string) {
	stdout = f.StdoutPath
	stderr = f.StderrPath
	if stdout == "" && f.Dir != "" {
		stdout = filepath.Join(f.Dir, fmt.Sprintf("%s.stdout.log", name))
	}
	if stderr == "" && f.Dir != "" {
		stderr = filepath.Join(f.Dir, fmt.Sprintf("%s.stderr.log", name))
	}
	return stdout, stderr
}

// ProcessWriters returns rotating writers for a child's stdout and stderr.
// Either is nil when no destination is configured.
func (f FileConfig) ProcessWriters(name string) (io.WriteCloser, io.WriteCloser, error) {
	stdout, stderr := f.Paths(name)
	for _, p := range []string{stdout, stderr} {
		if p == "" {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
			return nil, nil, fmt.Errorf("log dir for %s: %w", p, err)
		}
	}
	var outW, errW io.WriteCloser
	if stdout != "" {
		outW = f.rotator(stdout)
	}
	if stderr != "" {
		errW = f.rotator(stderr)
	}
	return outW, errW, nil
}

func (f FileConfig) rotator(path string) *lj.Logger {
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(f.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(f.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(f.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   f.Compress,
	}
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// LineWriter splits a byte stream into lines and logs each one at debug level
// with the given stream attribute. Writes are forwarded to next when it is
// non-nil. Close flushes a trailing partial line and closes next.
type LineWriter struct {
	log    *slog.Logger
	stream string
	next   io.WriteCloser

	mu  sync.Mutex
	buf bytes.Buffer
}

// NewLineWriter wraps next (may be nil).
func NewLineWriter(l *slog.Logger, stream string, next io.WriteCloser) *LineWriter {
	if l == nil {
		l = slog.Default()
	}
	return &LineWriter{log: l, stream: stream, next: next}
}

func (w *LineWriter) Write(p []byte) (int, error) {
	if w.next != nil {
		if _, err := w.next.Write(p); err != nil {
			return 0, err
		}
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf.Write(p)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			// incomplete line stays buffered
			w.buf.Reset()
			w.buf.WriteString(line)
			break
		}
		w.emit(line)
	}
	return len(p), nil
}

func (w *LineWriter) emit(line string) {
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return
	}
	w.log.Debug(line, "stream", w.stream)
}

// Close flushes any pending partial line.
func (w *LineWriter) Close() error {
	w.mu.Lock()
	if w.buf.Len() > 0 {
		w.emit(w.buf.String())
		w.buf.Reset()
	}
	w.mu.Unlock()
	if w.next != nil {
		return w.next.Close()
	}
	return nil
}

// Tail returns the last n lines of the file at path, for error reports.
func Tail(path string, n int) []string {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil
	}
	defer func() { _ = f.Close() }()
	var lines []string
	s := bufio.NewScanner(f)
	for s.Scan() {
		lines = append(lines, s.Text())
		if len(lines) > n {
			lines = lines[1:]
		}
	}
	return lines
}
