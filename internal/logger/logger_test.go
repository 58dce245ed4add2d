package logger

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	lj "gopkg.in/natefinch/lumberjack.v2"
)

// helper to close non-nil closers and ignore errors
func closeIf(c io.Closer) {
	if c != nil {
		_ = c.Close()
	}
}

func TestProcessWriters_WithDirOnly(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	cfg := FileConfig{Dir: dir}
	outW, errW, err := cfg.ProcessWriters("web")
	require.NoError(t, err)
	require.NotNil(t, outW)
	require.NotNil(t, errW)
	_, _ = outW.Write([]byte("hello-out\n"))
	_, _ = errW.Write([]byte("hello-err\n"))
	closeIf(outW)
	closeIf(errW)

	assert.FileExists(t, filepath.Join(dir, "web.stdout.log"))
	assert.FileExists(t, filepath.Join(dir, "web.stderr.log"))
}

func TestProcessWriters_Defaults(t *testing.T) {
	cfg := FileConfig{StdoutPath: filepath.Join(t.TempDir(), "o.log")}
	outW, errW, err := cfg.ProcessWriters("x")
	require.NoError(t, err)
	defer closeIf(outW)
	assert.Nil(t, errW)
	l, ok := outW.(*lj.Logger)
	require.True(t, ok)
	assert.Equal(t, DefaultMaxSizeMB, l.MaxSize)
	assert.Equal(t, DefaultMaxBackups, l.MaxBackups)
	assert.Equal(t, DefaultMaxAgeDays, l.MaxAge)
}

func TestProcessWriters_None(t *testing.T) {
	outW, errW, err := FileConfig{}.ProcessWriters("x")
	require.NoError(t, err)
	assert.Nil(t, outW)
	assert.Nil(t, errW)
}

func TestNewSloggerLevelAndFormat(t *testing.T) {
	var buf bytes.Buffer
	cfg := Config{Slog: SlogConfig{Level: LevelWarn, Format: FormatJSON}}
	l := cfg.NewSloggerTo(&buf)
	l.Info("hidden")
	l.Warn("shown", "k", "v")
	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"msg":"shown"`)
	assert.Contains(t, out, `"k":"v"`)
}

func TestNewSloggerColor(t *testing.T) {
	var buf bytes.Buffer
	l := Default().NewSloggerTo(&buf).With("component", "test")
	l.Info("colored")
	assert.Contains(t, buf.String(), "INFO")
	assert.Contains(t, buf.String(), "colored")
	assert.Contains(t, buf.String(), "component=test")
}

func TestNewSloggerNoTimestamps(t *testing.T) {
	var buf bytes.Buffer
	cfg := Config{Slog: SlogConfig{Format: FormatText}}
	cfg.NewSloggerTo(&buf).Info("plain")
	assert.NotContains(t, buf.String(), "time=")
}

func TestNewSloggerFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "svc", "keeper.log")
	var buf bytes.Buffer
	cfg := Config{Slog: SlogConfig{Level: LevelDebug, File: path}}
	cfg.NewSloggerTo(&buf).Debug("to-file")
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), "to-file")
	assert.Contains(t, buf.String(), "to-file")
}

type nopCloser struct {
	bytes.Buffer
	closed bool
}

func (n *nopCloser) Close() error { n.closed = true; return nil }

func TestLineWriterSplitsLines(t *testing.T) {
	var logBuf bytes.Buffer
	l := Config{Slog: SlogConfig{Level: LevelDebug}}.NewSloggerTo(&logBuf)
	next := &nopCloser{}
	w := NewLineWriter(l, "stdout", next)

	_, err := w.Write([]byte("first\nsec"))
	require.NoError(t, err)
	_, err = w.Write([]byte("ond\n\npartial"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	assert.Equal(t, "first\nsecond\n\npartial", next.String())
	assert.True(t, next.closed)
	out := logBuf.String()
	assert.Contains(t, out, "msg=first")
	assert.Contains(t, out, "msg=second")
	assert.Contains(t, out, "msg=partial")
	assert.Equal(t, 3, strings.Count(out, "stream=stdout"))
}

func TestTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.log")
	require.NoError(t, os.WriteFile(path, []byte("a\nb\nc\nd\n"), 0o600))
	assert.Equal(t, []string{"c", "d"}, Tail(path, 2))
	assert.Nil(t, Tail(filepath.Join(t.TempDir(), "none"), 2))
}
