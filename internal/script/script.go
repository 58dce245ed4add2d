// Package script runs the platform startup and dependency scripts and turns
// whatever they leave behind into one Result shape.
package script

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/loykin/svckeeper/internal/process"
)

// Timeouts and delays.
const (
	DefaultTimeout      = 300 * time.Second // dependency scripts
	ServiceStartTimeout = 30 * time.Second  // the service-start script
	DefaultSettleDelay  = 500 * time.Millisecond
	DefaultMaxOutput    = 1 << 20
	reapTimeout         = 2 * time.Second
)

// ResultFileNames are the accepted result file names, in lookup order.
var ResultFileNames = []string{"result.json", "script-result.json", "execution-result.json"}

var (
	ErrScriptNotFound = errors.New("script not found")
	ErrNotAFile       = errors.New("script path is a directory")
)

// Result source tags.
const (
	SourceFile     = "file"
	SourceExitCode = "exit-code"
	SourceTimeout  = "timeout"
	SourceSpawn    = "spawn"
	SourceCanceled = "canceled"
)

// Result is the normalized outcome of one script run. Duration is in
// milliseconds, Timestamp is RFC 3339.
type Result struct {
	ExitCode     int    `json:"exitCode"`
	Stdout       string `json:"stdout"`
	Stderr       string `json:"stderr"`
	Duration     int64  `json:"duration"`
	Timestamp    string `json:"timestamp"`
	Success      bool   `json:"success"`
	Version      string `json:"version,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
	Source       string `json:"-"`
}

// fileResult mirrors Result with optional fields so absent keys can be told
// apart from zero values.
type fileResult struct {
	ExitCode     *int     `json:"exitCode"`
	Stdout       *string  `json:"stdout"`
	Stderr       *string  `json:"stderr"`
	Duration     *float64 `json:"duration"`
	Timestamp    *string  `json:"timestamp"`
	Success      *bool    `json:"success"`
	Version      string   `json:"version"`
	ErrorMessage string   `json:"errorMessage"`
}

// Invoker runs scripts. The zero value is usable; NewInvoker fills in logging.
type Invoker struct {
	Logger      *slog.Logger
	SettleDelay time.Duration
	// Env replaces the child environment when non-nil.
	Env []string
	// RequireResultFile makes a clean exit without a result file a failure.
	RequireResultFile bool
	Terminator        process.Terminator
	MaxOutput         int
}

func NewInvoker(logger *slog.Logger) *Invoker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Invoker{
		Logger:      logger.With("component", "script"),
		SettleDelay: DefaultSettleDelay,
		Terminator:  process.NewTerminator(),
		MaxOutput:   DefaultMaxOutput,
	}
}

func (i *Invoker) logger() *slog.Logger {
	if i.Logger == nil {
		return slog.Default()
	}
	return i.Logger
}

func (i *Invoker) terminator() process.Terminator {
	if i.Terminator == nil {
		return process.NewTerminator()
	}
	return i.Terminator
}

// Command builds the platform command for path. See the per-OS Command.
func (i *Invoker) Command(path, cwd string, args ...string) (*exec.Cmd, error) {
	cmd, err := Command(path, cwd, args...)
	if err != nil {
		return nil, err
	}
	if i.Env != nil {
		cmd.Env = i.Env
	}
	return cmd, nil
}

// Run executes path in cwd (the script's directory when empty) and waits for
// it, killing the whole tree after timeout (DefaultTimeout when <= 0).
func (i *Invoker) Run(ctx context.Context, path, cwd string, timeout time.Duration, args ...string) Result {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if cwd == "" {
		cwd = filepath.Dir(path)
	}
	log := i.logger().With("script", path)
	started := time.Now()

	RemoveStale(cwd)

	cmd, err := i.Command(path, cwd, args...)
	if err != nil {
		log.Error("script not runnable", "error", err)
		return failed(started, -1, SourceSpawn, err.Error())
	}
	limit := i.MaxOutput
	if limit <= 0 {
		limit = DefaultMaxOutput
	}
	stdout := &capBuffer{limit: limit}
	stderr := &capBuffer{limit: limit}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	// A grandchild holding our pipes must not keep Wait blocked.
	cmd.WaitDelay = time.Second

	log.Info("running script", "cwd", cwd, "timeout", timeout)
	h, err := process.Start(cmd)
	if err != nil {
		log.Error("script spawn failed", "error", err, "hint", Hint(err))
		return failed(started, -1, SourceSpawn, err.Error())
	}

	if ctx == nil {
		ctx = context.Background()
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case <-h.Done():
	case <-tctx.Done():
		if kerr := i.terminator().KillTree(h.PID()); kerr != nil {
			log.Warn("kill script tree", "pid", h.PID(), "error", kerr)
		}
		h.Wait(reapTimeout)
		src, msg := SourceTimeout, fmt.Sprintf("script timed out after %v", timeout)
		if ctx.Err() != nil {
			src, msg = SourceCanceled, "script canceled"
		}
		log.Warn(msg, "pid", h.PID())
		r := failed(started, -1, src, msg)
		r.Stdout, r.Stderr = stdout.String(), stderr.String()
		return r
	}

	code, _ := h.Exited()
	i.Settle(ctx)
	r := i.Collect(cwd, code, stdout.String(), stderr.String(), time.Since(started))
	log.Info("script finished", "exit_code", r.ExitCode, "success", r.Success, "duration_ms", r.Duration, "source", r.Source)
	return r
}

// Settle waits SettleDelay, or until ctx is done, so a result file written
// on the way out is in place before Collect reads it.
func (i *Invoker) Settle(ctx context.Context) {
	if i.SettleDelay <= 0 {
		return
	}
	t := time.NewTimer(i.SettleDelay)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// Collect folds an exit into a Result, preferring a result file in dir.
func (i *Invoker) Collect(dir string, exitCode int, stdout, stderr string, dur time.Duration) Result {
	log := i.logger()
	if r, name, ok := readResultFile(dir, log); ok {
		if r.ExitCode == nil {
			r.ExitCode = &exitCode
		}
		out := Result{
			ExitCode:     *r.ExitCode,
			Stdout:       valOr(r.Stdout, stdout),
			Stderr:       valOr(r.Stderr, stderr),
			Duration:     dur.Milliseconds(),
			Timestamp:    valOr(r.Timestamp, time.Now().UTC().Format(time.RFC3339)),
			Version:      r.Version,
			ErrorMessage: r.ErrorMessage,
			Source:       SourceFile,
		}
		if r.Duration != nil {
			out.Duration = int64(*r.Duration)
		}
		if r.Success != nil {
			out.Success = *r.Success
		} else {
			out.Success = out.ExitCode == 0
		}
		if !out.Success && out.ErrorMessage == "" {
			out.ErrorMessage = fmt.Sprintf("script reported failure in %s (exit code %d)", name, out.ExitCode)
		}
		return out
	}

	out := Result{
		ExitCode:  exitCode,
		Stdout:    stdout,
		Stderr:    stderr,
		Duration:  dur.Milliseconds(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Success:   exitCode == 0,
		Source:    SourceExitCode,
	}
	switch {
	case exitCode != 0:
		out.ErrorMessage = fmt.Sprintf("script exited with code %d", exitCode)
	case i.RequireResultFile:
		out.Success = false
		out.ErrorMessage = "script exited with code 0 but wrote no result file"
	default:
		log.Warn("script exited cleanly without a result file; assuming success", "dir", dir)
	}
	return out
}

func readResultFile(dir string, log *slog.Logger) (fileResult, string, bool) {
	for _, name := range ResultFileNames {
		p := filepath.Join(dir, name)
		b, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		var r fileResult
		if err := json.Unmarshal(bytes.TrimPrefix(b, []byte("\xef\xbb\xbf")), &r); err != nil {
			log.Warn("ignoring unreadable result file", "path", p, "error", err)
			continue
		}
		return r, name, true
	}
	return fileResult{}, "", false
}

// RemoveStale deletes result files left by a previous run in dir.
func RemoveStale(dir string) {
	for _, name := range ResultFileNames {
		_ = os.Remove(filepath.Join(dir, name))
	}
}

// Hint returns an actionable suggestion for a spawn error, or "".
func Hint(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrScriptNotFound):
		return "reinstall the service or check that the active version directory is complete"
	case errors.Is(err, exec.ErrNotFound):
		return "the script interpreter was not found; make sure the required runtime is installed and on PATH"
	case errors.Is(err, os.ErrPermission):
		return "the script is not executable; check file permissions"
	}
	return ""
}

func failed(started time.Time, code int, source, msg string) Result {
	return Result{
		ExitCode:     code,
		Duration:     time.Since(started).Milliseconds(),
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
		Success:      false,
		ErrorMessage: msg,
		Source:       source,
	}
}

func valOr(p *string, def string) string {
	if p == nil {
		return def
	}
	return *p
}

// capBuffer keeps at most limit bytes of output.
type capBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (c *capBuffer) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	room := c.limit - c.buf.Len()
	if room <= 0 {
		c.truncated = true
		return len(p), nil
	}
	if len(p) > room {
		c.buf.Write(p[:room])
		c.truncated = true
		return len(p), nil
	}
	c.buf.Write(p)
	return len(p), nil
}

func (c *capBuffer) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.truncated {
		return c.buf.String() + "\n[output truncated]"
	}
	return c.buf.String()
}
