// Package supervisor owns the lifecycle of the locally installed service:
// port negotiation, spawning the startup script, waiting for the port and
// health endpoint, graceful-then-forced shutdown, and restart bookkeeping.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/loykin/svckeeper/internal/configsync"
	"github.com/loykin/svckeeper/internal/history"
	"github.com/loykin/svckeeper/internal/logger"
	"github.com/loykin/svckeeper/internal/metrics"
	"github.com/loykin/svckeeper/internal/portstore"
	"github.com/loykin/svckeeper/internal/probe"
	"github.com/loykin/svckeeper/internal/process"
	"github.com/loykin/svckeeper/internal/script"
)

// Supervisor runs one service. Start, Stop, Restart and UpdateConfig are
// serialized; Status may be called at any time.
type Supervisor struct {
	opts  Options
	log   *slog.Logger
	ports *portstore.Store

	opMu sync.Mutex // serializes Start/Stop/Restart/UpdateConfig

	mu        sync.RWMutex
	cfg       ServiceConfig
	preferred int
	handle    *process.Handle
	gen       uint64
	detached  bool // leader exited 0 during startup; the service lives on in its tree
	status    Status
	phase     Phase
	port      int
	url       string
	startTime time.Time
	restarts  int
	message   string
	lastErr   *Error
	stopping  bool

	emitMu    sync.Mutex // orders event delivery
	subMu     sync.Mutex
	subs      map[int]chan Event
	nextSub   int
	observers []func(Event)
}

// New validates opts and returns an idle supervisor. The persisted port
// record, when present, seeds the preferred port.
func New(opts Options) (*Supervisor, error) {
	opts = opts.withDefaults()
	if err := opts.Service.Validate(); err != nil {
		return nil, newError(KindInvalidConfig, "new", "invalid service config", err)
	}
	if opts.Versions == nil {
		return nil, newError(KindConfig, "new", "no version provider configured", nil)
	}
	s := &Supervisor{
		opts:      opts,
		log:       opts.Logger.With("component", "supervisor", "service", opts.Name),
		cfg:       opts.Service.clone(),
		preferred: opts.Service.Port,
		status:    StatusStopped,
		phase:     PhaseIdle,
		port:      opts.Service.Port,
		subs:      make(map[int]chan Event),
	}
	if opts.StateDir != "" {
		s.ports = portstore.New(filepath.Join(opts.StateDir, portstore.FileName))
		rec, err := s.ports.Load()
		switch {
		case err != nil:
			s.log.Warn("ignoring unreadable port record", "error", err)
		case rec.LastSuccessfulPort > 0:
			s.preferred = rec.LastSuccessfulPort
			s.port = rec.LastSuccessfulPort
			s.log.Info("using last successful port", "port", rec.LastSuccessfulPort, "saved_at", rec.SavedAt)
		}
	}
	return s, nil
}

// Name of the supervised service.
func (s *Supervisor) Name() string { return s.opts.Name }

// Config returns a copy of the current service config.
func (s *Supervisor) Config() ServiceConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.clone()
}

// Status returns a snapshot of the current state.
func (s *Supervisor) Status() ProcessInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *Supervisor) snapshotLocked() ProcessInfo {
	info := ProcessInfo{
		Status:       s.status,
		RestartCount: s.restarts,
		Phase:        s.phase,
		Port:         s.port,
		URL:          s.url,
		Message:      s.message,
	}
	if s.handle != nil {
		info.PID = s.handle.PID()
	}
	if s.status == StatusRunning && !s.startTime.IsZero() {
		st := s.startTime
		info.StartTime = &st
		info.Uptime = int64(time.Since(st) / time.Second)
	}
	if s.lastErr != nil {
		info.LastError = s.lastErr.Error()
		info.ErrorKind = s.lastErr.Kind
	}
	return info
}

// ResetRestarts clears the unexpected-exit counter so Start is allowed again
// after "max restart attempts reached".
func (s *Supervisor) ResetRestarts() {
	s.mu.Lock()
	s.restarts = 0
	s.mu.Unlock()
	s.log.Info("restart counter reset")
}

// Start runs the full start sequence and returns once the service is healthy
// or the attempt has failed and been cleaned up.
func (s *Supervisor) Start() Result {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.start()
}

// Stop terminates the service. With nothing running it returns OK=false
// and no error.
func (s *Supervisor) Stop() Result {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.stop("stop")
}

// Restart stops the service, waits RestartDelay and starts it again. A failed
// stop aborts the restart.
func (s *Supervisor) Restart() Result {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	if r := s.stop("restart"); r.Err != nil {
		return Result{OK: false, PID: r.PID, Message: "restart aborted: " + r.Err.Error(), Err: r.Err}
	}
	time.Sleep(s.opts.RestartDelay)
	return s.start()
}

// UpdateConfig applies u. The service config file is rewritten right away;
// a running service picks the change up on its next start.
func (s *Supervisor) UpdateConfig(u ConfigUpdate) Result {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	const op = "update config"

	s.mu.Lock()
	next := u.apply(s.cfg)
	if err := next.Validate(); err != nil {
		s.mu.Unlock()
		return Result{OK: false, Message: err.Error(), Err: newError(KindInvalidConfig, op, "invalid service config", err)}
	}
	s.cfg = next
	if u.Port != nil {
		s.preferred = next.Port
	}
	running := s.handle != nil
	port := s.preferred
	if running {
		port = s.port
	}
	s.mu.Unlock()

	msg := "config updated"
	if running {
		msg = "config updated; restart the service to apply it"
	}
	if !running {
		if dir, err := s.opts.Versions.ActiveVersionDir(); err == nil {
			if err := s.syncer(dir).Sync(next.Host, port); err != nil {
				s.log.Warn("config file sync failed", "error", err)
				msg += "; warning: " + err.Error()
			}
		}
	}
	s.log.Info("service config updated", "host", next.Host, "port", next.Port, "running", running)
	return Result{OK: true, Port: next.Port, Message: msg}
}

func (s *Supervisor) syncer(versionDir string) *configsync.Syncer {
	sy := configsync.New(resolve(versionDir, s.opts.ConfigFile), s.opts.Logger)
	if s.opts.URLField != "" {
		sy.URLField = s.opts.URLField
	}
	return sy
}

func resolve(dir, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}

func (s *Supervisor) pidFile() string {
	if s.opts.StateDir == "" {
		return ""
	}
	return filepath.Join(s.opts.StateDir, PIDFileName)
}

func (s *Supervisor) savePort(port int) {
	if s.ports == nil {
		return
	}
	if err := s.ports.Save(port); err != nil {
		s.log.Warn("could not persist port", "port", port, "error", err)
	}
}

func (s *Supervisor) start() Result {
	const op = "start"

	s.mu.Lock()
	if s.handle != nil {
		pid := s.handle.PID()
		s.mu.Unlock()
		e := newError(KindAlreadyRunning, op, "service is already running", nil)
		return Result{OK: false, PID: pid, Message: e.Error(), Err: e}
	}
	if s.restarts >= s.opts.MaxRestarts {
		e := newError(KindMaxRestarts, op, "max restart attempts reached", nil).
			withHint("reset the restart counter after fixing the cause")
		s.lastErr = e
		s.status = StatusError
		s.mu.Unlock()
		s.transition(PhaseError, e.Msg)
		return Result{OK: false, Message: e.Error(), Err: e}
	}
	cfg := s.cfg.clone()
	preferred := s.preferred
	s.status = StatusStarting
	s.lastErr = nil
	s.detached = false
	s.mu.Unlock()

	began := time.Now()
	s.transition(PhaseCheckingPort, fmt.Sprintf("checking port %d", preferred))

	port, tried, err := probe.FindFreePort(s.opts.Ports, cfg.Host, preferred, s.opts.MaxPortAttempts)
	metrics.ObservePortAttempts(s.opts.Name, tried)
	if err != nil {
		return s.abort(newError(KindPortExhausted, op,
			fmt.Sprintf("no free port found after %d attempts starting at %d", tried, preferred), err).
			withHint("close the application using these ports or configure a different port"))
	}
	if port != preferred {
		s.log.Info("preferred port in use, using next free port", "preferred", preferred, "port", port)
	}
	s.savePort(port)

	versionDir, err := s.opts.Versions.ActiveVersionDir()
	if err != nil {
		return s.abort(newError(KindConfig, op, "no active version", err).withHint("install the service first"))
	}
	if s.opts.ScriptPath == "" {
		return s.abort(newError(KindConfig, op, "no startup script configured", nil))
	}
	scriptPath := resolve(versionDir, s.opts.ScriptPath)
	if info, err := os.Stat(scriptPath); err != nil || info.IsDir() {
		return s.abort(newError(KindConfig, op, "startup script not found: "+scriptPath, err).
			withHint(script.Hint(script.ErrScriptNotFound)))
	}
	scriptDir := filepath.Dir(scriptPath)

	sy := s.syncer(versionDir)
	serviceURL := s.syncURL(sy, cfg.Host, port)

	// The port may have been taken since it was probed.
	if !s.opts.Ports.Available(cfg.Host, port) {
		s.log.Warn("port taken before spawn, renegotiating", "port", port)
		next, more, err := probe.FindFreePort(s.opts.Ports, cfg.Host, port+1, s.opts.MaxPortAttempts)
		metrics.ObservePortAttempts(s.opts.Name, more)
		if err != nil {
			return s.abort(newError(KindPortExhausted, op,
				fmt.Sprintf("port %d was taken and no free port followed it", port), err))
		}
		port = next
		s.savePort(port)
		serviceURL = s.syncURL(sy, cfg.Host, port)
	}

	s.transition(PhaseSpawning, "starting service")
	cmd, err := s.opts.Invoker.Command(scriptPath, scriptDir, cfg.Args...)
	if err != nil {
		return s.abort(newError(KindSpawn, op, "cannot run startup script", err).withHint(script.Hint(err)))
	}
	cmd.Env = s.opts.Env.Merge(s.childEnv(cfg, port, serviceURL))
	stdout, stderr, closers := s.outputWriters()
	if stdout != nil {
		cmd.Stdout = stdout
	}
	if stderr != nil {
		cmd.Stderr = stderr
	}
	script.RemoveStale(scriptDir)

	h, err := process.Start(cmd, closers...)
	if err != nil {
		return s.abort(newError(KindSpawn, op, "failed to spawn startup script", err).withHint(script.Hint(err)))
	}
	spawned := time.Now()
	s.mu.Lock()
	s.handle = h
	s.gen++
	gen := s.gen
	s.mu.Unlock()
	s.log.Info("service spawned", "pid", h.PID(), "port", port, "script", scriptPath)
	if err := process.WritePIDFile(s.pidFile(), process.PIDRecord{PID: h.PID(), Port: port}); err != nil {
		s.log.Warn("could not write pid file", "error", err)
	}
	go s.watchExit(h, gen)

	ctx, cancel := context.WithDeadline(context.Background(), spawned.Add(s.opts.StartTimeout))
	defer cancel()
	guard := s.exitGuard(h, gen, scriptDir, spawned)

	s.transition(PhaseWaitingListening, fmt.Sprintf("waiting for port %d", port))
	if err := s.opts.Listener.Await(ctx, cfg.Host, port, time.Until(spawned.Add(s.opts.StartTimeout)), guard); err != nil {
		var se *Error
		if errors.As(err, &se) {
			return s.abort(se)
		}
		return s.abort(newError(KindListenTimeout, op,
			fmt.Sprintf("service did not start listening on port %d within %v", port, s.opts.StartTimeout), err))
	}

	s.transition(PhaseHealthCheck, "checking health at "+serviceURL)
	if err := s.opts.Health.Await(ctx, dialURL(serviceURL), s.opts.HealthInterval, time.Until(spawned.Add(s.opts.StartTimeout)), guard); err != nil {
		var se *Error
		if errors.As(err, &se) {
			return s.abort(se)
		}
		return s.abort(newError(KindHealthTimeout, op, "health check did not pass", err))
	}
	// The script may have exited after the last guard check.
	if err := guard(); err != nil {
		var se *Error
		if errors.As(err, &se) {
			return s.abort(se)
		}
		return s.abort(newError(KindScriptExit, op, err.Error(), err))
	}

	h.Settled()
	s.mu.Lock()
	s.status = StatusRunning
	s.startTime = time.Now()
	s.mu.Unlock()
	s.transition(PhaseRunning, "service running at "+serviceURL)
	s.savePort(port)

	metrics.IncStart(s.opts.Name)
	metrics.ObserveStartupDuration(s.opts.Name, time.Since(began).Seconds())
	s.record(history.EventStart, nil)
	s.log.Info("service running", "url", serviceURL, "pid", h.PID(), "startup", time.Since(began).Round(time.Millisecond))

	// An exit between the last health check and here went unobserved.
	select {
	case <-h.Done():
		s.onExit(h, gen)
	default:
	}
	s.mu.RLock()
	detached := s.detached && s.gen == gen
	s.mu.RUnlock()
	if detached {
		go s.watchTree(h, gen)
	}
	return Result{OK: true, URL: serviceURL, Port: port, PID: h.PID(), Message: "service running"}
}

// syncURL writes host:port into the service config and returns the URL read
// back from it. A failed sync is only a warning.
func (s *Supervisor) syncURL(sy *configsync.Syncer, host string, port int) string {
	want := configsync.URL(host, port)
	u := want
	if err := sy.Sync(host, port); err != nil {
		s.log.Warn("could not update service config", "path", sy.Path, "error", err)
	} else if cur, err := sy.CurrentURL(); err == nil && cur != "" {
		u = cur
	}
	s.mu.Lock()
	s.port = port
	s.url = u
	s.mu.Unlock()
	return u
}

func (s *Supervisor) childEnv(cfg ServiceConfig, port int, serviceURL string) map[string]string {
	m := map[string]string{
		"SVCKEEPER_HOST": cfg.Host,
		"SVCKEEPER_PORT": strconv.Itoa(port),
		"SVCKEEPER_URL":  serviceURL,
	}
	for k, v := range cfg.Env {
		m[k] = v
	}
	return m
}

func (s *Supervisor) outputWriters() (io.Writer, io.Writer, []io.Closer) {
	outF, errF, err := s.opts.LogFiles.ProcessWriters(s.opts.Name)
	if err != nil {
		s.log.Warn("service output files unavailable", "error", err)
	}
	var closers []io.Closer
	wrap := func(stream string, f io.WriteCloser) io.Writer {
		if s.opts.MirrorOutput {
			lw := logger.NewLineWriter(s.log, stream, f)
			closers = append(closers, lw)
			return lw
		}
		if f == nil {
			return nil
		}
		closers = append(closers, f)
		return f
	}
	return wrap("stdout", outF), wrap("stderr", errF), closers
}

// exitGuard aborts the listening and health waits when the startup script
// dies with a nonzero code. A clean exit is tolerated once: the script may
// have launched the service in the background.
func (s *Supervisor) exitGuard(h *process.Handle, gen uint64, scriptDir string, spawned time.Time) func() error {
	checkedClean := false
	return func() error {
		code, exited := h.Exited()
		if !exited {
			return nil
		}
		if code != 0 {
			s.opts.Invoker.Settle(context.Background())
			r := s.opts.Invoker.Collect(scriptDir, code, "", "", time.Since(spawned))
			s.logOutputTail()
			return newError(KindScriptExit, "start", r.ErrorMessage, nil).
				withHint("check the service logs; a required runtime may be missing")
		}
		if checkedClean {
			return nil
		}
		checkedClean = true
		s.opts.Invoker.Settle(context.Background())
		r := s.opts.Invoker.Collect(scriptDir, code, "", "", time.Since(spawned))
		if !r.Success {
			return newError(KindScriptExit, "start", r.ErrorMessage, nil)
		}
		s.mu.Lock()
		if s.gen == gen {
			s.detached = true
		}
		s.mu.Unlock()
		s.log.Info("startup script exited cleanly, waiting for the service it launched", "pid", h.PID())
		return nil
	}
}

func (s *Supervisor) logOutputTail() {
	_, errPath := s.opts.LogFiles.Paths(s.opts.Name)
	if errPath == "" {
		return
	}
	if tail := logger.Tail(errPath, 10); len(tail) > 0 {
		s.log.Error("startup script failed", "stderr_tail", tail)
	}
}

// dialURL swaps a wildcard host for loopback so the URL can be requested.
func dialURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	host := u.Hostname()
	if dh := probe.DialHost(host); dh != host {
		u.Host = net.JoinHostPort(dh, u.Port())
	}
	return u.String()
}

// abort tears down whatever was spawned and moves to Error.
func (s *Supervisor) abort(e *Error) Result {
	s.mu.Lock()
	h := s.handle
	if h != nil {
		s.stopping = true
	}
	s.mu.Unlock()

	pid := 0
	if h != nil {
		pid = h.PID()
		if _, err := s.terminate(h); err != nil {
			s.log.Error("cleanup after failed start", "pid", pid, "error", err)
		}
		if err := process.RemovePIDFile(s.pidFile()); err != nil {
			s.log.Warn("remove pid file", "error", err)
		}
	}

	s.mu.Lock()
	s.handle = nil
	s.stopping = false
	s.detached = false
	s.status = StatusError
	s.startTime = time.Time{}
	s.lastErr = e
	port, u := s.port, s.url
	s.mu.Unlock()

	s.log.Error("start failed", "kind", e.Kind, "error", e.Error(), "hint", e.Hint)
	s.transition(PhaseError, e.Msg)
	metrics.IncStartFailure(s.opts.Name, string(e.Kind))
	s.record(history.EventFailure, e)
	return Result{OK: false, Port: port, URL: u, PID: pid, Message: e.Error(), Err: e}
}

func (s *Supervisor) stop(op string) Result {
	s.mu.Lock()
	h := s.handle
	if h == nil {
		s.mu.Unlock()
		return Result{OK: false, Message: "service is not running"}
	}
	s.stopping = true
	s.status = StatusStopping
	pid := h.PID()
	s.mu.Unlock()
	s.emitStatus("stopping service")

	forced, err := s.terminate(h)

	s.mu.Lock()
	s.handle = nil
	s.stopping = false
	s.detached = false
	s.status = StatusStopped
	s.startTime = time.Time{}
	var e *Error
	if err != nil {
		e = newError(KindStopFailed, op, fmt.Sprintf("could not terminate process %d", pid), err)
		s.lastErr = e
	}
	s.mu.Unlock()

	if rerr := process.RemovePIDFile(s.pidFile()); rerr != nil {
		s.log.Warn("remove pid file", "error", rerr)
	}
	s.transition(PhaseIdle, "service stopped")
	metrics.IncStop(s.opts.Name, forced)
	s.record(history.EventStop, e)

	if e != nil {
		s.log.Error("stop failed", "pid", pid, "error", err)
		return Result{OK: false, PID: pid, Message: e.Error(), Err: e}
	}
	s.log.Info("service stopped", "pid", pid, "forced", forced)
	return Result{OK: true, PID: pid, Message: "service stopped"}
}

// terminate interrupts the tree, waits StopGrace, then kills it and waits
// KillWait. It reports whether the kill was needed.
func (s *Supervisor) terminate(h *process.Handle) (bool, error) {
	pid := h.PID()
	for _, p := range treePIDs(h) {
		if err := s.opts.Terminator.Interrupt(p); err != nil {
			s.log.Warn("graceful stop signal failed", "pid", p, "error", err)
		}
	}
	if s.waitGone(h, s.opts.StopGrace) {
		return false, nil
	}
	s.log.Warn("service did not exit in time, killing process tree", "pid", pid, "grace", s.opts.StopGrace)
	kerr := s.killTree(h)
	if s.waitGone(h, s.opts.KillWait) {
		return true, nil
	}
	if kerr != nil {
		return true, kerr
	}
	return true, fmt.Errorf("process %d still alive after kill", pid)
}

// treePIDs is the leader followed by the descendants it was seen with.
func treePIDs(h *process.Handle) []int {
	return append([]int{h.PID()}, h.Tracked()...)
}

// killTree kills the leader's tree and every tracked descendant, returning
// the first error.
func (s *Supervisor) killTree(h *process.Handle) error {
	var first error
	for _, p := range treePIDs(h) {
		if err := s.opts.Terminator.KillTree(p); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// waitGone polls until the handle has exited and its tree is empty.
func (s *Supervisor) waitGone(h *process.Handle, d time.Duration) bool {
	gone := func() bool {
		_, exited := h.Exited()
		return exited && !h.TreeAlive()
	}
	deadline := time.Now().Add(d)
	for !gone() {
		if !time.Now().Before(deadline) {
			return false
		}
		time.Sleep(s.opts.StopPoll)
	}
	return true
}

func (s *Supervisor) watchExit(h *process.Handle, gen uint64) {
	<-h.Done()
	s.onExit(h, gen)
}

// onExit records an unexpected exit of a running service. Exits during start
// or stop are owned by those operations.
func (s *Supervisor) onExit(h *process.Handle, gen uint64) {
	code, _ := h.Exited()
	s.mu.RLock()
	detached := s.detached
	s.mu.RUnlock()
	if detached {
		return
	}
	s.unexpectedExit(h, gen, fmt.Sprintf("service exited unexpectedly with code %d", code), h.Err())
}

// watchTree follows a service its startup script left running in the
// background. The leader is gone, so the tree emptying is the exit.
func (s *Supervisor) watchTree(h *process.Handle, gen uint64) {
	t := time.NewTicker(s.opts.HealthInterval)
	defer t.Stop()
	for range t.C {
		s.mu.RLock()
		current := s.gen == gen && s.handle == h
		s.mu.RUnlock()
		if !current {
			return
		}
		if !h.TreeAlive() {
			s.unexpectedExit(h, gen, "service launched by the startup script is no longer running", nil)
			return
		}
	}
}

// unexpectedExit moves a running service to Error and counts the exit.
func (s *Supervisor) unexpectedExit(h *process.Handle, gen uint64, msg string, cause error) {
	s.mu.Lock()
	if s.gen != gen || s.handle != h || s.stopping || s.status != StatusRunning {
		s.mu.Unlock()
		return
	}
	s.restarts++
	s.handle = nil
	s.status = StatusError
	s.startTime = time.Time{}
	e := newError(KindUnexpectedExit, "run", msg, cause)
	s.lastErr = e
	restarts := s.restarts
	s.mu.Unlock()

	// reap anything the service left behind in its group
	_ = s.killTree(h)
	_ = process.RemovePIDFile(s.pidFile())

	s.log.Error("service exited unexpectedly", "pid", h.PID(), "reason", msg, "restart_count", restarts)
	metrics.IncUnexpectedExit(s.opts.Name)
	s.transition(PhaseError, e.Msg)
	s.record(history.EventExit, e)
}

func (s *Supervisor) record(t history.EventType, e *Error) {
	if s.opts.History == nil {
		return
	}
	info := s.Status()
	rec := history.Record{
		Name:         s.opts.Name,
		PID:          info.PID,
		Port:         info.Port,
		URL:          info.URL,
		Phase:        info.Phase.String(),
		Status:       string(info.Status),
		RestartCount: info.RestartCount,
	}
	if info.StartTime != nil {
		rec.StartedAt = *info.StartTime
	}
	if e != nil {
		rec.Error = e.Error()
		rec.ErrorKind = string(e.Kind)
	}
	s.opts.History.Record(history.Event{Type: t, OccurredAt: time.Now().UTC(), Record: rec})
}

// Resources samples CPU and memory of the running service tree.
func (s *Supervisor) Resources() (metrics.Usage, error) {
	s.mu.RLock()
	h := s.handle
	s.mu.RUnlock()
	if h == nil {
		return metrics.Usage{}, errors.New("service is not running")
	}
	return metrics.SampleTree(s.opts.Name, h.PID())
}

// Close stops a running service and closes all subscriptions.
func (s *Supervisor) Close() Result {
	r := s.Stop()
	s.subMu.Lock()
	for id, ch := range s.subs {
		close(ch)
		delete(s.subs, id)
	}
	s.subMu.Unlock()
	return r
}
