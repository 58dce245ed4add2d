// Package process owns a spawned child: it reaps it exactly once, exposes its
// exit, and knows how to take down the whole process tree.
package process

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"
)

// ErrNotStarted is returned when a Handle is requested for a nil command.
var ErrNotStarted = errors.New("process not started")

// Handle tracks one running child. A single goroutine owns cmd.Wait; everyone
// else observes the exit through Done.
type Handle struct {
	cmd       *exec.Cmd
	pid       int
	startedAt time.Time
	done      chan struct{}
	drained   chan struct{}
	pumps     sync.WaitGroup

	mu       sync.Mutex
	exitCode int
	exitErr  error
	closers  []io.Closer
	tracked  map[int]int64 // pid -> StartUnix
	untrack  chan struct{}
	stopOnce sync.Once
}

// Start launches cmd and begins reaping it in the background. closers (log
// writers) are closed once the child's output is drained, or immediately if it
// fails to start.
//
// Output writers that are not files are fed through pipes owned by the Handle,
// so Done fires when the child exits even if a grandchild it left running
// still holds the write end.
func Start(cmd *exec.Cmd, closers ...io.Closer) (*Handle, error) {
	if cmd == nil {
		return nil, ErrNotStarted
	}
	h := &Handle{
		cmd:      cmd,
		done:     make(chan struct{}),
		drained:  make(chan struct{}),
		exitCode: -1,
		closers:  closers,
		untrack:  make(chan struct{}),
	}
	childEnds, err := h.attachPipes()
	if err != nil {
		closeFiles(childEnds)
		h.drain()
		return nil, fmt.Errorf("output pipe: %w", err)
	}
	err = cmd.Start()
	closeFiles(childEnds)
	if err != nil {
		h.drain()
		return nil, fmt.Errorf("start %s: %w", cmd.Path, err)
	}
	h.pid = cmd.Process.Pid
	h.startedAt = time.Now()
	go h.reap()
	startTracking(h)
	return h, nil
}

func (h *Handle) attachPipes() ([]*os.File, error) {
	var childEnds []*os.File
	for _, target := range []*io.Writer{&h.cmd.Stdout, &h.cmd.Stderr} {
		w := *target
		if w == nil {
			continue
		}
		if _, ok := w.(*os.File); ok {
			continue
		}
		pr, pw, err := os.Pipe()
		if err != nil {
			return childEnds, err
		}
		*target = pw
		childEnds = append(childEnds, pw)
		h.pumps.Add(1)
		go func() {
			defer h.pumps.Done()
			_, _ = io.Copy(w, pr)
			_ = pr.Close()
		}()
	}
	return childEnds, nil
}

// drain waits for the output pumps and closes the log writers.
func (h *Handle) drain() {
	h.pumps.Wait()
	h.mu.Lock()
	cl := h.closers
	h.closers = nil
	h.mu.Unlock()
	closeAll(cl)
	close(h.drained)
}

func (h *Handle) reap() {
	err := h.cmd.Wait()
	code := -1
	if h.cmd.ProcessState != nil {
		code = h.cmd.ProcessState.ExitCode()
	}
	h.mu.Lock()
	h.exitCode = code
	h.exitErr = err
	h.mu.Unlock()
	close(h.done)
	h.drain()
}

func closeFiles(fs []*os.File) {
	for _, f := range fs {
		_ = f.Close()
	}
}

func closeAll(cl []io.Closer) {
	for _, c := range cl {
		if c != nil {
			_ = c.Close()
		}
	}
}

// PID of the child.
func (h *Handle) PID() int { return h.pid }

// StartedAt is when the child was spawned.
func (h *Handle) StartedAt() time.Time { return h.startedAt }

// Done is closed once the child has been reaped.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Drained is closed after Done once all output has been copied and the
// closers have run.
func (h *Handle) Drained() <-chan struct{} { return h.drained }

// Exited reports the exit code once the child is gone. A child killed by a
// signal reports -1.
func (h *Handle) Exited() (int, bool) {
	select {
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.exitCode, true
	default:
		return 0, false
	}
}

// Err is the error returned by cmd.Wait, valid after Done.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitErr
}

// Wait blocks until the child exits or d elapses and reports whether it exited.
func (h *Handle) Wait(d time.Duration) bool {
	if d <= 0 {
		_, ok := h.Exited()
		return ok
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-h.done:
		return true
	case <-t.C:
		return false
	}
}

// Terminator delivers graceful and forced termination to a process tree.
type Terminator interface {
	// Interrupt asks the process group rooted at pid to shut down.
	Interrupt(pid int) error
	// KillTree forcibly kills pid and all of its descendants.
	KillTree(pid int) error
}

// NewTerminator returns the platform terminator.
func NewTerminator() Terminator { return platformTerminator{} }
