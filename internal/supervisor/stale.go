package supervisor

import (
	"errors"
	"fmt"
	"os"

	"github.com/loykin/svckeeper/internal/process"
)

// CleanupStale kills a service left running by a previous supervisor, found
// through the pid file in StateDir. It reports whether anything was killed.
// Calling it while this supervisor has a running service is an error.
func (s *Supervisor) CleanupStale() (bool, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	path := s.pidFile()
	if path == "" {
		return false, nil
	}
	s.mu.RLock()
	running := s.handle != nil
	s.mu.RUnlock()
	if running {
		return false, newError(KindAlreadyRunning, "cleanup", "service is running under this supervisor", nil)
	}

	rec, err := process.ReadPIDFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		s.log.Warn("removing unreadable pid file", "path", path, "error", err)
		return false, process.RemovePIDFile(path)
	}
	if !rec.Owned() {
		s.log.Info("removing stale pid file", "pid", rec.PID)
		return false, process.RemovePIDFile(path)
	}

	s.log.Warn("killing service left over from a previous run", "pid", rec.PID, "port", rec.Port)
	if err := s.opts.Terminator.KillTree(rec.PID); err != nil && process.Alive(rec.PID) {
		return false, fmt.Errorf("kill stale service %d: %w", rec.PID, err)
	}
	return true, process.RemovePIDFile(path)
}
