//go:build !windows

package process

import (
	"errors"
	"fmt"
	"syscall"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

type platformTerminator struct{}

// Interrupt sends SIGTERM to the process group, falling back to the pid.
func (platformTerminator) Interrupt(pid int) error {
	if pid <= 0 {
		return nil
	}
	if err := syscall.Kill(-pid, syscall.SIGTERM); err == nil {
		return nil
	}
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("sigterm %d: %w", pid, err)
	}
	return nil
}

// KillTree sends SIGKILL to the group and then to every descendant that
// escaped it (children that called setsid or setpgid themselves).
func (platformTerminator) KillTree(pid int) error {
	if pid <= 0 {
		return nil
	}
	kids := Descendants(pid)
	groupErr := syscall.Kill(-pid, syscall.SIGKILL)
	pidErr := syscall.Kill(pid, syscall.SIGKILL)
	for i := len(kids) - 1; i >= 0; i-- {
		_ = syscall.Kill(kids[i], syscall.SIGKILL)
	}
	if groupErr == nil || pidErr == nil {
		return nil
	}
	if errors.Is(pidErr, syscall.ESRCH) {
		return nil
	}
	return fmt.Errorf("sigkill %d: %w", pid, pidErr)
}

// GroupAlive reports whether any member of the process group led by pid is
// still alive. It keeps answering after the leader itself has exited. Zombies
// waiting for an init that does not reap them do not count.
func GroupAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(-pid, 0)
	if err != nil && !errors.Is(err, syscall.EPERM) {
		return false
	}
	pids, err := gopsproc.Pids()
	if err != nil {
		return true
	}
	for _, p := range pids {
		if pg, err := syscall.Getpgid(int(p)); err == nil && pg == pid && Alive(int(p)) {
			return true
		}
	}
	return false
}
