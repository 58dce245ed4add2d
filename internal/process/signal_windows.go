//go:build windows

package process

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

const taskkillTimeout = 10 * time.Second

type platformTerminator struct{}

func taskkill(pid int, force bool) error {
	ctx, cancel := context.WithTimeout(context.Background(), taskkillTimeout)
	defer cancel()
	args := []string{"/PID", strconv.Itoa(pid), "/T"}
	if force {
		args = append(args, "/F")
	}
	// #nosec G204 -- fixed binary, numeric pid
	cmd := exec.CommandContext(ctx, "taskkill", args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{HideWindow: true, CreationFlags: CREATE_NO_WINDOW}
	return cmd.Run()
}

// Interrupt asks the tree to close via taskkill without /F.
func (platformTerminator) Interrupt(pid int) error {
	if pid <= 0 || !Alive(pid) {
		return nil
	}
	if err := taskkill(pid, false); err != nil && Alive(pid) {
		return fmt.Errorf("taskkill %d: %w", pid, err)
	}
	return nil
}

// KillTree uses taskkill /T /F and falls back to killing each descendant.
func (platformTerminator) KillTree(pid int) error {
	if pid <= 0 || !Alive(pid) {
		return nil
	}
	kids := Descendants(pid)
	if err := taskkill(pid, true); err == nil {
		return nil
	}
	for i := len(kids) - 1; i >= 0; i-- {
		if p, err := gopsproc.NewProcess(int32(kids[i])); err == nil {
			_ = p.Kill()
		}
	}
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return nil
	}
	if err := p.Kill(); err != nil && Alive(pid) {
		return fmt.Errorf("kill %d: %w", pid, err)
	}
	return nil
}

// GroupAlive reports whether pid or any descendant is still running.
func GroupAlive(pid int) bool {
	return Alive(pid) || len(Descendants(pid)) > 0
}
