//go:build !windows

package process

import (
	"os/exec"
	"syscall"
)

// ConfigureGroup places the child in its own process group so the whole tree
// can be signalled through -pid.
func ConfigureGroup(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}
