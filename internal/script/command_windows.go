//go:build windows

package script

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/loykin/svckeeper/internal/process"
)

// Command builds the command for path. PowerShell scripts are launched
// directly through powershell.exe with profile loading and execution policy
// disabled; .bat/.cmd go through cmd.exe. No console window is shown.
func Command(path, cwd string, args ...string) (*exec.Cmd, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrScriptNotFound, path)
		}
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrNotAFile, path)
	}

	var cmd *exec.Cmd
	switch strings.ToLower(filepath.Ext(path)) {
	case ".ps1":
		ps, err := exec.LookPath("powershell.exe")
		if err != nil {
			return nil, fmt.Errorf("run %s: %w", path, err)
		}
		base := []string{"-NoProfile", "-NonInteractive", "-ExecutionPolicy", "Bypass", "-WindowStyle", "Hidden", "-File", path}
		// #nosec G204 -- path is the configured script
		cmd = exec.Command(ps, append(base, args...)...)
	case ".bat", ".cmd":
		// #nosec G204
		cmd = exec.Command("cmd.exe", append([]string{"/C", path}, args...)...)
	default:
		// #nosec G204
		cmd = exec.Command(path, args...)
	}
	cmd.Dir = cwd
	process.ConfigureGroup(cmd)
	return cmd, nil
}
