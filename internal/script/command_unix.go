//go:build !windows

package script

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/loykin/svckeeper/internal/process"
)

// Command builds the command for path. The file is made executable first.
// Scripts with a shebang run directly; anything else goes through /bin/sh.
// PowerShell scripts use pwsh when it is installed. The child gets its own
// process group.
func Command(path, cwd string, args ...string) (*exec.Cmd, error) {
	info, err := stat(path)
	if err != nil {
		return nil, err
	}
	executable := info.Mode()&0o111 != 0
	if !executable {
		if err := os.Chmod(path, info.Mode().Perm()|0o755); err == nil {
			executable = true
		}
	}

	var cmd *exec.Cmd
	switch {
	case strings.EqualFold(filepath.Ext(path), ".ps1"):
		pwsh, err := exec.LookPath("pwsh")
		if err != nil {
			return nil, fmt.Errorf("run %s: %w", path, err)
		}
		// #nosec G204 -- path is the configured script
		cmd = exec.Command(pwsh, append([]string{"-NoProfile", "-NonInteractive", "-File", path}, args...)...)
	case executable && hasShebang(path):
		// #nosec G204
		cmd = exec.Command(path, args...)
	default:
		// #nosec G204
		cmd = exec.Command("/bin/sh", append([]string{path}, args...)...)
	}
	cmd.Dir = cwd
	process.ConfigureGroup(cmd)
	return cmd, nil
}

func stat(path string) (os.FileInfo, error) {
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
	return info, nil
}

func hasShebang(path string) bool {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return false
	}
	defer func() { _ = f.Close() }()
	head := make([]byte, 2)
	if _, err := bufio.NewReader(f).Read(head); err != nil {
		return false
	}
	return string(head) == "#!"
}
