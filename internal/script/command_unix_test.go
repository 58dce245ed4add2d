//go:build !windows

package script

import (
	"os/exec"
	"testing"

	"github.com/stretchr/testify/require"
)

func checkGroup(t *testing.T, cmd *exec.Cmd) {
	t.Helper()
	require.NotNil(t, cmd.SysProcAttr)
	require.True(t, cmd.SysProcAttr.Setpgid)
}
