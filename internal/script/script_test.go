package script

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("tests require sh on Unix-like systems")
	}
}

func writeScript(t *testing.T, dir, name, body string, perm os.FileMode) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), perm))
	return p
}

func newTestInvoker() *Invoker {
	inv := NewInvoker(nil)
	inv.SettleDelay = 10 * time.Millisecond
	return inv
}

func TestRunReadsResultFile(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	p := writeScript(t, dir, "start.sh", `#!/bin/sh
echo hello
cat > result.json <<JSON
{"exitCode":0,"stdout":"from-file","stderr":"","duration":42,"timestamp":"2026-01-01T00:00:00Z","success":true,"version":"1.2.3"}
JSON
`, 0o755)
	r := newTestInvoker().Run(context.Background(), p, "", 5*time.Second)
	assert.True(t, r.Success)
	assert.Equal(t, SourceFile, r.Source)
	assert.Equal(t, "from-file", r.Stdout)
	assert.Equal(t, int64(42), r.Duration)
	assert.Equal(t, "1.2.3", r.Version)
	assert.Equal(t, "2026-01-01T00:00:00Z", r.Timestamp)
}

func TestRunAlternateResultNameAndDefaults(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	p := writeScript(t, dir, "check.sh", `echo out; echo '{"success":false,"errorMessage":"dotnet missing"}' > execution-result.json; exit 0
`, 0o644)
	r := newTestInvoker().Run(context.Background(), p, dir, 5*time.Second)
	assert.False(t, r.Success)
	assert.Equal(t, "dotnet missing", r.ErrorMessage)
	assert.Equal(t, 0, r.ExitCode)
	assert.Equal(t, "out\n", r.Stdout, "captured output fills missing fields")
	assert.NotEmpty(t, r.Timestamp)
}

func TestRunMakesScriptExecutable(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	p := writeScript(t, dir, "start.sh", "#!/bin/sh\nexit 0\n", 0o644)
	r := newTestInvoker().Run(context.Background(), p, dir, 5*time.Second)
	assert.True(t, r.Success)
	info, err := os.Stat(p)
	require.NoError(t, err)
	assert.NotZero(t, info.Mode()&0o100)
}

func TestRunNonZeroWithoutResultFile(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	p := writeScript(t, dir, "fail.sh", "echo boom >&2; exit 1\n", 0o755)
	r := newTestInvoker().Run(context.Background(), p, dir, 5*time.Second)
	assert.False(t, r.Success)
	assert.Equal(t, 1, r.ExitCode)
	assert.Equal(t, SourceExitCode, r.Source)
	assert.Contains(t, r.ErrorMessage, "code 1")
	assert.Equal(t, "boom\n", r.Stderr)
}

func TestRunCleanExitWithoutResultFile(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	p := writeScript(t, dir, "ok.sh", "exit 0\n", 0o755)

	inv := newTestInvoker()
	r := inv.Run(context.Background(), p, dir, 5*time.Second)
	assert.True(t, r.Success, "clean exit falls back to success")

	inv.RequireResultFile = true
	r = inv.Run(context.Background(), p, dir, 5*time.Second)
	assert.False(t, r.Success)
	assert.Contains(t, r.ErrorMessage, "no result file")
}

func TestRunRemovesStaleResultFiles(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	stale, err := json.Marshal(Result{Success: true, ExitCode: 0})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "result.json"), stale, 0o600))
	p := writeScript(t, dir, "fail.sh", "exit 2\n", 0o755)

	r := newTestInvoker().Run(context.Background(), p, dir, 5*time.Second)
	assert.False(t, r.Success, "a previous run's result must not be reused")
	assert.Equal(t, 2, r.ExitCode)
}

func TestRunTimeoutKillsTree(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	p := writeScript(t, dir, "hang.sh", "sleep 30 &\nwait\n", 0o755)
	start := time.Now()
	r := newTestInvoker().Run(context.Background(), p, dir, 200*time.Millisecond)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.False(t, r.Success)
	assert.Equal(t, -1, r.ExitCode)
	assert.Equal(t, SourceTimeout, r.Source)
	assert.Contains(t, r.ErrorMessage, "timed out")
}

func TestRunCanceled(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	p := writeScript(t, dir, "hang.sh", "sleep 30\n", 0o755)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)
	r := newTestInvoker().Run(ctx, p, dir, 10*time.Second)
	assert.Equal(t, SourceCanceled, r.Source)
	assert.False(t, r.Success)
}

func TestRunMissingScript(t *testing.T) {
	dir := t.TempDir()
	r := newTestInvoker().Run(context.Background(), filepath.Join(dir, "nope.sh"), dir, time.Second)
	assert.False(t, r.Success)
	assert.Equal(t, SourceSpawn, r.Source)
	assert.Contains(t, r.ErrorMessage, "script not found")
}

func TestRunPassesArgsAndEnv(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	p := writeScript(t, dir, "args.sh", "#!/bin/sh\necho \"$1 $SVC_MODE\"\n", 0o755)
	inv := newTestInvoker()
	inv.Env = []string{"PATH=/usr/bin:/bin", "SVC_MODE=prod"}
	r := inv.Run(context.Background(), p, dir, 5*time.Second, "--flag")
	assert.Equal(t, "--flag prod\n", r.Stdout)
}

func TestCommandRejectsDirectory(t *testing.T) {
	_, err := Command(t.TempDir(), "")
	require.ErrorIs(t, err, ErrNotAFile)
}

func TestCommandUsesShellWithoutShebang(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	p := writeScript(t, dir, "plain.sh", "exit 0\n", 0o755)
	cmd, err := Command(p, dir)
	require.NoError(t, err)
	assert.Equal(t, "/bin/sh", cmd.Path)
	assert.Equal(t, dir, cmd.Dir)
	checkGroup(t, cmd)

	q := writeScript(t, dir, "bang.sh", "#!/bin/sh\nexit 0\n", 0o755)
	cmd, err = Command(q, dir)
	require.NoError(t, err)
	assert.Equal(t, q, cmd.Path)
}

func TestSettle(t *testing.T) {
	inv := NewInvoker(nil)
	inv.SettleDelay = 150 * time.Millisecond
	began := time.Now()
	inv.Settle(context.Background())
	assert.GreaterOrEqual(t, time.Since(began), 150*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	began = time.Now()
	inv.Settle(ctx)
	assert.Less(t, time.Since(began), 100*time.Millisecond, "canceled context cuts the delay short")

	inv.SettleDelay = 0
	began = time.Now()
	inv.Settle(context.Background())
	assert.Less(t, time.Since(began), 100*time.Millisecond)
}

func TestHint(t *testing.T) {
	_, err := Command(filepath.Join(t.TempDir(), "x.sh"), "")
	assert.True(t, strings.Contains(Hint(err), "reinstall"))
	assert.Empty(t, Hint(nil))
}

func TestCapBuffer(t *testing.T) {
	c := &capBuffer{limit: 4}
	n, err := c.Write([]byte("abcdef"))
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	assert.Equal(t, "abcd\n[output truncated]", c.String())
}
