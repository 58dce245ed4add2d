package env

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeOrderAndExpansion(t *testing.T) {
	e := New().WithBase([]string{"HOME=/home/u", "A=base", "=skipped"})
	e.Set("A", "global")
	e.Set("DATA", "${HOME}/data")
	out := e.Merge(map[string]string{"A": "override", "PORT": "5005", "URL": "http://127.0.0.1:${PORT}"})

	assert.Equal(t, []string{
		"A=override",
		"DATA=/home/u/data",
		"HOME=/home/u",
		"PORT=5005",
		"URL=http://127.0.0.1:5005",
	}, out)
}

func TestMergeKeepsUnknownReferences(t *testing.T) {
	e := New().WithBase(nil)
	out := e.Merge(map[string]string{"X": "${MISSING}-$PLAIN"})
	assert.Equal(t, []string{"X=${MISSING}-$PLAIN"}, out)
}

func TestMergeDefaultsToOS(t *testing.T) {
	t.Setenv("SVCKEEPER_ENV_TEST", "1")
	out := New().Merge(nil)
	assert.Contains(t, out, "SVCKEEPER_ENV_TEST=1")
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "service.env")
	content := "# comment\n\nexport ASPNETCORE_ENVIRONMENT=Production\nQUOTED=\"x y\"\nbroken\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	e := New().WithBase(nil)
	require.NoError(t, e.LoadFile(path))
	assert.Equal(t, "Production", e.Var["ASPNETCORE_ENVIRONMENT"])
	assert.Equal(t, "x y", e.Var["QUOTED"])
	assert.Len(t, e.Var, 2)

	assert.Error(t, e.LoadFile(filepath.Join(t.TempDir(), "missing.env")))
}
