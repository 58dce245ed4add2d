package factory

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/svckeeper/internal/history/opensearch"
	"github.com/loykin/svckeeper/internal/history/sqlite"
)

func TestNewSinkFromDSN(t *testing.T) {
	s, err := NewSinkFromDSN("sqlite://" + filepath.Join(t.TempDir(), "h.db"))
	require.NoError(t, err)
	_, ok := s.(*sqlite.Sink)
	assert.True(t, ok)
	_ = s.(*sqlite.Sink).Close()

	s, err = NewSinkFromDSN(filepath.Join(t.TempDir(), "plain.db"))
	require.NoError(t, err)
	_ = s.(*sqlite.Sink).Close()

	s, err = NewSinkFromDSN("opensearch://localhost:9200/svc")
	require.NoError(t, err)
	_, ok = s.(*opensearch.Sink)
	assert.True(t, ok)
}

func TestNewSinkFromDSNErrors(t *testing.T) {
	_, err := NewSinkFromDSN("")
	assert.Error(t, err)
	_, err = NewSinkFromDSN("redis://localhost:6379")
	assert.ErrorContains(t, err, "unsupported DSN")
}
