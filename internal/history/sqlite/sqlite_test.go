package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/svckeeper/internal/history"
)

func TestSinkSendAndRecent(t *testing.T) {
	sink, err := New("sqlite://" + filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()

	ctx := context.Background()
	base := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, sink.Send(ctx, history.Event{
		Type:       history.EventStart,
		OccurredAt: base,
		Record:     history.Record{Name: "api", PID: 42, Port: 5005, URL: "http://127.0.0.1:5005", Phase: "running", Status: "running"},
	}))
	require.NoError(t, sink.Send(ctx, history.Event{
		Type:       history.EventExit,
		OccurredAt: base.Add(time.Minute),
		Record:     history.Record{Name: "api", PID: 42, Port: 5005, Phase: "error", Status: "error", Error: "exited with code 137", RestartCount: 1},
	}))
	require.NoError(t, sink.Send(ctx, history.Event{Type: history.EventStart, OccurredAt: base, Record: history.Record{Name: "other"}}))

	evs, err := sink.Recent(ctx, "api", 10)
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, history.EventExit, evs[0].Type)
	assert.Equal(t, 1, evs[0].Record.RestartCount)
	assert.Equal(t, "exited with code 137", evs[0].Record.Error)
	assert.Equal(t, history.EventStart, evs[1].Type)
	assert.Equal(t, 5005, evs[1].Record.Port)
	assert.True(t, base.Equal(evs[1].OccurredAt))

	limited, err := sink.Recent(ctx, "api", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestSinkMemory(t *testing.T) {
	sink, err := New(":memory:")
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()
	require.NoError(t, sink.Send(context.Background(), history.Event{Type: history.EventStop, OccurredAt: time.Now(), Record: history.Record{Name: "m"}}))
	evs, err := sink.Recent(context.Background(), "m", 0)
	require.NoError(t, err)
	assert.Len(t, evs, 1)
}

func TestNewEmptyDSN(t *testing.T) {
	_, err := New("  ")
	assert.Error(t, err)
}
