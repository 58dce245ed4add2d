package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loykin/svckeeper/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	root := buildRoot()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestInitWritesLoadableConfig(t *testing.T) {
	p := filepath.Join(t.TempDir(), "svckeeper.toml")
	out, err := run(t, "", "init", p)
	require.NoError(t, err)
	assert.Contains(t, out, p)

	c, err := config.Load(p)
	require.NoError(t, err)
	assert.True(t, c.Server.Enabled)

	_, err = run(t, "", "init", p)
	assert.Error(t, err, "init does not overwrite")
}

func TestHashPassword(t *testing.T) {
	out, err := run(t, "", "hash-password", "s3cret")
	require.NoError(t, err)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(strings.TrimSpace(out)), []byte("s3cret")))

	out, err = run(t, "fromstdin\n", "hash-password")
	require.NoError(t, err)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(strings.TrimSpace(out)), []byte("fromstdin")))

	_, err = run(t, "", "hash-password")
	assert.Error(t, err, "empty password")
}

type requestLog struct {
	mu   sync.Mutex
	seen []string
}

func (l *requestLog) add(s string) {
	l.mu.Lock()
	l.seen = append(l.seen, s)
	l.mu.Unlock()
}

func (l *requestLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.seen...)
}

func fakeAPI(t *testing.T) (*httptest.Server, *requestLog) {
	t.Helper()
	seen := &requestLog{}
	mux := http.NewServeMux()
	reply := func(code int, v any) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			seen.add(r.Method + " " + r.URL.Path)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(code)
			_ = json.NewEncoder(w).Encode(v)
		}
	}
	mux.HandleFunc("GET /api/status", reply(200, map[string]any{"status": "running", "phase": "running", "port": 5003}))
	mux.HandleFunc("POST /api/start", reply(409, map[string]any{
		"ok": false, "message": "service is already running",
		"error": map[string]string{"kind": "already_running", "message": "start: service is already running", "hint": "stop it first"},
	}))
	mux.HandleFunc("POST /api/stop", reply(200, map[string]any{"ok": true, "message": "service stopped"}))
	mux.HandleFunc("PUT /api/config", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		seen.add("PUT /api/config " + mustJSON(body))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	})
	mux.HandleFunc("POST /api/restarts/reset", reply(200, map[string]any{"ok": true}))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, seen
}

func mustJSON(v any) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func TestRemoteCommands(t *testing.T) {
	srv, seen := fakeAPI(t)
	api := "--api-url=" + srv.URL + "/api"

	out, err := run(t, "", "status", api)
	require.NoError(t, err)
	assert.Contains(t, out, `"port": 5003`)

	out, err = run(t, "", "stop", api)
	require.NoError(t, err)
	assert.Contains(t, out, "service stopped")

	out, err = run(t, "", "start", api)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stop it first")
	assert.Contains(t, out, "service is already running")

	_, err = run(t, "", "config", "set", api, "--port=6001", "--env=A=1", "--unset=B")
	require.NoError(t, err)

	out, err = run(t, "", "reset-restarts", api)
	require.NoError(t, err)
	assert.Contains(t, out, "cleared")

	assert.Contains(t, seen.all(), `PUT /api/config {"env":{"A":"1","B":""},"port":6001}`)
	assert.Contains(t, seen.all(), "POST /api/restarts/reset")
}

func TestBuildUpdate(t *testing.T) {
	_, err := buildUpdate(UpdateConfigFlags{})
	assert.Error(t, err)
	_, err = buildUpdate(UpdateConfigFlags{Env: []string{"NOVALUE"}})
	assert.Error(t, err)

	u, err := buildUpdate(UpdateConfigFlags{Host: "0.0.0.0", Args: []string{"--x"}})
	require.NoError(t, err)
	require.NotNil(t, u.Host)
	assert.Equal(t, "0.0.0.0", *u.Host)
	assert.Nil(t, u.Port)
	assert.Equal(t, []string{"--x"}, u.Args)
}

func TestRunScriptCommand(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix sh")
	}
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "start.sh"), []byte("#!/bin/sh\necho ran \"$1\"\n"), 0o755))
	cfgPath := filepath.Join(dir, "svckeeper.toml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`
[service]
version_dir = "`+dir+`"

[timeouts]
settle = "10ms"

[log.slog]
level = "error"
`), 0o644))

	var out bytes.Buffer
	err := cmdRunScript(context.Background(), &out, RunScriptFlags{ConfigPath: cfgPath}, []string{"once"})
	require.NoError(t, err)
	assert.Contains(t, out.String(), "ran once")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "start.sh"), []byte("#!/bin/sh\nexit 2\n"), 0o755))
	err = cmdRunScript(context.Background(), &out, RunScriptFlags{ConfigPath: cfgPath}, nil)
	assert.Error(t, err)
}

func TestServeStopsOnCancel(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "svckeeper.toml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`
state_dir = "`+filepath.Join(dir, "state")+`"

[server]
enabled = true
listen = "127.0.0.1:0"

[log.slog]
level = "error"
`), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	var out bytes.Buffer
	go func() { done <- runServe(ctx, &out, &ServeFlags{ConfigPath: cfgPath, ShutdownTimeout: time.Second}) }()
	time.Sleep(300 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
}
