package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/loykin/svckeeper/internal/auth"
	"github.com/loykin/svckeeper/internal/history"
	"github.com/loykin/svckeeper/internal/metrics"
	"github.com/loykin/svckeeper/internal/supervisor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type fakeController struct {
	mu       sync.Mutex
	calls    []string
	result   supervisor.Result
	info     supervisor.ProcessInfo
	cfg      supervisor.ServiceConfig
	update   supervisor.ConfigUpdate
	events   []supervisor.Event
	usage    metrics.Usage
	usageErr error
}

func (f *fakeController) call(name string) supervisor.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
	return f.result
}

func (f *fakeController) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeController) Name() string                     { return "api" }
func (f *fakeController) Start() supervisor.Result         { return f.call("start") }
func (f *fakeController) Stop() supervisor.Result          { return f.call("stop") }
func (f *fakeController) Restart() supervisor.Result       { return f.call("restart") }
func (f *fakeController) Status() supervisor.ProcessInfo   { return f.info }
func (f *fakeController) Config() supervisor.ServiceConfig { return f.cfg }
func (f *fakeController) ResetRestarts()                   { f.call("reset") }

func (f *fakeController) UpdateConfig(u supervisor.ConfigUpdate) supervisor.Result {
	f.update = u
	return f.call("update")
}

// Subscribe hands out the canned events on an already closed channel so the
// stream ends by itself.
func (f *fakeController) Subscribe(int) (<-chan supervisor.Event, func()) {
	ch := make(chan supervisor.Event, len(f.events))
	for _, ev := range f.events {
		ch <- ev
	}
	close(ch)
	return ch, func() {}
}

func (f *fakeController) Resources() (metrics.Usage, error) { return f.usage, f.usageErr }

type fakeHistory struct {
	events []history.Event
	ok     bool
	limit  int
}

func (h *fakeHistory) Recent(_ context.Context, _ string, limit int) ([]history.Event, bool, error) {
	h.limit = limit
	return h.events, h.ok, nil
}

func setupRouter(t *testing.T, ctl Controller, base string, opts ...Option) http.Handler {
	t.Helper()
	gin.SetMode(gin.TestMode)
	return NewRouter(ctl, base, opts...).Handler()
}

func doReq(t *testing.T, h http.Handler, method, path string, body any, hdr ...string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rdr = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m), rec.Body.String())
	return m
}

func TestStatusUnderBasePath(t *testing.T) {
	ctl := &fakeController{info: supervisor.ProcessInfo{Status: supervisor.StatusRunning, PID: 42, Port: 5002, Phase: supervisor.PhaseRunning}}
	h := setupRouter(t, ctl, "/api")

	rec := doReq(t, h, http.MethodGet, "/api/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	m := decode(t, rec)
	assert.Equal(t, "running", m["status"])
	assert.Equal(t, "running", m["phase"])
	assert.EqualValues(t, 42, m["pid"])

	assert.Equal(t, http.StatusNotFound, doReq(t, h, http.MethodGet, "/status", nil).Code)
}

func TestStartSuccess(t *testing.T) {
	ctl := &fakeController{result: supervisor.Result{OK: true, URL: "http://127.0.0.1:5002", Port: 5002, PID: 7, Message: "service started"}}
	h := setupRouter(t, ctl, "")

	rec := doReq(t, h, http.MethodPost, "/start", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	m := decode(t, rec)
	assert.Equal(t, true, m["ok"])
	assert.Equal(t, "http://127.0.0.1:5002", m["url"])
	assert.NotContains(t, m, "error")
	assert.Equal(t, []string{"start"}, ctl.Calls())
}

func TestStartAlreadyRunningConflict(t *testing.T) {
	ctl := &fakeController{result: supervisor.Result{Message: "service is already running", Err: &supervisor.Error{Kind: supervisor.KindAlreadyRunning, Op: "start", Msg: "service is already running"}}}
	h := setupRouter(t, ctl, "")

	rec := doReq(t, h, http.MethodPost, "/start", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	m := decode(t, rec)
	assert.Equal(t, false, m["ok"])
	e, ok := m["error"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "already_running", e["kind"])
}

func TestStartFailureCarriesHint(t *testing.T) {
	ctl := &fakeController{result: supervisor.Result{Err: &supervisor.Error{Kind: supervisor.KindPortExhausted, Msg: "no free port", Hint: "free a port"}}}
	h := setupRouter(t, ctl, "")

	rec := doReq(t, h, http.MethodPost, "/start", nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	e := decode(t, rec)["error"].(map[string]any)
	assert.Equal(t, "port_exhausted", e["kind"])
	assert.Equal(t, "free a port", e["hint"])
}

func TestStopNotRunningIsOK(t *testing.T) {
	ctl := &fakeController{result: supervisor.Result{Message: "service is not running"}}
	h := setupRouter(t, ctl, "")

	rec := doReq(t, h, http.MethodPost, "/stop", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	m := decode(t, rec)
	assert.Equal(t, false, m["ok"])
	assert.Equal(t, "service is not running", m["message"])
}

func TestRestartAndReset(t *testing.T) {
	ctl := &fakeController{result: supervisor.Result{OK: true}}
	h := setupRouter(t, ctl, "")

	assert.Equal(t, http.StatusOK, doReq(t, h, http.MethodPost, "/restart", nil).Code)
	assert.Equal(t, http.StatusOK, doReq(t, h, http.MethodPost, "/restarts/reset", nil).Code)
	assert.Equal(t, []string{"restart", "reset"}, ctl.Calls())
}

func TestConfigGetAndUpdate(t *testing.T) {
	ctl := &fakeController{
		cfg:    supervisor.ServiceConfig{Host: "127.0.0.1", Port: 5000},
		result: supervisor.Result{OK: true, Message: "configuration updated"},
	}
	h := setupRouter(t, ctl, "")

	rec := doReq(t, h, http.MethodGet, "/config", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 5000, decode(t, rec)["port"])

	rec = doReq(t, h, http.MethodPut, "/config", map[string]any{"port": 6000, "env": map[string]string{"A": "1"}})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, ctl.update.Port)
	assert.Equal(t, 6000, *ctl.update.Port)
	assert.Nil(t, ctl.update.Host)
	assert.Equal(t, map[string]string{"A": "1"}, ctl.update.Env)
}

func TestUpdateConfigRejectsBadInput(t *testing.T) {
	ctl := &fakeController{result: supervisor.Result{Err: &supervisor.Error{Kind: supervisor.KindInvalidConfig, Msg: "port out of range"}}}
	h := setupRouter(t, ctl, "")

	req := httptest.NewRequest(http.MethodPut, "/config", strings.NewReader("{not json"))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, ctl.Calls())

	rec = doReq(t, h, http.MethodPut, "/config", map[string]any{"port": 70000})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEventsStream(t *testing.T) {
	ctl := &fakeController{events: []supervisor.Event{
		{Time: time.Now(), Phase: supervisor.PhaseCheckingPort, Previous: supervisor.PhaseIdle},
		{Time: time.Now(), Phase: supervisor.PhaseSpawning, Previous: supervisor.PhaseCheckingPort},
	}}
	h := setupRouter(t, ctl, "")

	rec := doReq(t, h, http.MethodGet, "/events", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Type"), "text/event-stream"), rec.Header().Get("Content-Type"))
	body := rec.Body.String()
	assert.Contains(t, body, "event:status")
	assert.Equal(t, 2, strings.Count(body, "event:phase"))
	assert.Contains(t, body, `"phase":"checking_port"`)
	assert.Contains(t, body, `"phase":"spawning"`)
}

func TestHistory(t *testing.T) {
	ctl := &fakeController{}

	h := setupRouter(t, ctl, "")
	assert.Equal(t, http.StatusNotFound, doReq(t, h, http.MethodGet, "/history", nil).Code)

	hist := &fakeHistory{ok: true, events: []history.Event{{Type: history.EventStart, Record: history.Record{Name: "api", Port: 5001}}}}
	h = setupRouter(t, ctl, "", WithHistory(hist))
	rec := doReq(t, h, http.MethodGet, "/history", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, defaultHistoryLimit, hist.limit)
	var evs []history.Event
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &evs))
	require.Len(t, evs, 1)
	assert.Equal(t, 5001, evs[0].Record.Port)

	doReq(t, h, http.MethodGet, "/history?limit=10000", nil)
	assert.Equal(t, maxHistoryLimit, hist.limit)
	assert.Equal(t, http.StatusBadRequest, doReq(t, h, http.MethodGet, "/history?limit=x", nil).Code)

	hist.ok = false
	assert.Equal(t, http.StatusNotFound, doReq(t, h, http.MethodGet, "/history", nil).Code)
}

func TestResources(t *testing.T) {
	ctl := &fakeController{usageErr: errors.New("service is not running")}
	h := setupRouter(t, ctl, "")
	assert.Equal(t, http.StatusConflict, doReq(t, h, http.MethodGet, "/resources", nil).Code)

	ctl = &fakeController{info: supervisor.ProcessInfo{PID: 9}, usage: metrics.Usage{PID: 9, Processes: 3}}
	h = setupRouter(t, ctl, "")
	rec := doReq(t, h, http.MethodGet, "/resources", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 3, decode(t, rec)["processes"])
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "svckeeper_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Inc()

	h := setupRouter(t, &fakeController{}, "/api", WithMetrics(reg, "/metrics"))
	rec := doReq(t, h, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "svckeeper_test_total 1")
}

func newAuthService(t *testing.T) *auth.Service {
	t.Helper()
	hash := func(p string) string {
		b, err := bcrypt.GenerateFromPassword([]byte(p), bcrypt.MinCost)
		require.NoError(t, err)
		return string(b)
	}
	svc, err := auth.NewService(auth.Config{
		Enabled:   true,
		JWTSecret: "test-secret",
		Users: []auth.User{
			{Username: "admin", PasswordHash: hash("adminpw"), Roles: []string{auth.RoleAdmin}},
			{Username: "viewer", PasswordHash: hash("viewerpw"), Roles: []string{auth.RoleViewer}},
		},
	})
	require.NoError(t, err)
	return svc
}

func TestAuthRequired(t *testing.T) {
	ctl := &fakeController{result: supervisor.Result{OK: true}}
	h := setupRouter(t, ctl, "/api", WithAuth(newAuthService(t)))

	rec := doReq(t, h, http.MethodGet, "/api/status", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.SetBasicAuth("viewer", "wrong")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, ctl.Calls())
}

func TestViewerCannotWrite(t *testing.T) {
	ctl := &fakeController{result: supervisor.Result{OK: true}}
	h := setupRouter(t, ctl, "", WithAuth(newAuthService(t)))

	get := httptest.NewRequest(http.MethodGet, "/status", nil)
	get.SetBasicAuth("viewer", "viewerpw")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, get)
	assert.Equal(t, http.StatusOK, rec.Code)

	post := httptest.NewRequest(http.MethodPost, "/start", nil)
	post.SetBasicAuth("viewer", "viewerpw")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, post)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, ctl.Calls())
}

func TestLoginTokenGrantsAccess(t *testing.T) {
	ctl := &fakeController{result: supervisor.Result{OK: true}}
	h := setupRouter(t, ctl, "/api", WithAuth(newAuthService(t)))

	rec := doReq(t, h, http.MethodPost, "/api/auth/login", map[string]string{"username": "admin", "password": "bad"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = doReq(t, h, http.MethodPost, "/api/auth/login", map[string]string{"username": "admin"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doReq(t, h, http.MethodPost, "/api/auth/login", map[string]string{"username": "admin", "password": "adminpw"})
	require.Equal(t, http.StatusOK, rec.Code)
	var res auth.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.NotNil(t, res.Token)
	assert.True(t, res.Success)

	rec = doReq(t, h, http.MethodPost, "/api/start", nil, "Authorization", "Bearer "+res.Token.Value)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"start"}, ctl.Calls())
}

func TestLoginAbsentWithoutAuth(t *testing.T) {
	h := setupRouter(t, &fakeController{}, "")
	rec := doReq(t, h, http.MethodPost, "/auth/login", map[string]string{"username": "a", "password": "b"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestNewServerServes(t *testing.T) {
	ctl := &fakeController{info: supervisor.ProcessInfo{Status: supervisor.StatusStopped}}
	srv, err := NewServer("127.0.0.1:0", setupRouter(t, ctl, "/api"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })

	resp, err := http.Get("http://" + srv.Addr + "/api/status")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	_, err = NewServer(srv.Addr, http.NotFoundHandler(), nil)
	assert.Error(t, err, "address already in use")
}
