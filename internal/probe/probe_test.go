package probe

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/svckeeper/internal/retry"
)

func listenLocal(t *testing.T) (net.Listener, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	return ln, ln.Addr().(*net.TCPAddr).Port
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func TestAvailableBoundPortIsInUse(t *testing.T) {
	_, port := listenLocal(t)
	p := NewPortProber(nil)
	assert.False(t, p.Available("127.0.0.1", port))
}

func TestAvailableFreePort(t *testing.T) {
	port := freePort(t)
	p := NewPortProber(nil)
	assert.True(t, p.Available("127.0.0.1", port))
}

func TestAvailableRejectsOutOfRange(t *testing.T) {
	p := &PortProber{}
	assert.False(t, p.Available("127.0.0.1", 0))
	assert.False(t, p.Available("127.0.0.1", 70000))
}

func TestOSProbeErrorFallsBackToBind(t *testing.T) {
	p := &PortProber{osProbe: func(string, int) (osProbeResult, error) {
		return probeInUse, errors.New("tool crashed")
	}}
	port := freePort(t)
	assert.True(t, p.Available("127.0.0.1", port), "errored probe must be ignored")

	_, bound := listenLocal(t)
	assert.False(t, p.Available("127.0.0.1", bound))
}

func TestOSProbeInUseIsTrusted(t *testing.T) {
	p := &PortProber{osProbe: func(string, int) (osProbeResult, error) { return probeInUse, nil }}
	assert.False(t, p.Available("127.0.0.1", freePort(t)))
}

type fakeChecker map[int]bool

func (f fakeChecker) Available(_ string, port int) bool { return !f[port] }

func TestFindFreePortIncrements(t *testing.T) {
	busy := fakeChecker{5000: true, 5001: true, 5002: true, 5003: true, 5004: true}
	port, tried, err := FindFreePort(busy, "127.0.0.1", 5000, 100)
	require.NoError(t, err)
	assert.Equal(t, 5005, port)
	assert.Equal(t, 6, tried)
}

func TestFindFreePortExhausted(t *testing.T) {
	busy := fakeChecker{}
	for p := 7000; p < 7100; p++ {
		busy[p] = true
	}
	_, tried, err := FindFreePort(busy, "127.0.0.1", 7000, 100)
	require.ErrorIs(t, err, ErrNoFreePort)
	assert.Equal(t, 100, tried)
}

func TestDialHost(t *testing.T) {
	assert.Equal(t, "127.0.0.1", DialHost("0.0.0.0"))
	assert.Equal(t, "127.0.0.1", DialHost(""))
	assert.Equal(t, "localhost", DialHost("localhost"))
}

func TestListenWatcherSeesListener(t *testing.T) {
	_, port := listenLocal(t)
	w := &ListenWatcher{DialTimeout: 200 * time.Millisecond, Interval: 20 * time.Millisecond}
	assert.True(t, w.Wait(context.Background(), "127.0.0.1", port, time.Second))
}

func TestListenWatcherLateListener(t *testing.T) {
	port := freePort(t)
	go func() {
		time.Sleep(150 * time.Millisecond)
		ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", itoa(port)))
		if err != nil {
			return
		}
		time.Sleep(2 * time.Second)
		_ = ln.Close()
	}()
	w := &ListenWatcher{DialTimeout: 100 * time.Millisecond, Interval: 25 * time.Millisecond}
	assert.True(t, w.Wait(context.Background(), "127.0.0.1", port, 2*time.Second))
}

func TestListenWatcherTimeout(t *testing.T) {
	port := freePort(t)
	w := &ListenWatcher{DialTimeout: 50 * time.Millisecond, Interval: 20 * time.Millisecond}
	err := w.Await(context.Background(), "127.0.0.1", port, 150*time.Millisecond, nil)
	require.ErrorIs(t, err, retry.ErrTimeout)
}

func TestListenWatcherGuardAborts(t *testing.T) {
	port := freePort(t)
	stop := errors.New("child exited")
	w := &ListenWatcher{DialTimeout: 50 * time.Millisecond, Interval: 20 * time.Millisecond}
	start := time.Now()
	err := w.Await(context.Background(), "127.0.0.1", port, 5*time.Second, func() error { return stop })
	require.ErrorIs(t, err, stop)
	assert.Less(t, time.Since(start), time.Second)
}

func TestHealthCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	h := NewHealthProber("", nil)
	assert.True(t, h.Check(context.Background(), srv.URL))

	h.Path = "/missing"
	assert.False(t, h.Check(context.Background(), srv.URL))
}

func TestHealthCheckNon200IsUnhealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()
	assert.False(t, NewHealthProber("/health", nil).Check(context.Background(), srv.URL))
}

func TestHealthAwaitBecomesHealthy(t *testing.T) {
	var n atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if n.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	h := NewHealthProber("/health", nil)
	require.NoError(t, h.Await(context.Background(), srv.URL, 10*time.Millisecond, 2*time.Second, nil))
	assert.GreaterOrEqual(t, n.Load(), int32(3))
}

func TestHealthAwaitTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()
	h := NewHealthProber("/health", nil)
	err := h.Await(context.Background(), srv.URL, 10*time.Millisecond, 100*time.Millisecond, nil)
	require.ErrorIs(t, err, retry.ErrTimeout)
	assert.Contains(t, err.Error(), "500")
}

func TestHealthURL(t *testing.T) {
	h := &HealthProber{Path: "status"}
	assert.Equal(t, "http://127.0.0.1:5000/status", h.URL("http://127.0.0.1:5000/"))
}

func itoa(i int) string { return strconv.Itoa(i) }
