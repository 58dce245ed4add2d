package probe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/loykin/svckeeper/internal/retry"
)

// Default listening-watch cadence.
const (
	DefaultDialTimeout    = 5 * time.Second
	DefaultListenInterval = 5 * time.Second
)

// ListenWatcher polls a TCP connect until the service accepts connections.
type ListenWatcher struct {
	DialTimeout time.Duration
	Interval    time.Duration
	Logger      *slog.Logger
}

// NewListenWatcher returns a watcher with the default 5s dial timeout and 5s pause.
func NewListenWatcher(logger *slog.Logger) *ListenWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &ListenWatcher{
		DialTimeout: DefaultDialTimeout,
		Interval:    DefaultListenInterval,
		Logger:      logger.With("component", "listen-watcher"),
	}
}

// Wait reports whether host:port accepted a connection before timeout.
func (w *ListenWatcher) Wait(ctx context.Context, host string, port int, timeout time.Duration) bool {
	return w.Await(ctx, host, port, timeout, nil) == nil
}

// Await is Wait with a guard evaluated before every attempt; a non-nil guard
// error aborts the wait and is returned as is. It returns retry.ErrTimeout
// when the port never opened.
func (w *ListenWatcher) Await(ctx context.Context, host string, port int, timeout time.Duration, guard func() error) error {
	addr := net.JoinHostPort(DialHost(host), strconv.Itoa(port))
	dialTimeout := w.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = DefaultDialTimeout
	}
	interval := w.Interval
	if interval <= 0 {
		interval = DefaultListenInterval
	}
	attempts := 0
	err := retry.Until(ctx, interval, timeout, func(ctx context.Context) error {
		if guard != nil {
			if gerr := guard(); gerr != nil {
				return retry.Permanent(gerr)
			}
		}
		attempts++
		d := net.Dialer{Timeout: dialTimeout}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			if w.Logger != nil {
				w.Logger.Debug("port not listening yet", "addr", addr, "attempt", attempts, "error", err)
			}
			return err
		}
		_ = conn.Close()
		return nil
	})
	if errors.Is(err, retry.ErrTimeout) {
		return fmt.Errorf("%s not listening after %v: %w", addr, timeout, err)
	}
	return err
}
