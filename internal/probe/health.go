package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/loykin/svckeeper/internal/retry"
)

// Health check defaults.
const (
	DefaultHealthPath     = "/health"
	DefaultHealthTimeout  = 5 * time.Second
	DefaultHealthInterval = time.Second
)

// HealthProber issues HTTP GET requests against the service health endpoint.
type HealthProber struct {
	Client *http.Client
	Path   string
	Logger *slog.Logger
}

// NewHealthProber returns a prober with a 5s request timeout against path.
func NewHealthProber(path string, logger *slog.Logger) *HealthProber {
	if path == "" {
		path = DefaultHealthPath
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthProber{
		Client: &http.Client{
			Timeout: DefaultHealthTimeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		Path:   path,
		Logger: logger.With("component", "health-prober"),
	}
}

// URL joins baseURL with the health path.
func (h *HealthProber) URL(baseURL string) string {
	p := h.Path
	if p == "" {
		p = DefaultHealthPath
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return strings.TrimRight(baseURL, "/") + p
}

// Check performs a single GET; only 200 counts as healthy.
func (h *HealthProber) Check(ctx context.Context, baseURL string) bool {
	return h.check(ctx, baseURL) == nil
}

func (h *HealthProber) check(ctx context.Context, baseURL string) error {
	u := h.URL(baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	client := h.Client
	if client == nil {
		client = &http.Client{Timeout: DefaultHealthTimeout}
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check %s returned status %d", u, resp.StatusCode)
	}
	return nil
}

// Await repeats Check every interval until it succeeds, guard fails, or
// timeout elapses (retry.ErrTimeout, wrapped with the last failure).
func (h *HealthProber) Await(ctx context.Context, baseURL string, interval, timeout time.Duration, guard func() error) error {
	if interval <= 0 {
		interval = DefaultHealthInterval
	}
	var last error
	err := retry.Until(ctx, interval, timeout, func(ctx context.Context) error {
		if guard != nil {
			if gerr := guard(); gerr != nil {
				return retry.Permanent(gerr)
			}
		}
		last = h.check(ctx, baseURL)
		if last != nil && h.Logger != nil {
			h.Logger.Debug("service not healthy yet", "url", h.URL(baseURL), "error", last)
		}
		return last
	})
	if errors.Is(err, retry.ErrTimeout) {
		if last != nil {
			return fmt.Errorf("health check did not pass within %v (last: %v): %w", timeout, last, err)
		}
		return fmt.Errorf("health check did not pass within %v: %w", timeout, err)
	}
	return err
}
