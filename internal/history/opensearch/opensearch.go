// Package opensearch indexes lifecycle events as flat OpenSearch documents.
package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/loykin/svckeeper/internal/history"
)

const requestTimeout = 5 * time.Second

// Sink posts one document per event to <base>/<index>/_doc. Credentials in
// the base URL become basic auth.
type Sink struct {
	client   *http.Client
	docURL   string
	user     string
	password string
}

// document keeps every field top-level so dashboards can filter on it.
type document struct {
	Timestamp    time.Time `json:"@timestamp"`
	Event        string    `json:"event"`
	Service      string    `json:"service"`
	PID          int       `json:"pid,omitempty"`
	Port         int       `json:"port,omitempty"`
	URL          string    `json:"url,omitempty"`
	Phase        string    `json:"phase,omitempty"`
	Status       string    `json:"status,omitempty"`
	RestartCount int       `json:"restart_count"`
	Error        string    `json:"error,omitempty"`
	ErrorKind    string    `json:"error_kind,omitempty"`
	StartedAt    time.Time `json:"started_at,omitempty"`
}

func New(baseURL, index string) *Sink {
	s := &Sink{client: &http.Client{Timeout: requestTimeout}}
	if u, err := url.Parse(baseURL); err == nil && u.User != nil {
		s.user = u.User.Username()
		s.password, _ = u.User.Password()
		u.User = nil
		baseURL = u.String()
	}
	s.docURL = strings.TrimRight(baseURL, "/") + "/" + url.PathEscape(index) + "/_doc"
	return s
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	body, err := json.Marshal(toDocument(e))
	if err != nil {
		return fmt.Errorf("encode %s event: %w", e.Type, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.docURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.user != "" {
		req.SetBasicAuth(s.user, s.password)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("index %s event: %w", e.Type, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode/100 != 2 {
		reason, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("index %s event: %s: %s", e.Type, resp.Status, strings.TrimSpace(string(reason)))
	}
	return nil
}

func toDocument(e history.Event) document {
	r := e.Record
	ts := e.OccurredAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return document{
		Timestamp:    ts,
		Event:        string(e.Type),
		Service:      r.Name,
		PID:          r.PID,
		Port:         r.Port,
		URL:          r.URL,
		Phase:        r.Phase,
		Status:       r.Status,
		RestartCount: r.RestartCount,
		Error:        r.Error,
		ErrorKind:    r.ErrorKind,
		StartedAt:    r.StartedAt,
	}
}
