// Package history exports service lifecycle events to external stores.
package history

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStart   EventType = "start"   // reached running
	EventFailure EventType = "failure" // start attempt failed
	EventStop    EventType = "stop"    // stopped on request
	EventExit    EventType = "exit"    // died while running
)

// Record is the service snapshot attached to an event.
type Record struct {
	Name         string    `json:"name"`
	PID          int       `json:"pid"`
	Port         int       `json:"port"`
	URL          string    `json:"url,omitempty"`
	Phase        string    `json:"phase"`
	Status       string    `json:"status"`
	Error        string    `json:"error,omitempty"`
	ErrorKind    string    `json:"error_kind,omitempty"`
	RestartCount int       `json:"restart_count"`
	StartedAt    time.Time `json:"started_at,omitempty"`
}

// Event represents a lifecycle event to be exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     Record    `json:"record"`
}

// Sink is a destination for history events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Reader is implemented by sinks that can answer queries.
type Reader interface {
	Recent(ctx context.Context, name string, limit int) ([]Event, error)
}

// DefaultSendTimeout bounds one Send call.
const DefaultSendTimeout = 5 * time.Second

// Recorder fans events out to sinks. Sink errors are logged and never
// propagate to the caller.
type Recorder struct {
	mu      sync.RWMutex
	sinks   []Sink
	logger  *slog.Logger
	timeout time.Duration
	wg      sync.WaitGroup
	async   bool
}

// NewRecorder creates a recorder. When async is true, Record returns
// immediately and Flush waits for pending sends.
func NewRecorder(logger *slog.Logger, async bool, sinks ...Sink) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		sinks:   append([]Sink(nil), sinks...),
		logger:  logger.With("component", "history"),
		timeout: DefaultSendTimeout,
		async:   async,
	}
}

// SetSinks replaces the configured sinks.
func (r *Recorder) SetSinks(sinks ...Sink) {
	r.mu.Lock()
	r.sinks = append([]Sink(nil), sinks...)
	r.mu.Unlock()
}

// Sinks returns a copy of the configured sinks.
func (r *Recorder) Sinks() []Sink {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Sink(nil), r.sinks...)
}

// Record sends e to every sink.
func (r *Recorder) Record(e Event) {
	if r == nil {
		return
	}
	sinks := r.Sinks()
	if len(sinks) == 0 {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	send := func() {
		for _, s := range sinks {
			ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
			if err := s.Send(ctx, e); err != nil {
				r.logger.Warn("history sink send failed", "type", e.Type, "error", err)
			}
			cancel()
		}
	}
	if !r.async {
		send()
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		send()
	}()
}

// Flush waits for asynchronous sends to finish.
func (r *Recorder) Flush() {
	if r != nil {
		r.wg.Wait()
	}
}

// Recent queries the first sink that implements Reader.
func (r *Recorder) Recent(ctx context.Context, name string, limit int) ([]Event, bool, error) {
	for _, s := range r.Sinks() {
		if rd, ok := s.(Reader); ok {
			evs, err := rd.Recent(ctx, name, limit)
			return evs, true, err
		}
	}
	return nil, false, nil
}
