package client

import "time"

// ProcessInfo mirrors GET /status.
type ProcessInfo struct {
	Status       string     `json:"status"`
	PID          int        `json:"pid,omitempty"`
	Uptime       int64      `json:"uptime"`
	StartTime    *time.Time `json:"start_time,omitempty"`
	URL          string     `json:"url,omitempty"`
	RestartCount int        `json:"restart_count"`
	Phase        string     `json:"phase"`
	Port         int        `json:"port"`
	Message      string     `json:"message,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
	ErrorKind    string     `json:"error_kind,omitempty"`
}

// ServiceConfig mirrors GET /config.
type ServiceConfig struct {
	Host string            `json:"host"`
	Port int               `json:"port"`
	Args []string          `json:"args,omitempty"`
	Env  map[string]string `json:"env,omitempty"`
}

// ConfigUpdate is the body of PUT /config. Nil fields are left unchanged;
// an empty Env value removes that variable.
type ConfigUpdate struct {
	Host *string           `json:"host,omitempty"`
	Port *int              `json:"port,omitempty"`
	Args []string          `json:"args,omitempty"`
	Env  map[string]string `json:"env,omitempty"`
}

// Result is returned by start, stop, restart and config updates.
type Result struct {
	OK      bool       `json:"ok"`
	URL     string     `json:"url,omitempty"`
	Port    int        `json:"port,omitempty"`
	PID     int        `json:"pid,omitempty"`
	Message string     `json:"message,omitempty"`
	Error   *ErrorInfo `json:"error,omitempty"`
}

// ErrorInfo is the typed failure attached to a Result.
type ErrorInfo struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Hint    string `json:"hint,omitempty"`
}

// HistoryEvent mirrors one entry of GET /history.
type HistoryEvent struct {
	Type       string    `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     struct {
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
	} `json:"record"`
}

// Usage mirrors GET /resources.
type Usage struct {
	PID        int32     `json:"pid"`
	Processes  int       `json:"processes"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryRSS  uint64    `json:"memory_rss"`
	MemoryMB   float64   `json:"memory_mb"`
	NumThreads int32     `json:"num_threads"`
	Timestamp  time.Time `json:"timestamp"`
}

// Token is returned by Login.
type Token struct {
	Type      string    `json:"type"`
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expires_at"`
}

type loginResponse struct {
	Success bool   `json:"success"`
	Token   *Token `json:"token,omitempty"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
