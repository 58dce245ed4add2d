package supervisor

import (
	"fmt"
	"strings"
	"time"
)

// Phase is one discrete stage of the start sequence.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseCheckingPort
	PhaseSpawning
	PhaseWaitingListening
	PhaseHealthCheck
	PhaseRunning
	PhaseError
)

var phaseNames = [...]string{"idle", "checking_port", "spawning", "waiting_listening", "health_check", "running", "error"}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return fmt.Sprintf("phase(%d)", int(p))
	}
	return phaseNames[p]
}

func (p Phase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Phase) UnmarshalText(b []byte) error {
	s := strings.ToLower(strings.TrimSpace(string(b)))
	for i, n := range phaseNames {
		if n == s {
			*p = Phase(i)
			return nil
		}
	}
	return fmt.Errorf("unknown phase %q", s)
}

// Status is the coarse lifecycle state reported to callers.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusError    Status = "error"
)

// ProcessInfo is a status snapshot, derived on demand.
type ProcessInfo struct {
	Status       Status     `json:"status"`
	PID          int        `json:"pid,omitempty"`
	Uptime       int64      `json:"uptime"` // seconds
	StartTime    *time.Time `json:"start_time,omitempty"`
	URL          string     `json:"url,omitempty"`
	RestartCount int        `json:"restart_count"`
	Phase        Phase      `json:"phase"`
	Port         int        `json:"port"`
	Message      string     `json:"message,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
	ErrorKind    Kind       `json:"error_kind,omitempty"`
}

// ServiceConfig is what the service is started with.
type ServiceConfig struct {
	Host string            `json:"host"`
	Port int               `json:"port"`
	Args []string          `json:"args,omitempty"`
	Env  map[string]string `json:"env,omitempty"`
}

// Validate rejects configurations the service cannot be started with.
func (c ServiceConfig) Validate() error {
	if strings.TrimSpace(c.Host) == "" {
		return fmt.Errorf("host must not be empty")
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range 1-65535", c.Port)
	}
	for k := range c.Env {
		if k == "" || strings.ContainsAny(k, "=\x00") {
			return fmt.Errorf("invalid environment variable name %q", k)
		}
	}
	return nil
}

func (c ServiceConfig) clone() ServiceConfig {
	out := c
	out.Args = append([]string(nil), c.Args...)
	if c.Env != nil {
		out.Env = make(map[string]string, len(c.Env))
		for k, v := range c.Env {
			out.Env[k] = v
		}
	}
	return out
}

// ConfigUpdate changes selected ServiceConfig fields; nil fields are kept.
type ConfigUpdate struct {
	Host *string           `json:"host,omitempty"`
	Port *int              `json:"port,omitempty"`
	Args []string          `json:"args,omitempty"`
	Env  map[string]string `json:"env,omitempty"`
}

func (u ConfigUpdate) apply(c ServiceConfig) ServiceConfig {
	out := c.clone()
	if u.Host != nil {
		out.Host = strings.TrimSpace(*u.Host)
	}
	if u.Port != nil {
		out.Port = *u.Port
	}
	if u.Args != nil {
		out.Args = append([]string(nil), u.Args...)
	}
	if u.Env != nil {
		if out.Env == nil {
			out.Env = make(map[string]string, len(u.Env))
		}
		for k, v := range u.Env {
			if v == "" {
				delete(out.Env, k)
				continue
			}
			out.Env[k] = v
		}
	}
	return out
}

// Result is returned by every public operation instead of a bare error.
type Result struct {
	OK      bool   `json:"ok"`
	URL     string `json:"url,omitempty"`
	Port    int    `json:"port,omitempty"`
	PID     int    `json:"pid,omitempty"`
	Message string `json:"message,omitempty"`
	Err     *Error `json:"-"`
}

// Event is pushed to observers on every phase change and status change.
type Event struct {
	Time     time.Time   `json:"time"`
	Phase    Phase       `json:"phase"`
	Previous Phase       `json:"previous"`
	Message  string      `json:"message"`
	Info     ProcessInfo `json:"info"`
}

// VersionProvider supplies the directory of the installed version to run.
type VersionProvider interface {
	ActiveVersionDir() (string, error)
}

// StaticVersion is a VersionProvider backed by a fixed directory.
type StaticVersion string

func (v StaticVersion) ActiveVersionDir() (string, error) {
	if strings.TrimSpace(string(v)) == "" {
		return "", fmt.Errorf("no active version installed")
	}
	return string(v), nil
}
