package supervisor

import (
	"context"
	"log/slog"
	"time"

	"github.com/loykin/svckeeper/internal/env"
	"github.com/loykin/svckeeper/internal/history"
	"github.com/loykin/svckeeper/internal/logger"
	"github.com/loykin/svckeeper/internal/probe"
	"github.com/loykin/svckeeper/internal/process"
	"github.com/loykin/svckeeper/internal/script"
)

// Defaults for Options.
const (
	DefaultName            = "service"
	DefaultHost            = "127.0.0.1"
	DefaultPort            = 5000
	DefaultConfigFile      = "appsettings.json"
	DefaultStartTimeout    = 60 * time.Second
	DefaultStopGrace       = 10 * time.Second
	DefaultStopPoll        = 100 * time.Millisecond
	DefaultKillWait        = 2 * time.Second
	DefaultRestartDelay    = time.Second
	DefaultMaxRestarts     = 3
	DefaultMaxPortAttempts = 100
	PIDFileName            = "service.pid"
)

// ListenWaiter blocks until host:port accepts TCP connections.
type ListenWaiter interface {
	Await(ctx context.Context, host string, port int, timeout time.Duration, guard func() error) error
}

// HealthWaiter blocks until the health endpoint under baseURL answers 200.
type HealthWaiter interface {
	Await(ctx context.Context, baseURL string, interval, timeout time.Duration, guard func() error) error
}

// Options configure a Supervisor. Zero values take the defaults above;
// nil collaborators are replaced with the real implementations.
type Options struct {
	Name     string
	Service  ServiceConfig
	Versions VersionProvider
	// ScriptPath is the startup script, relative to the active version
	// directory unless absolute.
	ScriptPath string
	// ConfigFile is the service's JSON config, relative to the version
	// directory unless absolute.
	ConfigFile string
	URLField   string
	HealthPath string
	// StateDir holds port.json and service.pid. Empty disables both.
	StateDir string

	StartTimeout    time.Duration // from spawn until healthy
	ListenInterval  time.Duration
	DialTimeout     time.Duration
	HealthInterval  time.Duration
	HealthTimeout   time.Duration // per request
	StopGrace       time.Duration
	StopPoll        time.Duration
	KillWait        time.Duration
	RestartDelay    time.Duration
	MaxRestarts     int
	MaxPortAttempts int

	Logger       *slog.Logger
	LogFiles     logger.FileConfig
	MirrorOutput bool
	Env          *env.Env
	History      *history.Recorder

	Ports      probe.PortChecker
	Listener   ListenWaiter
	Health     HealthWaiter
	Terminator process.Terminator
	Invoker    *script.Invoker
}

func durOr(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func intOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func (o Options) withDefaults() Options {
	if o.Name == "" {
		o.Name = DefaultName
	}
	if o.Service.Host == "" {
		o.Service.Host = DefaultHost
	}
	if o.Service.Port == 0 {
		o.Service.Port = DefaultPort
	}
	if o.ConfigFile == "" {
		o.ConfigFile = DefaultConfigFile
	}
	if o.HealthPath == "" {
		o.HealthPath = probe.DefaultHealthPath
	}
	o.StartTimeout = durOr(o.StartTimeout, DefaultStartTimeout)
	o.ListenInterval = durOr(o.ListenInterval, probe.DefaultListenInterval)
	o.DialTimeout = durOr(o.DialTimeout, probe.DefaultDialTimeout)
	o.HealthInterval = durOr(o.HealthInterval, probe.DefaultHealthInterval)
	o.HealthTimeout = durOr(o.HealthTimeout, probe.DefaultHealthTimeout)
	o.StopGrace = durOr(o.StopGrace, DefaultStopGrace)
	o.StopPoll = durOr(o.StopPoll, DefaultStopPoll)
	o.KillWait = durOr(o.KillWait, DefaultKillWait)
	o.RestartDelay = durOr(o.RestartDelay, DefaultRestartDelay)
	o.MaxRestarts = intOr(o.MaxRestarts, DefaultMaxRestarts)
	o.MaxPortAttempts = intOr(o.MaxPortAttempts, DefaultMaxPortAttempts)

	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Env == nil {
		o.Env = env.New()
	}
	if o.Ports == nil {
		o.Ports = probe.NewPortProber(o.Logger)
	}
	if o.Listener == nil {
		w := probe.NewListenWatcher(o.Logger)
		w.Interval = o.ListenInterval
		w.DialTimeout = o.DialTimeout
		o.Listener = w
	}
	if o.Health == nil {
		h := probe.NewHealthProber(o.HealthPath, o.Logger)
		h.Client.Timeout = o.HealthTimeout
		o.Health = h
	}
	if o.Terminator == nil {
		o.Terminator = process.NewTerminator()
	}
	if o.Invoker == nil {
		o.Invoker = script.NewInvoker(o.Logger)
	}
	return o
}
