// Package svckeeper supervises one long-running service started through a
// versioned startup script: it negotiates a free port, rewrites the
// service's URL config, spawns the script, waits for the port to listen and
// the health endpoint to answer, and keeps the process tree under control
// until it is stopped.
package svckeeper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/loykin/svckeeper/internal/auth"
	"github.com/loykin/svckeeper/internal/config"
	"github.com/loykin/svckeeper/internal/history"
	"github.com/loykin/svckeeper/internal/history/factory"
	"github.com/loykin/svckeeper/internal/metrics"
	"github.com/loykin/svckeeper/internal/script"
	iapi "github.com/loykin/svckeeper/internal/server"
	"github.com/loykin/svckeeper/internal/supervisor"
	ktls "github.com/loykin/svckeeper/internal/tls"
	"github.com/prometheus/client_golang/prometheus"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Config = config.Config

type Result = supervisor.Result

type ProcessInfo = supervisor.ProcessInfo

type ServiceConfig = supervisor.ServiceConfig

type ConfigUpdate = supervisor.ConfigUpdate

type Event = supervisor.Event

type Phase = supervisor.Phase

type Error = supervisor.Error

type Kind = supervisor.Kind

type VersionProvider = supervisor.VersionProvider

type HistorySink = history.Sink

type HistoryEvent = history.Event

type ScriptResult = script.Result

type Usage = metrics.Usage

type AuthUser = auth.User

// Keeper is a thin facade over the internal supervisor, wired from a Config.
type Keeper struct {
	cfg      Config
	log      *slog.Logger
	versions VersionProvider
	sup      *supervisor.Supervisor
	inv      *script.Invoker
	rec      *history.Recorder
	closers  []io.Closer
}

type options struct {
	logger   *slog.Logger
	versions VersionProvider
	sinks    []HistorySink
}

type Option func(*options)

// WithLogger replaces the logger built from Config.Log.
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

// WithVersions overrides service.version_dir with a dynamic provider.
func WithVersions(v VersionProvider) Option { return func(o *options) { o.versions = v } }

// WithHistorySinks adds sinks next to the ones built from history.sinks.
func WithHistorySinks(s ...HistorySink) Option {
	return func(o *options) { o.sinks = append(o.sinks, s...) }
}

func LoadConfig(path string) (*Config, error) { return config.Load(path) }

func DefaultConfig() Config { return config.Default() }

// New builds a Keeper and kills any service a previous run left behind.
func New(c Config, opts ...Option) (*Keeper, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	log := o.logger
	if log == nil {
		log = c.Log.NewSlogger()
	}
	e, err := c.BuildEnv()
	if err != nil {
		return nil, err
	}

	k := &Keeper{cfg: c, log: log, versions: o.versions}
	sinks := append([]HistorySink(nil), o.sinks...)
	if c.History.Enabled {
		for _, dsn := range c.History.Sinks {
			s, err := factory.NewSinkFromDSN(dsn)
			if err != nil {
				_ = k.closeSinks()
				return nil, fmt.Errorf("history sink %q: %w", dsn, err)
			}
			if cl, ok := s.(io.Closer); ok {
				k.closers = append(k.closers, cl)
			}
			sinks = append(sinks, s)
		}
	}
	if len(sinks) > 0 {
		k.rec = history.NewRecorder(log, c.History.Async, sinks...)
	}
	if c.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			_ = k.closeSinks()
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}

	if k.versions == nil {
		k.versions = supervisor.StaticVersion(c.Service.VersionDir)
	}
	k.inv = script.NewInvoker(log)
	k.inv.SettleDelay = c.Timeouts.Settle
	k.inv.RequireResultFile = c.Service.RequireResultFile

	sup, err := supervisor.New(supervisor.Options{
		Name: c.Service.Name,
		Service: supervisor.ServiceConfig{
			Host: c.Service.Host,
			Port: c.Service.Port,
			Args: c.Service.Args,
			Env:  c.ServiceEnv(),
		},
		Versions:        k.versions,
		ScriptPath:      c.Service.Script,
		ConfigFile:      c.Service.ConfigFile,
		URLField:        c.Service.URLField,
		HealthPath:      c.Service.HealthPath,
		StateDir:        c.StateDir,
		StartTimeout:    c.Timeouts.Start,
		ListenInterval:  c.Timeouts.ListenInterval,
		DialTimeout:     c.Timeouts.Dial,
		HealthInterval:  c.Timeouts.HealthInterval,
		HealthTimeout:   c.Timeouts.HealthRequest,
		StopGrace:       c.Timeouts.StopGrace,
		StopPoll:        c.Timeouts.StopPoll,
		KillWait:        c.Timeouts.KillWait,
		RestartDelay:    c.Timeouts.RestartDelay,
		MaxRestarts:     c.Limits.MaxRestarts,
		MaxPortAttempts: c.Limits.MaxPortAttempts,
		Logger:          log,
		LogFiles:        c.Log.File,
		MirrorOutput:    c.Log.Mirror,
		Env:             e,
		History:         k.rec,
		Invoker:         k.inv,
	})
	if err != nil {
		_ = k.closeSinks()
		return nil, err
	}
	k.sup = sup

	if killed, err := sup.CleanupStale(); err != nil {
		log.Warn("stale service cleanup failed", "error", err)
	} else if killed {
		log.Info("stale service from a previous run was stopped")
	}
	return k, nil
}

func (k *Keeper) Start() Result                            { return k.sup.Start() }
func (k *Keeper) Stop() Result                             { return k.sup.Stop() }
func (k *Keeper) Restart() Result                          { return k.sup.Restart() }
func (k *Keeper) Status() ProcessInfo                      { return k.sup.Status() }
func (k *Keeper) ServiceConfig() ServiceConfig             { return k.sup.Config() }
func (k *Keeper) UpdateConfig(u ConfigUpdate) Result       { return k.sup.UpdateConfig(u) }
func (k *Keeper) ResetRestarts()                           { k.sup.ResetRestarts() }
func (k *Keeper) AddObserver(fn func(Event))               { k.sup.AddObserver(fn) }
func (k *Keeper) Resources() (Usage, error)                { return k.sup.Resources() }
func (k *Keeper) Subscribe(buf int) (<-chan Event, func()) { return k.sup.Subscribe(buf) }

// History returns recent lifecycle events from the first queryable sink.
func (k *Keeper) History(ctx context.Context, limit int) ([]HistoryEvent, error) {
	if k.rec == nil {
		return nil, errors.New("history is not enabled")
	}
	evs, ok, err := k.rec.Recent(ctx, k.cfg.Service.Name, limit)
	if !ok {
		return nil, errors.New("no history sink supports queries")
	}
	return evs, err
}

// RunScript runs the active version's startup script to completion, outside
// of supervision, and reports its result.
func (k *Keeper) RunScript(ctx context.Context, args ...string) ScriptResult {
	dir, err := k.versions.ActiveVersionDir()
	if err != nil {
		return ScriptResult{ExitCode: -1, ErrorMessage: err.Error(), Source: script.SourceSpawn}
	}
	path := k.cfg.Service.Script
	if !filepath.IsAbs(path) {
		path = filepath.Join(dir, path)
	}
	env, err := k.cfg.BuildEnv()
	if err != nil {
		return ScriptResult{ExitCode: -1, ErrorMessage: err.Error(), Source: script.SourceSpawn}
	}
	inv := *k.inv
	inv.Env = env.Merge(k.cfg.ServiceEnv())
	return inv.Run(ctx, path, "", k.scriptTimeout(), args...)
}

// scriptTimeout is the hard limit for a one-off startup script run.
func (k *Keeper) scriptTimeout() time.Duration {
	if k.cfg.Timeouts.Script > 0 {
		return k.cfg.Timeouts.Script
	}
	return script.ServiceStartTimeout
}

// Handler returns the control API, configured from the server section.
func (k *Keeper) Handler() (http.Handler, error) {
	var opts []iapi.Option
	if k.cfg.Server.Auth.Enabled {
		svc, err := auth.NewService(k.cfg.Server.Auth)
		if err != nil {
			return nil, err
		}
		opts = append(opts, iapi.WithAuth(svc))
	}
	if k.rec != nil {
		opts = append(opts, iapi.WithHistory(k.rec))
	}
	if k.cfg.Metrics.Enabled {
		opts = append(opts, iapi.WithMetrics(prometheus.DefaultGatherer, k.cfg.Metrics.Path))
	}
	return iapi.NewRouter(k.sup, k.cfg.Server.BasePath, opts...).Handler(), nil
}

// Serve starts the control API on server.listen in the background.
func (k *Keeper) Serve() (*http.Server, error) {
	h, err := k.Handler()
	if err != nil {
		return nil, err
	}
	tc, err := ktls.Setup(k.cfg.Server.TLS)
	if err != nil {
		return nil, fmt.Errorf("control API TLS: %w", err)
	}
	srv, err := iapi.NewServer(k.cfg.Server.Listen, h, tc)
	if err != nil {
		return nil, err
	}
	k.log.Info("control API listening", "addr", srv.Addr, "base_path", k.cfg.Server.BasePath, "tls", tc != nil, "auth", k.cfg.Server.Auth.Enabled)
	return srv, nil
}

// NewHTTPServer starts an HTTP server exposing the control API of k on addr.
func NewHTTPServer(addr, basePath string, k *Keeper) (*http.Server, error) {
	var opts []iapi.Option
	if k.rec != nil {
		opts = append(opts, iapi.WithHistory(k.rec))
	}
	return iapi.NewServer(addr, iapi.NewRouter(k.sup, basePath, opts...).Handler(), nil)
}

// Close stops the service and releases history sinks.
func (k *Keeper) Close() error {
	res := k.sup.Close()
	k.rec.Flush()
	err := k.closeSinks()
	if res.Err != nil {
		return errors.Join(res.Err, err)
	}
	return err
}

func (k *Keeper) closeSinks() error {
	var errs []error
	for _, c := range k.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	k.closers = nil
	return errors.Join(errs...)
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// HashPassword returns a bcrypt hash for server.auth.users.password_hash.
func HashPassword(password string) (string, error) { return auth.HashPassword(password) }
