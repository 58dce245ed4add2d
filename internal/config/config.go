// Package config loads svckeeper's TOML configuration with viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/svckeeper/internal/auth"
	"github.com/loykin/svckeeper/internal/env"
	"github.com/loykin/svckeeper/internal/logger"
	"github.com/loykin/svckeeper/internal/script"
	ktls "github.com/loykin/svckeeper/internal/tls"
)

// EnvPrefix is the prefix of environment variables that override file values,
// e.g. SVCKEEPER_SERVICE_PORT=5100.
const EnvPrefix = "SVCKEEPER"

type Config struct {
	// StateDir holds port.json and service.pid.
	StateDir string         `toml:"state_dir" mapstructure:"state_dir"`
	Service  ServiceConfig  `toml:"service" mapstructure:"service"`
	Timeouts TimeoutsConfig `toml:"timeouts" mapstructure:"timeouts"`
	Limits   LimitsConfig   `toml:"limits" mapstructure:"limits"`
	Log      logger.Config  `toml:"log" mapstructure:"log"`
	History  HistoryConfig  `toml:"history" mapstructure:"history"`
	Metrics  MetricsConfig  `toml:"metrics" mapstructure:"metrics"`
	Server   ServerConfig   `toml:"server" mapstructure:"server"`
	Env      []string       `toml:"env" mapstructure:"env"`
	EnvFiles []string       `toml:"env_files" mapstructure:"env_files"`
	UseOSEnv bool           `toml:"use_os_env" mapstructure:"use_os_env"`
}

type ServiceConfig struct {
	Name string   `toml:"name" mapstructure:"name"`
	Host string   `toml:"host" mapstructure:"host"`
	Port int      `toml:"port" mapstructure:"port"`
	Args []string `toml:"args" mapstructure:"args"`
	// Env is a KEY=VALUE list passed to the service on top of the global env.
	Env        []string `toml:"env" mapstructure:"env"`
	Script     string   `toml:"script" mapstructure:"script"`
	VersionDir string   `toml:"version_dir" mapstructure:"version_dir"`
	ConfigFile string   `toml:"config_file" mapstructure:"config_file"`
	URLField   string   `toml:"url_field" mapstructure:"url_field"`
	HealthPath string   `toml:"health_path" mapstructure:"health_path"`
	// RequireResultFile treats a clean script exit without a result file as failure.
	RequireResultFile bool `toml:"require_result_file" mapstructure:"require_result_file"`
}

type TimeoutsConfig struct {
	Start          time.Duration `toml:"start" mapstructure:"start"`
	ListenInterval time.Duration `toml:"listen_interval" mapstructure:"listen_interval"`
	Dial           time.Duration `toml:"dial" mapstructure:"dial"`
	HealthInterval time.Duration `toml:"health_interval" mapstructure:"health_interval"`
	HealthRequest  time.Duration `toml:"health_request" mapstructure:"health_request"`
	StopGrace      time.Duration `toml:"stop_grace" mapstructure:"stop_grace"`
	StopPoll       time.Duration `toml:"stop_poll" mapstructure:"stop_poll"`
	KillWait       time.Duration `toml:"kill_wait" mapstructure:"kill_wait"`
	RestartDelay   time.Duration `toml:"restart_delay" mapstructure:"restart_delay"`
	Script         time.Duration `toml:"script" mapstructure:"script"`
	Settle         time.Duration `toml:"settle" mapstructure:"settle"`
}

type LimitsConfig struct {
	MaxRestarts     int `toml:"max_restarts" mapstructure:"max_restarts"`
	MaxPortAttempts int `toml:"max_port_attempts" mapstructure:"max_port_attempts"`
}

// HistoryConfig selects lifecycle event sinks by DSN.
type HistoryConfig struct {
	Enabled bool     `toml:"enabled" mapstructure:"enabled"`
	Async   bool     `toml:"async" mapstructure:"async"`
	Sinks   []string `toml:"sinks" mapstructure:"sinks"`
}

type MetricsConfig struct {
	Enabled bool   `toml:"enabled" mapstructure:"enabled"`
	Path    string `toml:"path" mapstructure:"path"`
}

type ServerConfig struct {
	Enabled  bool        `toml:"enabled" mapstructure:"enabled"`
	Listen   string      `toml:"listen" mapstructure:"listen"`
	BasePath string      `toml:"base_path" mapstructure:"base_path"`
	TLS      ktls.Config `toml:"tls" mapstructure:"tls"`
	Auth     auth.Config `toml:"auth" mapstructure:"auth"`
}

// Default returns a Config holding every built-in default.
func Default() Config {
	return Config{
		StateDir: ".svckeeper",
		UseOSEnv: true,
		Service: ServiceConfig{
			Name:       "service",
			Host:       "127.0.0.1",
			Port:       5000,
			Script:     "start.sh",
			ConfigFile: "appsettings.json",
			URLField:   "url",
			HealthPath: "/health",
		},
		Timeouts: TimeoutsConfig{
			Start:          60 * time.Second,
			ListenInterval: 5 * time.Second,
			Dial:           5 * time.Second,
			HealthInterval: time.Second,
			HealthRequest:  5 * time.Second,
			StopGrace:      10 * time.Second,
			StopPoll:       100 * time.Millisecond,
			KillWait:       2 * time.Second,
			RestartDelay:   time.Second,
			Script:         script.ServiceStartTimeout,
			Settle:         500 * time.Millisecond,
		},
		Limits: LimitsConfig{MaxRestarts: 3, MaxPortAttempts: 100},
		Log: logger.Config{
			Slog: logger.SlogConfig{Level: logger.LevelInfo, Format: logger.FormatText, Color: true, TimeStamps: true},
			File: logger.FileConfig{
				MaxSizeMB:  logger.DefaultMaxSizeMB,
				MaxBackups: logger.DefaultMaxBackups,
				MaxAgeDays: logger.DefaultMaxAgeDays,
			},
		},
		Metrics: MetricsConfig{Path: "/metrics"},
		Server: ServerConfig{
			Listen:   "127.0.0.1:8642",
			BasePath: "/api",
			Auth:     auth.Config{TokenTTL: auth.DefaultTokenTTL},
		},
	}
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("state_dir", d.StateDir)
	v.SetDefault("use_os_env", d.UseOSEnv)

	v.SetDefault("service.name", d.Service.Name)
	v.SetDefault("service.host", d.Service.Host)
	v.SetDefault("service.port", d.Service.Port)
	v.SetDefault("service.script", d.Service.Script)
	v.SetDefault("service.version_dir", d.Service.VersionDir)
	v.SetDefault("service.config_file", d.Service.ConfigFile)
	v.SetDefault("service.url_field", d.Service.URLField)
	v.SetDefault("service.health_path", d.Service.HealthPath)
	v.SetDefault("service.require_result_file", d.Service.RequireResultFile)

	v.SetDefault("timeouts.start", d.Timeouts.Start)
	v.SetDefault("timeouts.listen_interval", d.Timeouts.ListenInterval)
	v.SetDefault("timeouts.dial", d.Timeouts.Dial)
	v.SetDefault("timeouts.health_interval", d.Timeouts.HealthInterval)
	v.SetDefault("timeouts.health_request", d.Timeouts.HealthRequest)
	v.SetDefault("timeouts.stop_grace", d.Timeouts.StopGrace)
	v.SetDefault("timeouts.stop_poll", d.Timeouts.StopPoll)
	v.SetDefault("timeouts.kill_wait", d.Timeouts.KillWait)
	v.SetDefault("timeouts.restart_delay", d.Timeouts.RestartDelay)
	v.SetDefault("timeouts.script", d.Timeouts.Script)
	v.SetDefault("timeouts.settle", d.Timeouts.Settle)

	v.SetDefault("limits.max_restarts", d.Limits.MaxRestarts)
	v.SetDefault("limits.max_port_attempts", d.Limits.MaxPortAttempts)

	v.SetDefault("log.slog.level", d.Log.Slog.Level)
	v.SetDefault("log.slog.format", d.Log.Slog.Format)
	v.SetDefault("log.slog.color", d.Log.Slog.Color)
	v.SetDefault("log.slog.timestamps", d.Log.Slog.TimeStamps)
	v.SetDefault("log.slog.source", d.Log.Slog.Source)
	v.SetDefault("log.slog.file", d.Log.Slog.File)
	v.SetDefault("log.file.dir", d.Log.File.Dir)
	v.SetDefault("log.file.max_size_mb", d.Log.File.MaxSizeMB)
	v.SetDefault("log.file.max_backups", d.Log.File.MaxBackups)
	v.SetDefault("log.file.max_age_days", d.Log.File.MaxAgeDays)
	v.SetDefault("log.file.compress", d.Log.File.Compress)
	v.SetDefault("log.mirror", d.Log.Mirror)

	v.SetDefault("history.enabled", d.History.Enabled)
	v.SetDefault("history.async", d.History.Async)

	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.path", d.Metrics.Path)

	v.SetDefault("server.enabled", d.Server.Enabled)
	v.SetDefault("server.listen", d.Server.Listen)
	v.SetDefault("server.base_path", d.Server.BasePath)
	v.SetDefault("server.tls.enabled", d.Server.TLS.Enabled)
	v.SetDefault("server.auth.enabled", d.Server.Auth.Enabled)
	v.SetDefault("server.auth.token_ttl", d.Server.Auth.TokenTTL)
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("toml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, Default())
	return v
}

// Load reads path (TOML) over the defaults, applies SVCKEEPER_* environment
// overrides and validates the result. An empty path yields defaults plus env.
func Load(path string) (*Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate rejects values the supervisor cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Service.Name) == "" {
		errs = append(errs, errors.New("service.name must not be empty"))
	}
	if strings.TrimSpace(c.Service.Host) == "" {
		errs = append(errs, errors.New("service.host must not be empty"))
	}
	if c.Service.Port < 1 || c.Service.Port > 65535 {
		errs = append(errs, fmt.Errorf("service.port %d out of range 1-65535", c.Service.Port))
	}
	if _, err := parsePairs(c.Service.Env); err != nil {
		errs = append(errs, fmt.Errorf("service.env: %w", err))
	}
	if _, err := parsePairs(c.Env); err != nil {
		errs = append(errs, fmt.Errorf("env: %w", err))
	}
	for name, d := range map[string]time.Duration{
		"start":           c.Timeouts.Start,
		"listen_interval": c.Timeouts.ListenInterval,
		"dial":            c.Timeouts.Dial,
		"health_interval": c.Timeouts.HealthInterval,
		"health_request":  c.Timeouts.HealthRequest,
		"stop_grace":      c.Timeouts.StopGrace,
		"stop_poll":       c.Timeouts.StopPoll,
		"kill_wait":       c.Timeouts.KillWait,
		"restart_delay":   c.Timeouts.RestartDelay,
		"script":          c.Timeouts.Script,
		"settle":          c.Timeouts.Settle,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("timeouts.%s must not be negative", name))
		}
	}
	if c.Limits.MaxRestarts < 0 {
		errs = append(errs, errors.New("limits.max_restarts must not be negative"))
	}
	if c.Limits.MaxPortAttempts < 0 {
		errs = append(errs, errors.New("limits.max_port_attempts must not be negative"))
	}
	if c.Server.Enabled && strings.TrimSpace(c.Server.Listen) == "" {
		errs = append(errs, errors.New("server.listen is required when the server is enabled"))
	}
	if c.Server.Auth.Enabled && len(c.Server.Auth.Users) == 0 {
		errs = append(errs, errors.New("server.auth.users must not be empty when auth is enabled"))
	}
	if c.History.Enabled && len(c.History.Sinks) == 0 {
		errs = append(errs, errors.New("history.sinks must list at least one DSN when history is enabled"))
	}
	return errors.Join(errs...)
}

// ServiceEnv returns service.env as a map.
func (c *Config) ServiceEnv() map[string]string {
	m, _ := parsePairs(c.Service.Env)
	return m
}

// BuildEnv composes the global environment: the OS environment when
// use_os_env is set, then env_files in order, then the env list.
func (c *Config) BuildEnv() (*env.Env, error) {
	e := env.New()
	if c.UseOSEnv {
		e.FromOS()
	} else {
		e.WithBase(nil)
	}
	for _, p := range c.EnvFiles {
		if err := e.LoadFile(p); err != nil {
			return nil, err
		}
	}
	pairs, err := parsePairs(c.Env)
	if err != nil {
		return nil, err
	}
	for k, v := range pairs {
		e.Set(k, v)
	}
	return e, nil
}

func parsePairs(kv []string) (map[string]string, error) {
	m := make(map[string]string, len(kv))
	for _, p := range kv {
		k, v, ok := strings.Cut(p, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("expected KEY=VALUE, got %q", p)
		}
		m[k] = v
	}
	return m, nil
}

// WriteDefault writes an annotated default config to path unless it exists.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	return os.WriteFile(path, []byte(sampleTOML), 0o600)
}

const sampleTOML = `# svckeeper configuration
state_dir = ".svckeeper"
use_os_env = true

[service]
name = "service"
host = "127.0.0.1"
port = 5000
script = "start.sh"
version_dir = "versions/current"
config_file = "appsettings.json"
url_field = "url"
health_path = "/health"
# env = ["ASPNETCORE_ENVIRONMENT=Production"]

[timeouts]
start = "60s"
stop_grace = "10s"
restart_delay = "1s"
script = "30s"

[limits]
max_restarts = 3
max_port_attempts = 100

[log.slog]
level = "info"
format = "text"
color = true

[log.file]
dir = "logs"

[history]
enabled = false
sinks = ["sqlite://.svckeeper/history.db"]

[metrics]
enabled = false

[server]
enabled = true
listen = "127.0.0.1:8642"

# [server.tls]
# enabled = true
# dir = ".svckeeper/tls"
# auto_generate = true

# [server.auth]
# enabled = true
# [[server.auth.users]]
# username = "admin"
# password_hash = "<output of svckeeper hash-password>"
# roles = ["admin"]
`
