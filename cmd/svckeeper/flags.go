package main

import "time"

// GlobalFlags are persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
	API        APIFlags
}

// APIFlags select and authenticate against a running daemon.
type APIFlags struct {
	URL      string
	Timeout  time.Duration
	Username string
	Password string
	Token    string
	Insecure bool
	CACert   string
}

type ServeFlags struct {
	ConfigPath string
	// Start starts the service right after the daemon is up.
	Start bool
	// ShutdownTimeout bounds the graceful stop of the control API.
	ShutdownTimeout time.Duration
}

type HistoryFlags struct {
	Limit int
}

type UpdateConfigFlags struct {
	Host  string
	Port  int
	Args  []string
	Env   []string
	Unset []string
}

type RunScriptFlags struct {
	ConfigPath string
}
