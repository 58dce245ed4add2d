package supervisor

import (
	"errors"
	"strings"
)

// Kind classifies supervisor failures.
type Kind string

const (
	KindConfig         Kind = "config"
	KindPortExhausted  Kind = "port_exhausted"
	KindSpawn          Kind = "spawn"
	KindScriptExit     Kind = "script_exit"
	KindListenTimeout  Kind = "listen_timeout"
	KindHealthTimeout  Kind = "health_timeout"
	KindAlreadyRunning Kind = "already_running"
	KindMaxRestarts    Kind = "max_restarts"
	KindStopFailed     Kind = "stop_failed"
	KindInvalidConfig  Kind = "invalid_config"
	KindUnexpectedExit Kind = "unexpected_exit"
)

// Error is the typed failure carried in a Result.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Hint string
	Err  error
}

func newError(kind Kind, op, msg string, err error) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg, Err: err}
}

func (e *Error) withHint(h string) *Error {
	e.Hint = h
	return e
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Msg)
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// IsKind reports whether err is a supervisor *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var se *Error
	return errors.As(err, &se) && se.Kind == kind
}

// KindOf returns the kind of err, or "" when it is not a supervisor error.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}
