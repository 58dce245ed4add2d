// Package probe implements the network checks the supervisor relies on:
// port availability, TCP listening, and HTTP health.
package probe

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
)

// ErrNoFreePort is returned by FindFreePort when every candidate is taken.
var ErrNoFreePort = errors.New("no free port found")

// osProbeResult is what a platform connection-table probe can tell us.
type osProbeResult int

const (
	probeInconclusive osProbeResult = iota
	probeInUse
)

// PortChecker reports whether a TCP port can be bound on host.
type PortChecker interface {
	Available(host string, port int) bool
}

// PortProber checks availability with a fast OS probe first and a bind test as
// the authoritative fallback. Only a positive "in use" from the OS probe is
// trusted; everything else is settled by binding.
type PortProber struct {
	Logger *slog.Logger
	// osProbe may be replaced in tests; nil disables the OS probe.
	osProbe func(host string, port int) (osProbeResult, error)
}

// NewPortProber returns a prober using the platform connection-table utility.
func NewPortProber(logger *slog.Logger) *PortProber {
	if logger == nil {
		logger = slog.Default()
	}
	return &PortProber{Logger: logger.With("component", "port-prober"), osProbe: platformProbe}
}

// Available reports whether port is free on host.
func (p *PortProber) Available(host string, port int) bool {
	if port <= 0 || port > 65535 {
		return false
	}
	if p.osProbe != nil {
		res, err := p.osProbe(host, port)
		if err != nil && p.Logger != nil {
			p.Logger.Debug("os port probe inconclusive", "port", port, "error", err)
		}
		if err == nil && res == probeInUse {
			return false
		}
	}
	return bindAvailable(host, port)
}

func bindAvailable(host string, port int) bool {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}

// FindFreePort probes start, start+1, ... for at most attempts ports and
// returns the first available one together with the number of probes made.
func FindFreePort(checker PortChecker, host string, start, attempts int) (int, int, error) {
	if attempts <= 0 {
		attempts = 1
	}
	tried := 0
	for port := start; port <= 65535 && tried < attempts; port++ {
		tried++
		if checker.Available(host, port) {
			return port, tried, nil
		}
	}
	return 0, tried, fmt.Errorf("%w: tried %d ports starting at %d", ErrNoFreePort, tried, start)
}

// DialHost maps wildcard bind addresses to loopback so they can be dialed.
func DialHost(host string) string {
	switch host {
	case "", "0.0.0.0", "::", "[::]":
		return "127.0.0.1"
	}
	return host
}
