// Package env composes the environment handed to the service's startup script.
package env

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

type Var map[string]string

// Env layers variables over a base environment.
type Env struct {
	Var  Var // supervisor-wide variables (K->V)
	base Var // cached base, defaults to the OS environment
}

func New() *Env {
	return &Env{Var: make(Var)}
}

// FromOS caches the current process environment as the base.
func (e *Env) FromOS() {
	e.base = parse(os.Environ())
}

// WithBase replaces the base environment (useful for hermetic tests).
func (e *Env) WithBase(kv []string) *Env {
	e.base = parse(kv)
	return e
}

// Set sets a variable K=V.
func (e *Env) Set(k, v string) {
	if e.Var == nil {
		e.Var = make(Var)
	}
	e.Var[k] = v
}

// LoadFile applies KEY=VALUE lines from a dotenv-style file. Blank lines and
// lines starting with # are skipped; an "export " prefix is tolerated.
func (e *Env) LoadFile(path string) error {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("env file: %w", err)
	}
	defer func() { _ = f.Close() }()
	s := bufio.NewScanner(f)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		k, v, ok := strings.Cut(line, "=")
		if !ok || strings.TrimSpace(k) == "" {
			continue
		}
		e.Set(strings.TrimSpace(k), strings.Trim(strings.TrimSpace(v), `"'`))
	}
	return s.Err()
}

// Merge composes the final environment: base, then e.Var, then overrides.
// ${VAR} references are expanded once against the composed map. The result is
// sorted by key so the child sees a stable environment.
func (e *Env) Merge(overrides map[string]string) []string {
	if e.base == nil {
		e.FromOS()
	}
	m := make(Var, len(e.base)+len(e.Var)+len(overrides))
	for k, v := range e.base {
		m[k] = v
	}
	for k, v := range e.Var {
		if k != "" {
			m[k] = v
		}
	}
	for k, v := range overrides {
		if k != "" {
			m[k] = v
		}
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+expand(m[k], m))
	}
	return out
}

func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	res := s
	for k, v := range m {
		res = strings.ReplaceAll(res, "${"+k+"}", v)
	}
	return res
}

func parse(kv []string) Var {
	out := make(Var, len(kv))
	for _, item := range kv {
		k, v, ok := strings.Cut(item, "=")
		if !ok || k == "" {
			continue
		}
		out[k] = v
	}
	return out
}
