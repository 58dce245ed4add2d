package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/loykin/svckeeper/pkg/client"
)

func printJSON(w io.Writer, v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	_, _ = fmt.Fprintln(w, string(b))
}

func newAPIClient(f APIFlags) *client.Client {
	cfg := client.Config{
		BaseURL:  f.URL,
		Timeout:  f.Timeout,
		Username: f.Username,
		Password: f.Password,
		Token:    f.Token,
		Insecure: f.Insecure,
	}
	if f.CACert != "" {
		cfg.TLS = &client.TLSClientConfig{Enabled: true, CACert: f.CACert}
	}
	return client.New(cfg)
}

// buildUpdate turns update-config flags into a ConfigUpdate. Unset keys are
// sent as empty values, which removes them.
func buildUpdate(f UpdateConfigFlags) (client.ConfigUpdate, error) {
	var u client.ConfigUpdate
	if f.Host != "" {
		h := f.Host
		u.Host = &h
	}
	if f.Port != 0 {
		p := f.Port
		u.Port = &p
	}
	if len(f.Args) > 0 {
		u.Args = f.Args
	}
	if len(f.Env) > 0 || len(f.Unset) > 0 {
		u.Env = make(map[string]string, len(f.Env)+len(f.Unset))
	}
	for _, kv := range f.Env {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || strings.TrimSpace(k) == "" || v == "" {
			return u, fmt.Errorf("--env %q: want KEY=VALUE with a non-empty value", kv)
		}
		u.Env[strings.TrimSpace(k)] = v
	}
	for _, k := range f.Unset {
		u.Env[k] = ""
	}
	if u.Host == nil && u.Port == nil && u.Args == nil && u.Env == nil {
		return u, fmt.Errorf("nothing to update")
	}
	return u, nil
}
