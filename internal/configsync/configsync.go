// Package configsync rewrites the URL the service reads at startup in its own
// JSON configuration file.
package configsync

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"

	"github.com/tidwall/gjson"
	"github.com/tidwall/pretty"
	"github.com/tidwall/sjson"

	"github.com/loykin/svckeeper/internal/fsutil"
)

// DefaultURLField is the JSON path holding the service URL.
const DefaultURLField = "url"

// ErrInvalidJSON is returned when the existing file cannot be parsed.
var ErrInvalidJSON = errors.New("config file is not valid JSON")

// URL formats the address the service is told to listen on.
func URL(host string, port int) string {
	return "http://" + net.JoinHostPort(host, strconv.Itoa(port))
}

// Syncer owns one configuration file. Only the URL field is ever modified;
// every other key and the file's formatting are preserved.
type Syncer struct {
	Path     string
	URLField string // gjson/sjson path, e.g. "url" or "Kestrel.Endpoints.Http.Url"
	Logger   *slog.Logger
}

// New returns a Syncer for path with the default URL field.
func New(path string, logger *slog.Logger) *Syncer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{Path: path, URLField: DefaultURLField, Logger: logger.With("component", "config-sync")}
}

func (s *Syncer) field() string {
	if s.URLField == "" {
		return DefaultURLField
	}
	return s.URLField
}

func (s *Syncer) read() ([]byte, bool, error) {
	data, err := os.ReadFile(s.Path)
	if errors.Is(err, os.ErrNotExist) {
		return []byte("{}"), false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read %s: %w", s.Path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return []byte("{}"), true, nil
	}
	if !gjson.ValidBytes(data) {
		return nil, true, fmt.Errorf("%s: %w", s.Path, ErrInvalidJSON)
	}
	return data, true, nil
}

// Sync points the URL field at host:port. Calling it again with the same
// address leaves the file untouched.
func (s *Syncer) Sync(host string, port int) error {
	if s.Path == "" {
		return errors.New("config file path not set")
	}
	data, existed, err := s.read()
	if err != nil {
		return err
	}
	want := URL(host, port)
	cur := gjson.GetBytes(data, s.field())
	if existed && cur.Type == gjson.String && cur.Str == want {
		return nil
	}
	out, err := sjson.SetBytes(data, s.field(), want)
	if err != nil {
		return fmt.Errorf("set %s: %w", s.field(), err)
	}
	if !existed {
		out = pretty.Pretty(out)
	}
	if err := fsutil.WriteFileAtomic(s.Path, out, 0o644); err != nil {
		return err
	}
	if s.Logger != nil {
		s.Logger.Info("service config updated", "path", s.Path, "field", s.field(), "url", want, "previous", cur.String())
	}
	return nil
}

// CurrentURL reads the URL field back from disk. An absent file or field
// yields "" without error.
func (s *Syncer) CurrentURL() (string, error) {
	data, _, err := s.read()
	if err != nil {
		return "", err
	}
	return gjson.GetBytes(data, s.field()).String(), nil
}
