package process

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// PIDRecord is what the supervisor leaves behind for a running child so that a
// later run can tell whether the pid still belongs to it.
type PIDRecord struct {
	PID       int   `json:"-"`
	StartUnix int64 `json:"start_unix"`
	Port      int   `json:"port,omitempty"`
}

// WritePIDFile writes the pid on the first line and a JSON metadata line after it.
func WritePIDFile(path string, rec PIDRecord) error {
	if path == "" || rec.PID <= 0 {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	if rec.StartUnix == 0 {
		rec.StartUnix = StartUnix(rec.PID)
	}
	meta, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	data := strconv.Itoa(rec.PID) + "\n" + string(meta) + "\n"
	return os.WriteFile(path, []byte(data), 0o600)
}

// ReadPIDFile parses a file written by WritePIDFile. A file holding only a pid
// is accepted with empty metadata.
func ReadPIDFile(path string) (PIDRecord, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return PIDRecord{}, err
	}
	first, rest, _ := strings.Cut(strings.ReplaceAll(string(b), "\r\n", "\n"), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(first))
	if err != nil || pid <= 0 {
		return PIDRecord{}, fmt.Errorf("invalid pid in %s: %q", path, strings.TrimSpace(first))
	}
	rec := PIDRecord{}
	if rest = strings.TrimSpace(rest); rest != "" {
		_ = json.Unmarshal([]byte(rest), &rec)
	}
	rec.PID = pid
	return rec, nil
}

// RemovePIDFile deletes path, ignoring a missing file.
func RemovePIDFile(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Owned reports whether rec still describes a live process. When a start
// time was recorded it must match, which rules out pid reuse.
func (rec PIDRecord) Owned() bool {
	if !Alive(rec.PID) {
		return false
	}
	if rec.StartUnix > 0 {
		if cur := StartUnix(rec.PID); cur > 0 && cur != rec.StartUnix {
			return false
		}
	}
	return true
}
