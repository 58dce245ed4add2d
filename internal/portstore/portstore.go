// Package portstore persists the last port the service started on.
package portstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/loykin/svckeeper/internal/fsutil"
)

// FileName is the record's name inside the state directory.
const FileName = "port.json"

// Record is the persisted shape.
type Record struct {
	LastSuccessfulPort int       `json:"lastSuccessfulPort"`
	SavedAt            time.Time `json:"savedAt"`
}

// Store reads and writes a Record at Path.
type Store struct {
	Path string
	mu   sync.Mutex
	now  func() time.Time
}

func New(path string) *Store {
	return &Store{Path: path, now: time.Now}
}

// Load returns the saved record. A missing file is not an error and yields
// the zero Record.
func (s *Store) Load() (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := os.ReadFile(s.Path)
	if errors.Is(err, os.ErrNotExist) {
		return Record{}, nil
	}
	if err != nil {
		return Record{}, fmt.Errorf("read port record: %w", err)
	}
	var r Record
	if err := json.Unmarshal(b, &r); err != nil {
		return Record{}, fmt.Errorf("decode port record %s: %w", s.Path, err)
	}
	if r.LastSuccessfulPort < 0 || r.LastSuccessfulPort > 65535 {
		return Record{}, fmt.Errorf("port record %s: port %d out of range", s.Path, r.LastSuccessfulPort)
	}
	return r, nil
}

// Save records port as the last one that worked.
func (s *Store) Save(port int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now
	if s.now != nil {
		now = s.now
	}
	b, err := json.MarshalIndent(Record{LastSuccessfulPort: port, SavedAt: now().UTC()}, "", "  ")
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(s.Path, b, 0o600)
}
