package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileStore owns the catalogue document. All reads and writes go through it;
// writes are persisted atomically (write-to-temp then rename) so a crash can
// never leave a half-written catalogue behind.
type FileStore struct {
	mu   sync.RWMutex
	path string
	data *Catalog
}

// NewFileStore creates a store for the catalogue at path. Call Load before
// first use.
func NewFileStore(path string) *FileStore {
	return &FileStore{
		path: path,
		data: &Catalog{},
	}
}

// Path returns the catalogue file location.
func (s *FileStore) Path() string {
	return s.path
}

// Load reads and normalises the catalogue. A missing file yields an empty
// catalogue; a malformed one is an error (the file is left untouched).
func (s *FileStore) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		s.data = &Catalog{}
		return nil
	}
	if err != nil {
		return fmt.Errorf("read catalogue: %w", err)
	}

	data := &Catalog{}
	if err := json.Unmarshal(raw, data); err != nil {
		return fmt.Errorf("parse catalogue: %w", err)
	}

	normalize(data)
	s.data = data
	return nil
}

// normalize applies the read-side invariants: job connection lists are
// deduplicated, legacy string-list shapes are already handled by StringList.
func normalize(c *Catalog) {
	for i := range c.Jobs {
		c.Jobs[i].ConnectionIDs = c.Jobs[i].DedupedConnectionIDs()
	}
}

// Save persists the current catalogue atomically.
func (s *FileStore) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistLocked()
}

func (s *FileStore) persistLocked() error {
	raw, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return fmt.Errorf("encode catalogue: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create catalogue directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp catalogue: %w", err)
	}

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write temp catalogue: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close temp catalogue: %w", err)
	}

	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace catalogue: %w", err)
	}
	return nil
}

// Mutate applies fn to the catalogue under the write lock and persists the
// result. When fn errors, nothing is persisted and the error is returned.
func (s *FileStore) Mutate(fn func(c *Catalog) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := fn(s.data); err != nil {
		return err
	}
	normalize(s.data)
	return s.persistLocked()
}

// View runs fn with read access to the live catalogue. fn must not retain or
// mutate what it sees.
func (s *FileStore) View(fn func(c *Catalog)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn(s.data)
}

// Snapshot returns a deep copy of the catalogue.
func (s *FileStore) Snapshot() *Catalog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.Clone()
}

// Settings returns a copy of the operator settings.
func (s *FileStore) Settings() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.Settings.clone()
}

// Jobs returns a copy of every job.
func (s *FileStore) Jobs() []Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Job, 0, len(s.data.Jobs))
	for _, j := range s.data.Jobs {
		out = append(out, j.clone())
	}
	return out
}

// Job returns the job with the given id, or ErrNotFound.
func (s *FileStore) Job(id string) (Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, j := range s.data.Jobs {
		if j.ID == id {
			return j.clone(), nil
		}
	}
	return Job{}, fmt.Errorf("job %q: %w", id, ErrNotFound)
}

// Connections returns a copy of every connection.
func (s *FileStore) Connections() []Connection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Connection, len(s.data.Connections))
	copy(out, s.data.Connections)
	return out
}

// Connection returns the connection with the given id, or ErrNotFound.
func (s *FileStore) Connection(id string) (Connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.data.Connections {
		if c.ID == id {
			return c, nil
		}
	}
	return Connection{}, fmt.Errorf("connection %q: %w", id, ErrNotFound)
}

// ConnectionsByIDs resolves ids against the live catalogue, silently
// dropping ids whose connections no longer exist. Order is preserved.
func (s *FileStore) ConnectionsByIDs(ids []string) []Connection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Connection, 0, len(ids))
	for _, id := range ids {
		for _, c := range s.data.Connections {
			if c.ID == id {
				out = append(out, c)
				break
			}
		}
	}
	return out
}

// UpdateJobHash persists a new change-trigger hash for the job.
func (s *FileStore) UpdateJobHash(jobID, hash string) error {
	return s.Mutate(func(c *Catalog) error {
		for i := range c.Jobs {
			if c.Jobs[i].ID == jobID {
				c.Jobs[i].LastHash = hash
				return nil
			}
		}
		return fmt.Errorf("job %q: %w", jobID, ErrNotFound)
	})
}

// StampJobLastRun persists the job's last-run timestamp.
func (s *FileStore) StampJobLastRun(jobID string, t time.Time) error {
	return s.Mutate(func(c *Catalog) error {
		for i := range c.Jobs {
			if c.Jobs[i].ID == jobID {
				c.Jobs[i].LastRun = &t
				return nil
			}
		}
		return fmt.Errorf("job %q: %w", jobID, ErrNotFound)
	})
}

// StampConnectionTest persists a test outcome on the connection.
func (s *FileStore) StampConnectionTest(connID string, status TestStatus, endpoint EndpointType, t time.Time) error {
	return s.Mutate(func(c *Catalog) error {
		for i := range c.Connections {
			if c.Connections[i].ID == connID {
				c.Connections[i].LastTested = &t
				c.Connections[i].TestStatus = status
				if endpoint != "" {
					c.Connections[i].ActiveEndpointType = endpoint
				}
				return nil
			}
		}
		return fmt.Errorf("connection %q: %w", connID, ErrNotFound)
	})
}

// DuplicateEndpoints returns endpoint keys shared by more than one
// connection, mapped to the connection ids involved. Duplicates are legal
// but worth surfacing to the operator.
func (s *FileStore) DuplicateEndpoints() map[string][]string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byKey := make(map[string][]string)
	for _, c := range s.data.Connections {
		key := c.EndpointKey()
		byKey[key] = append(byKey[key], c.ID)
	}
	out := make(map[string][]string)
	for key, ids := range byKey {
		if len(ids) > 1 {
			out[key] = ids
		}
	}
	return out
}
