package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/gofrs/flock"

	"github.com/maggmcp/magg/pkg/logger"
	"github.com/maggmcp/magg/pkg/magg"
)

// Store holds the authoritative catalog in memory and its serialized form on
// disk. Loads and saves are serialized; readers get immutable snapshots via
// Current.
type Store struct {
	path     string
	sep      string
	readOnly bool

	mu      sync.Mutex
	current atomic.Pointer[Config]
}

// NewStore creates a catalog store for the given file path. The separator is
// needed for prefix validation. When readOnly is set, Save is refused at the
// store boundary but in-memory reloads still work.
func NewStore(path, sep string, readOnly bool) *Store {
	s := &Store{path: path, sep: sep, readOnly: readOnly}
	s.current.Store(NewConfig())
	return s
}

// Path returns the catalog file location.
func (s *Store) Path() string {
	return s.path
}

// ReadOnly reports whether the store refuses writes.
func (s *Store) ReadOnly() bool {
	return s.readOnly
}

// Current returns the catalog snapshot. Callers must not mutate it; use
// Clone before editing.
func (s *Store) Current() *Config {
	return s.current.Load()
}

// Load reads and validates the catalog file, making it current on success.
// A missing file yields an empty catalog. Validation is total: an invalid
// file leaves the previous catalog in force and returns the error.
func (s *Store) Load() (*Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		cfg := NewConfig()
		s.current.Store(cfg)
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading catalog %s: %w", s.path, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg, s.sep); err != nil {
		return nil, err
	}

	s.current.Store(cfg)
	return cfg, nil
}

// Replace validates cfg and makes it current without touching the disk.
// Used for reloads in read-only mode and by tests.
func (s *Store) Replace(cfg *Config) error {
	if err := Validate(cfg, s.sep); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current.Store(cfg)
	return nil
}

// Save validates cfg, writes it atomically (temp file + rename under an
// advisory lock), and makes it current. In read-only mode the write is
// refused with ErrReadOnly and the in-memory catalog is left unchanged.
func (s *Store) Save(cfg *Config) error {
	if err := Validate(cfg, s.sep); err != nil {
		return err
	}
	if s.readOnly {
		return fmt.Errorf("%w: refusing to write %s", magg.ErrReadOnly, s.path)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o750); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	lock := flock.New(s.path + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("locking catalog: %w", err)
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			logger.Warnf("Failed to unlock catalog: %v", err)
		}
	}()

	data, err := Serialize(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".config-*.json")
	if err != nil {
		return fmt.Errorf("creating temp catalog: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp catalog: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp catalog: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return fmt.Errorf("setting catalog permissions: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replacing catalog: %w", err)
	}

	s.current.Store(cfg)
	return nil
}

// Parse decodes a serialized catalog. Server names are carried on the map
// keys; Parse copies them onto the entries.
func Parse(data []byte) (*Config, error) {
	cfg := NewConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: malformed catalog: %v", magg.ErrValidation, err)
	}
	if cfg.Servers == nil {
		cfg.Servers = make(map[string]*ServerConfig)
	}
	if cfg.Kits == nil {
		cfg.Kits = make(map[string]KitInfo)
	}
	for name, srv := range cfg.Servers {
		if srv == nil {
			return nil, fmt.Errorf("%w: server %q has no configuration", magg.ErrValidation, name)
		}
		srv.Name = name
	}
	return cfg, nil
}

// Serialize encodes a catalog in its canonical on-disk form.
func Serialize(cfg *Config) ([]byte, error) {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding catalog: %w", err)
	}
	return append(data, '\n'), nil
}
