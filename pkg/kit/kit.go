// Package kit implements named bundles of server configurations that can be
// loaded and unloaded as a unit.
//
// Kits merge their servers into the catalog. Each server records the loading
// kit in its kits set; unloading a kit removes it from each set, and a server
// whose set drains to empty is removed, unless it was introduced outside kits.
package kit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/maggmcp/magg/pkg/config"
	"github.com/maggmcp/magg/pkg/logger"
	"github.com/maggmcp/magg/pkg/magg"
)

// Kit is a named bundle of related MCP servers plus descriptive metadata.
type Kit struct {
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Author      string            `json:"author,omitempty"`
	Version     string            `json:"version,omitempty"`
	Keywords    []string          `json:"keywords,omitempty"`
	Links       map[string]string `json:"links,omitempty"`

	// Servers included in this kit, with the same per-server shape as the
	// catalog minus the kits field.
	Servers map[string]*config.ServerConfig `json:"servers"`
}

// LoadResult describes what a kit load or unload did to the catalog.
type LoadResult struct {
	Kit     string
	Added   []string
	Removed []string
	Updated []string
}

// Loader discovers kit files across the kit.d search path and merges them
// into catalogs. Concurrent load/unload of the same kit is serialized by the
// loader's lock.
type Loader struct {
	paths []string

	mu     sync.Mutex
	loaded map[string]*Kit
}

// NewLoader creates a loader over the given kit.d directories.
func NewLoader(paths []string) *Loader {
	return &Loader{
		paths:  slices.Clone(paths),
		loaded: make(map[string]*Kit),
	}
}

// Discover returns every kit file reachable from the search path, keyed by
// kit name (the file stem). The first directory claiming a name wins.
func (l *Loader) Discover() map[string]string {
	found := make(map[string]string)
	for _, dir := range l.paths {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
				continue
			}
			name := strings.TrimSuffix(entry.Name(), ".json")
			path := filepath.Join(dir, entry.Name())
			if prev, ok := found[name]; ok {
				logger.Warnf("Duplicate kit %q found at %s, keeping %s", name, path, prev)
				continue
			}
			found[name] = path
		}
	}
	return found
}

// ReadFile parses a kit file. A missing name falls back to the file stem.
func ReadFile(path string) (*Kit, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading kit %s: %w", path, err)
	}

	var k Kit
	if err := json.Unmarshal(data, &k); err != nil {
		return nil, fmt.Errorf("%w: malformed kit file %s: %v", magg.ErrValidation, path, err)
	}
	if k.Name == "" {
		k.Name = strings.TrimSuffix(filepath.Base(path), ".json")
	}
	if k.Servers == nil {
		k.Servers = make(map[string]*config.ServerConfig)
	}
	for name, srv := range k.Servers {
		if srv == nil {
			return nil, fmt.Errorf("%w: kit %s: server %q has no configuration", magg.ErrValidation, k.Name, name)
		}
		srv.Name = name
		// The kits field is only meaningful in the catalog.
		srv.Kits = nil
	}
	return &k, nil
}

// Loaded returns the names of currently loaded kits.
func (l *Loader) Loaded() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	names := make([]string, 0, len(l.loaded))
	for name := range l.loaded {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Get returns a loaded kit, or reads an available one from disk without
// loading it. The boolean reports whether the kit is currently loaded.
func (l *Loader) Get(name string) (*Kit, bool, error) {
	l.mu.Lock()
	k, ok := l.loaded[name]
	l.mu.Unlock()
	if ok {
		return k, true, nil
	}

	path, ok := l.Discover()[name]
	if !ok {
		return nil, false, fmt.Errorf("%w: kit %q", magg.ErrNotFound, name)
	}
	k, err := ReadFile(path)
	if err != nil {
		return nil, false, err
	}
	return k, false, nil
}

// Load merges the named kit into cfg. Servers new to the catalog are owned by
// the kit; servers that already exist gain the kit in their kits set, except
// servers introduced outside kits (empty kits set), which the kit shares but
// never owns. The caller is responsible for validating and applying cfg.
func (l *Loader) Load(name string, cfg *config.Config) (*LoadResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.loaded[name]; ok {
		return nil, fmt.Errorf("%w: kit %q is already loaded", magg.ErrValidation, name)
	}
	if _, ok := cfg.Kits[name]; ok {
		return nil, fmt.Errorf("%w: kit %q is already loaded", magg.ErrValidation, name)
	}

	path, ok := l.Discover()[name]
	if !ok {
		return nil, fmt.Errorf("%w: kit %q not found in any kit.d directory", magg.ErrNotFound, name)
	}
	k, err := ReadFile(path)
	if err != nil {
		return nil, err
	}

	result := &LoadResult{Kit: name}
	for srvName, srv := range k.Servers {
		existing, ok := cfg.Servers[srvName]
		if !ok {
			added := srv.Clone()
			added.Kits = []string{name}
			if added.Source == "" {
				added.Source = path
			}
			cfg.Servers[srvName] = added
			result.Added = append(result.Added, srvName)
			continue
		}
		// A server introduced outside kits keeps an empty kits set: the
		// kit shares it without taking ownership, so unloading the kit
		// never removes it.
		if len(existing.Kits) > 0 && !slices.Contains(existing.Kits, name) {
			existing.Kits = append(existing.Kits, name)
			slices.Sort(existing.Kits)
			result.Updated = append(result.Updated, srvName)
		}
	}
	slices.Sort(result.Added)
	slices.Sort(result.Updated)

	cfg.Kits[name] = config.KitInfo{
		Name:        name,
		Description: k.Description,
		Path:        path,
		Source:      "file",
	}
	l.loaded[name] = k
	return result, nil
}

// Unload removes the named kit from cfg. A server loses the kit from its kits
// set; when the set drains to empty the server is removed. Servers introduced
// by multiple kits survive partial unloads.
func (l *Loader) Unload(name string, cfg *config.Config) (*LoadResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := cfg.Kits[name]; !ok {
		return nil, fmt.Errorf("%w: kit %q is not loaded", magg.ErrNotFound, name)
	}

	result := &LoadResult{Kit: name}
	for srvName, srv := range cfg.Servers {
		i := slices.Index(srv.Kits, name)
		if i < 0 {
			continue
		}
		if len(srv.Kits) == 1 {
			delete(cfg.Servers, srvName)
			result.Removed = append(result.Removed, srvName)
		} else {
			srv.Kits = slices.Delete(slices.Clone(srv.Kits), i, i+1)
			result.Updated = append(result.Updated, srvName)
		}
	}
	slices.Sort(result.Removed)
	slices.Sort(result.Updated)

	delete(cfg.Kits, name)
	delete(l.loaded, name)
	return result, nil
}

// Sync brings the loader's loaded set in line with the catalog, reading kit
// files for kits recorded there. Kits whose files are gone are kept in name
// only so unload still works.
func (l *Loader) Sync(cfg *config.Config) {
	l.mu.Lock()
	defer l.mu.Unlock()

	available := l.Discover()
	for name := range cfg.Kits {
		if _, ok := l.loaded[name]; ok {
			continue
		}
		path, ok := available[name]
		if !ok {
			logger.Infof("Kit %q not found in any kit.d directory, tracking in memory", name)
			l.loaded[name] = &Kit{Name: name, Servers: make(map[string]*config.ServerConfig)}
			continue
		}
		k, err := ReadFile(path)
		if err != nil {
			logger.Errorf("Failed to load kit %q from %s: %v", name, path, err)
			continue
		}
		l.loaded[name] = k
	}
	for name := range l.loaded {
		if _, ok := cfg.Kits[name]; !ok {
			delete(l.loaded, name)
		}
	}
}
