package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maggmcp/magg/pkg/magg"
)

func strPtr(s string) *string { return &s }

func testCatalog() *Config {
	cfg := NewConfig()
	cfg.Servers["calc"] = &ServerConfig{
		Name:    "calc",
		Prefix:  strPtr("calc"),
		Command: "npx -y calc-mcp",
		Args:    []string{"--quiet"},
		Env:     map[string]string{"NODE_ENV": "production"},
		Notes:   "a calculator",
		Enabled: true,
	}
	cfg.Servers["web"] = &ServerConfig{
		Name:    "web",
		URI:     "http://localhost:9000/mcp",
		Enabled: true,
		Kits:    []string{"webkit"},
	}
	cfg.Kits["webkit"] = KitInfo{Name: "webkit", Source: "file"}
	return cfg
}

func TestSerializeParseRoundTrip(t *testing.T) {
	t.Parallel()

	cfg := testCatalog()
	data, err := Serialize(cfg)
	require.NoError(t, err)

	parsed, err := Parse(data)
	require.NoError(t, err)
	require.Equal(t, cfg, parsed)
}

func TestParseSetsNamesFromKeys(t *testing.T) {
	t.Parallel()

	parsed, err := Parse([]byte(`{"servers": {"calc": {"command": "calc-mcp", "enabled": true}}}`))
	require.NoError(t, err)
	require.Contains(t, parsed.Servers, "calc")
	assert.Equal(t, "calc", parsed.Servers["calc"].Name)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(cfg *Config)
		wantErr bool
	}{
		{
			name:   "valid catalog",
			mutate: func(*Config) {},
		},
		{
			name: "both command and uri",
			mutate: func(cfg *Config) {
				cfg.Servers["calc"].URI = "http://localhost:9000"
			},
			wantErr: true,
		},
		{
			name: "neither command nor uri",
			mutate: func(cfg *Config) {
				cfg.Servers["calc"].Command = ""
			},
			wantErr: true,
		},
		{
			name: "prefix contains separator",
			mutate: func(cfg *Config) {
				cfg.Servers["calc"].Prefix = strPtr("my_calc")
			},
			wantErr: true,
		},
		{
			name: "empty prefix is verbatim",
			mutate: func(cfg *Config) {
				cfg.Servers["calc"].Prefix = strPtr("")
			},
		},
		{
			name: "shared prefix is deferred to mount time",
			mutate: func(cfg *Config) {
				cfg.Servers["web"].Prefix = strPtr("calc")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := testCatalog()
			tt.mutate(cfg)
			err := Validate(cfg, "_")
			if tt.wantErr {
				require.ErrorIs(t, err, magg.ErrValidation)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestEffectivePrefix(t *testing.T) {
	t.Parallel()

	srv := &ServerConfig{Name: "my-server"}
	assert.Equal(t, "myserver", srv.EffectivePrefix(), "nil prefix derives from name")

	srv.Prefix = strPtr("")
	assert.Empty(t, srv.EffectivePrefix(), "empty prefix means verbatim")

	srv.Prefix = strPtr("mysrv")
	assert.Equal(t, "mysrv", srv.EffectivePrefix())
}

func TestComputeDiff(t *testing.T) {
	t.Parallel()

	old := testCatalog()

	t.Run("empty diff", func(t *testing.T) {
		t.Parallel()
		d := ComputeDiff(old, old.Clone())
		assert.True(t, d.Empty())
	})

	t.Run("added and removed", func(t *testing.T) {
		t.Parallel()
		next := old.Clone()
		delete(next.Servers, "web")
		next.Servers["extra"] = &ServerConfig{Name: "extra", Command: "extra-mcp", Enabled: true}

		d := ComputeDiff(old, next)
		assert.Equal(t, []string{"extra"}, d.Added)
		assert.Equal(t, []string{"web"}, d.Removed)
		assert.Empty(t, d.Updated)
		assert.Empty(t, d.Toggled)
	})

	t.Run("toggled only when just enabled flips", func(t *testing.T) {
		t.Parallel()
		next := old.Clone()
		next.Servers["calc"].Enabled = false

		d := ComputeDiff(old, next)
		assert.Equal(t, []string{"calc"}, d.Toggled)
		assert.Empty(t, d.Updated)
	})

	t.Run("updated on non-cosmetic change", func(t *testing.T) {
		t.Parallel()
		next := old.Clone()
		next.Servers["calc"].Command = "npx -y other-mcp"

		d := ComputeDiff(old, next)
		assert.Equal(t, []string{"calc"}, d.Updated)
	})

	t.Run("prefix change is an update", func(t *testing.T) {
		t.Parallel()
		next := old.Clone()
		next.Servers["calc"].Prefix = strPtr("calculator")

		d := ComputeDiff(old, next)
		assert.Equal(t, []string{"calc"}, d.Updated)
	})

	t.Run("cosmetic change is no change", func(t *testing.T) {
		t.Parallel()
		next := old.Clone()
		next.Servers["calc"].Notes = "different notes"
		next.Servers["calc"].Kits = []string{"somekit"}

		d := ComputeDiff(old, next)
		assert.True(t, d.Empty())
	})

	t.Run("enable flip plus field change is an update", func(t *testing.T) {
		t.Parallel()
		next := old.Clone()
		next.Servers["calc"].Enabled = false
		next.Servers["calc"].Command = "npx -y other-mcp"

		d := ComputeDiff(old, next)
		assert.Equal(t, []string{"calc"}, d.Updated)
		assert.Empty(t, d.Toggled)
	})
}

func TestStoreSaveLoad(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	store := NewStore(path, "_", false)

	// Missing file loads as an empty catalog.
	cfg, err := store.Load()
	require.NoError(t, err)
	assert.Empty(t, cfg.Servers)

	saved := testCatalog()
	require.NoError(t, store.Save(saved))

	// No temp files left behind by the atomic write.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, entry := range entries {
		assert.NotContains(t, entry.Name(), ".config-")
	}

	reloaded, err := store.Load()
	require.NoError(t, err)
	require.Equal(t, saved, reloaded)
	require.Equal(t, saved, store.Current())
}

func TestStoreReadOnly(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.json")

	// Seed the file with a writable store first.
	rw := NewStore(path, "_", false)
	require.NoError(t, rw.Save(testCatalog()))

	ro := NewStore(path, "_", true)
	_, err := ro.Load()
	require.NoError(t, err, "read-only mode still loads")

	err = ro.Save(testCatalog())
	require.ErrorIs(t, err, magg.ErrReadOnly)

	// In-memory replace still works.
	next := testCatalog()
	next.Servers["calc"].Enabled = false
	require.NoError(t, ro.Replace(next))
	assert.False(t, ro.Current().Servers["calc"].Enabled)
}

func TestStoreLoadInvalidKeepsPrevious(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.json")
	store := NewStore(path, "_", false)
	require.NoError(t, store.Save(testCatalog()))

	// A server with neither command nor uri is a validation error; the
	// whole catalog is rejected and the previous one stays current.
	require.NoError(t, os.WriteFile(path, []byte(`{"servers": {"broken": {"enabled": true}}}`), 0o600))
	_, err := store.Load()
	require.ErrorIs(t, err, magg.ErrValidation)
	assert.Contains(t, store.Current().Servers, "calc")
}
