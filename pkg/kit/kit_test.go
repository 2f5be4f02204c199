package kit

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maggmcp/magg/pkg/config"
	"github.com/maggmcp/magg/pkg/magg"
)

func writeKit(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name+".json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

const calcKit = `{
  "description": "calculator servers",
  "author": "ops",
  "version": "1.0.0",
  "servers": {
    "calc": {"command": "npx -y calc-mcp", "enabled": true}
  }
}`

func TestReadFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := writeKit(t, dir, "calckit", calcKit)

	k, err := ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "calckit", k.Name, "name falls back to the file stem")
	assert.Equal(t, "calculator servers", k.Description)
	require.Contains(t, k.Servers, "calc")
	assert.Equal(t, "calc", k.Servers["calc"].Name)
	assert.Nil(t, k.Servers["calc"].Kits, "kits field is stripped from kit files")
}

func TestReadFileMalformed(t *testing.T) {
	t.Parallel()

	path := writeKit(t, t.TempDir(), "bad", "{nope")
	_, err := ReadFile(path)
	require.ErrorIs(t, err, magg.ErrValidation)
}

func TestDiscoverFirstDirectoryWins(t *testing.T) {
	t.Parallel()

	dir1, dir2 := t.TempDir(), t.TempDir()
	writeKit(t, dir1, "calckit", calcKit)
	writeKit(t, dir2, "calckit", calcKit)
	writeKit(t, dir2, "other", `{"servers": {}}`)

	l := NewLoader([]string{dir1, dir2})
	found := l.Discover()
	assert.Len(t, found, 2)
	assert.Equal(t, filepath.Join(dir1, "calckit.json"), found["calckit"])
}

func TestLoadUnload(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeKit(t, dir, "calckit", calcKit)

	l := NewLoader([]string{dir})
	cfg := config.NewConfig()

	res, err := l.Load("calckit", cfg)
	require.NoError(t, err)
	assert.Equal(t, []string{"calc"}, res.Added)
	require.Contains(t, cfg.Servers, "calc")
	assert.Equal(t, []string{"calckit"}, cfg.Servers["calc"].Kits)
	assert.Contains(t, cfg.Kits, "calckit")

	_, err = l.Load("calckit", cfg)
	require.ErrorIs(t, err, magg.ErrValidation, "double load is rejected")

	unloadRes, err := l.Unload("calckit", cfg)
	require.NoError(t, err)
	assert.Equal(t, []string{"calc"}, unloadRes.Removed)
	assert.NotContains(t, cfg.Servers, "calc")
	assert.NotContains(t, cfg.Kits, "calckit")
}

func TestLoadUnknownKit(t *testing.T) {
	t.Parallel()

	l := NewLoader([]string{t.TempDir()})
	_, err := l.Load("missing", config.NewConfig())
	require.ErrorIs(t, err, magg.ErrNotFound)
}

// Shared ownership: a server defined by two kits survives unloading one of
// them and disappears only when the last owner is unloaded.
func TestSharedOwnership(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeKit(t, dir, "k1", `{"servers": {"s": {"command": "s-mcp", "enabled": true}}}`)
	writeKit(t, dir, "k2", `{"servers": {"s": {"command": "s-mcp", "enabled": true}}}`)

	l := NewLoader([]string{dir})
	cfg := config.NewConfig()

	_, err := l.Load("k1", cfg)
	require.NoError(t, err)
	_, err = l.Load("k2", cfg)
	require.NoError(t, err)
	assert.Equal(t, []string{"k1", "k2"}, cfg.Servers["s"].Kits)

	res, err := l.Unload("k1", cfg)
	require.NoError(t, err)
	assert.Empty(t, res.Removed)
	assert.Equal(t, []string{"s"}, res.Updated)
	require.Contains(t, cfg.Servers, "s")
	assert.Equal(t, []string{"k2"}, cfg.Servers["s"].Kits)

	res, err = l.Unload("k2", cfg)
	require.NoError(t, err)
	assert.Equal(t, []string{"s"}, res.Removed)
	assert.NotContains(t, cfg.Servers, "s")
}

// A server introduced outside kits is shared by kits but never owned: no
// kit unload removes it.
func TestManualServerSurvivesKitUnload(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeKit(t, dir, "k1", `{"servers": {"manual": {"command": "manual-mcp", "enabled": true}}}`)

	l := NewLoader([]string{dir})
	cfg := config.NewConfig()
	cfg.Servers["manual"] = &config.ServerConfig{Name: "manual", Command: "manual-mcp", Enabled: true}

	_, err := l.Load("k1", cfg)
	require.NoError(t, err)
	assert.Empty(t, cfg.Servers["manual"].Kits, "kit never takes ownership of a manual server")

	res, err := l.Unload("k1", cfg)
	require.NoError(t, err)
	assert.Empty(t, res.Removed)
	assert.Contains(t, cfg.Servers, "manual")
}
