package yaml

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type doc struct {
	Name    string `yaml:"name"`
	Version int    `yaml:"version"`
}

func TestAtomicWrite_KeepsBackup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	require.NoError(t, AtomicWrite(path, doc{Name: "agentloop", Version: 1}))
	require.NoError(t, AtomicWrite(path, doc{Name: "agentloop", Version: 2}))

	var cur, bak doc
	require.NoError(t, Load(path, &cur))
	require.NoError(t, Load(path+".bak", &bak))
	assert.Equal(t, 2, cur.Version)
	assert.Equal(t, 1, bak.Version)
}

func TestAtomicWrite_PreservesMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: a\n"), 0600))

	require.NoError(t, AtomicWrite(path, doc{Name: "b"}))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	info, err = os.Stat(path + ".bak")
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestAtomicWriteRaw_InvalidLeavesNothing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")

	err := AtomicWriteRaw(path, []byte(":\n  invalid: [\n    broken"))
	require.Error(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "neither the target nor a temp file may remain")
}

func TestLoad_Errors(t *testing.T) {
	dir := t.TempDir()
	var d doc

	err := Load(filepath.Join(dir, "missing.yaml"), &d)
	assert.True(t, errors.Is(err, os.ErrNotExist))
	assert.False(t, errors.Is(err, ErrCorrupt))

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("name: [\n"), 0644))
	assert.True(t, errors.Is(Load(bad, &d), ErrCorrupt))
}

func TestLoadOrRecover(t *testing.T) {
	t.Run("healthy file", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "config.yaml")
		require.NoError(t, AtomicWrite(path, doc{Name: "a", Version: 1}))

		var d doc
		recovered, err := LoadOrRecover(dir, path, &d, nil)
		require.NoError(t, err)
		assert.False(t, recovered)
		assert.Equal(t, "a", d.Name)
	})

	t.Run("corrupt file with backup", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "config.yaml")
		require.NoError(t, AtomicWrite(path, doc{Name: "good", Version: 1}))
		require.NoError(t, AtomicWrite(path, doc{Name: "newer", Version: 2}))
		require.NoError(t, os.WriteFile(path, []byte("name: [\n"), 0644))

		var d doc
		recovered, err := LoadOrRecover(dir, path, &d, nil)
		require.NoError(t, err)
		assert.True(t, recovered)
		assert.Equal(t, doc{Name: "good", Version: 1}, d)

		entries, err := os.ReadDir(filepath.Join(dir, "quarantine"))
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.True(t, strings.HasPrefix(entries[0].Name(), "config.yaml."))
		assert.True(t, strings.HasSuffix(entries[0].Name(), ".corrupt"))
	})

	t.Run("corrupt file without backup", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte("name: [\n"), 0644))

		var d doc
		_, err := LoadOrRecover(dir, path, &d, nil)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrCorrupt))
	})
}
