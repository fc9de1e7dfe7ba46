// Package yaml provides atomic YAML writes and recovery of corrupt files
// for the data directory.
package yaml

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	yamlv3 "gopkg.in/yaml.v3"
)

const defaultPerm fs.FileMode = 0644

// AtomicWrite marshals data and replaces path with it. The previous content
// is kept as path.bak.
func AtomicWrite(path string, data any) error {
	content, err := yamlv3.Marshal(data)
	if err != nil {
		return fmt.Errorf("yaml marshal: %w", err)
	}
	return AtomicWriteRaw(path, content)
}

// AtomicWriteRaw replaces path with content, which must parse as YAML.
// Readers see either the old file or the new one, never a partial write.
// An existing file keeps its permissions.
func AtomicWriteRaw(path string, content []byte) error {
	var doc any
	if err := yamlv3.Unmarshal(content, &doc); err != nil {
		return fmt.Errorf("refusing to write invalid yaml to %s: %w", filepath.Base(path), err)
	}

	perm := defaultPerm
	old, err := os.ReadFile(path)
	switch {
	case err == nil:
		if info, serr := os.Stat(path); serr == nil {
			perm = info.Mode().Perm()
		}
		if err := replace(path+".bak", old, perm); err != nil {
			return fmt.Errorf("write backup: %w", err)
		}
	case !errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("read current %s: %w", filepath.Base(path), err)
	}

	return replace(path, content, perm)
}

// replace writes content to a temp file beside path, syncs it and renames it
// over path, then syncs the directory so the rename survives a crash.
func replace(path string, content []byte, perm fs.FileMode) (err error) {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".agentloop-tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err = tmp.Write(content); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err = tmp.Chmod(perm); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}

	if d, derr := os.Open(dir); derr == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}
