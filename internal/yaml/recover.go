package yaml

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	yamlv3 "gopkg.in/yaml.v3"
)

// ErrCorrupt marks a file that exists but does not parse.
var ErrCorrupt = errors.New("corrupt yaml")

// Load reads path and unmarshals it into v.
func Load(path string, v any) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yamlv3.Unmarshal(content, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCorrupt, path, err)
	}
	return nil
}

// LoadOrRecover is Load that survives a corrupt file: the file is moved to
// the quarantine directory and its backup, when it parses, takes its place.
// recovered reports that the backup was used.
func LoadOrRecover(dataDir, path string, v any, logger *slog.Logger) (recovered bool, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	err = Load(path, v)
	if err == nil || !errors.Is(err, ErrCorrupt) {
		return false, err
	}
	loadErr := err

	moved, err := Quarantine(dataDir, path)
	if err != nil {
		return false, errors.Join(loadErr, err)
	}
	logger.Warn("quarantined corrupt file", "path", path, "quarantine", moved)

	if err := RestoreFromBackup(path); err != nil {
		return false, errors.Join(loadErr, err)
	}
	if err := Load(path, v); err != nil {
		return false, err
	}
	logger.Warn("restored from backup", "path", path)
	return true, nil
}

// Quarantine moves path into <dataDir>/quarantine and returns its new location.
func Quarantine(dataDir, path string) (string, error) {
	dir := filepath.Join(dataDir, "quarantine")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create quarantine dir: %w", err)
	}
	name := fmt.Sprintf("%s.%s.corrupt", filepath.Base(path), time.Now().Format("20060102T150405"))
	dst := filepath.Join(dir, name)
	if err := os.Rename(path, dst); err != nil {
		return "", fmt.Errorf("move to quarantine: %w", err)
	}
	return dst, nil
}

// RestoreFromBackup copies path.bak over path after checking that it parses.
func RestoreFromBackup(path string) error {
	content, err := os.ReadFile(path + ".bak")
	if err != nil {
		return fmt.Errorf("read backup: %w", err)
	}
	var doc any
	if err := yamlv3.Unmarshal(content, &doc); err != nil {
		return fmt.Errorf("backup of %s is corrupt too: %w", path, err)
	}
	if err := replace(path, content, defaultPerm); err != nil {
		return fmt.Errorf("restore from backup: %w", err)
	}
	return nil
}
