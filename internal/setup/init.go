// Package setup creates and locates agentloop data directories.
package setup

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/agentloop/internal/model"
	atomicyaml "github.com/msageha/agentloop/internal/yaml"
	"github.com/msageha/agentloop/templates"
)

// DirName is the data directory created inside a project.
const DirName = ".agentloop"

const configFile = "config.yaml"

type Options struct {
	// ProjectName defaults to the project directory's base name.
	ProjectName string
	// Force rewrites the default files of an existing data directory. The
	// previous versions are kept as .bak files.
	Force bool
}

// Run initialises <projectDir>/.agentloop and returns its absolute path.
func Run(projectDir string, opts Options) (string, error) {
	absDir, err := filepath.Abs(projectDir)
	if err != nil {
		return "", fmt.Errorf("resolve project dir: %w", err)
	}
	base := filepath.Join(absDir, DirName)

	if _, err := os.Stat(base); err == nil && !opts.Force {
		return "", fmt.Errorf("%s already exists", base)
	}

	for _, d := range []string{"logs", "locks", "quarantine"} {
		if err := os.MkdirAll(filepath.Join(base, d), 0755); err != nil {
			return "", fmt.Errorf("create directory %s: %w", d, err)
		}
	}

	cfg, err := generateConfig(absDir, opts.ProjectName)
	if err != nil {
		return "", fmt.Errorf("generate config: %w", err)
	}
	if err := atomicyaml.AtomicWrite(filepath.Join(base, configFile), cfg); err != nil {
		return "", fmt.Errorf("write %s: %w", configFile, err)
	}

	for _, name := range []string{cfg.Checkpoint.RulesFile, cfg.Oracle.PlanFile} {
		if name == "" {
			continue
		}
		if err := copyTemplateFile(filepath.Base(name), filepath.Join(base, name)); err != nil {
			return "", err
		}
	}
	return base, nil
}

func copyTemplateFile(name, dst string) error {
	data, err := fs.ReadFile(templates.FS, name)
	if err != nil {
		return fmt.Errorf("read template %s: %w", name, err)
	}
	if err := atomicyaml.AtomicWriteRaw(dst, data); err != nil {
		return fmt.Errorf("write %s: %w", dst, err)
	}
	return nil
}

func generateConfig(projectDir, projectName string) (*model.Config, error) {
	data, err := fs.ReadFile(templates.FS, configFile)
	if err != nil {
		return nil, fmt.Errorf("read config template: %w", err)
	}
	var cfg model.Config
	if err := yamlv3.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config template: %w", err)
	}
	if projectName != "" {
		cfg.Project.Name = projectName
	} else {
		cfg.Project.Name = filepath.Base(projectDir)
	}
	return &cfg, nil
}

// FindDataDir searches start and its ancestors for a data directory.
func FindDataDir(start string) (string, error) {
	dir, err := filepath.Abs(start)
	if err != nil {
		return "", err
	}
	for {
		candidate := filepath.Join(dir, DirName)
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("%s/ not found from %s; run 'agentloop setup <dir>' first", DirName, start)
		}
		dir = parent
	}
}

// LoadConfig reads <dataDir>/config.yaml, recovering from its backup when
// the file is corrupt, and applies defaults. Relative paths in the config
// are resolved against dataDir.
func LoadConfig(dataDir string, logger *slog.Logger) (model.Config, error) {
	var cfg model.Config
	_, err := atomicyaml.LoadOrRecover(dataDir, filepath.Join(dataDir, configFile), &cfg, logger)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return model.Config{}, fmt.Errorf("load %s: %w", configFile, err)
	}
	cfg = cfg.WithDefaults()
	cfg.Checkpoint.RulesFile = resolve(dataDir, cfg.Checkpoint.RulesFile)
	cfg.Oracle.PlanFile = resolve(dataDir, cfg.Oracle.PlanFile)
	cfg.Store.Path = resolve(dataDir, cfg.Store.Path)
	cfg.Events.AuditLog = resolve(dataDir, cfg.Events.AuditLog)
	return cfg, nil
}

func resolve(dataDir, p string) string {
	if p == "" || p == ":memory:" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dataDir, p)
}
