// Package setup handles beamq directory initialization.
package setup

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/opengda/beamq/internal/model"
	atomicyaml "github.com/opengda/beamq/internal/yaml"
	"github.com/opengda/beamq/templates"
)

const DirName = ".beamq"

// Options override template values in the generated config.yaml.
type Options struct {
	QueueName   string
	Beamline    string
	StoreDriver string
	Runner      string
}

// Run creates <projectDir>/.beamq with its directory layout and config.yaml
// and returns the path created. An existing .beamq is an error.
func Run(projectDir string, opts Options) (string, error) {
	absDir, err := filepath.Abs(projectDir)
	if err != nil {
		return "", fmt.Errorf("resolve project dir: %w", err)
	}

	base := filepath.Join(absDir, DirName)
	if _, err := os.Stat(base); err == nil {
		return "", fmt.Errorf("%s already exists", base)
	}

	dirs := []string{
		"state",
		"locks",
		"logs",
		"quarantine",
		"inbox/processed",
	}
	for _, d := range dirs {
		if err := os.MkdirAll(filepath.Join(base, d), 0755); err != nil {
			return "", fmt.Errorf("create directory %s: %w", d, err)
		}
	}

	cfg, err := generateConfig(opts)
	if err != nil {
		return "", fmt.Errorf("generate config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return "", err
	}
	if err := atomicyaml.AtomicWrite(filepath.Join(base, model.ConfigFileName), cfg); err != nil {
		return "", fmt.Errorf("write %s: %w", model.ConfigFileName, err)
	}
	return base, nil
}

func generateConfig(opts Options) (*model.Config, error) {
	data, err := fs.ReadFile(templates.FS, model.ConfigFileName)
	if err != nil {
		return nil, fmt.Errorf("read config template: %w", err)
	}

	var cfg model.Config
	if err := yamlv3.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config template: %w", err)
	}

	if opts.QueueName != "" {
		cfg.Consumer.QueueName = opts.QueueName
	}
	if opts.Beamline != "" {
		cfg.Consumer.Beamline = opts.Beamline
	}
	if opts.StoreDriver != "" {
		cfg.Store.Driver = opts.StoreDriver
	}
	if opts.Runner != "" {
		cfg.Consumer.Runner = opts.Runner
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}

// FindDir walks up from start looking for a .beamq directory.
func FindDir(start string) (string, error) {
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
			return "", fmt.Errorf("no %s directory found from %s; run: beamq init", DirName, start)
		}
		dir = parent
	}
}
