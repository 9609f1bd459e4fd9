// Package setup initializes a router storage root.
package setup

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/nergal-perm/github-webhooks-router/internal/fsutil"
	"github.com/nergal-perm/github-webhooks-router/internal/model"
	"github.com/nergal-perm/github-webhooks-router/internal/queue"
	"github.com/nergal-perm/github-webhooks-router/templates"
)

// Options carries the values init writes into the generated config.yaml.
// Empty fields keep the template's value.
type Options struct {
	StorageRoot string
	RepoBaseDir string
	TableName   string
	Backend     string
	QuietHours  string
	// Force overwrites an existing config.yaml (the old one is kept as .bak).
	Force bool
}

// Run creates the stage directories under the storage root and writes a
// config.yaml generated from the embedded template. It returns the config
// path.
func Run(opts Options) (string, error) {
	root := opts.StorageRoot
	if root == "" {
		root = model.DefaultStorageRoot
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve storage root: %w", err)
	}

	cfg, err := generateConfig(absRoot, opts)
	if err != nil {
		return "", fmt.Errorf("generate config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return "", fmt.Errorf("generated config is invalid: %w", err)
	}

	configPath := cfg.ConfigPath()
	if _, err := os.Stat(configPath); err == nil && !opts.Force {
		return "", fmt.Errorf("%s already exists (use --force to overwrite)", configPath)
	}

	// Create directory structure
	if err := queue.NewStore(absRoot).EnsureAll(); err != nil {
		return "", err
	}
	for _, d := range []string{filepath.Dir(cfg.LockPath()), filepath.Dir(cfg.LogPath())} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return "", fmt.Errorf("create directory %s: %w", d, err)
		}
	}

	if err := fsutil.WriteYAML(configPath, cfg); err != nil {
		return "", fmt.Errorf("write config.yaml: %w", err)
	}
	return configPath, nil
}

func generateConfig(storageRoot string, opts Options) (model.Config, error) {
	// Read template config as base
	data, err := fs.ReadFile(templates.FS, "config.yaml")
	if err != nil {
		return model.Config{}, fmt.Errorf("read config template: %w", err)
	}

	var cfg model.Config
	if err := yamlv3.Unmarshal(data, &cfg); err != nil {
		return model.Config{}, fmt.Errorf("parse config template: %w", err)
	}

	// Auto-fill fields
	cfg.StorageRoot = storageRoot
	if opts.RepoBaseDir != "" {
		cfg.RepoBaseDir = opts.RepoBaseDir
	}
	if opts.TableName != "" {
		cfg.Remote.TableName = opts.TableName
	}
	if opts.Backend != "" {
		cfg.Remote.Backend = opts.Backend
	}
	if opts.QuietHours != "" {
		cfg.Ingest.QuietHours = opts.QuietHours
	}
	cfg.ApplyDefaults()
	return cfg, nil
}
