package model

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	yamlv3 "gopkg.in/yaml.v3"
)

// LoadConfig reads a yaml config file. A missing file is not an error; the
// returned Config then carries defaults only.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return Config{}, fmt.Errorf("read config: %w", err)
	default:
		if err := yamlv3.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.ApplyDefaults()
	return cfg, nil
}
