// Package cliconfig loads an optional YAML file of default CLI flag
// values so an operator running several monitors doesn't have to repeat
// --name/--color/--log-level on every invocation.
package cliconfig

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Defaults holds fallback values for flags the user didn't pass
// explicitly on the command line.
type Defaults struct {
	Name     string `yaml:"name,omitempty"`
	Color    string `yaml:"color,omitempty"`
	LogLevel string `yaml:"log_level,omitempty"`
	Doc      string `yaml:"doc,omitempty"`
}

// DefaultPath returns the conventional location of the defaults file,
// $HOME/.config/monitor/defaults.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "monitor", "defaults.yaml"), nil
}

// Load reads path and decodes it as Defaults. A missing file is not an
// error — it returns a zero-value Defaults so callers can apply their
// own hardcoded fallbacks uniformly.
func Load(path string) (*Defaults, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Defaults{}, nil
		}
		return nil, err
	}
	var d Defaults
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, err
	}
	return &d, nil
}
