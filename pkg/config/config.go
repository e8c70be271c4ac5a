// Package config provides YAML-based configuration loading with environment variable expansion.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Validator is an interface for configuration validation.
type Validator interface {
	Validate() error
}

// Load loads configuration from a YAML file with environment variable
// expansion. Keys absent from the file keep the values target already
// holds, so callers pass a populated default.
func Load[T any](filename string, target *T) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", filename, err)
	}

	expandedData := os.ExpandEnv(string(data))

	if err := yaml.Unmarshal([]byte(expandedData), target); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", filename, err)
	}
	return validate(target)
}

// LoadOptional is Load for a file that may not exist. A missing file
// leaves target as it was, which must still validate.
func LoadOptional[T any](filename string, target *T) error {
	if _, err := os.Stat(filename); errors.Is(err, os.ErrNotExist) {
		return validate(target)
	}
	return Load(filename, target)
}

func validate(target any) error {
	if validator, ok := target.(Validator); ok {
		if err := validator.Validate(); err != nil {
			return fmt.Errorf("config validation failed: %w", err)
		}
	}
	return nil
}
