// Package config reads the JSON configuration of a ledger node.
package config

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"
)

type Configurable interface {
	Check() error
}

// LoadConfig reads and checks a JSON configuration file.
func LoadConfig[T Configurable](path string) (*T, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "could not open configuration file")
	}
	defer file.Close()
	var config T
	decoder := json.NewDecoder(file)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&config); err != nil {
		return nil, errors.Wrap(err, "could not parse configuration file")
	}
	if err := config.Check(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	return &config, nil
}

// ParseJSON decodes config without checking it.
func ParseJSON[T any](config string) (*T, error) {
	var node T
	if err := json.Unmarshal([]byte(config), &node); err != nil {
		return nil, err
	}
	return &node, nil
}
