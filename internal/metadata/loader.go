package metadata

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ParseDefinition decodes a YAML app definition. Unknown keys are rejected so
// typos in role or column definitions surface at load time.
func ParseDefinition(data []byte) (*AppDefinition, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var def AppDefinition
	if err := dec.Decode(&def); err != nil {
		return nil, fmt.Errorf("parse app definition: %w", err)
	}
	return &def, nil
}

// LoadFile reads and parses the app definition at path.
func LoadFile(path string) (*AppDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read app definition: %w", err)
	}
	return ParseDefinition(data)
}

// Source yields the current app definition. Reload calls it again.
type Source func() (*AppDefinition, error)

// FileSource reads path on every call, falling back to the embedded
// definition when path is empty.
func FileSource(path string, fallback []byte) Source {
	return func() (*AppDefinition, error) {
		if path == "" {
			return ParseDefinition(fallback)
		}
		return LoadFile(path)
	}
}

// LoadAll reads the definition from src and swaps it into the registry.
func LoadAll(src Source, reg *Registry) (*AppDefinition, error) {
	def, err := src()
	if err != nil {
		return nil, err
	}
	if err := reg.Load(def); err != nil {
		return nil, fmt.Errorf("load app definition: %w", err)
	}
	return def, nil
}
