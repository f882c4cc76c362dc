package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"firestige.xyz/ztun/internal/directory"
)

// directoryFile is the on-disk layout of the identities snapshot.
type directoryFile struct {
	Identities []identityEntry `yaml:"identities"`
}

type identityEntry struct {
	Name     string              `yaml:"name"`
	Enabled  *bool               `yaml:"enabled"` // absent = enabled
	Services []directory.Service `yaml:"services"`
}

// LoadDirectory reads an identities snapshot.
func LoadDirectory(path string) ([]directory.Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory file %s: %w", path, err)
	}
	ids, err := ParseDirectory(data)
	if err != nil {
		return nil, fmt.Errorf("directory file %s: %w", path, err)
	}
	return ids, nil
}

// ParseDirectory decodes and validates an identities snapshot.
func ParseDirectory(data []byte) ([]directory.Identity, error) {
	var file directoryFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %v", ErrDirectoryInvalid, err)
	}

	seen := make(map[string]bool, len(file.Identities))
	ids := make([]directory.Identity, 0, len(file.Identities))
	for i, e := range file.Identities {
		if e.Name == "" {
			return nil, fmt.Errorf("%w: identity #%d has no name", ErrDirectoryInvalid, i)
		}
		if seen[e.Name] {
			return nil, fmt.Errorf("%w: duplicate identity %q", ErrDirectoryInvalid, e.Name)
		}
		seen[e.Name] = true

		services := make(map[string]bool, len(e.Services))
		for _, svc := range e.Services {
			switch {
			case svc.Name == "":
				return nil, fmt.Errorf("%w: identity %q has a service without a name", ErrDirectoryInvalid, e.Name)
			case services[svc.Name]:
				return nil, fmt.Errorf("%w: identity %q lists service %q twice", ErrDirectoryInvalid, e.Name, svc.Name)
			case svc.Hostname == "":
				return nil, fmt.Errorf("%w: service %s:%s has no hostname", ErrDirectoryInvalid, e.Name, svc.Name)
			case svc.Port == 0:
				return nil, fmt.Errorf("%w: service %s:%s has no port", ErrDirectoryInvalid, e.Name, svc.Name)
			}
			services[svc.Name] = true
		}

		ids = append(ids, directory.Identity{
			Name:     e.Name,
			Enabled:  e.Enabled == nil || *e.Enabled,
			Services: e.Services,
		})
	}
	return ids, nil
}
