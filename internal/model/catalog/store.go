package catalog

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Store exposes package retrieval for handlers and the purchase flow.
type Store interface {
	List() []TokenPackage
	FindByID(id string) (TokenPackage, bool)
}

// MemoryStore implements Store with an in-memory slice.
type MemoryStore struct {
	items []TokenPackage
}

// NewMemoryStore returns a MemoryStore preloaded with the supplied packages.
func NewMemoryStore(items []TokenPackage) *MemoryStore {
	return &MemoryStore{items: append([]TokenPackage(nil), items...)}
}

// List returns the packages in catalog order.
func (s *MemoryStore) List() []TokenPackage {
	return append([]TokenPackage(nil), s.items...)
}

// FindByID looks up a package by identifier.
func (s *MemoryStore) FindByID(id string) (TokenPackage, bool) {
	for _, item := range s.items {
		if item.ID == id {
			return item, true
		}
	}
	return TokenPackage{}, false
}

type catalogFile struct {
	Packages []TokenPackage `yaml:"packages"`
}

// LoadFile reads a YAML catalog of the form `packages: [{id, name, tokens, price}]`.
func LoadFile(path string) ([]TokenPackage, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}

	var file catalogFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", path, err)
	}
	if len(file.Packages) == 0 {
		return nil, fmt.Errorf("catalog %s has no packages", path)
	}

	seen := make(map[string]struct{}, len(file.Packages))
	for _, pkg := range file.Packages {
		if !pkg.Valid() {
			return nil, fmt.Errorf("catalog %s: invalid package %q", path, pkg.ID)
		}
		if _, dup := seen[pkg.ID]; dup {
			return nil, fmt.Errorf("catalog %s: duplicate package %q", path, pkg.ID)
		}
		seen[pkg.ID] = struct{}{}
	}
	return file.Packages, nil
}
