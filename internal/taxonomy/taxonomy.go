// Package taxonomy maps a classified report domain onto the analysis logic and
// chapter guidance the outline planner works from.
package taxonomy

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed domains.yaml
var defaultDomains []byte

var ErrUnknownDomain = errors.New("unknown report domain")

// Domain is the planning guidance for one report category.
type Domain struct {
	Description string `yaml:"description"`
	Logic       string `yaml:"logic"`
	Details     string `yaml:"details"`
}

type file struct {
	Domains map[string]Domain `yaml:"domains"`
}

// Taxonomy is an immutable domain table.
type Taxonomy struct {
	domains map[string]Domain
}

// Parse decodes a taxonomy document. Unknown fields are rejected.
func Parse(data []byte) (*Taxonomy, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var f file
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("parse taxonomy: %w", err)
	}
	if len(f.Domains) == 0 {
		return nil, errors.New("parse taxonomy: no domains defined")
	}
	t := &Taxonomy{domains: make(map[string]Domain, len(f.Domains))}
	for name, d := range f.Domains {
		if strings.TrimSpace(d.Logic) == "" {
			return nil, fmt.Errorf("parse taxonomy: domain %q has no logic", name)
		}
		t.domains[normalize(name)] = Domain{
			Description: d.Description,
			Logic:       strings.TrimSpace(d.Logic),
			Details:     strings.TrimSpace(d.Details),
		}
	}
	return t, nil
}

// Load reads path, or the embedded table when path is empty.
func Load(path string) (*Taxonomy, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read taxonomy %s: %w", path, err)
	}
	return Parse(data)
}

var (
	defaultTaxonomy     *Taxonomy
	defaultTaxonomyOnce sync.Once
	defaultTaxonomyErr  error
)

// Default returns the embedded table, parsed once.
func Default() (*Taxonomy, error) {
	defaultTaxonomyOnce.Do(func() {
		defaultTaxonomy, defaultTaxonomyErr = Parse(defaultDomains)
	})
	return defaultTaxonomy, defaultTaxonomyErr
}

// Lookup returns the analysis logic and detailed guidance for domain.
func (t *Taxonomy) Lookup(domain string) (logic, details string, err error) {
	d, ok := t.domains[normalize(domain)]
	if !ok {
		return "", "", fmt.Errorf("%w: %q", ErrUnknownDomain, domain)
	}
	return d.Logic, d.Details, nil
}

// Names lists the known domain keys.
func (t *Taxonomy) Names() []string {
	names := make([]string, 0, len(t.domains))
	for n := range t.domains {
		names = append(names, n)
	}
	return names
}

// Lookup resolves domain against the embedded table.
func Lookup(domain string) (logic, details string, err error) {
	t, err := Default()
	if err != nil {
		return "", "", err
	}
	return t.Lookup(domain)
}

func normalize(s string) string { return strings.ToLower(strings.TrimSpace(s)) }
