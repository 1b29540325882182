// Package rules loads the business configuration of the formation engine:
// the phase catalog and the readiness weights, from one YAML document.
package rules

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/louisbranch/formation/internal/services/formation/domain/phase"
	"github.com/louisbranch/formation/internal/services/formation/domain/readiness"
)

//go:embed default.yaml
var defaultRules []byte

// ErrInvalidRules wraps decode failures of the rules document.
var ErrInvalidRules = errors.New("invalid formation rules")

// Document is the on-disk shape of a rules file.
type Document struct {
	Catalog   phase.Document   `yaml:"catalog"`
	Readiness readiness.Config `yaml:"readiness"`
}

// Rules is the validated configuration.
type Rules struct {
	Catalog   *phase.Catalog
	Readiness *readiness.Engine
}

// Default returns the embedded rules.
func Default() (Rules, error) {
	return Parse(defaultRules)
}

// DefaultYAML returns a copy of the embedded rules document.
func DefaultYAML() []byte {
	return append([]byte(nil), defaultRules...)
}

// Load reads rules from path, or the embedded defaults when path is empty.
func Load(path string) (Rules, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Rules{}, fmt.Errorf("read rules %s: %w", path, err)
	}
	rules, err := Parse(data)
	if err != nil {
		return Rules{}, fmt.Errorf("%s: %w", path, err)
	}
	return rules, nil
}

// Parse decodes and validates a rules document.
func Parse(data []byte) (Rules, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Rules{}, fmt.Errorf("%w: decode yaml: %v", ErrInvalidRules, err)
	}
	catalog, err := phase.NewCatalog(doc.Catalog)
	if err != nil {
		return Rules{}, err
	}
	engine, err := readiness.NewEngine(doc.Readiness)
	if err != nil {
		return Rules{}, err
	}
	return Rules{Catalog: catalog, Readiness: engine}, nil
}

// KnownSignal reports whether behavior observations named name can affect
// readiness: the name has a configured weight, or a default weight applies.
func (r Rules) KnownSignal(name string) bool {
	if r.Readiness == nil {
		return true
	}
	cfg := r.Readiness.Config()
	if _, ok := cfg.Weights[name]; ok {
		return true
	}
	return cfg.DefaultWeight > 0
}
