package rules

import (
	"errors"
	"fmt"
	"log"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/tinytelemetry/errtally/internal/classify"
	"github.com/tinytelemetry/errtally/internal/normalize"
)

// Pack is an operator supplied override of the noisy marker list and the
// category rule table. Empty sections keep the built-in tables.
type Pack struct {
	NoisyMarkers []string   `yaml:"noisy_markers"`
	Categories   []RuleSpec `yaml:"categories"`
}

// RuleSpec is the YAML form of classify.Rule.
type RuleSpec struct {
	Category string   `yaml:"category"`
	Contains []string `yaml:"contains"`
	Match    string   `yaml:"match"`
	Exclude  []string `yaml:"exclude"`
}

// Load reads a rule pack from path. An empty path or a missing file yields
// a nil pack, which selects the built-in tables.
func Load(path string) (*Pack, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.Printf("rules: %s not found, using built-in tables", path)
			return nil, nil
		}
		return nil, err
	}
	return Parse(data)
}

// Parse decodes and validates a YAML rule pack.
func Parse(data []byte) (*Pack, error) {
	var p Pack
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("rules: decode: %w", err)
	}
	if _, err := p.ClassifierRules(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Markers returns the noisy marker list, falling back to the defaults.
func (p *Pack) Markers() []string {
	if p == nil || len(p.NoisyMarkers) == 0 {
		return normalize.DefaultNoisyMarkers
	}
	return p.NoisyMarkers
}

// ClassifierRules compiles the category table, falling back to the defaults.
func (p *Pack) ClassifierRules() ([]classify.Rule, error) {
	if p == nil || len(p.Categories) == 0 {
		return classify.DefaultRules, nil
	}
	out := make([]classify.Rule, 0, len(p.Categories))
	for i, spec := range p.Categories {
		r := classify.Rule{
			Category: spec.Category,
			Contains: spec.Contains,
			Exclude:  spec.Exclude,
		}
		if spec.Match != "" {
			re, err := regexp.Compile(spec.Match)
			if err != nil {
				return nil, fmt.Errorf("rules: category rule %d: %w", i, err)
			}
			r.Match = re
		}
		out = append(out, r)
	}
	if err := classify.Validate(out); err != nil {
		return nil, fmt.Errorf("rules: %w", err)
	}
	return out, nil
}

// Classifier builds a classifier from the pack.
func (p *Pack) Classifier() (*classify.Classifier, error) {
	rs, err := p.ClassifierRules()
	if err != nil {
		return nil, err
	}
	return classify.New(rs...), nil
}

// Normalizer builds a normalizer rooted at appRoot using the pack's markers.
func (p *Pack) Normalizer(appRoot string) *normalize.Normalizer {
	return normalize.New(normalize.Config{AppRoot: appRoot, NoisyMarkers: p.Markers()})
}
