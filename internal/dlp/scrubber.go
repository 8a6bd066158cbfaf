// Package dlp redacts personally identifiable information from free text
// before it is persisted. The redaction policy is a YAML list of named
// patterns; the embedded default is the canonical policy for the service.
package dlp

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed patterns.yaml
var defaultPolicy []byte

// ErrUnavailable is returned when scrubbing cannot be performed.
var ErrUnavailable = errors.New("dlp: scrubber unavailable")

type patternSpec struct {
	Name        string `yaml:"name"`
	Regex       string `yaml:"regex"`
	Replacement string `yaml:"replacement"`
}

type policyFile struct {
	Patterns []patternSpec `yaml:"patterns"`
}

type pattern struct {
	name        string
	re          *regexp.Regexp
	replacement string
}

// Scrubber applies an ordered list of redaction patterns.
type Scrubber struct {
	patterns []pattern
}

// NewDefault builds a Scrubber from the embedded policy.
func NewDefault() (*Scrubber, error) {
	return Load(defaultPolicy)
}

// Load parses a YAML policy document.
func Load(data []byte) (*Scrubber, error) {
	var doc policyFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("dlp: decode policy: %w", err)
	}
	if len(doc.Patterns) == 0 {
		return nil, errors.New("dlp: policy has no patterns")
	}

	s := &Scrubber{patterns: make([]pattern, 0, len(doc.Patterns))}
	seen := make(map[string]bool, len(doc.Patterns))
	for _, p := range doc.Patterns {
		name := strings.TrimSpace(p.Name)
		if name == "" {
			return nil, errors.New("dlp: pattern name is required")
		}
		if seen[name] {
			return nil, fmt.Errorf("dlp: duplicate pattern %q", name)
		}
		seen[name] = true
		re, err := regexp.Compile(p.Regex)
		if err != nil {
			return nil, fmt.Errorf("dlp: compile pattern %q: %w", name, err)
		}
		replacement := p.Replacement
		if replacement == "" {
			replacement = "[REDACTED]"
		}
		if re.MatchString(replacement) {
			return nil, fmt.Errorf("dlp: replacement for %q matches its own pattern", name)
		}
		s.patterns = append(s.patterns, pattern{name: name, re: re, replacement: replacement})
	}
	return s, nil
}

// Scrub returns text with every policy match replaced.
func (s *Scrubber) Scrub(ctx context.Context, text string) (string, error) {
	if s == nil || len(s.patterns) == 0 {
		return "", ErrUnavailable
	}
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	for _, p := range s.patterns {
		text = p.re.ReplaceAllLiteralString(text, p.replacement)
	}
	return text, nil
}

// Detect returns the names of the patterns still matching text.
func (s *Scrubber) Detect(text string) []string {
	if s == nil {
		return nil
	}
	var found []string
	for _, p := range s.patterns {
		if p.re.MatchString(text) {
			found = append(found, p.name)
		}
	}
	return found
}

// Names lists the configured pattern names in application order.
func (s *Scrubber) Names() []string {
	names := make([]string, 0, len(s.patterns))
	for _, p := range s.patterns {
		names = append(names, p.name)
	}
	return names
}
