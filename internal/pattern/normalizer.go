package pattern

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// RuleConfig is one normalization rule as written in a rules file.
// Rules are applied in order; the first rules win when matches overlap.
type RuleConfig struct {
	Name        string `yaml:"name"`
	Pattern     string `yaml:"pattern"`
	Placeholder string `yaml:"placeholder"`
}

// rule is a compiled normalization rule.
type rule struct {
	name        string
	re          *regexp.Regexp
	placeholder string
}

// Normalizer rewrites variable tokens in log messages to placeholders,
// producing a stable pattern key. Placeholders contain no characters any
// rule matches, so normalization is idempotent: normalizing an already
// normalized pattern yields the same pattern.
type Normalizer struct {
	rules []rule
}

// DefaultRules returns the built-in rule table. Timestamps run before
// bare numbers so dates are not shredded digit by digit, and quoted
// strings run before paths so quoted paths collapse to one token.
func DefaultRules() []RuleConfig {
	return []RuleConfig{
		{Name: "iso-timestamp", Pattern: `\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}(?:\.\d+)?(?:Z|[+-]\d{2}:?\d{2})?`, Placeholder: "<ts>"},
		{Name: "syslog-timestamp", Pattern: `(?:Jan|Feb|Mar|Apr|May|Jun|Jul|Aug|Sep|Oct|Nov|Dec) [ \d]\d \d{2}:\d{2}:\d{2}`, Placeholder: "<ts>"},
		{Name: "uuid", Pattern: `\b[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}\b`, Placeholder: "<uuid>"},
		{Name: "ipv4", Pattern: `\b\d{1,3}(?:\.\d{1,3}){3}(?::\d+)?\b`, Placeholder: "<ip>"},
		{Name: "double-quoted", Pattern: `"[^"]*"`, Placeholder: "<str>"},
		{Name: "single-quoted", Pattern: `'[^']*'`, Placeholder: "<str>"},
		{Name: "file-path", Pattern: `(?:/[\w.~-]+){2,}/?`, Placeholder: "<path>"},
		{Name: "hex-id", Pattern: `\b0[xX][0-9a-fA-F]+\b|\b[0-9a-f]{8,}\b`, Placeholder: "<hex>"},
		{Name: "number", Pattern: `\b\d+(?:\.\d+)?\b`, Placeholder: "<num>"},
	}
}

// NewNormalizer compiles a rule table. An empty table falls back to the
// default rules.
func NewNormalizer(configs []RuleConfig) (*Normalizer, error) {
	if len(configs) == 0 {
		configs = DefaultRules()
	}
	rules := make([]rule, 0, len(configs))
	for _, rc := range configs {
		if rc.Name == "" || rc.Pattern == "" || rc.Placeholder == "" {
			return nil, fmt.Errorf("pattern: rule needs name, pattern, and placeholder: %+v", rc)
		}
		re, err := regexp.Compile(rc.Pattern)
		if err != nil {
			return nil, fmt.Errorf("pattern: compiling rule %q: %w", rc.Name, err)
		}
		if re.MatchString(rc.Placeholder) {
			return nil, fmt.Errorf("pattern: rule %q matches its own placeholder %q, normalization would not be idempotent", rc.Name, rc.Placeholder)
		}
		rules = append(rules, rule{name: rc.Name, re: re, placeholder: rc.Placeholder})
	}
	return &Normalizer{rules: rules}, nil
}

// LoadRules reads a YAML rule table from path.
func LoadRules(path string) ([]RuleConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("pattern: reading rules file: %w", err)
	}
	var configs []RuleConfig
	if err := yaml.Unmarshal(data, &configs); err != nil {
		return nil, fmt.Errorf("pattern: parsing rules file: %w", err)
	}
	return configs, nil
}

// Normalize rewrites variable tokens in message and collapses runs of
// whitespace to a single space.
func (n *Normalizer) Normalize(message string) string {
	out := strings.TrimSpace(message)
	for _, r := range n.rules {
		out = r.re.ReplaceAllString(out, r.placeholder)
	}
	return strings.Join(strings.Fields(out), " ")
}
