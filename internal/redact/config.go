package redact

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Config holds operator-defined redaction customizations, set in the
// rule-set's redact block.
type Config struct {
	ExtraPatterns []PatternDef `yaml:"extra_patterns"`
	Literals      []string     `yaml:"literals"`
	// Disabled turns off the built-in patterns; extra patterns and literals still apply.
	Disabled bool `yaml:"disabled"`
}

// PatternDef defines a custom pattern.
type PatternDef struct {
	Name  string `yaml:"name"`
	Regex string `yaml:"regex"`
}

// Redactor masks secrets in text. A nil Redactor leaves text unchanged.
// Safe for concurrent use.
type Redactor struct {
	builtin  bool
	extras   []extra
	literals []string
}

// New validates cfg and compiles its patterns.
func New(cfg Config) (*Redactor, error) {
	r := &Redactor{builtin: !cfg.Disabled}
	for i, def := range cfg.ExtraPatterns {
		if def.Name == "" {
			return nil, fmt.Errorf("extra_patterns[%d]: name is required", i)
		}
		if def.Regex == "" {
			return nil, fmt.Errorf("extra_patterns[%d]: regex is required", i)
		}
		re, err := regexp.Compile(def.Regex)
		if err != nil {
			return nil, fmt.Errorf("extra_patterns[%d] %q: invalid regex: %w", i, def.Name, err)
		}
		r.extras = append(r.extras, extra{typ: PatternType(strings.ToUpper(def.Name)), re: re})
	}
	for _, l := range cfg.Literals {
		if l != "" {
			r.literals = append(r.literals, l)
		}
	}
	return r, nil
}

// Message returns text with every match replaced by [REDACTED:<TYPE>].
func (r *Redactor) Message(text string) string {
	if r == nil || text == "" {
		return text
	}

	var matches []Match
	if r.builtin {
		matches = scan(text, r.extras)
	} else if len(r.extras) > 0 {
		matches = scanExtras(text, r.extras)
	}
	text = replace(text, matches)

	for _, l := range r.literals {
		text = strings.ReplaceAll(text, l, token(PatternLiteral))
	}
	return text
}

func scanExtras(text string, extras []extra) []Match {
	var matches []Match
	for _, x := range extras {
		for _, loc := range x.re.FindAllStringIndex(text, -1) {
			matches = append(matches, Match{Type: x.typ, Value: text[loc[0]:loc[1]], Start: loc[0], End: loc[1]})
		}
	}
	return matches
}

// replace substitutes every occurrence of each matched value, longest first
// so a value contained in another is not split.
func replace(text string, matches []Match) string {
	if len(matches) == 0 {
		return text
	}
	ordered := append([]Match(nil), matches...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return len(ordered[i].Value) > len(ordered[j].Value)
	})
	for _, m := range ordered {
		text = strings.ReplaceAll(text, m.Value, token(m.Type))
	}
	return text
}

func token(t PatternType) string {
	return "[REDACTED:" + string(t) + "]"
}
