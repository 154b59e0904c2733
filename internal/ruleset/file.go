// Package ruleset loads YAML rule-sets and compiles them into evaluable rules.
package ruleset

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ppiankov/plangate/internal/redact"
	"github.com/ppiankov/plangate/internal/report"
	"github.com/ppiankov/plangate/internal/rule"
	"github.com/ppiankov/plangate/internal/tier"
)

// EngineVersion is checked against a rule-set's requires constraint.
const EngineVersion = "1.0.0"

// File is the on-disk rule-set format.
type File struct {
	Version        int            `yaml:"version" validate:"omitempty,eq=1"`
	Name           string         `yaml:"name" validate:"required"`
	Requires       string         `yaml:"requires"`
	Tiers          []string       `yaml:"tiers" validate:"required,min=1,unique,dive,required"`
	TierResolution TierResolution `yaml:"tier_resolution"`
	Defaults       Defaults       `yaml:"defaults"`
	// UnresolvedTierEnforcement gates the synthetic tier-resolution violation.
	UnresolvedTierEnforcement string                               `yaml:"unresolved_tier_enforcement" validate:"omitempty,oneof=advisory soft-mandatory hard-mandatory"`
	Tables                    map[string]map[string]map[string]any `yaml:"tables"`
	Rules                     []RuleSpec                           `yaml:"rules" validate:"-"`
	// Redact masks secrets in violation messages.
	Redact redact.Config `yaml:"redact" validate:"-"`
}

// TierResolution lists the attribute paths a tier is read from, in order.
// Resources of ExemptTypes (untaggable types such as route table
// associations) get no tier-resolution violation of their own; tier-scoped
// rules on them still fail when the tier is unresolved.
type TierResolution struct {
	Paths       []string `yaml:"paths" validate:"dive,required"`
	ExemptTypes []string `yaml:"exempt_types" validate:"dive,required"`
}

// Defaults apply to rules that omit enforcement or severity.
type Defaults struct {
	Enforcement string `yaml:"enforcement" validate:"omitempty,oneof=advisory soft-mandatory hard-mandatory"`
	Severity    string `yaml:"severity" validate:"omitempty,oneof=low medium high critical"`
}

// RuleSpec is one rule as written.
type RuleSpec struct {
	ID          string    `yaml:"id" validate:"required"`
	Description string    `yaml:"description"`
	AppliesTo   AppliesTo `yaml:"applies_to"`
	// AppliesToAlt accepts the camelCase spelling.
	AppliesToAlt     *AppliesTo    `yaml:"appliesTo" validate:"-"`
	Table            string        `yaml:"table"`
	TableAlt         string        `yaml:"tier"`
	Predicate        PredicateSpec `yaml:"predicate"`
	Message          string        `yaml:"message"`
	Severity         string        `yaml:"severity" validate:"omitempty,oneof=low medium high critical"`
	Enforcement      string        `yaml:"enforcement" validate:"omitempty,oneof=advisory soft-mandatory hard-mandatory"`
	OnIndeterminate  string        `yaml:"on_indeterminate" validate:"omitempty,oneof=fail pass"`
	OnUnresolvedTier string        `yaml:"on_unresolved_tier" validate:"omitempty,oneof=fail skip"`
}

// AppliesTo filters resources by type, action, mode and tier.
type AppliesTo struct {
	Types   []string `yaml:"types" validate:"dive,required"`
	Actions []string `yaml:"actions" validate:"dive,oneof=create read update delete no-op"`
	Modes   []string `yaml:"modes" validate:"dive,oneof=managed data"`
	Tiers   []string `yaml:"tiers" validate:"dive,required"`
}

// PredicateSpec keeps the raw YAML node so compile errors can report line numbers.
type PredicateSpec struct {
	node *yaml.Node
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (p *PredicateSpec) UnmarshalYAML(n *yaml.Node) error {
	p.node = n
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (p PredicateSpec) MarshalYAML() (any, error) {
	if p.node == nil {
		return nil, nil
	}
	return p.node, nil
}

// RuleSet is a compiled rule-set. Read-only after Compile.
type RuleSet struct {
	Name string
	// Hash is the SHA-256 of the source bytes, "sha256:<hex>".
	Hash     string
	Tiers    *tier.Set
	Resolver *tier.Resolver
	Tables   map[string]*tier.Table
	Rules    []*rule.Rule
	// TierExempt holds the resource types listed in tier_resolution.exempt_types.
	TierExempt map[string]bool

	UnresolvedTierEnforcement report.EnforcementLevel
	// DefaultSeverity is used for synthetic tier-resolution violations.
	DefaultSeverity report.Severity
	// Redactor masks secrets in violation messages. Never nil after Compile.
	Redactor *redact.Redactor
}

// Rule returns the compiled rule with the given id.
func (rs *RuleSet) Rule(id string) (*rule.Rule, bool) {
	for _, r := range rs.Rules {
		if r.ID == id {
			return r, true
		}
	}
	return nil, false
}

// Load reads, compiles and hashes a rule-set file.
func Load(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rule-set: %w", err)
	}
	return Parse(data)
}

// LoadWithHash loads a rule-set and returns the SHA-256 of the raw bytes on disk.
func LoadWithHash(path string) (*RuleSet, string, error) {
	rs, err := Load(path)
	if err != nil {
		return nil, "", err
	}
	return rs, rs.Hash, nil
}

// Parse compiles a rule-set from YAML bytes.
func Parse(data []byte) (*RuleSet, error) {
	f, err := Decode(data)
	if err != nil {
		return nil, err
	}
	rs, err := Compile(f)
	if err != nil {
		return nil, err
	}
	rs.Hash = Hash(data)
	return rs, nil
}

// Decode parses YAML into a File without compiling it. Unknown keys are rejected.
func Decode(data []byte) (*File, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	f := &File{}
	if err := dec.Decode(f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, &RuleConfigurationError{Reason: "rule-set is empty"}
		}
		return nil, &RuleConfigurationError{Reason: fmt.Sprintf("failed to parse rule-set: %v", err)}
	}
	return f, nil
}

// Hash returns the SHA-256 of raw rule-set bytes as "sha256:<hex>".
func Hash(data []byte) string {
	h := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(h[:])
}

// RuleConfigurationError reports a broken rule-set. It is fatal: no report
// is produced from a rule-set that fails to compile.
type RuleConfigurationError struct {
	RuleID string
	Reason string
}

func (e *RuleConfigurationError) Error() string {
	if e.RuleID == "" {
		return "rule-set configuration error: " + e.Reason
	}
	return fmt.Sprintf("rule-set configuration error: rule %q: %s", e.RuleID, e.Reason)
}
