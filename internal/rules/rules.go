// Package rules loads the declarative tables that drive detection: principal
// classification patterns, ACE danger rules, and ESC technique definitions.
// Tables are versioned YAML documents; defaults are embedded in the binary
// and can be overridden per file from a rules directory. A missing or
// malformed table is a configuration error and fatal for the session.
package rules

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

//go:embed defaults/classification.yaml
var defaultClassificationYAML []byte

//go:embed defaults/danger_rules.yaml
var defaultDangerRulesYAML []byte

//go:embed defaults/techniques.yaml
var defaultTechniquesYAML []byte

// MatchKind selects how a SID pattern is compared.
const (
	MatchExact  = "exact"
	MatchSuffix = "suffix"
)

// Pattern matches a SID either exactly or by suffix. Suffix patterns match a
// well-known relative identifier across every domain in the forest, e.g.
// "-512" for any domain's Domain Admins.
type Pattern struct {
	Match string `yaml:"match"`
	Value string `yaml:"value"`
	Name  string `yaml:"name,omitempty"`
}

// ClassificationTable is the principal classification pattern table.
// StandardOwners is exact SIDs only; forest-specific owners are injected at
// session start, never matched by suffix, so another forest's administrators
// are not silently accepted as owners.
type ClassificationTable struct {
	Version        string    `yaml:"version"`
	Safe           []Pattern `yaml:"safe"`
	Dangerous      []Pattern `yaml:"dangerous"`
	StandardOwners []string  `yaml:"standardOwners"`
}

// Capability names what an ACE grants when a danger rule matches it.
const (
	CapabilityEnroll = "enroll"
	CapabilityEdit   = "edit"
)

// DangerRuleDef is one declarative permission rule: a symbolic right name, an
// optional property/extended-right GUID scope ("" = all properties), the
// object kinds it applies to, and the capability it grants.
type DangerRuleDef struct {
	Name       string   `yaml:"name"`
	Right      string   `yaml:"right"`
	ObjectType string   `yaml:"objectType"`
	Kinds      []string `yaml:"kinds"`
	Capability string   `yaml:"capability"`
}

// DangerTable is the ACE danger rule table.
type DangerTable struct {
	Version string          `yaml:"version"`
	Rules   []DangerRuleDef `yaml:"rules"`
}

// Comparators accepted in technique conditions.
const (
	CompareEq       = "eq"
	CompareNe       = "ne"
	CompareGt       = "gt"
	CompareLt       = "lt"
	CompareContains = "contains"
)

// Condition is one property comparison in a technique definition.
type Condition struct {
	Property   string `yaml:"property"`
	Comparator string `yaml:"comparator"`
	Value      string `yaml:"value"`
}

// Technique evaluation modes.
const (
	ModeConfig    = "config"
	ModePrincipal = "principal"
)

// Principal sets a principal-mode technique draws its implicated SIDs from.
const (
	SetEnrollees = "enrollees"
	SetEditors   = "editors"
	SetAdmins    = "admins"
)

// Technique is one declarative ESC technique definition. Issue, Fix and
// Revert are templates with named {placeholders}.
type Technique struct {
	ID           string      `yaml:"id"`
	Summary      string      `yaml:"summary,omitempty"`
	Mode         string      `yaml:"mode"`
	PrincipalSet string      `yaml:"principalSet,omitempty"`
	Conditions   []Condition `yaml:"conditions"`
	Issue        string      `yaml:"issue"`
	Fix          string      `yaml:"fix"`
	Revert       string      `yaml:"revert"`
}

// TechniqueTable is the technique definition table.
type TechniqueTable struct {
	Version    string      `yaml:"version"`
	Techniques []Technique `yaml:"techniques"`
}

// Tables bundles the three loaded rule tables.
type Tables struct {
	Classification ClassificationTable
	Danger         DangerTable
	Techniques     TechniqueTable
}

// Load reads the three rule tables. With an empty dir the embedded defaults
// are used; otherwise each of classification.yaml, danger_rules.yaml and
// techniques.yaml is read from dir, falling back to the embedded default for
// a file that is absent. Any parse or validation failure is returned as an
// error: the caller must abort rather than scan with partial rules.
func Load(dir string) (*Tables, error) {
	t := &Tables{}

	if err := loadTable(dir, "classification.yaml", defaultClassificationYAML, &t.Classification); err != nil {
		return nil, err
	}
	if err := loadTable(dir, "danger_rules.yaml", defaultDangerRulesYAML, &t.Danger); err != nil {
		return nil, err
	}
	if err := loadTable(dir, "techniques.yaml", defaultTechniquesYAML, &t.Techniques); err != nil {
		return nil, err
	}

	if err := t.validate(); err != nil {
		return nil, err
	}
	return t, nil
}

func loadTable(dir, name string, fallback []byte, out interface{}) error {
	data := fallback
	if dir != "" {
		path := filepath.Join(dir, name)
		b, err := os.ReadFile(path)
		if err == nil {
			data = b
		} else if !os.IsNotExist(err) {
			return fmt.Errorf("failed to read rule table %s: %w", path, err)
		}
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("malformed rule table %s: %w", name, err)
	}
	return nil
}

func (t *Tables) validate() error {
	if t.Classification.Version == "" {
		return fmt.Errorf("classification table has no version")
	}
	for _, p := range append(append([]Pattern{}, t.Classification.Safe...), t.Classification.Dangerous...) {
		if p.Match != MatchExact && p.Match != MatchSuffix {
			return fmt.Errorf("classification pattern %q has invalid match kind %q", p.Value, p.Match)
		}
		if p.Value == "" {
			return fmt.Errorf("classification table contains a pattern with no value")
		}
	}

	if t.Danger.Version == "" {
		return fmt.Errorf("danger rule table has no version")
	}
	for _, r := range t.Danger.Rules {
		if r.Name == "" || r.Right == "" {
			return fmt.Errorf("danger rule %q is missing a name or right", r.Name)
		}
		if r.Capability != CapabilityEnroll && r.Capability != CapabilityEdit {
			return fmt.Errorf("danger rule %q has invalid capability %q", r.Name, r.Capability)
		}
		if len(r.Kinds) == 0 {
			return fmt.Errorf("danger rule %q applies to no object kinds", r.Name)
		}
	}

	if t.Techniques.Version == "" {
		return fmt.Errorf("technique table has no version")
	}
	seen := make(map[string]struct{})
	for _, tech := range t.Techniques.Techniques {
		if tech.ID == "" {
			return fmt.Errorf("technique table contains an entry with no id")
		}
		if _, dup := seen[tech.ID]; dup {
			return fmt.Errorf("duplicate technique id %q", tech.ID)
		}
		seen[tech.ID] = struct{}{}
		if tech.Mode != ModeConfig && tech.Mode != ModePrincipal {
			return fmt.Errorf("technique %s has invalid mode %q", tech.ID, tech.Mode)
		}
		if tech.Mode == ModePrincipal {
			switch tech.PrincipalSet {
			case SetEnrollees, SetEditors, SetAdmins:
			default:
				return fmt.Errorf("technique %s has invalid principal set %q", tech.ID, tech.PrincipalSet)
			}
		}
		for _, c := range tech.Conditions {
			switch c.Comparator {
			case CompareEq, CompareNe, CompareGt, CompareLt, CompareContains:
			default:
				return fmt.Errorf("technique %s condition on %q has invalid comparator %q", tech.ID, c.Property, c.Comparator)
			}
			if c.Property == "" {
				return fmt.Errorf("technique %s has a condition with no property", tech.ID)
			}
		}
		if tech.Issue == "" {
			return fmt.Errorf("technique %s has no issue template", tech.ID)
		}
	}
	return nil
}
