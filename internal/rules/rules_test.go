package rules

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadEmbeddedDefaults(t *testing.T) {
	tables, err := Load("")
	if err != nil {
		t.Fatalf("Load with embedded defaults failed: %v", err)
	}

	if tables.Classification.Version == "" {
		t.Error("classification table has no version")
	}
	if len(tables.Classification.Safe) == 0 || len(tables.Classification.Dangerous) == 0 {
		t.Error("classification defaults are empty")
	}
	if len(tables.Classification.StandardOwners) == 0 {
		t.Error("no default standard owners")
	}

	if len(tables.Danger.Rules) == 0 {
		t.Fatal("danger rule defaults are empty")
	}
	for _, r := range tables.Danger.Rules {
		if r.Capability != CapabilityEnroll && r.Capability != CapabilityEdit {
			t.Errorf("rule %q has capability %q", r.Name, r.Capability)
		}
	}

	ids := make(map[string]bool)
	for _, tech := range tables.Techniques.Techniques {
		ids[tech.ID] = true
	}
	for _, want := range []string{"ESC1", "ESC2", "ESC3", "ESC4", "ESC5", "ESC6", "ESC7", "ESC8", "ESC9", "ESC16", "OWNER", "AUDIT"} {
		if !ids[want] {
			t.Errorf("default technique table is missing %s", want)
		}
	}
}

func TestLoadOverrideDirectory(t *testing.T) {
	dir := t.TempDir()
	override := `
version: "custom"
safe:
  - { match: exact, value: S-1-5-18 }
dangerous:
  - { match: exact, value: S-1-1-0 }
standardOwners:
  - S-1-5-18
`
	if err := os.WriteFile(filepath.Join(dir, "classification.yaml"), []byte(override), 0644); err != nil {
		t.Fatal(err)
	}

	tables, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if tables.Classification.Version != "custom" {
		t.Errorf("override not applied, version = %q", tables.Classification.Version)
	}
	// The other tables fall back to the embedded defaults.
	if len(tables.Techniques.Techniques) == 0 {
		t.Error("technique defaults not loaded alongside the override")
	}
}

func TestLoadRejectsMalformedTables(t *testing.T) {
	tests := []struct {
		name string
		file string
		body string
	}{
		{"not yaml", "classification.yaml", "{{{{"},
		{"missing version", "classification.yaml", "safe: []\ndangerous: []\n"},
		{"bad match kind", "classification.yaml", "version: x\nsafe:\n  - { match: regex, value: S-1-5-18 }\n"},
		{"bad capability", "danger_rules.yaml", "version: x\nrules:\n  - { name: r, right: GenericAll, kinds: [container], capability: fly }\n"},
		{"rule without kinds", "danger_rules.yaml", "version: x\nrules:\n  - { name: r, right: GenericAll, kinds: [], capability: edit }\n"},
		{"bad mode", "techniques.yaml", "version: x\ntechniques:\n  - { id: T1, mode: magic, issue: x }\n"},
		{"duplicate id", "techniques.yaml", "version: x\ntechniques:\n  - { id: T1, mode: config, issue: x }\n  - { id: T1, mode: config, issue: x }\n"},
		{"bad comparator", "techniques.yaml", "version: x\ntechniques:\n  - id: T1\n    mode: config\n    issue: x\n    conditions:\n      - { property: kind, comparator: matches, value: y }\n"},
		{"principal mode without set", "techniques.yaml", "version: x\ntechniques:\n  - { id: T1, mode: principal, issue: x }\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			if err := os.WriteFile(filepath.Join(dir, tt.file), []byte(tt.body), 0644); err != nil {
				t.Fatal(err)
			}
			if _, err := Load(dir); err == nil {
				t.Errorf("Load accepted malformed %s", tt.file)
			}
		})
	}
}
