package acl

import (
	"testing"

	"github.com/SpecterOps/CertHound/internal/rules"
	"github.com/SpecterOps/CertHound/internal/types"
)

func testEvaluator(t *testing.T) *Evaluator {
	t.Helper()
	table := rules.DangerTable{
		Version: "test",
		Rules: []rules.DangerRuleDef{
			{Name: "generic-all", Right: "GenericAll", Kinds: []string{"pKICertificateTemplate", "container"}, Capability: rules.CapabilityEdit},
			{Name: "write-all-properties", Right: "WriteProperty", ObjectType: "", Kinds: []string{"pKICertificateTemplate"}, Capability: rules.CapabilityEdit},
			{Name: "enroll", Right: "ExtendedRight", ObjectType: GUIDEnroll, Kinds: []string{"pKICertificateTemplate"}, Capability: rules.CapabilityEnroll},
		},
	}
	e, err := NewEvaluator(table)
	if err != nil {
		t.Fatalf("NewEvaluator failed: %v", err)
	}
	return e
}

func TestEvaluatorAllPropertiesScope(t *testing.T) {
	e := testEvaluator(t)

	// A rule with the all-properties sentinel matches regardless of the
	// ACE's own property scope.
	tests := []struct {
		name string
		ace  types.ACE
		want bool
	}{
		{"unscoped write", types.ACE{PrincipalSID: "S-1", Rights: RightWriteProperty}, true},
		{"scoped write still matches", types.ACE{PrincipalSID: "S-1", Rights: RightWriteProperty, ObjectType: "e5209ca2-3bba-11d2-90cc-00c04fd91ab1"}, true},
		{"rights do not intersect", types.ACE{PrincipalSID: "S-1", Rights: RightReadProperty}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, got := e.IsDangerous(tt.ace, types.KindTemplate)
			if got != tt.want {
				t.Errorf("IsDangerous() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEvaluatorSpecificScope(t *testing.T) {
	e := testEvaluator(t)

	enrollACE := types.ACE{PrincipalSID: "S-1", Rights: RightExtendedRight, ObjectType: GUIDEnroll}
	if name, ok := e.GrantsEnrollment(enrollACE, types.KindTemplate); !ok || name != "enroll" {
		t.Errorf("GrantsEnrollment = %q, %v", name, ok)
	}

	// Same rights, different extended-right GUID: must not match.
	otherACE := types.ACE{PrincipalSID: "S-1", Rights: RightExtendedRight, ObjectType: GUIDAutoEnroll}
	if _, ok := e.GrantsEnrollment(otherACE, types.KindTemplate); ok {
		t.Error("differently scoped ACE matched a GUID-scoped rule")
	}

	// GUID comparison is case-insensitive.
	upperACE := types.ACE{PrincipalSID: "S-1", Rights: RightExtendedRight, ObjectType: "0E10C968-78FB-11D2-90D4-00C04F79DC55"}
	if _, ok := e.GrantsEnrollment(upperACE, types.KindTemplate); !ok {
		t.Error("uppercase GUID failed to match")
	}
}

func TestEvaluatorKinds(t *testing.T) {
	e := testEvaluator(t)
	ace := types.ACE{PrincipalSID: "S-1", Rights: RightGenericAll}

	if _, ok := e.IsDangerous(ace, types.KindContainer); !ok {
		t.Error("GenericAll on container should be dangerous")
	}
	if _, ok := e.IsDangerous(ace, types.KindEnrollmentService); ok {
		t.Error("rule applied to a kind it does not cover")
	}
}

func TestEvaluatorDeterministic(t *testing.T) {
	e := testEvaluator(t)
	ace := types.ACE{PrincipalSID: "S-1", Rights: RightGenericAll | RightWriteProperty}
	first, _ := e.IsDangerous(ace, types.KindTemplate)
	for i := 0; i < 50; i++ {
		name, ok := e.IsDangerous(ace, types.KindTemplate)
		if !ok || name != first {
			t.Fatalf("iteration %d: got %q, want %q", i, name, first)
		}
	}
}

func TestNewEvaluatorUnknownRight(t *testing.T) {
	_, err := NewEvaluator(rules.DangerTable{
		Version: "test",
		Rules:   []rules.DangerRuleDef{{Name: "bad", Right: "FlyToTheMoon", Kinds: []string{"container"}, Capability: rules.CapabilityEdit}},
	})
	if err == nil {
		t.Fatal("expected error for unknown right name")
	}
}
