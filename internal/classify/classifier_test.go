package classify

import (
	"testing"

	"github.com/SpecterOps/CertHound/internal/rules"
	"github.com/SpecterOps/CertHound/internal/types"
)

func testTable() rules.ClassificationTable {
	return rules.ClassificationTable{
		Version: "test",
		Safe: []rules.Pattern{
			{Match: rules.MatchExact, Value: "S-1-5-18"},
			{Match: rules.MatchSuffix, Value: "-512"},
		},
		Dangerous: []rules.Pattern{
			{Match: rules.MatchExact, Value: "S-1-5-11"},
			{Match: rules.MatchSuffix, Value: "-513"},
		},
		StandardOwners: []string{"S-1-5-18", "S-1-5-32-544"},
	}
}

func TestClassify(t *testing.T) {
	c := New(testTable())

	tests := []struct {
		name string
		sid  string
		want types.Classification
	}{
		{"well-known safe exact", "S-1-5-18", types.ClassSafe},
		{"domain admins by suffix", "S-1-5-21-111-222-333-512", types.ClassSafe},
		{"authenticated users dangerous", "S-1-5-11", types.ClassDangerous},
		{"domain users by suffix", "S-1-5-21-111-222-333-513", types.ClassDangerous},
		{"unmatched is low privilege", "S-1-5-21-111-222-333-4711", types.ClassLowPrivilege},
		{"case and whitespace normalized", "  s-1-5-18 ", types.ClassSafe},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.Classify(tt.sid); got != tt.want {
				t.Errorf("Classify(%q) = %v, want %v", tt.sid, got, tt.want)
			}
		})
	}
}

// Suffix patterns only apply to domain SIDs. A bare well-known SID that
// happens to end in a matching RID must not be picked up.
func TestSuffixRequiresDomainSID(t *testing.T) {
	c := New(testTable())
	if got := c.Classify("S-1-5-32-512"); got != types.ClassLowPrivilege {
		t.Errorf("non-domain SID matched a suffix pattern: got %v", got)
	}
}

func TestClassifyDeterministic(t *testing.T) {
	c := New(testTable())
	for i := 0; i < 100; i++ {
		if got := c.Classify("S-1-5-21-111-222-333-512"); got != types.ClassSafe {
			t.Fatalf("iteration %d: got %v, want Safe", i, got)
		}
	}
}

// An empty pattern table concludes LowPrivilege and accepts no owner:
// nothing is silently passed as safe when the table carries no patterns.
func TestEmptyTableFailsClosed(t *testing.T) {
	c := New(rules.ClassificationTable{Version: "empty"})
	if got := c.Classify("S-1-5-18"); got != types.ClassLowPrivilege {
		t.Errorf("empty-table classifier returned %v for SYSTEM, want LowPrivilege", got)
	}
	if c.IsStandardOwner("S-1-5-18") {
		t.Error("empty-table classifier accepted SYSTEM as a standard owner")
	}
}

func TestStandardOwners(t *testing.T) {
	c := New(testTable())

	if !c.IsStandardOwner("S-1-5-18") {
		t.Error("SYSTEM should be a standard owner from the table")
	}
	if c.IsStandardOwner("S-1-5-21-111-222-333-519") {
		t.Error("Enterprise Admins accepted before injection")
	}

	c.AddStandardOwner("S-1-5-21-111-222-333-519")
	if !c.IsStandardOwner("S-1-5-21-111-222-333-519") {
		t.Error("injected forest owner not accepted")
	}

	// Exact match only: another forest's Enterprise Admins stays out.
	if c.IsStandardOwner("S-1-5-21-999-888-777-519") {
		t.Error("foreign forest SID accepted as standard owner")
	}
}

func TestApply(t *testing.T) {
	c := New(testTable())
	p := &types.Principal{SID: "S-1-5-11"}
	c.Apply(p)
	if p.Classification != types.ClassDangerous {
		t.Errorf("Apply set %v, want Dangerous", p.Classification)
	}
}
