package acl

import (
	"fmt"
	"strings"

	"github.com/SpecterOps/CertHound/internal/rules"
	"github.com/SpecterOps/CertHound/internal/types"
)

// DangerRule is a compiled entry from the danger rule table.
type DangerRule struct {
	Name       string
	Right      uint32
	ObjectType string // lowercase GUID; "" matches any property scope
	Capability string
	Kinds      map[types.ObjectKind]struct{}
}

// AppliesTo reports whether the rule covers the given object kind.
func (r DangerRule) AppliesTo(kind types.ObjectKind) bool {
	_, ok := r.Kinds[kind]
	return ok
}

// Evaluator decides whether an ACE grants a dangerous or enrollment
// capability on a given object kind. It is a pure function of the ACE, the
// kind, and the compiled rule table: no I/O, deterministic for identical
// inputs.
type Evaluator struct {
	rules []DangerRule
}

// NewEvaluator compiles a danger rule table. An unknown right name is a
// configuration error.
func NewEvaluator(table rules.DangerTable) (*Evaluator, error) {
	compiled := make([]DangerRule, 0, len(table.Rules))
	for _, def := range table.Rules {
		mask, ok := RightMask(def.Right)
		if !ok {
			return nil, fmt.Errorf("danger rule %q names unknown right %q", def.Name, def.Right)
		}
		kinds := make(map[types.ObjectKind]struct{}, len(def.Kinds))
		for _, k := range def.Kinds {
			kinds[types.ObjectKind(k)] = struct{}{}
		}
		compiled = append(compiled, DangerRule{
			Name:       def.Name,
			Right:      mask,
			ObjectType: strings.ToLower(def.ObjectType),
			Capability: def.Capability,
			Kinds:      kinds,
		})
	}
	return &Evaluator{rules: compiled}, nil
}

// matches reports whether one rule matches one ACE: the rights masks must
// intersect, and the rule scope must be the all-properties sentinel or equal
// the ACE's object type exactly.
func (r DangerRule) matches(ace types.ACE) bool {
	if ace.Rights&r.Right == 0 {
		return false
	}
	if r.ObjectType == "" {
		return true
	}
	return r.ObjectType == strings.ToLower(ace.ObjectType)
}

// Match returns every rule matching the ACE on the given kind, in table
// order.
func (e *Evaluator) Match(ace types.ACE, kind types.ObjectKind) []DangerRule {
	var out []DangerRule
	for _, r := range e.rules {
		if r.AppliesTo(kind) && r.matches(ace) {
			out = append(out, r)
		}
	}
	return out
}

// IsDangerous reports whether the ACE grants an edit capability on the
// object kind, returning the first matching rule's name for diagnostics.
func (e *Evaluator) IsDangerous(ace types.ACE, kind types.ObjectKind) (string, bool) {
	return e.firstMatch(ace, kind, rules.CapabilityEdit)
}

// GrantsEnrollment reports whether the ACE grants an enrollment capability
// on the object kind.
func (e *Evaluator) GrantsEnrollment(ace types.ACE, kind types.ObjectKind) (string, bool) {
	return e.firstMatch(ace, kind, rules.CapabilityEnroll)
}

func (e *Evaluator) firstMatch(ace types.ACE, kind types.ObjectKind, capability string) (string, bool) {
	for _, r := range e.rules {
		if r.Capability == capability && r.AppliesTo(kind) && r.matches(ace) {
			return r.Name, true
		}
	}
	return "", false
}
