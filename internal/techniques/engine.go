// Package techniques implements the declarative ESC technique rule engine.
// The engine is stateless: it reads phase-complete security objects, matches
// them against the loaded technique table, and writes findings into the
// deduplicating finding store. Running the same table against the same
// objects twice is idempotent.
package techniques

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/SpecterOps/CertHound/internal/acl"
	"github.com/SpecterOps/CertHound/internal/classify"
	"github.com/SpecterOps/CertHound/internal/rules"
	"github.com/SpecterOps/CertHound/internal/store"
	"github.com/SpecterOps/CertHound/internal/types"
)

// Engine evaluates the technique table against enriched security objects.
type Engine struct {
	table      rules.TechniqueTable
	eval       *acl.Evaluator
	classifier *classify.Classifier
	principals *store.PrincipalStore
	findings   *store.FindingStore
	log        zerolog.Logger
}

// New creates a rule engine writing into the given finding store.
func New(table rules.TechniqueTable, eval *acl.Evaluator, classifier *classify.Classifier,
	principals *store.PrincipalStore, findings *store.FindingStore, log zerolog.Logger) *Engine {
	return &Engine{
		table:      table,
		eval:       eval,
		classifier: classifier,
		principals: principals,
		findings:   findings,
		log:        log,
	}
}

// Run evaluates every technique against every object and returns the number
// of findings newly added. Objects must be phase-complete; cancellation is
// checked between objects.
func (e *Engine) Run(ctx context.Context, objects []*types.SecurityObject) (int, error) {
	added := 0
	for _, obj := range objects {
		if err := ctx.Err(); err != nil {
			return added, err
		}
		if obj.Phase != types.PhaseComplete {
			return added, fmt.Errorf("%s: rule engine requires a complete object, got phase %s", obj.DistinguishedName, obj.Phase)
		}

		for _, tech := range e.table.Techniques {
			if !e.conditionsMatch(tech, obj) {
				continue
			}
			n, err := e.emit(ctx, tech, obj)
			if err != nil {
				return added, err
			}
			added += n
		}
	}
	return added, nil
}

// conditionsMatch reports whether every condition of a technique holds for
// the object. An unknown property name and an unknown tristate value both
// fail the condition: a rule can only ever narrow, never widen, on missing
// data.
func (e *Engine) conditionsMatch(tech rules.Technique, obj *types.SecurityObject) bool {
	for _, cond := range tech.Conditions {
		value, ok := obj.Property(cond.Property)
		if !ok {
			e.log.Debug().Str("technique", tech.ID).Str("property", cond.Property).Msg("condition references unknown property")
			return false
		}
		if !compare(value, cond.Comparator, cond.Value) {
			return false
		}
	}
	return true
}

func compare(value types.PropertyValue, comparator, want string) bool {
	switch value.Kind {
	case types.PropTristate:
		if !value.Tri.Known() {
			return false
		}
		wantTrue := strings.EqualFold(want, "true")
		switch comparator {
		case rules.CompareEq:
			return value.Tri.True() == wantTrue
		case rules.CompareNe:
			return value.Tri.True() != wantTrue
		}
		return false

	case types.PropInt:
		n, err := strconv.Atoi(want)
		if err != nil {
			return false
		}
		switch comparator {
		case rules.CompareEq:
			return value.Int == n
		case rules.CompareNe:
			return value.Int != n
		case rules.CompareGt:
			return value.Int > n
		case rules.CompareLt:
			return value.Int < n
		}
		return false

	case types.PropList:
		if comparator != rules.CompareContains {
			return false
		}
		for _, item := range value.List {
			if strings.EqualFold(item, want) {
				return true
			}
		}
		return false

	default:
		switch comparator {
		case rules.CompareEq:
			return strings.EqualFold(value.Str, want)
		case rules.CompareNe:
			return !strings.EqualFold(value.Str, want)
		case rules.CompareContains:
			return strings.Contains(strings.ToLower(value.Str), strings.ToLower(want))
		}
		return false
	}
}

// emit produces the findings for one matched (technique, object) pair.
func (e *Engine) emit(ctx context.Context, tech rules.Technique, obj *types.SecurityObject) (int, error) {
	switch tech.Mode {
	case rules.ModeConfig:
		return e.emitConfig(ctx, tech, obj)
	case rules.ModePrincipal:
		return e.emitPrincipal(ctx, tech, obj)
	default:
		return 0, fmt.Errorf("technique %s: unknown mode %q", tech.ID, tech.Mode)
	}
}

// resolvePrincipal resolves with fallback: a resolution failure on one SID
// must not abort the scan, so the finding is reported against a stub record
// carrying the SID as its name.
func (e *Engine) resolvePrincipal(ctx context.Context, sid string) *types.Principal {
	p, err := e.principals.Resolve(ctx, sid)
	if err != nil {
		e.log.Warn().Err(err).Str("sid", sid).Msg("principal resolution failed, reporting by SID")
		return store.StubPrincipal(sid)
	}
	return p
}

func (e *Engine) emitConfig(ctx context.Context, tech rules.Technique, obj *types.SecurityObject) (int, error) {
	ownerName := ""
	if obj.OwnerSID != "" {
		ownerName = e.resolvePrincipal(ctx, obj.OwnerSID).Name
	}

	params := map[string]string{
		"Object": obj.DisplayName(),
		"Owner":  ownerName,
	}
	f := types.Finding{
		Technique:  tech.ID,
		Forest:     obj.Forest,
		Domain:     obj.Domain,
		ObjectName: obj.DisplayName(),
		ObjectDN:   obj.DistinguishedName,
		ObjectKind: obj.Kind,
		OwnerSID:   obj.OwnerSID,
		OwnerName:  ownerName,
		Enabled:    obj.Enabled,
		Issue:      Render(tech.Issue, params),
		Fix:        Render(tech.Fix, params),
		Revert:     Render(tech.Revert, params),
	}
	if e.findings.Add(f) {
		return 1, nil
	}
	return 0, nil
}

func (e *Engine) emitPrincipal(ctx context.Context, tech rules.Technique, obj *types.SecurityObject) (int, error) {
	if tech.PrincipalSet == rules.SetAdmins {
		return e.emitRoleHolders(ctx, tech, obj)
	}

	var implicated []string
	var qualifies func(ace types.ACE) (string, bool)
	switch tech.PrincipalSet {
	case rules.SetEnrollees:
		implicated = obj.Enrollees
		qualifies = func(ace types.ACE) (string, bool) { return e.eval.GrantsEnrollment(ace, obj.Kind) }
	case rules.SetEditors:
		implicated = obj.Editors
		qualifies = func(ace types.ACE) (string, bool) { return e.eval.IsDangerous(ace, obj.Kind) }
	default:
		return 0, fmt.Errorf("technique %s: unknown principal set %q", tech.ID, tech.PrincipalSet)
	}

	added := 0
	for _, sid := range implicated {
		if e.classifier.Classify(sid) == types.ClassSafe {
			continue
		}

		// Merge the rights of every qualifying entry: the finding key
		// collapses on (object, technique, principal), so a second entry
		// with a different mask would otherwise stay hidden.
		var mask uint32
		for _, ace := range obj.ACEs {
			if !strings.EqualFold(ace.PrincipalSID, sid) {
				continue
			}
			if _, ok := qualifies(ace); !ok {
				continue
			}
			mask |= ace.Rights
		}
		if mask == 0 {
			continue
		}

		principal := e.resolvePrincipal(ctx, sid)
		if e.addPrincipalFinding(tech, obj, principal, acl.RightsString(mask)) {
			added++
		}
	}
	return added, nil
}

// emitRoleHolders handles the admin-role principal set. Role assignments
// live on the CA itself, not in the directory ACL, so the role name stands
// in for the rights text.
func (e *Engine) emitRoleHolders(ctx context.Context, tech rules.Technique, obj *types.SecurityObject) (int, error) {
	roles := make([]string, 0, len(obj.RoleHolders))
	for role := range obj.RoleHolders {
		roles = append(roles, role)
	}
	sort.Strings(roles)

	added := 0
	for _, role := range roles {
		for _, sid := range obj.RoleHolders[role] {
			if e.classifier.Classify(sid) == types.ClassSafe {
				continue
			}
			principal := e.resolvePrincipal(ctx, sid)
			if e.addPrincipalFinding(tech, obj, principal, role) {
				added++
			}
		}
	}
	return added, nil
}

func (e *Engine) addPrincipalFinding(tech rules.Technique, obj *types.SecurityObject, principal *types.Principal, rights string) bool {
	params := map[string]string{
		"Object":    obj.DisplayName(),
		"Principal": principal.Name,
		"Rights":    rights,
	}
	f := types.Finding{
		Technique:     tech.ID,
		Forest:        obj.Forest,
		Domain:        obj.Domain,
		ObjectName:    obj.DisplayName(),
		ObjectDN:      obj.DistinguishedName,
		ObjectKind:    obj.Kind,
		PrincipalSID:  principal.SID,
		PrincipalName: principal.Name,
		Rights:        rights,
		OwnerSID:      obj.OwnerSID,
		Enabled:       obj.Enabled,
		Issue:         Render(tech.Issue, params),
		Fix:           Render(tech.Fix, params),
		Revert:        Render(tech.Revert, params),
	}
	return e.findings.Add(f)
}
