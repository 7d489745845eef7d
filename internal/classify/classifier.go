// Package classify categorizes principals by SID using the curated pattern
// tables: Safe (expected high-privilege identities), Dangerous (identities
// that should never hold PKI rights), and LowPrivilege for everything in
// between, the middle ground an auditor has to review.
package classify

import (
	"strings"

	"github.com/SpecterOps/CertHound/internal/rules"
	"github.com/SpecterOps/CertHound/internal/types"
)

type pattern struct {
	exact bool
	value string
	name  string
}

// matches applies one pattern to a normalized SID. Suffix patterns only
// apply to domain SIDs (S-1-5-21-...), so a well-known RID suffix cannot
// accidentally match a builtin SID ending in the same digits.
func (p pattern) matches(sid string) bool {
	if p.exact {
		return sid == p.value
	}
	return strings.HasPrefix(sid, "S-1-5-21-") && strings.HasSuffix(sid, p.value)
}

// Classifier assigns classification categories and tracks the session's
// standard-owner set.
type Classifier struct {
	safe           []pattern
	dangerous      []pattern
	standardOwners map[string]struct{}
}

// New builds a classifier from a loaded classification table.
func New(table rules.ClassificationTable) *Classifier {
	c := &Classifier{standardOwners: make(map[string]struct{})}
	c.safe = compile(table.Safe)
	c.dangerous = compile(table.Dangerous)
	for _, sid := range table.StandardOwners {
		c.standardOwners[normalize(sid)] = struct{}{}
	}
	return c
}

func compile(patterns []rules.Pattern) []pattern {
	out := make([]pattern, 0, len(patterns))
	for _, p := range patterns {
		out = append(out, pattern{
			exact: p.Match == rules.MatchExact,
			value: normalize(p.Value),
			name:  p.Name,
		})
	}
	return out
}

// AddStandardOwner adds a forest-specific standard owner SID. Called at
// session start with the forest root domain's administrative groups; always
// an exact SID, never a suffix pattern, so another forest's administrators
// are not treated as expected owners.
func (c *Classifier) AddStandardOwner(sid string) {
	c.standardOwners[normalize(sid)] = struct{}{}
}

// Classify returns exactly one category for a SID. Safe and Dangerous rules
// are evaluated in table order before concluding LowPrivilege by exclusion.
func (c *Classifier) Classify(sid string) types.Classification {
	n := normalize(sid)
	if n == "" {
		return types.ClassLowPrivilege
	}
	for _, p := range c.safe {
		if p.matches(n) {
			return types.ClassSafe
		}
	}
	for _, p := range c.dangerous {
		if p.matches(n) {
			return types.ClassDangerous
		}
	}
	return types.ClassLowPrivilege
}

// IsStandardOwner reports whether a SID is an acceptable owner of a PKI
// object.
func (c *Classifier) IsStandardOwner(sid string) bool {
	_, ok := c.standardOwners[normalize(sid)]
	return ok
}

// Apply stamps the classification onto a principal record.
func (c *Classifier) Apply(p *types.Principal) {
	if p == nil {
		return
	}
	p.Classification = c.Classify(p.SID)
}

func normalize(sid string) string {
	return strings.ToUpper(strings.TrimSpace(sid))
}
