package store

import (
	"context"
	"sync"
)

// GroupFetcher lists the direct members of a group. The LDAP client
// implements it; tests supply fakes.
type GroupFetcher interface {
	ListGroupMembers(ctx context.Context, groupSID string) ([]string, error)
}

// ExpansionPolicy names how far group membership is expanded.
type ExpansionPolicy int

// PolicyDirect expands one level only: direct members of each group are
// returned, and member groups are not expanded further. Transitive expansion
// is deliberately not offered; the policy is pinned by the expander tests.
const PolicyDirect ExpansionPolicy = iota

// Expander resolves a set of SIDs to the underlying member SIDs, caching
// membership per group so repeated expansions across techniques and objects
// never re-query the directory for the same group.
type Expander struct {
	mu         sync.Mutex
	members    map[string][]string
	fetcher    GroupFetcher
	principals *PrincipalStore
	policy     ExpansionPolicy
}

// NewExpander creates an expander over the given fetcher and principal store.
func NewExpander(fetcher GroupFetcher, principals *PrincipalStore) *Expander {
	return &Expander{
		members:    make(map[string][]string),
		fetcher:    fetcher,
		principals: principals,
		policy:     PolicyDirect,
	}
}

// Policy returns the expansion policy in effect.
func (e *Expander) Policy() ExpansionPolicy { return e.policy }

// Expand returns the underlying member SIDs for a set that may mix groups
// and individuals. Individuals pass through unchanged; groups are replaced
// by their direct members. The result preserves first-seen order and is
// deduplicated. A group whose membership cannot be fetched passes through
// unchanged so its findings stay attributed to the group rather than being
// dropped.
func (e *Expander) Expand(ctx context.Context, sids []string) []string {
	var out []string
	seen := make(map[string]struct{})
	add := func(sid string) {
		if _, dup := seen[sid]; dup {
			return
		}
		seen[sid] = struct{}{}
		out = append(out, sid)
	}

	for _, sid := range sids {
		p, err := e.principals.Resolve(ctx, sid)
		if err != nil || p == nil || !p.IsGroup() || p.Stub {
			add(sid)
			continue
		}
		members, err := e.directMembers(ctx, sid)
		if err != nil || members == nil {
			add(sid)
			continue
		}
		for _, m := range members {
			add(m)
		}
	}
	return out
}

// MembersOf returns the cached direct members of a group, fetching them on
// first use. An empty group yields an empty non-nil slice; a failed fetch
// yields nil and the error.
func (e *Expander) MembersOf(ctx context.Context, groupSID string) ([]string, error) {
	return e.directMembers(ctx, groupSID)
}

func (e *Expander) directMembers(ctx context.Context, groupSID string) ([]string, error) {
	key := normalizeSID(groupSID)

	e.mu.Lock()
	cached, ok := e.members[key]
	e.mu.Unlock()
	if ok {
		return cached, nil
	}

	if e.fetcher == nil {
		return nil, ErrNotFound
	}
	members, err := e.fetcher.ListGroupMembers(ctx, groupSID)
	if err != nil {
		return nil, err
	}
	if members == nil {
		members = []string{}
	}

	e.mu.Lock()
	e.members[key] = members
	e.mu.Unlock()
	return members, nil
}

// Clear drops the membership cache.
func (e *Expander) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.members = make(map[string][]string)
}
