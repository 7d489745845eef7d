// Package store provides the session-scoped caches shared by the enrichment
// stages and the technique rule engine: principals, security objects, domains,
// findings, and group membership. Stores are injected into the components
// that use them, never held as package globals, and are safe for use from the
// enrichment worker pool.
package store

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/SpecterOps/CertHound/internal/types"
)

// ErrNotFound is returned by resolvers when a reference matches no directory
// object.
var ErrNotFound = errors.New("principal not found")

// Resolver resolves an identity reference to a full principal record. The
// LDAP client implements it; tests supply fakes.
type Resolver interface {
	ResolveSID(ctx context.Context, sid string) (*types.Principal, error)
	ResolveName(ctx context.Context, name string) (*types.Principal, error)
}

// PrincipalStore caches resolved principals by SID. Each SID triggers at most
// one resolver round-trip per session; unresolvable well-known SIDs are
// cached as stub records so findings naming them are not dropped.
type PrincipalStore struct {
	mu       sync.RWMutex
	bySID    map[string]*types.Principal
	resolver Resolver
}

// NewPrincipalStore creates a principal store backed by the given resolver.
// A nil resolver is allowed; Resolve then only ever yields cached entries and
// stubs.
func NewPrincipalStore(resolver Resolver) *PrincipalStore {
	return &PrincipalStore{
		bySID:    make(map[string]*types.Principal),
		resolver: resolver,
	}
}

// Get returns the cached principal for a SID, if present.
func (s *PrincipalStore) Get(sid string) (*types.Principal, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.bySID[normalizeSID(sid)]
	return p, ok
}

// Put caches a principal under its SID.
func (s *PrincipalStore) Put(p *types.Principal) {
	if p == nil || p.SID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bySID[normalizeSID(p.SID)] = p
}

// Contains reports whether a SID is already cached.
func (s *PrincipalStore) Contains(sid string) bool {
	_, ok := s.Get(sid)
	return ok
}

// Resolve returns the principal for a SID, querying the resolver on first
// use. A SID the resolver cannot find is cached as a stub with a best-effort
// display name, so repeated lookups never re-query the directory.
func (s *PrincipalStore) Resolve(ctx context.Context, sid string) (*types.Principal, error) {
	if p, ok := s.Get(sid); ok {
		return p, nil
	}

	if s.resolver != nil {
		p, err := s.resolver.ResolveSID(ctx, sid)
		if err == nil {
			s.Put(p)
			return p, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}

	stub := StubPrincipal(sid)
	s.Put(stub)
	return stub, nil
}

// Len returns the number of cached principals.
func (s *PrincipalStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.bySID)
}

// Clear drops all cached principals.
func (s *PrincipalStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bySID = make(map[string]*types.Principal)
}

// StubPrincipal builds a minimal principal record for a SID that has no
// directory object, using the well-known name when one is known.
func StubPrincipal(sid string) *types.Principal {
	name := WellKnownName(sid)
	objectClass := "user"
	if name != "" {
		// Well-known identities that stand for many accounts behave like
		// groups for attribution purposes.
		objectClass = "group"
	} else {
		name = sid
	}
	return &types.Principal{
		SID:         sid,
		Name:        name,
		ObjectClass: objectClass,
		Stub:        true,
	}
}

// ObjectStore caches security objects by distinguished name for one audit
// session.
type ObjectStore struct {
	mu   sync.RWMutex
	byDN map[string]*types.SecurityObject
}

// NewObjectStore creates an empty object store.
func NewObjectStore() *ObjectStore {
	return &ObjectStore{byDN: make(map[string]*types.SecurityObject)}
}

// Get returns the object for a distinguished name, if present.
func (s *ObjectStore) Get(dn string) (*types.SecurityObject, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.byDN[strings.ToLower(dn)]
	return o, ok
}

// Put caches an object under its distinguished name.
func (s *ObjectStore) Put(o *types.SecurityObject) {
	if o == nil || o.DistinguishedName == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byDN[strings.ToLower(o.DistinguishedName)] = o
}

// Contains reports whether a distinguished name is cached.
func (s *ObjectStore) Contains(dn string) bool {
	_, ok := s.Get(dn)
	return ok
}

// All returns the cached objects ordered by distinguished name, so that
// scans iterate deterministically.
func (s *ObjectStore) All() []*types.SecurityObject {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.SecurityObject, 0, len(s.byDN))
	for _, o := range s.byDN {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].DistinguishedName < out[j].DistinguishedName
	})
	return out
}

// OfKind returns cached objects of one kind, ordered by distinguished name.
func (s *ObjectStore) OfKind(kind types.ObjectKind) []*types.SecurityObject {
	all := s.All()
	out := all[:0:0]
	for _, o := range all {
		if o.Kind == kind {
			out = append(out, o)
		}
	}
	return out
}

// Len returns the number of cached objects.
func (s *ObjectStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byDN)
}

// Clear drops all cached objects.
func (s *ObjectStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byDN = make(map[string]*types.SecurityObject)
}

// DomainInfo describes one domain of the audited forest.
type DomainInfo struct {
	Name       string // DNS name, e.g. corp.example.com
	NetBIOS    string
	SID        string // domain SID, e.g. S-1-5-21-...
	BaseDN     string
	ForestRoot bool
}

// DomainStore caches per-domain information keyed by DNS name.
type DomainStore struct {
	mu     sync.RWMutex
	byName map[string]*DomainInfo
}

// NewDomainStore creates an empty domain store.
func NewDomainStore() *DomainStore {
	return &DomainStore{byName: make(map[string]*DomainInfo)}
}

// Get returns the cached info for a domain name, if present.
func (s *DomainStore) Get(name string) (*DomainInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.byName[strings.ToLower(name)]
	return d, ok
}

// Put caches domain info under its DNS name.
func (s *DomainStore) Put(d *DomainInfo) {
	if d == nil || d.Name == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byName[strings.ToLower(d.Name)] = d
}

// Contains reports whether a domain name is cached.
func (s *DomainStore) Contains(name string) bool {
	_, ok := s.Get(name)
	return ok
}

// ForestRoot returns the forest root domain, if cached.
func (s *DomainStore) ForestRoot() (*DomainInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, d := range s.byName {
		if d.ForestRoot {
			return d, true
		}
	}
	return nil, false
}

func normalizeSID(sid string) string {
	return strings.ToUpper(strings.TrimSpace(sid))
}
