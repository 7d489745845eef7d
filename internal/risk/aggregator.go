// Package risk pivots the finding store by principal: group-held rights are
// fanned out to the group's members, counts and distinct technique/object
// sets are rolled up per principal, and the result is ranked.
package risk

import (
	"context"
	"sort"
	"strings"

	"github.com/SpecterOps/CertHound/internal/store"
	"github.com/SpecterOps/CertHound/internal/types"
)

// Record is the per-principal rollup.
type Record struct {
	PrincipalSID  string   `json:"principalSid"`
	PrincipalName string   `json:"principalName"`
	Count         int      `json:"count"`
	Techniques    []string `json:"techniques"`
	Objects       []string `json:"objects"`
}

// Options narrow the ranking output.
type Options struct {
	// Technique restricts the rollup to one technique identifier.
	Technique string
	// MinCount drops principals with fewer findings, applied before TopN.
	MinCount int
	// TopN caps the number of returned records; 0 means no cap.
	TopN int
}

// Aggregator computes principal-centric rankings from flat findings.
type Aggregator struct {
	expander   *store.Expander
	principals *store.PrincipalStore
}

// New creates an aggregator using the given membership expander.
func New(expander *store.Expander, principals *store.PrincipalStore) *Aggregator {
	return &Aggregator{expander: expander, principals: principals}
}

type rollup struct {
	sid        string
	count      int
	techniques map[string]bool
	objects    map[string]bool
}

// Ranked flattens the findings, expands group-attributed findings to the
// group's direct members (each member inherits the group's rights), rolls
// up per principal, and returns records sorted by count descending with
// principal name ascending as the deterministic tiebreak.
//
// Findings without an implicated principal are attributed to the object
// owner when one is recorded; ownership stays on the owner identity and is
// never expanded. Findings with neither are dropped from the ranking.
func (a *Aggregator) Ranked(ctx context.Context, findings []types.Finding, opts Options) ([]Record, error) {
	rollups := make(map[string]*rollup)

	tally := func(sid string, f types.Finding) {
		key := strings.ToUpper(sid)
		r := rollups[key]
		if r == nil {
			r = &rollup{sid: sid, techniques: make(map[string]bool), objects: make(map[string]bool)}
			rollups[key] = r
		}
		r.count++
		r.techniques[f.Technique] = true
		r.objects[f.ObjectName] = true
	}

	for _, f := range findings {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if opts.Technique != "" && !strings.EqualFold(f.Technique, opts.Technique) {
			continue
		}

		if f.PrincipalSID == "" {
			if f.OwnerSID != "" {
				tally(f.OwnerSID, f)
			}
			continue
		}

		for _, sid := range a.attributed(ctx, f.PrincipalSID) {
			tally(sid, f)
		}
	}

	records := make([]Record, 0, len(rollups))
	for _, r := range rollups {
		if r.count < opts.MinCount {
			continue
		}
		records = append(records, Record{
			PrincipalSID:  r.sid,
			PrincipalName: a.displayName(ctx, r.sid),
			Count:         r.count,
			Techniques:    sortedKeys(r.techniques),
			Objects:       sortedKeys(r.objects),
		})
	}

	sort.Slice(records, func(i, j int) bool {
		if records[i].Count != records[j].Count {
			return records[i].Count > records[j].Count
		}
		if records[i].PrincipalName != records[j].PrincipalName {
			return records[i].PrincipalName < records[j].PrincipalName
		}
		return records[i].PrincipalSID < records[j].PrincipalSID
	})

	if opts.TopN > 0 && len(records) > opts.TopN {
		records = records[:opts.TopN]
	}
	return records, nil
}

// attributed returns the identities a finding against one SID lands on:
// the direct members for a group with known membership, the SID itself
// otherwise.
func (a *Aggregator) attributed(ctx context.Context, sid string) []string {
	return a.expander.Expand(ctx, []string{sid})
}

func (a *Aggregator) displayName(ctx context.Context, sid string) string {
	p, err := a.principals.Resolve(ctx, sid)
	if err != nil || p == nil {
		return sid
	}
	return p.Name
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
