// Package auditor orchestrates one audit session: inventory, staged
// enrichment, classification, rule evaluation, and ranking run as ordered
// phases over the session stores. The session owns all mutable state; a
// rescan rebuilds it from scratch.
package auditor

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/SpecterOps/CertHound/internal/acl"
	"github.com/SpecterOps/CertHound/internal/adcs"
	"github.com/SpecterOps/CertHound/internal/classify"
	"github.com/SpecterOps/CertHound/internal/risk"
	"github.com/SpecterOps/CertHound/internal/rules"
	"github.com/SpecterOps/CertHound/internal/store"
	"github.com/SpecterOps/CertHound/internal/techniques"
	"github.com/SpecterOps/CertHound/internal/types"
)

// Forest root domain relative identifiers injected into the standard-owner
// set at session start.
const (
	ridEnterpriseAdmins = "-519"
	ridDomainAdmins     = "-512"
)

// DirectorySource is the directory collaborator the session scans through.
// The LDAP client implements it; tests supply fixtures.
type DirectorySource interface {
	store.Resolver
	store.GroupFetcher
	ListInventory(ctx context.Context) ([]*types.SecurityObject, error)
	GetDomainInfo(ctx context.Context) (*store.DomainInfo, error)
	ForestRootSID(ctx context.Context) (string, error)
}

// Config carries the session knobs.
type Config struct {
	// Workers bounds the concurrent CA-configuration queries; 0 runs them
	// sequentially.
	Workers int
	// RulesDir overrides individual embedded rule tables when set.
	RulesDir string
	// SkipCAConfig runs the session without the CA configuration
	// collaborator even when one is available.
	SkipCAConfig bool
	// SkipWebProbe disables the HTTP web enrollment probe.
	SkipWebProbe bool
}

// Session is one audit run against one forest.
type Session struct {
	cfg    Config
	source DirectorySource
	caCfg  adcs.ConfigClient
	web    *adcs.WebEnrollmentProber
	log    zerolog.Logger

	tables     *rules.Tables
	classifier *classify.Classifier
	eval       *acl.Evaluator
	engine     *techniques.Engine

	principals *store.PrincipalStore
	objects    *store.ObjectStore
	domains    *store.DomainStore
	findings   *store.FindingStore
	expander   *store.Expander
	aggregator *risk.Aggregator
}

// NewSession loads the rule tables and wires the session components. A rule
// table that fails to load is a configuration error and aborts here, before
// any scanning, so partial results are never reported against partial rules.
func NewSession(cfg Config, source DirectorySource, caCfg adcs.ConfigClient, web *adcs.WebEnrollmentProber, log zerolog.Logger) (*Session, error) {
	tables, err := rules.Load(cfg.RulesDir)
	if err != nil {
		return nil, fmt.Errorf("rule tables failed to load: %w", err)
	}

	eval, err := acl.NewEvaluator(tables.Danger)
	if err != nil {
		return nil, fmt.Errorf("danger rule table invalid: %w", err)
	}

	s := &Session{
		cfg:        cfg,
		source:     source,
		caCfg:      caCfg,
		web:        web,
		log:        log,
		tables:     tables,
		classifier: classify.New(tables.Classification),
		eval:       eval,
		principals: store.NewPrincipalStore(source),
		objects:    store.NewObjectStore(),
		domains:    store.NewDomainStore(),
		findings:   store.NewFindingStore(),
	}
	s.expander = store.NewExpander(source, s.principals)
	s.engine = techniques.New(tables.Techniques, eval, s.classifier, s.principals, s.findings, log)
	s.aggregator = risk.New(s.expander, s.principals)
	return s, nil
}

// Findings returns the deduplicated findings of the last run.
func (s *Session) Findings() []types.Finding { return s.findings.All() }

// Objects returns the enriched security objects of the last run.
func (s *Session) Objects() []*types.SecurityObject { return s.objects.All() }

// Ranked computes the principal-centric risk ranking from the current
// finding store.
func (s *Session) Ranked(ctx context.Context, opts risk.Options) ([]risk.Record, error) {
	return s.aggregator.Ranked(ctx, s.findings.All(), opts)
}

// Run executes all phases in order and returns the number of findings.
func (s *Session) Run(ctx context.Context) (int, error) {
	if err := s.seedForest(ctx); err != nil {
		return 0, err
	}
	if err := s.inventory(ctx); err != nil {
		return 0, err
	}
	if err := s.enrich(ctx); err != nil {
		return 0, err
	}
	if err := s.classifyOwnership(ctx); err != nil {
		return 0, err
	}

	added, err := s.engine.Run(ctx, s.objects.All())
	if err != nil {
		return added, err
	}
	s.log.Info().Int("findings", s.findings.Len()).Int("objects", s.objects.Len()).Msg("scan completed")
	return s.findings.Len(), nil
}

// Rescan clears the finding store, and with clearCaches also the object,
// principal, and membership caches, then runs all phases again. Without
// clearCaches a rescan against unchanged state yields an identical finding
// set (the dedup contract makes it idempotent).
func (s *Session) Rescan(ctx context.Context, clearCaches bool) (int, error) {
	s.findings.Clear()
	if clearCaches {
		s.objects.Clear()
		s.principals.Clear()
		s.expander.Clear()
	} else {
		// Reuse enrichment; only rerun the engine.
		added, err := s.engine.Run(ctx, s.objects.All())
		if err != nil {
			return added, err
		}
		return s.findings.Len(), nil
	}
	return s.Run(ctx)
}

// seedForest records the connected domain and injects the forest-specific
// standard owners: the forest root Enterprise Admins and the domain's own
// Domain Admins, always by exact SID. Suffix patterns are never used here,
// so another forest's administrators are not accepted as owners.
func (s *Session) seedForest(ctx context.Context) error {
	info, err := s.source.GetDomainInfo(ctx)
	if err != nil {
		return fmt.Errorf("failed to read domain information: %w", err)
	}
	s.domains.Put(info)
	if info.SID != "" {
		s.classifier.AddStandardOwner(info.SID + ridDomainAdmins)
	}

	rootSID, err := s.source.ForestRootSID(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("forest root SID unavailable, Enterprise Admins not in standard owners")
		return nil
	}
	s.classifier.AddStandardOwner(rootSID + ridEnterpriseAdmins)
	return nil
}

func (s *Session) inventory(ctx context.Context) error {
	objects, err := s.source.ListInventory(ctx)
	if err != nil {
		return fmt.Errorf("inventory failed: %w", err)
	}
	if len(objects) == 0 {
		s.log.Warn().Msg("inventory returned no PKI objects")
	}
	for _, obj := range objects {
		s.objects.Put(obj)
	}
	return nil
}

// enrich advances every object through the staged pipeline. Parsing and CA
// resolution are local and sequential; the per-CA configuration queries are
// independent external round-trips and run on the worker pool.
func (s *Session) enrich(ctx context.Context) error {
	all := s.objects.All()

	for _, obj := range all {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := adcs.ParseObject(obj, s.log); err != nil {
			return err
		}
	}
	adcs.LinkTemplates(all)
	for _, obj := range all {
		if err := adcs.ResolveCA(obj); err != nil {
			return err
		}
	}

	if err := s.configureCAs(ctx, all); err != nil {
		return err
	}

	for _, obj := range all {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := adcs.Attribute(obj, s.eval); err != nil {
			return err
		}
		s.prefetchPrincipals(ctx, obj)
	}
	return nil
}

// caJob and caResult carry enrollment services through the worker pool.
type caJob struct {
	index int
	obj   *types.SecurityObject
}

type caResult struct {
	index int
	obj   *types.SecurityObject
	err   error
}

func (s *Session) configureCAs(ctx context.Context, all []*types.SecurityObject) error {
	caCfg := s.caCfg
	if s.cfg.SkipCAConfig {
		caCfg = nil
	}
	web := s.web
	if s.cfg.SkipWebProbe {
		web = nil
	}

	var services []*types.SecurityObject
	for _, obj := range all {
		if obj.Kind == types.KindEnrollmentService {
			services = append(services, obj)
		} else {
			if err := adcs.ApplyCAConfig(ctx, obj, nil, nil, s.log); err != nil {
				return err
			}
		}
	}

	if s.cfg.Workers <= 1 || len(services) <= 1 {
		for _, obj := range services {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := adcs.ApplyCAConfig(ctx, obj, caCfg, web, s.log); err != nil {
				return err
			}
		}
		return nil
	}

	numWorkers := s.cfg.Workers
	if numWorkers > len(services) {
		numWorkers = len(services)
	}
	s.log.Debug().Int("workers", numWorkers).Int("cas", len(services)).Msg("querying CA configuration concurrently")

	jobs := make(chan caJob, len(services))
	results := make(chan caResult, len(services))

	var wg sync.WaitGroup
	for w := 1; w <= numWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				err := adcs.ApplyCAConfig(ctx, job.obj, caCfg, web, s.log)
				results <- caResult{index: job.index, obj: job.obj, err: err}
			}
		}()
	}

	for i, obj := range services {
		jobs <- caJob{index: i, obj: obj}
	}
	close(jobs)

	go func() {
		wg.Wait()
		close(results)
	}()

	var firstErr error
	for result := range results {
		if result.err != nil && firstErr == nil {
			firstErr = fmt.Errorf("CA %s: %w", result.obj.DisplayName(), result.err)
		}
	}
	if firstErr != nil {
		return firstErr
	}
	return ctx.Err()
}

// prefetchPrincipals warms the principal cache for every SID the object
// implicates, so the rule engine and the aggregator never trigger a
// first-time directory round-trip mid-evaluation.
func (s *Session) prefetchPrincipals(ctx context.Context, obj *types.SecurityObject) {
	resolve := func(sid string) {
		if sid == "" {
			return
		}
		if _, err := s.principals.Resolve(ctx, sid); err != nil {
			s.log.Warn().Err(err).Str("sid", sid).Msg("principal resolution failed")
		}
	}

	resolve(obj.OwnerSID)
	for _, sid := range obj.Enrollees {
		resolve(sid)
	}
	for _, sid := range obj.Editors {
		resolve(sid)
	}
	for _, holders := range obj.RoleHolders {
		for _, sid := range holders {
			resolve(sid)
		}
	}
}

// classifyOwnership tags every principal in the cache and marks each object
// whose owner falls outside the standard-owner set. An object with no
// readable owner keeps the flag unknown, which no ownership rule matches.
func (s *Session) classifyOwnership(ctx context.Context) error {
	for _, obj := range s.objects.All() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if obj.OwnerSID == "" {
			continue
		}
		if p, ok := s.principals.Get(obj.OwnerSID); ok {
			s.classifier.Apply(p)
		}
		obj.NonStandardOwner = types.TriBool(!s.classifier.IsStandardOwner(obj.OwnerSID))
	}
	return nil
}
