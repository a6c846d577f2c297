package graph

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/emergent-company/graphcore/pkg/apperror"
	"github.com/emergent-company/graphcore/pkg/logger"
	"github.com/emergent-company/graphcore/pkg/metrics"
	"github.com/emergent-company/graphcore/pkg/tenant"
	"github.com/emergent-company/graphcore/pkg/tracing"
)

// MergeConfig bounds the merge engine.
type MergeConfig struct {
	// HardLimit caps the entries listed per kind.
	HardLimit     int
	DryRunTimeout time.Duration
	// ExecutesPerMinute limits executes per project; zero disables it.
	ExecutesPerMinute int
}

// MergeEngine reconciles one branch into another. DryRun only reads;
// Execute re-classifies and applies inside a single write transaction.
type MergeEngine struct {
	store   Store
	schema  SchemaAdapter
	cfg     MergeConfig
	limiter *tenantLimiter
	log     *slog.Logger
	now     func() time.Time
}

func NewMergeEngine(store Store, schema SchemaAdapter, cfg MergeConfig, log *slog.Logger) *MergeEngine {
	if cfg.HardLimit <= 0 {
		cfg.HardLimit = 500
	}
	return &MergeEngine{
		store:   store,
		schema:  schema,
		cfg:     cfg,
		limiter: newTenantLimiter(cfg.ExecutesPerMinute),
		log:     log.With(logger.Scope("graph.merge")),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// tenantLimiter holds one token bucket per project.
type tenantLimiter struct {
	mu        sync.Mutex
	limit     rate.Limit
	burst     int
	byProject map[uuid.UUID]*rate.Limiter
}

func newTenantLimiter(perMinute int) *tenantLimiter {
	if perMinute <= 0 {
		return nil
	}
	return &tenantLimiter{
		limit:     rate.Every(time.Minute / time.Duration(perMinute)),
		burst:     perMinute,
		byProject: make(map[uuid.UUID]*rate.Limiter),
	}
}

func (l *tenantLimiter) allow(projectID uuid.UUID) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	lim, ok := l.byProject[projectID]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.byProject[projectID] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}

// branchHeads is every live head on one branch.
type branchHeads struct {
	objects []*GraphObject
	rels    []*GraphRelationship
}

func loadBranchHeads(ctx context.Context, r Reader) (*branchHeads, error) {
	out := &branchHeads{}
	after := uuid.Nil
	for {
		page, err := r.ListObjectHeads(ctx, HeadQuery{After: after, Limit: maxPageSize})
		if err != nil {
			return nil, err
		}
		out.objects = append(out.objects, page...)
		if len(page) < maxPageSize {
			break
		}
		after = page[len(page)-1].CanonicalID
	}
	after = uuid.Nil
	for {
		page, err := r.ListRelationshipHeads(ctx, HeadQuery{After: after, Limit: maxPageSize})
		if err != nil {
			return nil, err
		}
		out.rels = append(out.rels, page...)
		if len(page) < maxPageSize {
			break
		}
		after = page[len(page)-1].CanonicalID
	}
	return out, nil
}

// mergeSchema is the schema snapshot a merge runs against. It is loaded
// before any transaction opens.
type mergeSchema struct {
	inverse      map[string]string
	multiplicity map[string]Multiplicity
	validators   map[string]Validator
}

func (e *MergeEngine) loadMergeSchema(ctx context.Context, projectID uuid.UUID, sides ...*branchHeads) (*mergeSchema, error) {
	s := &mergeSchema{
		inverse:      make(map[string]string),
		multiplicity: make(map[string]Multiplicity),
		validators:   make(map[string]Validator),
	}
	var types []string
	seen := make(map[string]struct{})
	for _, side := range sides {
		for _, r := range side.rels {
			if _, ok := seen[r.Type]; !ok {
				seen[r.Type] = struct{}{}
				types = append(types, r.Type)
			}
		}
	}
	for _, t := range types {
		inv, ok, err := e.schema.InverseType(ctx, projectID, t)
		if err != nil {
			return nil, err
		}
		if ok && inv != "" && inv != t {
			s.inverse[t] = inv
			if _, set := s.inverse[inv]; !set {
				s.inverse[inv] = t
			}
		}
	}
	for t := range seen {
		if err := s.loadMultiplicity(ctx, e.schema, projectID, t); err != nil {
			return nil, err
		}
	}
	for _, inv := range s.inverse {
		if err := s.loadMultiplicity(ctx, e.schema, projectID, inv); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *mergeSchema) loadMultiplicity(ctx context.Context, adapter SchemaAdapter, projectID uuid.UUID, relType string) error {
	if _, ok := s.multiplicity[relType]; ok {
		return nil
	}
	m, err := adapter.RelationshipMultiplicity(ctx, projectID, relType)
	if err != nil {
		return err
	}
	s.multiplicity[relType] = m
	return nil
}

// covers reports whether every relationship type on side is in the snapshot.
func (s *mergeSchema) covers(side *branchHeads) bool {
	for _, r := range side.rels {
		if _, ok := s.multiplicity[r.Type]; !ok {
			return false
		}
	}
	return true
}

// relKey is the normalized identity of a relationship across branches.
type relKey struct {
	typ      string
	src, dst uuid.UUID
}

func (k relKey) String() string {
	return fmt.Sprintf("%s|%s|%s", k.typ, k.src, k.dst)
}

// keyOf normalizes r. Of two mutually inverse types the one that sorts
// first is primary; a row of the other type is keyed by the primary type
// with its endpoints swapped.
func (s *mergeSchema) keyOf(r *GraphRelationship) (relKey, bool) {
	inv, ok := s.inverse[r.Type]
	if !ok || r.Type < inv {
		return relKey{r.Type, r.SrcID, r.DstID}, true
	}
	return relKey{inv, r.DstID, r.SrcID}, false
}

// relGroup holds every live row of one branch sharing a normalized key. rep
// is the primary half when the branch has it.
type relGroup struct {
	rep  *GraphRelationship
	rows []*GraphRelationship
}

func (s *mergeSchema) groupRelationships(rels []*GraphRelationship) map[relKey]*relGroup {
	out := make(map[relKey]*relGroup, len(rels))
	for _, r := range rels {
		key, primary := s.keyOf(r)
		g, ok := out[key]
		if !ok {
			out[key] = &relGroup{rep: r, rows: []*GraphRelationship{r}}
			continue
		}
		g.rows = append(g.rows, r)
		if primary {
			if _, repPrimary := s.keyOf(g.rep); !repPrimary {
				g.rep = r
			}
		}
	}
	return out
}

// chainStep is the part of a version row the merge base search needs.
type chainStep struct {
	id     uuid.UUID
	forkOf *uuid.UUID
	paths  []string
}

func objectSteps(rows []*GraphObject) []chainStep {
	out := make([]chainStep, len(rows))
	for i, r := range rows {
		out[i] = chainStep{id: r.ID, forkOf: r.ForkOfID}
		if r.ChangeSummary != nil {
			out[i].paths = r.ChangeSummary.Paths
		}
	}
	return out
}

func relationshipSteps(rows []*GraphRelationship) []chainStep {
	out := make([]chainStep, len(rows))
	for i, r := range rows {
		out[i] = chainStep{id: r.ID, forkOf: r.ForkOfID}
		if r.ChangeSummary != nil {
			out[i].paths = r.ChangeSummary.Paths
		}
	}
	return out
}

// ancestry finds rows of one identity on every branch the two merge sides
// descend from, so fork links can be followed past the merged pair.
type ancestry struct {
	r        Reader
	scope    tenant.Scope
	branches []uuid.UUID
}

func newAncestry(ctx context.Context, r Reader, scope tenant.Scope, sides ...uuid.UUID) (*ancestry, error) {
	l := &ancestry{r: r, scope: scope, branches: []uuid.UUID{tenant.Trunk}}
	seen := map[uuid.UUID]struct{}{tenant.Trunk: {}}
	add := func(id uuid.UUID) {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			l.branches = append(l.branches, id)
		}
	}
	for _, b := range sides {
		if b == tenant.Trunk {
			continue
		}
		add(b)
		ancestors, err := r.BranchLineage(ctx, b)
		if err != nil {
			return nil, err
		}
		for _, a := range ancestors {
			add(a.AncestorBranchID)
		}
	}
	return l, nil
}

// located is a row's position in the chain that holds it.
type located struct {
	steps []chainStep
	at    int
}

// index loads the chains of canonicals on every lineage branch and maps
// each row id to its position.
func (l *ancestry) index(ctx context.Context, load func(ctx context.Context, canonical uuid.UUID) ([]chainStep, error), canonicals ...uuid.UUID) (map[uuid.UUID]located, error) {
	rows := make(map[uuid.UUID]located)
	for _, b := range l.branches {
		bctx := tenant.With(ctx, l.scope.OnBranch(b))
		for i, c := range canonicals {
			if i > 0 && c == canonicals[0] {
				continue
			}
			steps, err := load(bctx, c)
			if errors.Is(err, apperror.ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			for at, s := range steps {
				rows[s.id] = located{steps: steps, at: at}
			}
		}
	}
	return rows, nil
}

func (l *ancestry) objects(ctx context.Context, src, tgt []*GraphObject) ([]chainStep, []chainStep, error) {
	rows, err := l.index(ctx, func(ctx context.Context, c uuid.UUID) ([]chainStep, error) {
		chain, err := l.r.ObjectChain(ctx, c)
		if err != nil {
			return nil, err
		}
		return objectSteps(chain), nil
	}, src[0].CanonicalID, tgt[0].CanonicalID)
	if err != nil {
		return nil, nil, err
	}
	return expandSteps(objectSteps(src), rows), expandSteps(objectSteps(tgt), rows), nil
}

func (l *ancestry) relationships(ctx context.Context, src, tgt []*GraphRelationship) ([]chainStep, []chainStep, error) {
	rows, err := l.index(ctx, func(ctx context.Context, c uuid.UUID) ([]chainStep, error) {
		chain, err := l.r.RelationshipChain(ctx, c)
		if err != nil {
			return nil, err
		}
		return relationshipSteps(chain), nil
	}, src[0].CanonicalID, tgt[0].CanonicalID)
	if err != nil {
		return nil, nil, err
	}
	return expandSteps(relationshipSteps(src), rows), expandSteps(relationshipSteps(tgt), rows), nil
}

// expandSteps prefixes a forked chain with the history it was copied from,
// following fork links across branches until a chain that was not forked
// is reached.
func expandSteps(steps []chainStep, rows map[uuid.UUID]located) []chainStep {
	out := steps
	seen := make(map[uuid.UUID]struct{})
	for len(out) > 0 && out[0].forkOf != nil {
		from := *out[0].forkOf
		if _, dup := seen[from]; dup {
			break
		}
		seen[from] = struct{}{}
		loc, ok := rows[from]
		if !ok {
			break
		}
		prefix := make([]chainStep, 0, loc.at+1+len(out))
		prefix = append(prefix, loc.steps[:loc.at+1]...)
		out = append(prefix, out...)
	}
	return out
}

// mergeBase returns, per side, the index of the newest step both histories
// share: the same row, or a row one side copied from the other. Steps after
// it count toward the side's change-path set. Without a shared step a
// forked chain counts after its fork row and an unrelated chain counts
// every step (-1).
func mergeBase(src, tgt []chainStep) (srcAfter, tgtAfter int) {
	tgtAt := make(map[uuid.UUID]int, len(tgt))
	copiedAt := make(map[uuid.UUID]int)
	for j, s := range tgt {
		tgtAt[s.id] = j
		if s.forkOf != nil {
			copiedAt[*s.forkOf] = j
		}
	}
	srcAfter, tgtAfter = forkBase(src), forkBase(tgt)
	best := -1
	match := func(i, j int) {
		if i+j > best {
			best, srcAfter, tgtAfter = i+j, i, j
		}
	}
	for i, s := range src {
		if j, ok := tgtAt[s.id]; ok {
			match(i, j)
		}
		if s.forkOf != nil {
			if j, ok := tgtAt[*s.forkOf]; ok {
				match(i, j)
			}
		}
		if j, ok := copiedAt[s.id]; ok {
			match(i, j)
		}
	}
	return srcAfter, tgtAfter
}

func forkBase(steps []chainStep) int {
	if len(steps) > 0 && steps[0].forkOf != nil {
		return 0
	}
	return -1
}

func pathsAfter(steps []chainStep, after int) PathSet {
	out := NewPathSet()
	for i, s := range steps {
		if i > after {
			out.Add(s.paths...)
		}
	}
	return out
}

func sameAt(a, b Properties, path string) bool {
	av, aok := a.At(path)
	bv, bok := b.At(path)
	if aok != bok {
		return false
	}
	return !aok || av.Equal(bv)
}

// pairResult is the classification of an identity present on both sides.
type pairResult struct {
	status    MergeStatus
	srcPaths  PathSet
	tgtPaths  PathSet
	conflicts []string
	// apply lists the source paths whose values the target lacks.
	apply    PathSet
	strategy string
}

func classifyPair(srcProps, tgtProps Properties, srcSteps, tgtSteps []chainStep) pairResult {
	srcAfter, tgtAfter := mergeBase(srcSteps, tgtSteps)
	res := pairResult{
		srcPaths: pathsAfter(srcSteps, srcAfter),
		tgtPaths: pathsAfter(tgtSteps, tgtAfter),
		apply:    NewPathSet(),
	}
	for p := range res.srcPaths {
		if sameAt(srcProps, tgtProps, p) {
			continue
		}
		res.apply.Add(p)
		if res.tgtPaths.Has(p) {
			res.conflicts = append(res.conflicts, p)
		}
	}
	sort.Strings(res.conflicts)
	switch {
	case len(res.conflicts) > 0:
		res.status = MergeConflict
	case len(res.apply) == 0:
		res.status = MergeUnchanged
	default:
		res.status = MergeFastForward
		res.strategy = StrategyPathMerge
		if res.tgtPaths.SubsetOf(res.srcPaths) {
			res.strategy = StrategyReplace
		}
	}
	return res
}

// applyPaths copies the values at paths from source into a copy of target;
// a path absent on source is removed.
func applyPaths(target, source Properties, paths PathSet) Properties {
	out := target.Clone()
	for p := range paths {
		key, ok := PathKey(p)
		if !ok {
			continue
		}
		if v, found := source[key]; found {
			out[key] = v
		} else {
			delete(out, key)
		}
	}
	return out
}

// plannedEntry is a summary entry plus what execute needs to apply it.
type plannedEntry struct {
	*MergeEntry
	srcObj, tgtObj *GraphObject
	src, tgt       *relGroup
	pair           pairResult
}

type mergePlan struct {
	objects            []*plannedEntry
	rels               []*plannedEntry
	objectCounts       MergeCounts
	relationshipCounts MergeCounts
}

func uuidPtr(id uuid.UUID) *uuid.UUID { return &id }

func pathList(s PathSet) []string {
	if len(s) == 0 {
		return nil
	}
	return s.Sorted()
}

func (p *plannedEntry) setPair(res pairResult) {
	p.pair = res
	p.Status = res.status
	p.SourcePaths = pathList(res.srcPaths)
	p.TargetPaths = pathList(res.tgtPaths)
	p.ConflictPaths = res.conflicts
	p.Strategy = res.strategy
}

// classify pairs the heads of both branches and classifies every identity.
// r is the store for a dry run and the write transaction for an execute.
func classify(ctx context.Context, r Reader, srcCtx, tgtCtx context.Context, src, tgt *branchHeads, schema *mergeSchema) (*mergePlan, error) {
	plan := &mergePlan{}
	srcScope, err := tenant.From(srcCtx)
	if err != nil {
		return nil, err
	}
	tgtScope, err := tenant.From(tgtCtx)
	if err != nil {
		return nil, err
	}
	lin, err := newAncestry(srcCtx, r, srcScope, srcScope.BranchID, tgtScope.BranchID)
	if err != nil {
		return nil, err
	}

	tgtObjects := make(map[uuid.UUID]*GraphObject, len(tgt.objects))
	for _, o := range tgt.objects {
		tgtObjects[o.CanonicalID] = o
	}
	seen := make(map[uuid.UUID]struct{}, len(src.objects))
	for _, s := range src.objects {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		seen[s.CanonicalID] = struct{}{}
		entry := &plannedEntry{
			MergeEntry: &MergeEntry{
				Kind:        KindObject,
				Identity:    s.CanonicalID.String(),
				CanonicalID: s.CanonicalID,
				Type:        s.Type,
				SourceRowID: uuidPtr(s.ID),
			},
			srcObj: s,
		}
		t, ok := tgtObjects[s.CanonicalID]
		switch {
		case !ok:
			entry.Status = MergeAdded
		case bytes.Equal(s.ContentHash, t.ContentHash):
			entry.tgtObj = t
			entry.TargetRowID = uuidPtr(t.ID)
			entry.Status = MergeUnchanged
		default:
			entry.tgtObj = t
			entry.TargetRowID = uuidPtr(t.ID)
			srcChain, err := r.ObjectChain(srcCtx, s.CanonicalID)
			if err != nil {
				return nil, err
			}
			tgtChain, err := r.ObjectChain(tgtCtx, t.CanonicalID)
			if err != nil {
				return nil, err
			}
			srcSteps, tgtSteps, err := lin.objects(srcCtx, srcChain, tgtChain)
			if err != nil {
				return nil, err
			}
			entry.setPair(classifyPair(s.Properties, t.Properties, srcSteps, tgtSteps))
		}
		plan.objects = append(plan.objects, entry)
	}
	for _, t := range tgt.objects {
		if _, ok := seen[t.CanonicalID]; ok {
			continue
		}
		plan.objects = append(plan.objects, &plannedEntry{
			MergeEntry: &MergeEntry{
				Kind:        KindObject,
				Status:      MergeUnchanged,
				Identity:    t.CanonicalID.String(),
				CanonicalID: t.CanonicalID,
				Type:        t.Type,
				TargetRowID: uuidPtr(t.ID),
			},
			tgtObj: t,
		})
	}

	srcGroups := schema.groupRelationships(src.rels)
	tgtGroups := schema.groupRelationships(tgt.rels)
	for key, sg := range srcGroups {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		entry := &plannedEntry{
			MergeEntry: relEntry(key, sg.rep),
			src:        sg,
		}
		entry.SourceRowID = uuidPtr(sg.rep.ID)
		tg, ok := tgtGroups[key]
		switch {
		case !ok:
			entry.Status = MergeAdded
		case bytes.Equal(sg.rep.ContentHash, tg.rep.ContentHash):
			entry.tgt = tg
			entry.TargetRowID = uuidPtr(tg.rep.ID)
			entry.Status = MergeUnchanged
		default:
			entry.tgt = tg
			entry.TargetRowID = uuidPtr(tg.rep.ID)
			srcChain, err := r.RelationshipChain(srcCtx, sg.rep.CanonicalID)
			if err != nil {
				return nil, err
			}
			tgtChain, err := r.RelationshipChain(tgtCtx, tg.rep.CanonicalID)
			if err != nil {
				return nil, err
			}
			srcSteps, tgtSteps, err := lin.relationships(srcCtx, srcChain, tgtChain)
			if err != nil {
				return nil, err
			}
			entry.setPair(classifyPair(sg.rep.Properties, tg.rep.Properties, srcSteps, tgtSteps))
		}
		plan.rels = append(plan.rels, entry)
	}
	for key, tg := range tgtGroups {
		if _, ok := srcGroups[key]; ok {
			continue
		}
		entry := &plannedEntry{MergeEntry: relEntry(key, tg.rep), tgt: tg}
		entry.Status = MergeUnchanged
		entry.TargetRowID = uuidPtr(tg.rep.ID)
		plan.rels = append(plan.rels, entry)
	}

	sortPlanned(plan.objects)
	sortPlanned(plan.rels)
	for _, p := range plan.objects {
		plan.objectCounts.add(p.Status)
	}
	for _, p := range plan.rels {
		plan.relationshipCounts.add(p.Status)
	}
	return plan, nil
}

func relEntry(key relKey, rep *GraphRelationship) *MergeEntry {
	return &MergeEntry{
		Kind:        KindRelationship,
		Identity:    key.String(),
		CanonicalID: rep.CanonicalID,
		Type:        key.typ,
		SrcID:       uuidPtr(key.src),
		DstID:       uuidPtr(key.dst),
	}
}

// sortPlanned orders conflict, fast_forward, added, unchanged, then by
// identity.
func sortPlanned(entries []*plannedEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		ri, rj := entries[i].Status.rank(), entries[j].Status.rank()
		if ri != rj {
			return ri < rj
		}
		return entries[i].Identity < entries[j].Identity
	})
}

// truncate keeps the first limit entries.
func truncate(entries []*plannedEntry, limit int) ([]*MergeEntry, bool) {
	out := make([]*MergeEntry, 0, min(len(entries), limit))
	for _, p := range entries[:min(len(entries), limit)] {
		out = append(out, p.MergeEntry)
	}
	return out, len(entries) > limit
}

// actionableBeyond reports whether an entry execute would act on sorts
// past limit.
func actionableBeyond(entries []*plannedEntry, limit int) bool {
	for _, p := range entries[min(len(entries), limit):] {
		if p.Status != MergeUnchanged {
			return true
		}
	}
	return false
}

// summarize lists at most the request limit per kind. The second result
// reports whether an actionable entry falls past the configured hard limit;
// a smaller request limit only shortens the lists.
func (e *MergeEngine) summarize(req MergeRequest, plan *mergePlan, dryRun bool) (*MergeSummary, bool) {
	limit := e.cfg.HardLimit
	if req.Limit > 0 && req.Limit < limit {
		limit = req.Limit
	}
	objs, objsCut := truncate(plan.objects, limit)
	rels, relsCut := truncate(plan.rels, limit)
	overLimit := actionableBeyond(plan.objects, e.cfg.HardLimit) || actionableBeyond(plan.rels, e.cfg.HardLimit)
	return &MergeSummary{
		TargetBranchID:         req.TargetBranchID,
		SourceBranchID:         req.SourceBranchID,
		DryRun:                 dryRun,
		Objects:                objs,
		Relationships:          rels,
		ObjectCounts:           plan.objectCounts,
		RelationshipCounts:     plan.relationshipCounts,
		HardLimit:              e.cfg.HardLimit,
		ObjectsTruncated:       objsCut,
		RelationshipsTruncated: relsCut,
	}, overLimit
}

// sides builds the contexts of both branches and checks they exist.
func (e *MergeEngine) sides(ctx context.Context, r Reader, req MergeRequest) (scope tenant.Scope, srcCtx, tgtCtx context.Context, err error) {
	scope, err = tenant.From(ctx)
	if err != nil {
		return scope, nil, nil, err
	}
	if scope.AllTenants() {
		return scope, nil, nil, apperror.ErrForbidden.WithMessage("merge requires a project scope")
	}
	if req.SourceBranchID == req.TargetBranchID {
		return scope, nil, nil, apperror.NewBadRequest("source and target branch must differ")
	}
	srcCtx = tenant.With(ctx, scope.OnBranch(req.SourceBranchID))
	tgtCtx = tenant.With(ctx, scope.OnBranch(req.TargetBranchID))
	if err := requireBranch(srcCtx, r); err != nil {
		return scope, nil, nil, err
	}
	if err := requireBranch(tgtCtx, r); err != nil {
		return scope, nil, nil, err
	}
	return scope, srcCtx, tgtCtx, nil
}

func (e *MergeEngine) loadBoth(ctx, srcCtx, tgtCtx context.Context) (src, tgt *branchHeads, err error) {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		src, err = loadBranchHeads(withScopeOf(gctx, srcCtx), e.store)
		return err
	})
	g.Go(func() error {
		var err error
		tgt, err = loadBranchHeads(withScopeOf(gctx, tgtCtx), e.store)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return src, tgt, nil
}

// withScopeOf returns ctx carrying the tenant scope of scoped.
func withScopeOf(ctx, scoped context.Context) context.Context {
	scope, err := tenant.From(scoped)
	if err != nil {
		return ctx
	}
	return tenant.With(ctx, scope)
}

func recordMerge(mode string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
		if appErr, ok := apperror.As(err); ok {
			result = appErr.Code
		}
	}
	metrics.MergeRuns.WithLabelValues(mode, result).Inc()
	metrics.MergeDuration.WithLabelValues(mode).Observe(time.Since(start).Seconds())
}

func recordEntries(plan *mergePlan) {
	for _, p := range plan.objects {
		metrics.MergeEntries.WithLabelValues(string(KindObject), string(p.Status)).Inc()
	}
	for _, p := range plan.rels {
		metrics.MergeEntries.WithLabelValues(string(KindRelationship), string(p.Status)).Inc()
	}
}

// DryRun classifies every identity of both branches without writing. It
// holds no transaction and is bounded by the dry-run timeout.
func (e *MergeEngine) DryRun(ctx context.Context, req MergeRequest) (summary *MergeSummary, err error) {
	ctx, span := tracing.Start(ctx, "graph.merge.dry_run",
		attribute.String("graph.merge.source", req.SourceBranchID.String()),
		attribute.String("graph.merge.target", req.TargetBranchID.String()),
	)
	start := time.Now()
	defer func() {
		recordMerge("dry_run", start, err)
		tracing.End(span, err)
	}()

	if e.cfg.DryRunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.DryRunTimeout)
		defer cancel()
	}

	scope, srcCtx, tgtCtx, err := e.sides(ctx, e.store, req)
	if err != nil {
		return nil, err
	}
	src, tgt, err := e.loadBoth(ctx, srcCtx, tgtCtx)
	if err != nil {
		return nil, err
	}
	schema, err := e.loadMergeSchema(ctx, scope.ProjectID, src, tgt)
	if err != nil {
		return nil, err
	}
	plan, err := classify(ctx, e.store, srcCtx, tgtCtx, src, tgt, schema)
	if err != nil {
		return nil, err
	}
	recordEntries(plan)
	summary, _ = e.summarize(req, plan, true)
	return summary, nil
}

// Execute re-classifies both branches inside one write transaction and
// applies ADDED and FAST_FORWARD entries plus resolved conflicts. Any
// unresolved conflict, or any failing apply, aborts the whole merge.
func (e *MergeEngine) Execute(ctx context.Context, req MergeRequest) (summary *MergeSummary, err error) {
	ctx, span := tracing.Start(ctx, "graph.merge.execute",
		attribute.String("graph.merge.source", req.SourceBranchID.String()),
		attribute.String("graph.merge.target", req.TargetBranchID.String()),
	)
	start := time.Now()
	defer func() {
		recordMerge("execute", start, err)
		tracing.End(span, err)
	}()

	scope, srcCtx, tgtCtx, err := e.sides(ctx, e.store, req)
	if err != nil {
		return nil, err
	}
	if !e.limiter.allow(scope.ProjectID) {
		return nil, apperror.ErrRateLimited.WithMessage("too many merge executes for this project")
	}
	if err := validateResolutions(req.Resolutions); err != nil {
		return nil, err
	}

	// The schema snapshot is taken from a read outside the transaction.
	preSrc, preTgt, err := e.loadBoth(ctx, srcCtx, tgtCtx)
	if err != nil {
		return nil, err
	}
	schema, err := e.loadMergeSchema(ctx, scope.ProjectID, preSrc, preTgt)
	if err != nil {
		return nil, err
	}
	if err := e.loadResolutionValidators(ctx, scope.ProjectID, req, preSrc, preTgt, schema); err != nil {
		return nil, err
	}

	err = e.store.InTx(tgtCtx, func(txCtx context.Context, tx Tx) error {
		srcTx := withScopeOf(txCtx, srcCtx)
		src, err := loadBranchHeads(srcTx, tx)
		if err != nil {
			return err
		}
		tgt, err := loadBranchHeads(txCtx, tx)
		if err != nil {
			return err
		}
		if !schema.covers(src) || !schema.covers(tgt) {
			return apperror.ErrVersionConflict.WithMessage("branches changed while the merge was prepared; retry")
		}
		plan, err := classify(txCtx, tx, srcTx, txCtx, src, tgt, schema)
		if err != nil {
			return err
		}
		var cutActionable bool
		summary, cutActionable = e.summarize(req, plan, false)
		if cutActionable {
			return apperror.NewBadRequest("merge exceeds the hard limit; split it before executing").
				WithDetails(map[string]any{"hard_limit": summary.HardLimit})
		}
		if unresolved := unresolvedConflicts(plan, req.Resolutions); len(unresolved) > 0 {
			return apperror.ErrUnresolvedConflicts.
				WithMessagef("%d conflicts need a resolution", len(unresolved)).
				WithDetails(map[string]any{"identities": unresolved})
		}

		ap := &applier{tx: tx, srcCtx: srcTx, tgtCtx: txCtx, schema: schema, now: e.now()}
		for _, p := range plan.objects {
			if err := ap.object(p, req.Resolutions); err != nil {
				return err
			}
		}
		for _, p := range plan.rels {
			if err := ap.relationship(p, req.Resolutions); err != nil {
				return err
			}
		}
		summary.Applied = &MergeApplied{Objects: ap.objects, Relationships: ap.rels}
		recordEntries(plan)
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.log.InfoContext(ctx, "merge executed",
		slog.String("source_branch_id", req.SourceBranchID.String()),
		slog.String("target_branch_id", req.TargetBranchID.String()),
		slog.Int("objects_applied", summary.Applied.Objects),
		slog.Int("relationships_applied", summary.Applied.Relationships))
	return summary, nil
}

func validateResolutions(res map[string]Resolution) error {
	for id, r := range res {
		switch r.Strategy {
		case PickSource, PickTarget:
		case MergedValue:
			if r.Value == nil {
				return apperror.NewBadRequest("merged_value resolution for " + id + " needs a value")
			}
		default:
			return apperror.NewBadRequest(fmt.Sprintf("unknown resolution strategy %q for %s", r.Strategy, id))
		}
	}
	return nil
}

func validatorKey(kind EntryKind, typ string) string {
	return string(kind) + ":" + typ
}

// loadResolutionValidators fetches the validators of the types whose
// conflicts are settled with a merged value.
func (e *MergeEngine) loadResolutionValidators(ctx context.Context, projectID uuid.UUID, req MergeRequest, src, tgt *branchHeads, schema *mergeSchema) error {
	if len(req.Resolutions) == 0 {
		return nil
	}
	merged := func(identity string) bool {
		r, ok := req.Resolutions[identity]
		return ok && r.Strategy == MergedValue
	}
	for _, side := range []*branchHeads{src, tgt} {
		for _, o := range side.objects {
			key := validatorKey(KindObject, o.Type)
			if _, loaded := schema.validators[key]; loaded || !merged(o.CanonicalID.String()) {
				continue
			}
			schema.validators[key] = loadValidator(ctx, e.log, func() (Validator, error) {
				return e.schema.ObjectValidator(ctx, projectID, o.Type)
			}, projectID, o.Type)
		}
		for _, r := range side.rels {
			key := validatorKey(KindRelationship, r.Type)
			relKey, _ := schema.keyOf(r)
			if _, loaded := schema.validators[key]; loaded || !merged(relKey.String()) {
				continue
			}
			schema.validators[key] = loadValidator(ctx, e.log, func() (Validator, error) {
				return e.schema.RelationshipValidator(ctx, projectID, r.Type)
			}, projectID, r.Type)
		}
	}
	return nil
}

func unresolvedConflicts(plan *mergePlan, res map[string]Resolution) []string {
	var out []string
	for _, entries := range [][]*plannedEntry{plan.objects, plan.rels} {
		for _, p := range entries {
			if p.Status != MergeConflict {
				continue
			}
			if _, ok := res[p.Identity]; !ok {
				out = append(out, p.Identity)
			}
		}
	}
	return out
}

// applier writes merge entries to the target branch inside the execute
// transaction.
type applier struct {
	tx             Tx
	srcCtx, tgtCtx context.Context
	schema         *mergeSchema
	now            time.Time
	objects, rels  int
}

// targetProps returns the properties the target should end with, or false
// when the entry needs no write.
func (a *applier) targetProps(p *plannedEntry, typ string, srcProps, tgtProps Properties, res map[string]Resolution) (Properties, bool, error) {
	switch p.Status {
	case MergeFastForward:
		if p.Strategy == StrategyReplace {
			return srcProps.Clone(), true, nil
		}
		return applyPaths(tgtProps, srcProps, p.pair.apply), true, nil
	case MergeConflict:
		r := res[p.Identity]
		switch r.Strategy {
		case PickSource:
			return applyPaths(tgtProps, srcProps, p.pair.apply), true, nil
		case MergedValue:
			v := a.schema.validators[validatorKey(p.Kind, typ)]
			props, err := runValidator(string(p.Kind), typ, v, r.Value.Clone())
			if err != nil {
				return nil, false, err
			}
			return props, true, nil
		}
	}
	return nil, false, nil
}

func (a *applier) object(p *plannedEntry, res map[string]Resolution) error {
	switch p.Status {
	case MergeUnchanged:
		return nil
	case MergeAdded:
		return a.addObject(p.srcObj)
	}
	props, ok, err := a.targetProps(p, p.tgtObj.Type, p.srcObj.Properties, p.tgtObj.Properties, res)
	if err != nil {
		return err
	}
	if !ok || props.Equal(p.tgtObj.Properties) {
		return nil
	}
	// Labels are not part of the content hash and stay as the target has them.
	row := p.tgtObj.next(props, p.tgtObj.Labels, a.now)
	if p.Status == MergeFastForward || res[p.Identity].Strategy == PickSource {
		row.ForkOfID = uuidPtr(p.srcObj.ID)
	}
	if err := a.tx.InsertObject(a.tgtCtx, row); err != nil {
		return err
	}
	a.objects++
	return nil
}

func (a *applier) addObject(src *GraphObject) error {
	latest, err := a.tx.LatestObject(a.tgtCtx, src.CanonicalID)
	if err != nil && !errors.Is(err, apperror.ErrNotFound) {
		return err
	}
	var row *GraphObject
	if latest != nil {
		row = latest.next(src.Properties, src.Labels, a.now)
		row.Key = src.Key
	} else {
		scope, err := tenant.From(a.tgtCtx)
		if err != nil {
			return err
		}
		row = newObjectRow(scope, src.Type, src.Key, src.Properties.Clone(), src.Labels, a.now)
		row.CanonicalID = src.CanonicalID
		row.ActorID = src.ActorID
	}
	row.ForkOfID = uuidPtr(src.ID)
	if err := a.tx.InsertObject(a.tgtCtx, row); err != nil {
		return err
	}
	a.objects++
	return nil
}

func (a *applier) relationship(p *plannedEntry, res map[string]Resolution) error {
	switch p.Status {
	case MergeUnchanged:
		return nil
	case MergeAdded:
		for _, r := range p.src.rows {
			if err := a.addRelationship(r); err != nil {
				return err
			}
		}
		return nil
	}
	props, ok, err := a.targetProps(p, p.tgt.rep.Type, p.src.rep.Properties, p.tgt.rep.Properties, res)
	if err != nil || !ok {
		return err
	}
	synced := p.Status == MergeFastForward || res[p.Identity].Strategy == PickSource
	for _, t := range p.tgt.rows {
		if props.Equal(t.Properties) {
			continue
		}
		row := t.next(props, a.now)
		if synced {
			row.ForkOfID = uuidPtr(p.src.rep.ID)
			for _, s := range p.src.rows {
				if s.Type == t.Type {
					row.ForkOfID = uuidPtr(s.ID)
				}
			}
		}
		if err := a.tx.InsertRelationship(a.tgtCtx, row, EdgeConstraint{Multiplicity: ManyToMany}); err != nil {
			return err
		}
		a.rels++
	}
	return nil
}

// addRelationship copies a source edge to the target after checking its
// endpoints and multiplicity there.
func (a *applier) addRelationship(src *GraphRelationship) error {
	if _, err := resolveEndpoint(a.tgtCtx, a.tx, "src", src.SrcID); err != nil {
		return err
	}
	if _, err := resolveEndpoint(a.tgtCtx, a.tx, "dst", src.DstID); err != nil {
		return err
	}
	m, ok := a.schema.multiplicity[src.Type]
	if !ok {
		m = ManyToMany
	}
	if err := checkMultiplicity(a.tgtCtx, a.tx, src.Type, src.SrcID, src.DstID, m); err != nil {
		return err
	}
	latest, err := a.tx.LatestRelationship(a.tgtCtx, src.CanonicalID)
	if err != nil && !errors.Is(err, apperror.ErrNotFound) {
		return err
	}
	var row *GraphRelationship
	if latest != nil && latest.IsDeleted() && latest.Type == src.Type && latest.SrcID == src.SrcID && latest.DstID == src.DstID {
		row = latest.next(src.Properties, a.now)
		row.Weight = src.Weight
	} else {
		scope, err := tenant.From(a.tgtCtx)
		if err != nil {
			return err
		}
		row = newRelationshipRow(scope, edgeWrite{
			typ: src.Type, src: src.SrcID, dst: src.DstID, props: src.Properties.Clone(),
			weight: src.Weight, validFrom: src.ValidFrom, validTo: src.ValidTo,
		}, a.now)
		if latest == nil {
			row.CanonicalID = src.CanonicalID
		}
	}
	row.ForkOfID = uuidPtr(src.ID)
	if err := a.tx.InsertRelationship(a.tgtCtx, row, EdgeConstraint{Multiplicity: m}); err != nil {
		return err
	}
	a.rels++
	return nil
}
