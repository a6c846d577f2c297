package graph

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/emergent-company/graphcore/pkg/apperror"
	"github.com/emergent-company/graphcore/pkg/logger"
	"github.com/emergent-company/graphcore/pkg/metrics"
	"github.com/emergent-company/graphcore/pkg/tracing"
)

// Expansion bounds.
const (
	defaultExpandDepth = 2
	maxExpandDepth     = 8
	defaultExpandNodes = 400
	maxExpandNodes     = 5000
	defaultExpandEdges = 800
	maxExpandEdges     = 15000
)

// TraversalEngine walks relationship heads. It only reads and never opens a
// write transaction.
type TraversalEngine struct {
	store   Reader
	cap     int
	timeout time.Duration
	log     *slog.Logger
}

func NewTraversalEngine(store Reader, edgeCap int, timeout time.Duration, log *slog.Logger) *TraversalEngine {
	return &TraversalEngine{
		store:   store,
		cap:     edgeCap,
		timeout: timeout,
		log:     log.With(logger.Scope("graph.traversal")),
	}
}

func (t *TraversalEngine) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if t.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, t.timeout)
}

// resolveRoots maps physical or canonical ids to canonical ids, dropping
// duplicates. An unknown root is a NotFound error.
func resolveRoots(ctx context.Context, r Reader, ids []uuid.UUID) ([]uuid.UUID, error) {
	seen := make(map[uuid.UUID]struct{}, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		head, err := latestObject(ctx, r, id)
		if err != nil {
			return nil, err
		}
		if _, ok := seen[head.CanonicalID]; ok {
			continue
		}
		seen[head.CanonicalID] = struct{}{}
		out = append(out, head.CanonicalID)
	}
	return out, nil
}

// dedupeHeads keeps one row per canonical id, the highest version, and
// drops deleted rows. Order of first appearance is preserved.
func dedupeHeads(rels []*GraphRelationship) []*GraphRelationship {
	idx := make(map[uuid.UUID]int, len(rels))
	out := make([]*GraphRelationship, 0, len(rels))
	for _, r := range rels {
		if i, ok := idx[r.CanonicalID]; ok {
			if r.Version > out[i].Version {
				out[i] = r
			}
			continue
		}
		idx[r.CanonicalID] = len(out)
		out = append(out, r)
	}
	live := out[:0]
	for _, r := range out {
		if !r.IsDeleted() {
			live = append(live, r)
		}
	}
	return live
}

// Edges returns the live edges touching any root, each logical edge once,
// ordered by (created_at, id) and cut at min(limit, cap).
func (t *TraversalEngine) Edges(ctx context.Context, req TraverseRequest) (res *TraverseResult, err error) {
	ctx, span := tracing.Start(ctx, "graph.traversal.edges", attribute.Int("graph.traversal.roots", len(req.RootIDs)))
	defer func() { tracing.End(span, err) }()

	ctx, cancel := t.withTimeout(ctx)
	defer cancel()

	dir := req.Direction
	if dir == "" {
		dir = DirectionBoth
	}
	if !dir.Valid() {
		return nil, apperror.NewBadRequest("direction must be one of out, in, both")
	}
	if len(req.RootIDs) == 0 {
		return nil, apperror.NewBadRequest("at least one root id is required")
	}
	limit := t.cap
	if req.Limit > 0 && req.Limit < limit {
		limit = req.Limit
	}

	roots, err := resolveRoots(ctx, t.store, req.RootIDs)
	if err != nil {
		return nil, err
	}
	rels, err := t.store.LiveRelationships(ctx, EdgeQuery{
		ObjectIDs: roots,
		Direction: dir,
		Types:     req.Types,
		Limit:     limit + 1,
	})
	if err != nil {
		return nil, err
	}
	rels = dedupeHeads(rels)

	res = &TraverseResult{Edges: rels}
	if len(rels) > limit {
		res.Edges = rels[:limit]
		res.Truncated = true
		metrics.TraversalTruncated.Inc()
	}
	metrics.TraversalEdges.Observe(float64(len(res.Edges)))
	return res, nil
}

func clampBound(v, def, max int) int {
	if v <= 0 {
		return def
	}
	if v > max {
		return max
	}
	return v
}

// Expand runs a breadth-first walk from the roots, bounded by depth, node
// and edge budgets. Edges to objects filtered out by ObjectTypes are not
// followed.
func (t *TraversalEngine) Expand(ctx context.Context, req ExpandRequest) (res *ExpandResult, err error) {
	ctx, span := tracing.Start(ctx, "graph.traversal.expand", attribute.Int("graph.traversal.roots", len(req.RootIDs)))
	defer func() { tracing.End(span, err) }()

	ctx, cancel := t.withTimeout(ctx)
	defer cancel()

	dir := req.Direction
	if dir == "" {
		dir = DirectionBoth
	}
	if !dir.Valid() {
		return nil, apperror.NewBadRequest("direction must be one of out, in, both")
	}
	if len(req.RootIDs) == 0 {
		return nil, apperror.NewBadRequest("at least one root id is required")
	}
	maxDepth := clampBound(req.MaxDepth, defaultExpandDepth, maxExpandDepth)
	maxNodes := clampBound(req.MaxNodes, defaultExpandNodes, maxExpandNodes)
	maxEdges := clampBound(req.MaxEdges, defaultExpandEdges, maxExpandEdges)

	objectTypes := make(map[string]struct{}, len(req.ObjectTypes))
	for _, typ := range req.ObjectTypes {
		objectTypes[typ] = struct{}{}
	}
	typeAllowed := func(o *GraphObject) bool {
		if len(objectTypes) == 0 {
			return true
		}
		_, ok := objectTypes[o.Type]
		return ok
	}

	res = &ExpandResult{}
	depthOf := make(map[uuid.UUID]int)
	edgeSeen := make(map[uuid.UUID]struct{})

	var frontier []uuid.UUID
	for _, id := range req.RootIDs {
		head, err := liveObject(ctx, t.store, id)
		if err != nil {
			return nil, err
		}
		if _, ok := depthOf[head.CanonicalID]; ok {
			continue
		}
		if len(res.Nodes) >= maxNodes {
			res.Truncated = true
			break
		}
		depthOf[head.CanonicalID] = 0
		res.Nodes = append(res.Nodes, &ExpandNode{Object: head, Depth: 0})
		frontier = append(frontier, head.CanonicalID)
	}

	for depth := 1; depth <= maxDepth && len(frontier) > 0 && !res.Truncated; depth++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rels, err := t.store.LiveRelationships(ctx, EdgeQuery{
			ObjectIDs: frontier,
			Direction: dir,
			Types:     req.RelationshipTypes,
		})
		if err != nil {
			return nil, err
		}
		rels = dedupeHeads(rels)

		inFrontier := make(map[uuid.UUID]struct{}, len(frontier))
		for _, id := range frontier {
			inFrontier[id] = struct{}{}
		}
		var candidates []uuid.UUID
		for _, r := range rels {
			for _, end := range []uuid.UUID{r.SrcID, r.DstID} {
				if _, ok := inFrontier[end]; ok {
					continue
				}
				if _, ok := depthOf[end]; !ok {
					candidates = append(candidates, end)
				}
			}
		}
		heads, err := t.store.LatestObjects(ctx, candidates)
		if err != nil {
			return nil, err
		}

		var next []uuid.UUID
		for _, r := range rels {
			if _, ok := edgeSeen[r.CanonicalID]; ok {
				continue
			}
			ok := true
			for _, end := range []uuid.UUID{r.SrcID, r.DstID} {
				if _, known := depthOf[end]; known {
					continue
				}
				head, found := heads[end]
				if !found || head.IsDeleted() || !typeAllowed(head) {
					ok = false
					break
				}
				if len(res.Nodes) >= maxNodes {
					res.Truncated = true
					ok = false
					break
				}
				depthOf[end] = depth
				res.Nodes = append(res.Nodes, &ExpandNode{Object: head, Depth: depth})
				next = append(next, end)
			}
			if !ok {
				continue
			}
			if len(res.Edges) >= maxEdges {
				res.Truncated = true
				break
			}
			edgeSeen[r.CanonicalID] = struct{}{}
			res.Edges = append(res.Edges, r)
		}
		if len(next) > 0 || len(rels) > 0 {
			res.MaxDepthReached = depth
		}
		frontier = next
	}
	if res.Truncated {
		metrics.TraversalTruncated.Inc()
	}
	metrics.TraversalEdges.Observe(float64(len(res.Edges)))
	return res, nil
}
