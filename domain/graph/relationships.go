package graph

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/emergent-company/graphcore/pkg/apperror"
	"github.com/emergent-company/graphcore/pkg/logger"
	"github.com/emergent-company/graphcore/pkg/tenant"
	"github.com/emergent-company/graphcore/pkg/tracing"
)

// RelationshipEngine manages relationship version chains. On top of the
// chain discipline it checks endpoints, multiplicity and inverse pairs.
type RelationshipEngine struct {
	store  Store
	schema SchemaAdapter
	log    *slog.Logger
	now    func() time.Time
}

func NewRelationshipEngine(store Store, schema SchemaAdapter, log *slog.Logger) *RelationshipEngine {
	return &RelationshipEngine{
		store:  store,
		schema: schema,
		log:    log.With(logger.Scope("graph.relationships")),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func multiplicityError(row, other *GraphRelationship) error {
	return apperror.ErrMultiplicityViolation.
		WithMessagef("%s allows one live edge per endpoint; %s already links %s to %s",
			row.Type, other.CanonicalID, other.SrcID, other.DstID).
		WithDetails(map[string]any{
			"type":             row.Type,
			"existing_id":      other.CanonicalID,
			"existing_src_id":  other.SrcID,
			"existing_dst_id":  other.DstID,
			"requested_src_id": row.SrcID,
			"requested_dst_id": row.DstID,
		})
}

// checkMultiplicity rejects a live (relType, src, dst) edge that would give
// a "one" endpoint a second live edge of the same type.
func checkMultiplicity(ctx context.Context, r Reader, relType string, src, dst uuid.UUID, m Multiplicity) error {
	probe := &GraphRelationship{Type: relType, SrcID: src, DstID: dst}
	if m.Src == One {
		edges, err := r.LiveRelationships(ctx, EdgeQuery{ObjectIDs: []uuid.UUID{src}, Direction: DirectionOut, Types: []string{relType}})
		if err != nil {
			return err
		}
		for _, e := range edges {
			if e.SrcID == src && e.DstID != dst {
				return multiplicityError(probe, e)
			}
		}
	}
	if m.Dst == One {
		edges, err := r.LiveRelationships(ctx, EdgeQuery{ObjectIDs: []uuid.UUID{dst}, Direction: DirectionIn, Types: []string{relType}})
		if err != nil {
			return err
		}
		for _, e := range edges {
			if e.DstID == dst && e.SrcID != src {
				return multiplicityError(probe, e)
			}
		}
	}
	return nil
}

// resolveEndpoint maps a physical or canonical object id to the canonical
// id of a live head on the caller's branch.
func resolveEndpoint(ctx context.Context, r Reader, role string, id uuid.UUID) (uuid.UUID, error) {
	head, err := liveObject(ctx, r, id)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			return uuid.Nil, apperror.ErrDanglingEndpoint.
				WithMessagef("%s object %s is missing or deleted", role, id).
				WithDetails(map[string]any{"endpoint": role, "id": id})
		}
		return uuid.Nil, err
	}
	return head.CanonicalID, nil
}

// edgeSchema is everything the schema adapter says about one relationship
// type, fetched before a transaction opens.
type edgeSchema struct {
	typ          string
	multiplicity Multiplicity
	validator    Validator
	inverse      string
	// writesInverse is set when creating this type also writes the inverse
	// half: an inverse is declared and this type is the primary side.
	writesInverse bool
	inverseSchema *edgeSchema
}

func (e *RelationshipEngine) loadEdgeSchema(ctx context.Context, projectID uuid.UUID, relType string, withInverse bool) (*edgeSchema, error) {
	m, err := e.schema.RelationshipMultiplicity(ctx, projectID, relType)
	if err != nil {
		return nil, err
	}
	es := &edgeSchema{
		typ:          relType,
		multiplicity: m,
		validator: loadValidator(ctx, e.log, func() (Validator, error) {
			return e.schema.RelationshipValidator(ctx, projectID, relType)
		}, projectID, relType),
	}
	inv, ok, err := e.schema.InverseType(ctx, projectID, relType)
	if err != nil {
		return nil, err
	}
	if !ok || inv == "" || inv == relType {
		return es, nil
	}
	es.inverse = inv
	if !withInverse {
		return es, nil
	}
	// Mutual inverses are written from the type that sorts first only.
	back, backOK, err := e.schema.InverseType(ctx, projectID, inv)
	if err != nil {
		return nil, err
	}
	if backOK && back == relType && relType > inv {
		return es, nil
	}
	es.writesInverse = true
	es.inverseSchema, err = e.loadEdgeSchema(ctx, projectID, inv, false)
	if err != nil {
		return nil, err
	}
	return es, nil
}

// Create writes version 1 of a relationship between two live objects. A
// live edge with the same (type, src, dst) and identical properties is
// returned unchanged; with different properties it gets a new version.
func (e *RelationshipEngine) Create(ctx context.Context, req CreateRelationshipRequest) (out *GraphRelationship, err error) {
	ctx, span := tracing.Start(ctx, "graph.relationships.create",
		attribute.String("graph.relationship.type", req.Type),
		attribute.String("graph.relationship.src", req.SrcID.String()),
		attribute.String("graph.relationship.dst", req.DstID.String()),
	)
	noop := false
	defer func() {
		recordWrite("relationship", "create", err, noop)
		tracing.End(span, err)
	}()

	scope, err := tenant.From(ctx)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Type) == "" {
		return nil, apperror.NewBadRequest("type is required")
	}
	if req.SrcID == req.DstID {
		return nil, apperror.ErrValidationFailed.WithMessage("self_loop_not_allowed")
	}
	es, err := e.loadEdgeSchema(ctx, scope.ProjectID, req.Type, true)
	if err != nil {
		return nil, err
	}
	props := req.Properties
	if props == nil {
		props = Properties{}
	}
	if props, err = runValidator("relationship", req.Type, es.validator, props); err != nil {
		return nil, err
	}

	err = e.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		if err := requireBranch(ctx, tx); err != nil {
			return err
		}
		src, err := resolveEndpoint(ctx, tx, "src", req.SrcID)
		if err != nil {
			return err
		}
		dst, err := resolveEndpoint(ctx, tx, "dst", req.DstID)
		if err != nil {
			return err
		}
		if src == dst {
			return apperror.ErrValidationFailed.WithMessage("self_loop_not_allowed")
		}

		spec := edgeWrite{
			typ: req.Type, src: src, dst: dst, props: props,
			weight: req.Weight, validFrom: req.ValidFrom, validTo: req.ValidTo,
		}
		var wrote bool
		out, wrote, err = e.writeEdge(ctx, tx, scope, spec, es.multiplicity)
		if err != nil {
			return err
		}
		noop = !wrote
		if es.writesInverse {
			inv := spec
			inv.typ, inv.src, inv.dst = es.inverse, dst, src
			inverseProps, err := runValidator("relationship", es.inverse, es.inverseSchema.validator, props)
			if err != nil {
				return err
			}
			inv.props = inverseProps
			invRow, invWrote, err := e.writeEdge(ctx, tx, scope, inv, es.inverseSchema.multiplicity)
			if err != nil {
				return err
			}
			if invWrote {
				noop = false
				e.log.DebugContext(ctx, "wrote inverse relationship",
					slog.String("primary_type", req.Type),
					slog.String("inverse_type", es.inverse),
					slog.String("inverse_id", invRow.CanonicalID.String()))
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// edgeWrite is the content of one relationship write.
type edgeWrite struct {
	typ       string
	src, dst  uuid.UUID
	props     Properties
	weight    *float32
	validFrom *time.Time
	validTo   *time.Time
}

// writeEdge creates or versions the live edge for spec's triple and
// reports whether a row was written.
func (e *RelationshipEngine) writeEdge(ctx context.Context, tx Tx, scope tenant.Scope, spec edgeWrite, m Multiplicity) (*GraphRelationship, bool, error) {
	existing, err := tx.LiveRelationshipByTriple(ctx, spec.typ, spec.src, spec.dst)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		if existing.Properties.Equal(spec.props) && weightsEqual(existing.Weight, spec.weight) {
			return existing, false, nil
		}
		row := existing.next(spec.props, e.now())
		if spec.weight != nil {
			row.Weight = spec.weight
		}
		if err := tx.InsertRelationship(ctx, row, EdgeConstraint{Multiplicity: m}); err != nil {
			return nil, false, err
		}
		return row, true, nil
	}
	if err := checkMultiplicity(ctx, tx, spec.typ, spec.src, spec.dst, m); err != nil {
		return nil, false, err
	}
	row := newRelationshipRow(scope, spec, e.now())
	if err := tx.InsertRelationship(ctx, row, EdgeConstraint{Multiplicity: m}); err != nil {
		return nil, false, err
	}
	return row, true, nil
}

func newRelationshipRow(scope tenant.Scope, spec edgeWrite, at time.Time) *GraphRelationship {
	id := uuid.New()
	return &GraphRelationship{
		ID:            id,
		ProjectID:     scope.ProjectID,
		BranchID:      scope.BranchID,
		CanonicalID:   id,
		Version:       1,
		Type:          spec.typ,
		SrcID:         spec.src,
		DstID:         spec.dst,
		Properties:    spec.props,
		Weight:        spec.weight,
		ContentHash:   spec.props.Hash(),
		ChangeSummary: Diff(nil, spec.props),
		ValidFrom:     spec.validFrom,
		ValidTo:       spec.validTo,
		CreatedAt:     at,
	}
}

func weightsEqual(a, b *float32) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func latestRelationship(ctx context.Context, r Reader, id uuid.UUID) (*GraphRelationship, error) {
	head, err := r.LatestRelationship(ctx, id)
	if err == nil || !errors.Is(err, apperror.ErrNotFound) {
		return head, err
	}
	row, rowErr := r.RelationshipByID(ctx, id)
	if rowErr != nil {
		return nil, err
	}
	return r.LatestRelationship(ctx, row.CanonicalID)
}

func liveRelationship(ctx context.Context, r Reader, id uuid.UUID) (*GraphRelationship, error) {
	head, err := latestRelationship(ctx, r, id)
	if err != nil {
		return nil, err
	}
	if head.IsDeleted() {
		return nil, apperror.NewNotFound("relationship", id.String())
	}
	return head, nil
}

// Patch merges a property delta into the edge's head. Endpoints are
// immutable, so multiplicity is not re-checked.
func (e *RelationshipEngine) Patch(ctx context.Context, id uuid.UUID, req PatchRelationshipRequest) (out *GraphRelationship, err error) {
	ctx, span := tracing.Start(ctx, "graph.relationships.patch", attribute.String("graph.relationship.id", id.String()))
	noop := false
	defer func() {
		recordWrite("relationship", "patch", err, noop)
		tracing.End(span, err)
	}()

	if err := requireVersion(req.ExpectedVersion); err != nil {
		return nil, err
	}
	scope, err := tenant.From(ctx)
	if err != nil {
		return nil, err
	}
	current, err := liveRelationship(ctx, e.store, id)
	if err != nil {
		return nil, err
	}
	validator := loadValidator(ctx, e.log, func() (Validator, error) {
		return e.schema.RelationshipValidator(ctx, scope.ProjectID, current.Type)
	}, scope.ProjectID, current.Type)

	err = e.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		head, err := tx.LatestRelationship(ctx, current.CanonicalID)
		if err != nil {
			return err
		}
		if head.IsDeleted() {
			return apperror.NewNotFound("relationship", id.String())
		}
		if err := checkExpected("relationship", head.CanonicalID, req.ExpectedVersion, head.Version); err != nil {
			return err
		}
		props, err := runValidator("relationship", head.Type, validator, head.Properties.Merge(req.Properties))
		if err != nil {
			return err
		}
		weight := head.Weight
		if req.Weight != nil {
			weight = req.Weight
		}
		if props.Equal(head.Properties) && weightsEqual(weight, head.Weight) {
			out, noop = head, true
			return nil
		}
		row := head.next(props, e.now())
		row.Weight = weight
		if err := tx.InsertRelationship(ctx, row, EdgeConstraint{Multiplicity: ManyToMany}); err != nil {
			return err
		}
		out = row
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Delete tombstones the edge and, when the schema pairs its type with an
// inverse, the live inverse half in the same transaction.
func (e *RelationshipEngine) Delete(ctx context.Context, id uuid.UUID, expectedVersion int) (out *GraphRelationship, err error) {
	ctx, span := tracing.Start(ctx, "graph.relationships.delete", attribute.String("graph.relationship.id", id.String()))
	defer func() {
		recordWrite("relationship", "delete", err, false)
		tracing.End(span, err)
	}()

	if err := requireVersion(expectedVersion); err != nil {
		return nil, err
	}
	scope, err := tenant.From(ctx)
	if err != nil {
		return nil, err
	}
	current, err := liveRelationship(ctx, e.store, id)
	if err != nil {
		return nil, err
	}
	inverse, hasInverse, err := e.schema.InverseType(ctx, scope.ProjectID, current.Type)
	if err != nil {
		return nil, err
	}

	err = e.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		head, err := liveRelationship(ctx, tx, current.CanonicalID)
		if err != nil {
			return err
		}
		if err := checkExpected("relationship", head.CanonicalID, expectedVersion, head.Version); err != nil {
			return err
		}
		at := e.now()
		if out, err = tombstoneRelationship(ctx, tx, head, at); err != nil {
			return err
		}
		if !hasInverse || inverse == "" || inverse == head.Type {
			return nil
		}
		pair, err := tx.LiveRelationshipByTriple(ctx, inverse, head.DstID, head.SrcID)
		if err != nil || pair == nil {
			return err
		}
		_, err = tombstoneRelationship(ctx, tx, pair, at)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func tombstoneRelationship(ctx context.Context, tx Tx, head *GraphRelationship, at time.Time) (*GraphRelationship, error) {
	tomb := head.next(head.Properties, at)
	tomb.DeletedAt = &at
	if err := tx.InsertRelationship(ctx, tomb, EdgeConstraint{Multiplicity: ManyToMany}); err != nil {
		return nil, err
	}
	if err := tx.MarkRelationshipDeleted(ctx, head.ID, at); err != nil {
		return nil, err
	}
	return tomb, nil
}

// Restore revives a deleted edge after re-checking its endpoints, triple
// uniqueness and multiplicity. An inverse half tombstoned by the same delete
// is revived with it.
func (e *RelationshipEngine) Restore(ctx context.Context, id uuid.UUID, expectedVersion int) (out *GraphRelationship, err error) {
	ctx, span := tracing.Start(ctx, "graph.relationships.restore", attribute.String("graph.relationship.id", id.String()))
	defer func() {
		recordWrite("relationship", "restore", err, false)
		tracing.End(span, err)
	}()

	if err := requireVersion(expectedVersion); err != nil {
		return nil, err
	}
	scope, err := tenant.From(ctx)
	if err != nil {
		return nil, err
	}
	current, err := latestRelationship(ctx, e.store, id)
	if err != nil {
		return nil, err
	}
	m, err := e.schema.RelationshipMultiplicity(ctx, scope.ProjectID, current.Type)
	if err != nil {
		return nil, err
	}
	inverse, hasInverse, err := e.schema.InverseType(ctx, scope.ProjectID, current.Type)
	if err != nil {
		return nil, err
	}
	hasInverse = hasInverse && inverse != "" && inverse != current.Type
	var inverseM Multiplicity
	if hasInverse {
		if inverseM, err = e.schema.RelationshipMultiplicity(ctx, scope.ProjectID, inverse); err != nil {
			return nil, err
		}
	}

	err = e.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		head, err := tx.LatestRelationship(ctx, current.CanonicalID)
		if err != nil {
			return err
		}
		if !head.IsDeleted() {
			return apperror.NewBadRequest("relationship is not deleted")
		}
		if err := checkExpected("relationship", head.CanonicalID, expectedVersion, head.Version); err != nil {
			return err
		}
		if _, err := resolveEndpoint(ctx, tx, "src", head.SrcID); err != nil {
			return err
		}
		if _, err := resolveEndpoint(ctx, tx, "dst", head.DstID); err != nil {
			return err
		}
		holder, err := tx.LiveRelationshipByTriple(ctx, head.Type, head.SrcID, head.DstID)
		if err != nil {
			return err
		}
		if holder != nil {
			return apperror.ErrAlreadyExists.WithMessagef("relationship %s already links these objects", holder.CanonicalID)
		}
		if err := checkMultiplicity(ctx, tx, head.Type, head.SrcID, head.DstID, m); err != nil {
			return err
		}
		at := e.now()
		row := head.next(head.Properties, at)
		if err := tx.InsertRelationship(ctx, row, EdgeConstraint{Multiplicity: m}); err != nil {
			return err
		}
		out = row
		if !hasInverse {
			return nil
		}
		return restoreInverse(ctx, tx, head, inverse, inverseM, at)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// restoreInverse revives the inverse half of tomb when the same delete
// tombstoned it and no live inverse exists.
func restoreInverse(ctx context.Context, tx Tx, tomb *GraphRelationship, inverse string, m Multiplicity, at time.Time) error {
	live, err := tx.LiveRelationshipByTriple(ctx, inverse, tomb.DstID, tomb.SrcID)
	if err != nil || live != nil {
		return err
	}
	pair, err := tx.TombstonedRelationshipByTriple(ctx, inverse, tomb.DstID, tomb.SrcID)
	if err != nil || pair == nil {
		return err
	}
	if pair.DeletedAt == nil || tomb.DeletedAt == nil || !pair.DeletedAt.Equal(*tomb.DeletedAt) {
		return nil
	}
	if err := checkMultiplicity(ctx, tx, inverse, pair.SrcID, pair.DstID, m); err != nil {
		return err
	}
	return tx.InsertRelationship(ctx, pair.next(pair.Properties, at), EdgeConstraint{Multiplicity: m})
}

// GetHead returns the live head for a canonical or physical id.
func (e *RelationshipEngine) GetHead(ctx context.Context, id uuid.UUID) (*GraphRelationship, error) {
	return liveRelationship(ctx, e.store, id)
}

// GetHistory returns versions newest first, tombstones included.
func (e *RelationshipEngine) GetHistory(ctx context.Context, id uuid.UUID, q HistoryQuery) (*HistoryPage[*GraphRelationship], error) {
	head, err := latestRelationship(ctx, e.store, id)
	if err != nil {
		return nil, err
	}
	limit := pageSize(q.Limit)
	rows, err := e.store.RelationshipHistory(ctx, head.CanonicalID, q.Cursor, limit+1)
	if err != nil {
		return nil, err
	}
	page := &HistoryPage[*GraphRelationship]{Items: rows}
	if len(rows) > limit {
		page.Items = rows[:limit]
		next := rows[limit-1].Version
		page.NextCursor = &next
	}
	return page, nil
}

// ListHeads enumerates live relationship heads ordered by canonical id.
func (e *RelationshipEngine) ListHeads(ctx context.Context, req ListHeadsRequest) (*HeadsPage[*GraphRelationship], error) {
	after, err := decodeHeadCursor(req.Cursor)
	if err != nil {
		return nil, apperror.NewBadRequest("invalid cursor")
	}
	limit := pageSize(req.Limit)
	rows, err := e.store.ListRelationshipHeads(ctx, HeadQuery{Type: req.Type, After: after, Limit: limit + 1})
	if err != nil {
		return nil, err
	}
	page := &HeadsPage[*GraphRelationship]{Items: rows}
	if len(rows) > limit {
		page.Items = rows[:limit]
		page.NextCursor = encodeHeadCursor(rows[limit-1].CanonicalID)
	}
	return page, nil
}
