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
	"github.com/emergent-company/graphcore/pkg/metrics"
	"github.com/emergent-company/graphcore/pkg/tenant"
	"github.com/emergent-company/graphcore/pkg/tracing"
)

// VersionStore manages object version chains. Every write is one store
// transaction; the only concurrency guard is the expected version carried
// by the caller.
type VersionStore struct {
	store  Store
	schema SchemaAdapter
	log    *slog.Logger
	now    func() time.Time
}

func NewVersionStore(store Store, schema SchemaAdapter, log *slog.Logger) *VersionStore {
	return &VersionStore{
		store:  store,
		schema: schema,
		log:    log.With(logger.Scope("graph.versions")),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// recordWrite counts a write outcome by error code.
func recordWrite(kind, op string, err error, noop bool) {
	result := "ok"
	switch {
	case err != nil:
		result = "error"
		if appErr, ok := apperror.As(err); ok {
			result = appErr.Code
		}
	case noop:
		result = "noop"
	}
	metrics.Writes.WithLabelValues(kind, op, result).Inc()
}

// requireBranch fails when a non-trunk scope names a branch that does not
// exist in the tenant.
func requireBranch(ctx context.Context, r Reader) error {
	scope, err := tenant.From(ctx)
	if err != nil {
		return err
	}
	if scope.IsTrunk() {
		return nil
	}
	_, err = r.Branch(ctx, scope.BranchID)
	return err
}

func requireVersion(expected int) error {
	if expected < 1 {
		return apperror.NewBadRequest("expectedVersion must be a positive version number")
	}
	return nil
}

func checkExpected(kind string, canonical uuid.UUID, expected, head int) error {
	if expected != head {
		return apperror.ErrVersionConflict.
			WithMessagef("%s %s is at version %d, expected %d", kind, canonical, head, expected).
			WithDetails(map[string]any{"current_version": head, "expected_version": expected})
	}
	return nil
}

// latestObject resolves id as a canonical id first, then as a physical row
// id, and returns the chain's max-version row.
func latestObject(ctx context.Context, r Reader, id uuid.UUID) (*GraphObject, error) {
	head, err := r.LatestObject(ctx, id)
	if err == nil || !errors.Is(err, apperror.ErrNotFound) {
		return head, err
	}
	row, rowErr := r.ObjectByID(ctx, id)
	if rowErr != nil {
		return nil, err
	}
	return r.LatestObject(ctx, row.CanonicalID)
}

// liveObject is latestObject restricted to live heads.
func liveObject(ctx context.Context, r Reader, id uuid.UUID) (*GraphObject, error) {
	head, err := latestObject(ctx, r, id)
	if err != nil {
		return nil, err
	}
	if head.IsDeleted() {
		return nil, apperror.NewNotFound("object", id.String())
	}
	return head, nil
}

func (s *VersionStore) objectValidator(ctx context.Context, projectID uuid.UUID, objType string) Validator {
	return loadValidator(ctx, s.log, func() (Validator, error) {
		return s.schema.ObjectValidator(ctx, projectID, objType)
	}, projectID, objType)
}

// Create writes version 1 of a new object. With a key, a live head holding
// the same (type, key) with identical properties and labels is returned
// unchanged; any other holder is an AlreadyExists error.
func (s *VersionStore) Create(ctx context.Context, req CreateObjectRequest) (out *GraphObject, err error) {
	ctx, span := tracing.Start(ctx, "graph.objects.create", attribute.String("graph.object.type", req.Type))
	noop := false
	defer func() {
		recordWrite("object", "create", err, noop)
		tracing.End(span, err)
	}()

	scope, err := tenant.From(ctx)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Type) == "" {
		return nil, apperror.NewBadRequest("type is required")
	}
	if req.Key != nil && *req.Key == "" {
		req.Key = nil
	}
	props := req.Properties
	if props == nil {
		props = Properties{}
	}
	props, err = runValidator("object", req.Type, s.objectValidator(ctx, scope.ProjectID, req.Type), props)
	if err != nil {
		return nil, err
	}
	labels := normalizeLabels(req.Labels)

	err = s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		if err := requireBranch(ctx, tx); err != nil {
			return err
		}
		if req.Key != nil {
			existing, err := tx.LiveObjectByKey(ctx, req.Type, *req.Key)
			if err != nil {
				return err
			}
			if existing != nil {
				if existing.Properties.Equal(props) && labelsEqual(existing.Labels, labels) {
					out, noop = existing, true
					return nil
				}
				return apperror.ErrAlreadyExists.
					WithMessagef("object %s/%s already exists", req.Type, *req.Key).
					WithDetails(map[string]any{"canonical_id": existing.CanonicalID, "version": existing.Version})
			}
		}
		row := newObjectRow(scope, req.Type, req.Key, props, labels, s.now())
		row.ActorID = req.ActorID
		if err := tx.InsertObject(ctx, row); err != nil {
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

func newObjectRow(scope tenant.Scope, objType string, key *string, props Properties, labels []string, at time.Time) *GraphObject {
	id := uuid.New()
	return &GraphObject{
		ID:            id,
		ProjectID:     scope.ProjectID,
		BranchID:      scope.BranchID,
		CanonicalID:   id,
		Version:       1,
		Type:          objType,
		Key:           key,
		Labels:        normalizeLabels(labels),
		Properties:    props,
		ContentHash:   props.Hash(),
		ChangeSummary: Diff(nil, props),
		CreatedAt:     at,
	}
}

// Patch merges a property delta into the head and appends the next version.
// A patch that changes nothing returns the head without writing.
func (s *VersionStore) Patch(ctx context.Context, id uuid.UUID, req PatchObjectRequest) (out *GraphObject, err error) {
	ctx, span := tracing.Start(ctx, "graph.objects.patch", attribute.String("graph.object.id", id.String()))
	noop := false
	defer func() {
		recordWrite("object", "patch", err, noop)
		tracing.End(span, err)
	}()

	if err := requireVersion(req.ExpectedVersion); err != nil {
		return nil, err
	}
	scope, err := tenant.From(ctx)
	if err != nil {
		return nil, err
	}

	// Load the validator before the transaction; the schema adapter is
	// never consulted while a write is open.
	current, err := liveObject(ctx, s.store, id)
	if err != nil {
		return nil, err
	}
	validator := s.objectValidator(ctx, scope.ProjectID, current.Type)

	err = s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		head, err := tx.LatestObject(ctx, current.CanonicalID)
		if err != nil {
			return err
		}
		if head.IsDeleted() {
			return apperror.NewNotFound("object", id.String())
		}
		if err := checkExpected("object", head.CanonicalID, req.ExpectedVersion, head.Version); err != nil {
			return err
		}

		props, err := runValidator("object", head.Type, validator, head.Properties.Merge(req.Properties))
		if err != nil {
			return err
		}
		labels := []string(head.Labels)
		if req.ReplaceLabels {
			labels = req.Labels
		} else if len(req.Labels) > 0 {
			labels = append(append([]string(nil), head.Labels...), req.Labels...)
		}
		labels = normalizeLabels(labels)

		if props.Equal(head.Properties) && labelsEqual(head.Labels, labels) {
			out, noop = head, true
			return nil
		}
		row := head.next(props, labels, s.now())
		row.ActorID = req.ActorID
		if err := tx.InsertObject(ctx, row); err != nil {
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

// Delete appends a tombstone and marks the prior head deleted in the same
// transaction.
func (s *VersionStore) Delete(ctx context.Context, id uuid.UUID, expectedVersion int) (out *GraphObject, err error) {
	ctx, span := tracing.Start(ctx, "graph.objects.delete", attribute.String("graph.object.id", id.String()))
	defer func() {
		recordWrite("object", "delete", err, false)
		tracing.End(span, err)
	}()

	if err := requireVersion(expectedVersion); err != nil {
		return nil, err
	}
	err = s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		head, err := liveObject(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := checkExpected("object", head.CanonicalID, expectedVersion, head.Version); err != nil {
			return err
		}
		out, err = tombstoneObject(ctx, tx, head, s.now())
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func tombstoneObject(ctx context.Context, tx Tx, head *GraphObject, at time.Time) (*GraphObject, error) {
	tomb := head.next(head.Properties, head.Labels, at)
	tomb.DeletedAt = &at
	if err := tx.InsertObject(ctx, tomb); err != nil {
		return nil, err
	}
	if err := tx.MarkObjectDeleted(ctx, head.ID, at); err != nil {
		return nil, err
	}
	return tomb, nil
}

// Restore appends a live version carrying the tombstone's properties.
func (s *VersionStore) Restore(ctx context.Context, id uuid.UUID, expectedVersion int) (out *GraphObject, err error) {
	ctx, span := tracing.Start(ctx, "graph.objects.restore", attribute.String("graph.object.id", id.String()))
	defer func() {
		recordWrite("object", "restore", err, false)
		tracing.End(span, err)
	}()

	if err := requireVersion(expectedVersion); err != nil {
		return nil, err
	}
	err = s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		head, err := latestObject(ctx, tx, id)
		if err != nil {
			return err
		}
		if !head.IsDeleted() {
			return apperror.NewBadRequest("object is not deleted")
		}
		if err := checkExpected("object", head.CanonicalID, expectedVersion, head.Version); err != nil {
			return err
		}
		if head.Key != nil {
			holder, err := tx.LiveObjectByKey(ctx, head.Type, *head.Key)
			if err != nil {
				return err
			}
			if holder != nil {
				return apperror.ErrAlreadyExists.
					WithMessagef("object %s/%s is held by %s", head.Type, *head.Key, holder.CanonicalID)
			}
		}
		row := head.next(head.Properties, head.Labels, s.now())
		if err := tx.InsertObject(ctx, row); err != nil {
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

// Upsert creates or updates the live object identified by (type, key). It
// reports whether a new chain was created.
func (s *VersionStore) Upsert(ctx context.Context, req CreateObjectRequest) (out *GraphObject, created bool, err error) {
	ctx, span := tracing.Start(ctx, "graph.objects.upsert", attribute.String("graph.object.type", req.Type))
	noop := false
	defer func() {
		recordWrite("object", "upsert", err, noop)
		tracing.End(span, err)
	}()

	if req.Key == nil || *req.Key == "" {
		return nil, false, apperror.NewBadRequest("key is required for upsert")
	}
	scope, err := tenant.From(ctx)
	if err != nil {
		return nil, false, err
	}
	if strings.TrimSpace(req.Type) == "" {
		return nil, false, apperror.NewBadRequest("type is required")
	}
	props := req.Properties
	if props == nil {
		props = Properties{}
	}
	props, err = runValidator("object", req.Type, s.objectValidator(ctx, scope.ProjectID, req.Type), props)
	if err != nil {
		return nil, false, err
	}
	labels := normalizeLabels(req.Labels)

	err = s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		if err := requireBranch(ctx, tx); err != nil {
			return err
		}
		existing, err := tx.LiveObjectByKey(ctx, req.Type, *req.Key)
		if err != nil {
			return err
		}
		if existing == nil {
			row := newObjectRow(scope, req.Type, req.Key, props, labels, s.now())
			row.ActorID = req.ActorID
			if err := tx.InsertObject(ctx, row); err != nil {
				return err
			}
			out, created = row, true
			return nil
		}
		if existing.Properties.Equal(props) && labelsEqual(existing.Labels, labels) {
			out, noop = existing, true
			return nil
		}
		row := existing.next(props, labels, s.now())
		row.ActorID = req.ActorID
		if err := tx.InsertObject(ctx, row); err != nil {
			return err
		}
		out = row
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, created, nil
}

// GetHead returns the live head for a canonical or physical id.
func (s *VersionStore) GetHead(ctx context.Context, id uuid.UUID) (*GraphObject, error) {
	return liveObject(ctx, s.store, id)
}

// GetHistory returns versions newest first, tombstones included.
func (s *VersionStore) GetHistory(ctx context.Context, id uuid.UUID, q HistoryQuery) (*HistoryPage[*GraphObject], error) {
	head, err := latestObject(ctx, s.store, id)
	if err != nil {
		return nil, err
	}
	limit := pageSize(q.Limit)
	rows, err := s.store.ObjectHistory(ctx, head.CanonicalID, q.Cursor, limit+1)
	if err != nil {
		return nil, err
	}
	page := &HistoryPage[*GraphObject]{Items: rows}
	if len(rows) > limit {
		page.Items = rows[:limit]
		next := rows[limit-1].Version
		page.NextCursor = &next
	}
	return page, nil
}

// ListHeads enumerates live heads ordered by canonical id.
func (s *VersionStore) ListHeads(ctx context.Context, req ListHeadsRequest) (*HeadsPage[*GraphObject], error) {
	after, err := decodeHeadCursor(req.Cursor)
	if err != nil {
		return nil, apperror.NewBadRequest("invalid cursor")
	}
	limit := pageSize(req.Limit)
	rows, err := s.store.ListObjectHeads(ctx, HeadQuery{Type: req.Type, Label: req.Label, After: after, Limit: limit + 1})
	if err != nil {
		return nil, err
	}
	page := &HeadsPage[*GraphObject]{Items: rows}
	if len(rows) > limit {
		page.Items = rows[:limit]
		page.NextCursor = encodeHeadCursor(rows[limit-1].CanonicalID)
	}
	return page, nil
}
