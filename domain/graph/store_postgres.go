package graph

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/emergent-company/graphcore/internal/database"
	"github.com/emergent-company/graphcore/pkg/apperror"
	"github.com/emergent-company/graphcore/pkg/logger"
	"github.com/emergent-company/graphcore/pkg/tenant"
)

// A row is its chain's head when no higher version exists in its scope.
const (
	objectIsHead = `NOT EXISTS (SELECT 1 FROM kb.graph_objects n
		WHERE n.project_id = go.project_id AND n.branch_id = go.branch_id
		AND n.canonical_id = go.canonical_id AND n.version > go.version)`
	relationshipIsHead = `NOT EXISTS (SELECT 1 FROM kb.graph_relationships n
		WHERE n.project_id = gr.project_id AND n.branch_id = gr.branch_id
		AND n.canonical_id = gr.canonical_id AND n.version > gr.version)`
)

// PostgresStore keeps version chains in the kb schema. The unique index on
// (project_id, branch_id, canonical_id, version) turns a lost optimistic
// race into ErrVersionConflict; advisory locks serialize the key, triple
// and multiplicity checks that no index can express.
type PostgresStore struct {
	*pgReader
	db bun.IDB
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(db bun.IDB, log *slog.Logger) *PostgresStore {
	log = log.With(logger.Scope("graph.store"))
	return &PostgresStore{pgReader: &pgReader{db: db, log: log}, db: db}
}

type pgReader struct {
	db  bun.IDB
	log *slog.Logger
}

func (r *pgReader) dbError(op string, err error) error {
	r.log.Error("graph store query failed", slog.String("op", op), logger.Error(err))
	return apperror.ErrDatabase.WithInternal(err)
}

func (r *pgReader) selectObjects(ctx context.Context, dest any) (*bun.SelectQuery, scopeKey, error) {
	sk, err := projectScope(ctx)
	if err != nil {
		return nil, sk, err
	}
	q := r.db.NewSelect().Model(dest).
		Where("go.project_id = ?", sk.project).
		Where("go.branch_id = ?", sk.branch)
	return q, sk, nil
}

func (r *pgReader) selectRelationships(ctx context.Context, dest any) (*bun.SelectQuery, scopeKey, error) {
	sk, err := projectScope(ctx)
	if err != nil {
		return nil, sk, err
	}
	q := r.db.NewSelect().Model(dest).
		Where("gr.project_id = ?", sk.project).
		Where("gr.branch_id = ?", sk.branch)
	return q, sk, nil
}

func (r *pgReader) LatestObject(ctx context.Context, canonicalID uuid.UUID) (*GraphObject, error) {
	var obj GraphObject
	q, _, err := r.selectObjects(ctx, &obj)
	if err != nil {
		return nil, err
	}
	err = q.Where("go.canonical_id = ?", canonicalID).OrderExpr("go.version DESC").Limit(1).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.NewNotFound("object", canonicalID.String())
	}
	if err != nil {
		return nil, r.dbError("latest_object", err)
	}
	return &obj, nil
}

func (r *pgReader) LatestObjects(ctx context.Context, canonicalIDs []uuid.UUID) (map[uuid.UUID]*GraphObject, error) {
	out := make(map[uuid.UUID]*GraphObject, len(canonicalIDs))
	if len(canonicalIDs) == 0 {
		return out, nil
	}
	var rows []*GraphObject
	q, _, err := r.selectObjects(ctx, &rows)
	if err != nil {
		return nil, err
	}
	err = q.DistinctOn("go.canonical_id").
		Where("go.canonical_id IN (?)", bun.In(canonicalIDs)).
		OrderExpr("go.canonical_id, go.version DESC").
		Scan(ctx)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, r.dbError("latest_objects", err)
	}
	for _, o := range rows {
		out[o.CanonicalID] = o
	}
	return out, nil
}

func (r *pgReader) ObjectByID(ctx context.Context, id uuid.UUID) (*GraphObject, error) {
	var obj GraphObject
	q, _, err := r.selectObjects(ctx, &obj)
	if err != nil {
		return nil, err
	}
	err = q.Where("go.id = ?", id).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.NewNotFound("object", id.String())
	}
	if err != nil {
		return nil, r.dbError("object_by_id", err)
	}
	return &obj, nil
}

func (r *pgReader) ObjectChain(ctx context.Context, canonicalID uuid.UUID) ([]*GraphObject, error) {
	var rows []*GraphObject
	q, _, err := r.selectObjects(ctx, &rows)
	if err != nil {
		return nil, err
	}
	if err := q.Where("go.canonical_id = ?", canonicalID).OrderExpr("go.version ASC").Scan(ctx); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, r.dbError("object_chain", err)
	}
	if len(rows) == 0 {
		return nil, apperror.NewNotFound("object", canonicalID.String())
	}
	return rows, nil
}

func (r *pgReader) ObjectHistory(ctx context.Context, canonicalID uuid.UUID, beforeVersion, limit int) ([]*GraphObject, error) {
	var rows []*GraphObject
	q, _, err := r.selectObjects(ctx, &rows)
	if err != nil {
		return nil, err
	}
	q = q.Where("go.canonical_id = ?", canonicalID)
	if beforeVersion > 0 {
		q = q.Where("go.version < ?", beforeVersion)
	}
	if err := q.OrderExpr("go.version DESC").Limit(limit).Scan(ctx); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, r.dbError("object_history", err)
	}
	if len(rows) == 0 {
		if _, err := r.LatestObject(ctx, canonicalID); err != nil {
			return nil, err
		}
	}
	return rows, nil
}

func (r *pgReader) LiveObjectByKey(ctx context.Context, objType, key string) (*GraphObject, error) {
	var obj GraphObject
	q, _, err := r.selectObjects(ctx, &obj)
	if err != nil {
		return nil, err
	}
	err = q.Where("go.type = ?", objType).
		Where("go.key = ?", key).
		Where("go.deleted_at IS NULL").
		Where(objectIsHead).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, r.dbError("live_object_by_key", err)
	}
	return &obj, nil
}

func (r *pgReader) ListObjectHeads(ctx context.Context, hq HeadQuery) ([]*GraphObject, error) {
	var rows []*GraphObject
	q, _, err := r.selectObjects(ctx, &rows)
	if err != nil {
		return nil, err
	}
	q = q.Where("go.deleted_at IS NULL").Where(objectIsHead).Where("go.canonical_id > ?", hq.After)
	if hq.Type != "" {
		q = q.Where("go.type = ?", hq.Type)
	}
	if hq.Label != "" {
		q = q.Where("? = ANY(go.labels)", hq.Label)
	}
	if hq.Limit > 0 {
		q = q.Limit(hq.Limit)
	}
	if err := q.OrderExpr("go.canonical_id ASC").Scan(ctx); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, r.dbError("list_object_heads", err)
	}
	return rows, nil
}

func (r *pgReader) LatestRelationship(ctx context.Context, canonicalID uuid.UUID) (*GraphRelationship, error) {
	var rel GraphRelationship
	q, _, err := r.selectRelationships(ctx, &rel)
	if err != nil {
		return nil, err
	}
	err = q.Where("gr.canonical_id = ?", canonicalID).OrderExpr("gr.version DESC").Limit(1).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.NewNotFound("relationship", canonicalID.String())
	}
	if err != nil {
		return nil, r.dbError("latest_relationship", err)
	}
	return &rel, nil
}

func (r *pgReader) RelationshipByID(ctx context.Context, id uuid.UUID) (*GraphRelationship, error) {
	var rel GraphRelationship
	q, _, err := r.selectRelationships(ctx, &rel)
	if err != nil {
		return nil, err
	}
	err = q.Where("gr.id = ?", id).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.NewNotFound("relationship", id.String())
	}
	if err != nil {
		return nil, r.dbError("relationship_by_id", err)
	}
	return &rel, nil
}

func (r *pgReader) RelationshipChain(ctx context.Context, canonicalID uuid.UUID) ([]*GraphRelationship, error) {
	var rows []*GraphRelationship
	q, _, err := r.selectRelationships(ctx, &rows)
	if err != nil {
		return nil, err
	}
	if err := q.Where("gr.canonical_id = ?", canonicalID).OrderExpr("gr.version ASC").Scan(ctx); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, r.dbError("relationship_chain", err)
	}
	if len(rows) == 0 {
		return nil, apperror.NewNotFound("relationship", canonicalID.String())
	}
	return rows, nil
}

func (r *pgReader) RelationshipHistory(ctx context.Context, canonicalID uuid.UUID, beforeVersion, limit int) ([]*GraphRelationship, error) {
	var rows []*GraphRelationship
	q, _, err := r.selectRelationships(ctx, &rows)
	if err != nil {
		return nil, err
	}
	q = q.Where("gr.canonical_id = ?", canonicalID)
	if beforeVersion > 0 {
		q = q.Where("gr.version < ?", beforeVersion)
	}
	if err := q.OrderExpr("gr.version DESC").Limit(limit).Scan(ctx); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, r.dbError("relationship_history", err)
	}
	if len(rows) == 0 {
		if _, err := r.LatestRelationship(ctx, canonicalID); err != nil {
			return nil, err
		}
	}
	return rows, nil
}

func (r *pgReader) LiveRelationshipByTriple(ctx context.Context, relType string, srcID, dstID uuid.UUID) (*GraphRelationship, error) {
	var rel GraphRelationship
	q, _, err := r.selectRelationships(ctx, &rel)
	if err != nil {
		return nil, err
	}
	err = q.Where("gr.type = ?", relType).
		Where("gr.src_id = ?", srcID).
		Where("gr.dst_id = ?", dstID).
		Where("gr.deleted_at IS NULL").
		Where(relationshipIsHead).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, r.dbError("live_relationship_by_triple", err)
	}
	return &rel, nil
}

func (r *pgReader) TombstonedRelationshipByTriple(ctx context.Context, relType string, srcID, dstID uuid.UUID) (*GraphRelationship, error) {
	var rel GraphRelationship
	q, _, err := r.selectRelationships(ctx, &rel)
	if err != nil {
		return nil, err
	}
	err = q.Where("gr.type = ?", relType).
		Where("gr.src_id = ?", srcID).
		Where("gr.dst_id = ?", dstID).
		Where("gr.deleted_at IS NOT NULL").
		Where(relationshipIsHead).
		Order("gr.created_at DESC").
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, r.dbError("tombstoned_relationship_by_triple", err)
	}
	return &rel, nil
}

func (r *pgReader) LiveRelationships(ctx context.Context, eq EdgeQuery) ([]*GraphRelationship, error) {
	if len(eq.ObjectIDs) == 0 {
		return nil, nil
	}
	var rows []*GraphRelationship
	q, _, err := r.selectRelationships(ctx, &rows)
	if err != nil {
		return nil, err
	}
	ids := bun.In(eq.ObjectIDs)
	switch eq.Direction {
	case DirectionOut:
		q = q.Where("gr.src_id IN (?)", ids)
	case DirectionIn:
		q = q.Where("gr.dst_id IN (?)", ids)
	default:
		q = q.WhereGroup(" AND ", func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Where("gr.src_id IN (?)", ids).WhereOr("gr.dst_id IN (?)", ids)
		})
	}
	if len(eq.Types) > 0 {
		q = q.Where("gr.type IN (?)", bun.In(eq.Types))
	}
	q = q.Where("gr.deleted_at IS NULL").Where(relationshipIsHead).OrderExpr("gr.created_at ASC, gr.id ASC")
	if eq.Limit > 0 {
		q = q.Limit(eq.Limit)
	}
	if err := q.Scan(ctx); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, r.dbError("live_relationships", err)
	}
	return rows, nil
}

func (r *pgReader) ListRelationshipHeads(ctx context.Context, hq HeadQuery) ([]*GraphRelationship, error) {
	var rows []*GraphRelationship
	q, _, err := r.selectRelationships(ctx, &rows)
	if err != nil {
		return nil, err
	}
	q = q.Where("gr.deleted_at IS NULL").Where(relationshipIsHead).Where("gr.canonical_id > ?", hq.After)
	if hq.Type != "" {
		q = q.Where("gr.type = ?", hq.Type)
	}
	if hq.Limit > 0 {
		q = q.Limit(hq.Limit)
	}
	if err := q.OrderExpr("gr.canonical_id ASC").Scan(ctx); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, r.dbError("list_relationship_heads", err)
	}
	return rows, nil
}

func (r *pgReader) Branch(ctx context.Context, id uuid.UUID) (*Branch, error) {
	sk, err := projectScope(ctx)
	if err != nil {
		return nil, err
	}
	var b Branch
	err = r.db.NewSelect().Model(&b).
		Where("b.id = ?", id).
		Where("b.project_id = ?", sk.project).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.NewNotFound("branch", id.String())
	}
	if err != nil {
		return nil, r.dbError("branch", err)
	}
	return &b, nil
}

func (r *pgReader) BranchByName(ctx context.Context, name string) (*Branch, error) {
	sk, err := projectScope(ctx)
	if err != nil {
		return nil, err
	}
	var b Branch
	err = r.db.NewSelect().Model(&b).
		Where("b.name = ?", name).
		Where("b.project_id = ?", sk.project).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.NewNotFound("branch", name)
	}
	if err != nil {
		return nil, r.dbError("branch_by_name", err)
	}
	return &b, nil
}

func (r *pgReader) ListBranches(ctx context.Context) ([]*Branch, error) {
	sk, err := projectScope(ctx)
	if err != nil {
		return nil, err
	}
	var out []*Branch
	err = r.db.NewSelect().Model(&out).
		Where("b.project_id = ?", sk.project).
		OrderExpr("b.created_at ASC, b.name ASC").
		Scan(ctx)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, r.dbError("list_branches", err)
	}
	return out, nil
}

func (r *pgReader) BranchLineage(ctx context.Context, branchID uuid.UUID) ([]BranchLineage, error) {
	if _, err := r.Branch(ctx, branchID); err != nil {
		return nil, err
	}
	var out []BranchLineage
	err := r.db.NewSelect().Model(&out).
		Where("bl.branch_id = ?", branchID).
		OrderExpr("bl.depth ASC").
		Scan(ctx)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, r.dbError("branch_lineage", err)
	}
	return out, nil
}

// scanChains streams the chain bookkeeping of table ordered by chain and
// version and hands each complete chain to visit.
func (r *pgReader) scanChains(ctx context.Context, table string, visit ChainVisitor) error {
	if err := requireAllTenants(ctx); err != nil {
		return err
	}
	rows, err := r.db.QueryContext(ctx, fmt.Sprintf(`SELECT id, project_id, branch_id, canonical_id, version,
		supersedes_id, deleted_at, created_at FROM %s
		ORDER BY project_id, branch_id, canonical_id, version`, table))
	if err != nil {
		return r.dbError("scan_chains", err)
	}
	defer rows.Close()

	var (
		ref   ChainRef
		chain []RowMeta
	)
	flush := func() error {
		if len(chain) == 0 {
			return nil
		}
		err := visit(ref, chain)
		chain = nil
		return err
	}
	for rows.Next() {
		var (
			m          RowMeta
			supersedes uuid.NullUUID
			deletedAt  sql.NullTime
		)
		if err := rows.Scan(&m.ID, &m.ProjectID, &m.BranchID, &m.CanonicalID, &m.Version,
			&supersedes, &deletedAt, &m.CreatedAt); err != nil {
			return r.dbError("scan_chains", err)
		}
		if supersedes.Valid {
			m.SupersedesID = &supersedes.UUID
		}
		if deletedAt.Valid {
			m.DeletedAt = &deletedAt.Time
		}
		next := ChainRef{ProjectID: m.ProjectID, BranchID: m.BranchID, CanonicalID: m.CanonicalID}
		if next != ref {
			if err := flush(); err != nil {
				return err
			}
			ref = next
		}
		chain = append(chain, m)
	}
	if err := rows.Err(); err != nil {
		return r.dbError("scan_chains", err)
	}
	return flush()
}

func (r *pgReader) ScanObjectChains(ctx context.Context, visit ChainVisitor) error {
	return r.scanChains(ctx, "kb.graph_objects", visit)
}

func (r *pgReader) ScanRelationshipChains(ctx context.Context, visit ChainVisitor) error {
	return r.scanChains(ctx, "kb.graph_relationships", visit)
}

// InTx runs fn in one database transaction with the tenant setting applied.
func (s *PostgresStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	scope, err := tenant.From(ctx)
	if err != nil {
		return err
	}
	tx, err := database.BeginSafeTx(ctx, s.db)
	if err != nil {
		return apperror.ErrDatabase.WithInternal(err)
	}
	defer tx.Rollback()

	if !scope.AllTenants() {
		if err := database.SetTenantContext(ctx, tx.Tx, scope.ProjectID.String()); err != nil {
			return apperror.ErrDatabase.WithInternal(err)
		}
	}
	ptx := &pgTx{pgReader: &pgReader{db: tx.Tx, log: s.log}, tx: tx.Tx}
	if err := fn(ctx, ptx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return mapWriteError(err)
	}
	return nil
}

// mapWriteError turns a unique violation on the version index into a
// version conflict.
func mapWriteError(err error) error {
	if database.IsUniqueViolation(err, "") {
		return apperror.ErrVersionConflict.WithInternal(err)
	}
	return apperror.ErrDatabase.WithInternal(err)
}

type pgTx struct {
	*pgReader
	tx bun.Tx
}

var _ Tx = (*pgTx)(nil)

// lock takes a transaction-scoped advisory lock on key.
func (t *pgTx) lock(ctx context.Context, parts ...any) error {
	key := fmt.Sprint(parts...)
	if _, err := t.tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock(hashtext(?)::bigint)", key); err != nil {
		return apperror.ErrDatabase.WithInternal(err)
	}
	return nil
}

func (t *pgTx) writeScope(ctx context.Context, m RowMeta) error {
	sk, err := projectScope(ctx)
	if err != nil {
		return err
	}
	if m.ProjectID != sk.project || m.BranchID != sk.branch {
		return apperror.ErrForbidden.WithMessage("row is outside the transaction's tenant scope")
	}
	return nil
}

func (t *pgTx) maxVersion(ctx context.Context, table string, m RowMeta) (int, error) {
	var v int
	err := t.tx.NewSelect().
		TableExpr(table).
		ColumnExpr("COALESCE(MAX(version), 0)").
		Where("project_id = ?", m.ProjectID).
		Where("branch_id = ?", m.BranchID).
		Where("canonical_id = ?", m.CanonicalID).
		Scan(ctx, &v)
	if err != nil {
		return 0, apperror.ErrDatabase.WithInternal(err)
	}
	return v, nil
}

func (t *pgTx) InsertObject(ctx context.Context, row *GraphObject) error {
	m := row.meta()
	if err := t.writeScope(ctx, m); err != nil {
		return err
	}
	if err := t.lock(ctx, "obj|", m.ProjectID, "|", m.BranchID, "|", m.CanonicalID); err != nil {
		return err
	}
	current, err := t.maxVersion(ctx, "kb.graph_objects", m)
	if err != nil {
		return err
	}
	if row.Version != current+1 {
		return versionConflict("object", row.CanonicalID, row.Version, current)
	}
	if !row.IsDeleted() && row.Key != nil {
		if err := t.lock(ctx, "objkey|", m.ProjectID, "|", m.BranchID, "|", row.Type, "|", *row.Key); err != nil {
			return err
		}
		holder, err := t.LiveObjectByKey(ctx, row.Type, *row.Key)
		if err != nil {
			return err
		}
		if holder != nil && holder.CanonicalID != row.CanonicalID {
			return apperror.ErrAlreadyExists.WithMessagef("object %s/%s already exists", row.Type, *row.Key)
		}
	}
	if row.Labels == nil {
		row.Labels = normalizeLabels(nil)
	}
	if _, err := t.tx.NewInsert().Model(row).Exec(ctx); err != nil {
		return mapWriteError(err)
	}
	return nil
}

func (t *pgTx) markDeleted(ctx context.Context, model any, alias, kind string, id uuid.UUID, at time.Time) error {
	sk, err := projectScope(ctx)
	if err != nil {
		return err
	}
	res, err := t.tx.NewUpdate().Model(model).
		Set("deleted_at = ?", at).
		Where(alias+".id = ?", id).
		Where(alias+".project_id = ?", sk.project).
		Where(alias+".branch_id = ?", sk.branch).
		Where(alias + ".deleted_at IS NULL").
		Exec(ctx)
	if err != nil {
		return apperror.ErrDatabase.WithInternal(err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	return apperror.ErrVersionConflict.WithMessagef("%s version %s is missing or already deleted", kind, id)
}

func (t *pgTx) MarkObjectDeleted(ctx context.Context, id uuid.UUID, at time.Time) error {
	return t.markDeleted(ctx, (*GraphObject)(nil), "go", "object", id, at)
}

func (t *pgTx) InsertRelationship(ctx context.Context, row *GraphRelationship, c EdgeConstraint) error {
	m := row.meta()
	if err := t.writeScope(ctx, m); err != nil {
		return err
	}
	if err := t.lock(ctx, "rel|", m.ProjectID, "|", m.BranchID, "|", m.CanonicalID); err != nil {
		return err
	}
	current, err := t.maxVersion(ctx, "kb.graph_relationships", m)
	if err != nil {
		return err
	}
	if row.Version != current+1 {
		return versionConflict("relationship", row.CanonicalID, row.Version, current)
	}
	if !row.IsDeleted() {
		if err := t.checkEdge(ctx, row, c.Multiplicity); err != nil {
			return err
		}
	}
	if _, err := t.tx.NewInsert().Model(row).Exec(ctx); err != nil {
		return mapWriteError(err)
	}
	return nil
}

// checkEdge enforces triple uniqueness and multiplicity under advisory
// locks so concurrent inserts of the same edge serialize.
func (t *pgTx) checkEdge(ctx context.Context, row *GraphRelationship, mult Multiplicity) error {
	if err := t.lock(ctx, "reltriple|", row.ProjectID, "|", row.BranchID, "|", row.Type, "|", row.SrcID, "|", row.DstID); err != nil {
		return err
	}
	holder, err := t.LiveRelationshipByTriple(ctx, row.Type, row.SrcID, row.DstID)
	if err != nil {
		return err
	}
	if holder != nil && holder.CanonicalID != row.CanonicalID {
		return apperror.ErrAlreadyExists.WithMessagef("relationship %s already exists", holder.CanonicalID)
	}
	if mult.Src == One {
		if err := t.lock(ctx, "relsrc|", row.ProjectID, "|", row.BranchID, "|", row.Type, "|", row.SrcID); err != nil {
			return err
		}
	}
	if mult.Dst == One {
		if err := t.lock(ctx, "reldst|", row.ProjectID, "|", row.BranchID, "|", row.Type, "|", row.DstID); err != nil {
			return err
		}
	}
	if mult.Src != One && mult.Dst != One {
		return nil
	}
	var others []*GraphRelationship
	q, _, err := t.selectRelationships(ctx, &others)
	if err != nil {
		return err
	}
	q = q.Where("gr.type = ?", row.Type).
		Where("gr.canonical_id <> ?", row.CanonicalID).
		Where("gr.deleted_at IS NULL").
		Where(relationshipIsHead).
		WhereGroup(" AND ", func(q *bun.SelectQuery) *bun.SelectQuery {
			if mult.Src == One {
				q = q.WhereOr("(gr.src_id = ? AND gr.dst_id <> ?)", row.SrcID, row.DstID)
			}
			if mult.Dst == One {
				q = q.WhereOr("(gr.dst_id = ? AND gr.src_id <> ?)", row.DstID, row.SrcID)
			}
			return q
		}).
		Limit(1)
	if err := q.Scan(ctx); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return apperror.ErrDatabase.WithInternal(err)
	}
	if len(others) > 0 {
		return multiplicityError(row, others[0])
	}
	return nil
}

func (t *pgTx) MarkRelationshipDeleted(ctx context.Context, id uuid.UUID, at time.Time) error {
	return t.markDeleted(ctx, (*GraphRelationship)(nil), "gr", "relationship", id, at)
}

func (t *pgTx) InsertBranch(ctx context.Context, b *Branch, lineage []BranchLineage) error {
	sk, err := projectScope(ctx)
	if err != nil {
		return err
	}
	if b.ProjectID != sk.project {
		return apperror.ErrForbidden.WithMessage("branch is outside the transaction's tenant scope")
	}
	if err := t.lock(ctx, "branch|", b.ProjectID, "|", b.Name); err != nil {
		return err
	}
	if _, err := t.BranchByName(ctx, b.Name); err == nil {
		return apperror.ErrAlreadyExists.WithMessagef("branch %q already exists", b.Name)
	} else if !errors.Is(err, apperror.ErrNotFound) {
		return err
	}
	if _, err := t.tx.NewInsert().Model(b).Exec(ctx); err != nil {
		if database.IsUniqueViolation(err, "") {
			return apperror.ErrAlreadyExists.WithMessagef("branch %q already exists", b.Name)
		}
		return apperror.ErrDatabase.WithInternal(err)
	}
	if len(lineage) > 0 {
		if _, err := t.tx.NewInsert().Model(&lineage).Exec(ctx); err != nil {
			return apperror.ErrDatabase.WithInternal(err)
		}
	}
	return nil
}

func (t *pgTx) DeleteBranch(ctx context.Context, id uuid.UUID) error {
	sk, err := projectScope(ctx)
	if err != nil {
		return err
	}
	if _, err := t.Branch(ctx, id); err != nil {
		return err
	}
	for _, table := range []string{"kb.graph_relationships", "kb.graph_objects"} {
		if _, err := t.tx.NewDelete().TableExpr(table).
			Where("project_id = ?", sk.project).
			Where("branch_id = ?", id).
			Exec(ctx); err != nil {
			return apperror.ErrDatabase.WithInternal(err)
		}
	}
	if _, err := t.tx.NewDelete().Model((*BranchLineage)(nil)).Where("bl.branch_id = ?", id).Exec(ctx); err != nil {
		return apperror.ErrDatabase.WithInternal(err)
	}
	if _, err := t.tx.NewDelete().Model((*Branch)(nil)).Where("b.id = ?", id).Exec(ctx); err != nil {
		return apperror.ErrDatabase.WithInternal(err)
	}
	return nil
}
