package graph

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/emergent-company/graphcore/pkg/tenant"
)

// testSchema is a SchemaAdapter backed by maps.
type testSchema struct {
	multiplicity map[string]Multiplicity
	inverse      map[string]string
	objects      map[string]Validator
	rels         map[string]Validator
}

func (s *testSchema) RelationshipMultiplicity(_ context.Context, _ uuid.UUID, relType string) (Multiplicity, error) {
	if m, ok := s.multiplicity[relType]; ok {
		return m, nil
	}
	return ManyToMany, nil
}

func (s *testSchema) ObjectValidator(_ context.Context, _ uuid.UUID, objType string) (Validator, error) {
	return s.objects[objType], nil
}

func (s *testSchema) RelationshipValidator(_ context.Context, _ uuid.UUID, relType string) (Validator, error) {
	return s.rels[relType], nil
}

func (s *testSchema) InverseType(_ context.Context, _ uuid.UUID, relType string) (string, bool, error) {
	if inv, ok := s.inverse[relType]; ok {
		return inv, true, nil
	}
	for k, v := range s.inverse {
		if v == relType {
			return k, true, nil
		}
	}
	return "", false, nil
}

// testEnv wires the engines over one store and one project.
type testEnv struct {
	store     Store
	schema    SchemaAdapter
	objects   *VersionStore
	rels      *RelationshipEngine
	traversal *TraversalEngine
	merge     *MergeEngine
	project   uuid.UUID
	ctx       context.Context
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEnv(t *testing.T) *testEnv {
	return newTestEnvWith(t, NoSchema{}, MergeConfig{HardLimit: 500})
}

func newTestEnvWith(t *testing.T, schema SchemaAdapter, mergeCfg MergeConfig) *testEnv {
	return newTestEnvOn(t, NewMemoryStore(), uuid.New(), schema, mergeCfg)
}

func newTestEnvOn(t *testing.T, store Store, project uuid.UUID, schema SchemaAdapter, mergeCfg MergeConfig) *testEnv {
	t.Helper()
	log := discardLogger()
	return &testEnv{
		store:     store,
		schema:    schema,
		objects:   NewVersionStore(store, schema, log),
		rels:      NewRelationshipEngine(store, schema, log),
		traversal: NewTraversalEngine(store, 100, time.Second, log),
		merge:     NewMergeEngine(store, schema, mergeCfg, log),
		project:   project,
		ctx:       tenant.With(context.Background(), tenant.New(project, tenant.Trunk)),
	}
}

// on returns a context scoped to a branch of the env's project.
func (e *testEnv) on(branch uuid.UUID) context.Context {
	return tenant.With(context.Background(), tenant.New(e.project, branch))
}

func (e *testEnv) object(t *testing.T, ctx context.Context, typ string, props Properties) *GraphObject {
	t.Helper()
	obj, err := e.objects.Create(ctx, CreateObjectRequest{Type: typ, Properties: props})
	require.NoError(t, err)
	return obj
}

func (e *testEnv) person(t *testing.T, ctx context.Context, name string) *GraphObject {
	t.Helper()
	return e.object(t, ctx, "Person", Properties{"name": String(name)})
}

func (e *testEnv) edge(t *testing.T, ctx context.Context, typ string, src, dst *GraphObject) *GraphRelationship {
	t.Helper()
	rel, err := e.rels.Create(ctx, CreateRelationshipRequest{Type: typ, SrcID: src.CanonicalID, DstID: dst.CanonicalID})
	require.NoError(t, err)
	return rel
}

func (e *testEnv) patch(t *testing.T, ctx context.Context, obj *GraphObject, delta Properties) *GraphObject {
	t.Helper()
	head, err := e.store.LatestObject(ctx, obj.CanonicalID)
	require.NoError(t, err)
	out, err := e.objects.Patch(ctx, obj.CanonicalID, PatchObjectRequest{ExpectedVersion: head.Version, Properties: delta})
	require.NoError(t, err)
	return out
}

// fork creates a branch off trunk and copies every live head onto it, the
// way the branches service does.
func (e *testEnv) fork(t *testing.T, name string) uuid.UUID {
	t.Helper()
	return e.forkFrom(t, tenant.Trunk, name)
}

// forkFrom creates a branch off parent with its full lineage.
func (e *testEnv) forkFrom(t *testing.T, parent uuid.UUID, name string) uuid.UUID {
	t.Helper()
	b := &Branch{ID: uuid.New(), ProjectID: e.project, Name: name, CreatedAt: time.Now().UTC()}
	if parent != tenant.Trunk {
		b.ParentBranchID = &parent
	}
	branchCtx := e.on(b.ID)
	err := e.store.InTx(e.on(parent), func(ctx context.Context, tx Tx) error {
		lineage := []BranchLineage{{BranchID: b.ID, AncestorBranchID: b.ID}}
		if parent != tenant.Trunk {
			ancestors, err := tx.BranchLineage(ctx, parent)
			if err != nil {
				return err
			}
			for _, a := range ancestors {
				lineage = append(lineage, BranchLineage{BranchID: b.ID, AncestorBranchID: a.AncestorBranchID, Depth: a.Depth + 1})
			}
		}
		if err := tx.InsertBranch(ctx, b, lineage); err != nil {
			return err
		}
		objs, err := tx.ListObjectHeads(ctx, HeadQuery{Limit: maxPageSize})
		if err != nil {
			return err
		}
		for _, o := range objs {
			if err := tx.InsertObject(branchCtx, o.ForkTo(b.ID, b.CreatedAt)); err != nil {
				return err
			}
		}
		rels, err := tx.ListRelationshipHeads(ctx, HeadQuery{Limit: maxPageSize})
		if err != nil {
			return err
		}
		for _, r := range rels {
			if err := tx.InsertRelationship(branchCtx, r.ForkTo(b.ID, b.CreatedAt), EdgeConstraint{Multiplicity: ManyToMany}); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
	return b.ID
}
