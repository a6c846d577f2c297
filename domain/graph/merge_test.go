package graph

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emergent-company/graphcore/pkg/apperror"
	"github.com/emergent-company/graphcore/pkg/tenant"
)

func intoTrunk(branch uuid.UUID) MergeRequest {
	return MergeRequest{TargetBranchID: tenant.Trunk, SourceBranchID: branch}
}

func entryFor(t *testing.T, entries []*MergeEntry, canonical uuid.UUID) *MergeEntry {
	t.Helper()
	for _, e := range entries {
		if e.CanonicalID == canonical {
			return e
		}
	}
	t.Fatalf("no merge entry for %s", canonical)
	return nil
}

func (e *testEnv) head(t *testing.T, ctx context.Context, obj *GraphObject) *GraphObject {
	t.Helper()
	h, err := e.store.LatestObject(ctx, obj.CanonicalID)
	require.NoError(t, err)
	return h
}

// =============================================================================
// Merge Base
// =============================================================================

func TestMergeBase(t *testing.T) {
	t1, t2 := uuid.New(), uuid.New()
	s1, s2 := uuid.New(), uuid.New()
	src := []chainStep{{id: s1, forkOf: &t1}, {id: s2}}
	tgt := []chainStep{{id: t1}, {id: t2, forkOf: &s2}}

	// The target copied the source head, which is later than the fork.
	srcAfter, tgtAfter := mergeBase(src, tgt)
	assert.Equal(t, 1, srcAfter)
	assert.Equal(t, 1, tgtAfter)

	srcAfter, tgtAfter = mergeBase(src, tgt[:1])
	assert.Equal(t, 0, srcAfter)
	assert.Equal(t, 0, tgtAfter)

	// Histories expanded through the same rows meet at the last shared one.
	shared := []chainStep{{id: t1}, {id: s1, forkOf: &t1}}
	srcAfter, tgtAfter = mergeBase(append(shared, chainStep{id: s2}), shared)
	assert.Equal(t, 1, srcAfter)
	assert.Equal(t, 1, tgtAfter)

	// Unrelated chains count every step.
	srcAfter, tgtAfter = mergeBase([]chainStep{{id: uuid.New()}}, []chainStep{{id: uuid.New()}})
	assert.Equal(t, -1, srcAfter)
	assert.Equal(t, -1, tgtAfter)
}

func TestExpandSteps(t *testing.T) {
	trunk := []chainStep{{id: uuid.New()}, {id: uuid.New(), paths: []string{"/name"}}, {id: uuid.New()}}
	mid := []chainStep{{id: uuid.New(), forkOf: &trunk[1].id}, {id: uuid.New(), paths: []string{"/role"}}}
	leaf := []chainStep{{id: uuid.New(), forkOf: &mid[1].id}, {id: uuid.New(), paths: []string{"/age"}}}

	rows := map[uuid.UUID]located{}
	for _, chain := range [][]chainStep{trunk, mid, leaf} {
		for i, s := range chain {
			rows[s.id] = located{steps: chain, at: i}
		}
	}

	got := expandSteps(leaf, rows)
	ids := make([]uuid.UUID, len(got))
	for i, s := range got {
		ids[i] = s.id
	}
	assert.Equal(t, []uuid.UUID{trunk[0].id, trunk[1].id, mid[0].id, mid[1].id, leaf[0].id, leaf[1].id}, ids)
	assert.Equal(t, []string{"/age", "/role"}, pathsAfter(got, 2).Sorted())

	// A fork source outside the lineage ends the walk.
	orphan := []chainStep{{id: uuid.New(), forkOf: uuidPtr(uuid.New())}}
	assert.Len(t, expandSteps(orphan, rows), 1)
}

func TestClassifyPair(t *testing.T) {
	fork := uuid.New()
	base := []chainStep{{id: fork, paths: []string{"/name"}}}
	forked := chainStep{id: uuid.New(), forkOf: &fork}

	tests := []struct {
		name      string
		src, tgt  Properties
		srcSteps  []chainStep
		tgtSteps  []chainStep
		status    MergeStatus
		strategy  string
		conflicts []string
	}{
		{
			name:     "source only change replaces",
			src:      Properties{"name": String("a"), "age": Number(1)},
			tgt:      Properties{"name": String("a")},
			srcSteps: []chainStep{forked, {id: uuid.New(), paths: []string{"/age"}}},
			tgtSteps: base,
			status:   MergeFastForward,
			strategy: StrategyReplace,
		},
		{
			name:     "disjoint changes path merge",
			src:      Properties{"name": String("a"), "age": Number(1)},
			tgt:      Properties{"name": String("a"), "role": String("x")},
			srcSteps: []chainStep{forked, {id: uuid.New(), paths: []string{"/age"}}},
			tgtSteps: append(base, chainStep{id: uuid.New(), paths: []string{"/role"}}),
			status:   MergeFastForward,
			strategy: StrategyPathMerge,
		},
		{
			name:      "same path different values",
			src:       Properties{"name": String("a"), "age": Number(1)},
			tgt:       Properties{"name": String("a"), "age": Number(2)},
			srcSteps:  []chainStep{forked, {id: uuid.New(), paths: []string{"/age"}}},
			tgtSteps:  append(base, chainStep{id: uuid.New(), paths: []string{"/age"}}),
			status:    MergeConflict,
			conflicts: []string{"/age"},
		},
		{
			name:     "same path same value",
			src:      Properties{"name": String("a"), "age": Number(1), "x": Bool(true)},
			tgt:      Properties{"name": String("a"), "age": Number(1)},
			srcSteps: []chainStep{forked, {id: uuid.New(), paths: []string{"/age"}}},
			tgtSteps: append(base, chainStep{id: uuid.New(), paths: []string{"/age", "/x"}}),
			status:   MergeUnchanged,
		},
		{
			name:     "only target changed",
			src:      Properties{"name": String("a")},
			tgt:      Properties{"name": String("b")},
			srcSteps: []chainStep{forked},
			tgtSteps: append(base, chainStep{id: uuid.New(), paths: []string{"/name"}}),
			status:   MergeUnchanged,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := classifyPair(tt.src, tt.tgt, tt.srcSteps, tt.tgtSteps)
			assert.Equal(t, tt.status, res.status)
			assert.Equal(t, tt.strategy, res.strategy)
			assert.Equal(t, tt.conflicts, res.conflicts)
		})
	}
}

// =============================================================================
// Dry Run / Execute
// =============================================================================

func TestMerge_FastForwardReplace(t *testing.T) {
	env := newTestEnv(t)
	ada := env.person(t, env.ctx, "Ada")
	branch := env.fork(t, "feature")
	onBranch := env.patch(t, env.on(branch), ada, Properties{"age": Number(36)})

	dry, err := env.merge.DryRun(env.ctx, intoTrunk(branch))
	require.NoError(t, err)
	assert.True(t, dry.DryRun)
	entry := entryFor(t, dry.Objects, ada.CanonicalID)
	assert.Equal(t, MergeFastForward, entry.Status)
	assert.Equal(t, StrategyReplace, entry.Strategy)
	assert.Equal(t, []string{"/age"}, entry.SourcePaths)
	assert.Empty(t, entry.TargetPaths)
	assert.Equal(t, 1, dry.ObjectCounts.FastForward)

	// A dry run writes nothing.
	assert.Equal(t, 1, env.head(t, env.ctx, ada).Version)

	done, err := env.merge.Execute(env.ctx, intoTrunk(branch))
	require.NoError(t, err)
	assert.False(t, done.DryRun)
	require.NotNil(t, done.Applied)
	assert.Equal(t, 1, done.Applied.Objects)

	trunkHead := env.head(t, env.ctx, ada)
	assert.Equal(t, 2, trunkHead.Version)
	assert.True(t, trunkHead.Properties.Equal(onBranch.Properties))
	require.NotNil(t, trunkHead.ForkOfID)
	assert.Equal(t, onBranch.ID, *trunkHead.ForkOfID)

	again, err := env.merge.DryRun(env.ctx, intoTrunk(branch))
	require.NoError(t, err)
	assert.Equal(t, MergeUnchanged, entryFor(t, again.Objects, ada.CanonicalID).Status)
}

func TestMerge_PathMerge(t *testing.T) {
	env := newTestEnv(t)
	ada := env.person(t, env.ctx, "Ada")
	branch := env.fork(t, "feature")
	env.patch(t, env.on(branch), ada, Properties{"age": Number(36)})
	env.patch(t, env.ctx, ada, Properties{"role": String("eng")})

	done, err := env.merge.Execute(env.ctx, intoTrunk(branch))
	require.NoError(t, err)
	entry := entryFor(t, done.Objects, ada.CanonicalID)
	assert.Equal(t, MergeFastForward, entry.Status)
	assert.Equal(t, StrategyPathMerge, entry.Strategy)

	assert.Equal(t, Properties{
		"name": String("Ada"),
		"age":  Number(36),
		"role": String("eng"),
	}, env.head(t, env.ctx, ada).Properties)
}

func TestMerge_ConflictResolution(t *testing.T) {
	setup := func(t *testing.T) (*testEnv, *GraphObject, uuid.UUID) {
		env := newTestEnv(t)
		ada := env.person(t, env.ctx, "Ada")
		branch := env.fork(t, "feature")
		env.patch(t, env.on(branch), ada, Properties{"age": Number(36)})
		env.patch(t, env.ctx, ada, Properties{"age": Number(37)})
		return env, ada, branch
	}

	t.Run("dry run reports conflict paths", func(t *testing.T) {
		env, ada, branch := setup(t)
		dry, err := env.merge.DryRun(env.ctx, intoTrunk(branch))
		require.NoError(t, err)
		entry := entryFor(t, dry.Objects, ada.CanonicalID)
		assert.Equal(t, MergeConflict, entry.Status)
		assert.Equal(t, []string{"/age"}, entry.ConflictPaths)
		assert.Equal(t, ada.CanonicalID.String(), entry.Identity)
	})

	t.Run("unresolved conflicts abort", func(t *testing.T) {
		env, ada, branch := setup(t)
		_, err := env.merge.Execute(env.ctx, intoTrunk(branch))
		require.Error(t, err)
		assert.True(t, errors.Is(err, apperror.ErrUnresolvedConflicts))
		appErr, _ := apperror.As(err)
		assert.Equal(t, []string{ada.CanonicalID.String()}, appErr.Details["identities"])
		assert.Equal(t, 2, env.head(t, env.ctx, ada).Version)
	})

	t.Run("pick source", func(t *testing.T) {
		env, ada, branch := setup(t)
		req := intoTrunk(branch)
		req.Resolutions = map[string]Resolution{ada.CanonicalID.String(): {Strategy: PickSource}}
		_, err := env.merge.Execute(env.ctx, req)
		require.NoError(t, err)
		head := env.head(t, env.ctx, ada)
		assert.Equal(t, 3, head.Version)
		assert.True(t, head.Properties["age"].Equal(Number(36)))
		assert.NotNil(t, head.ForkOfID)
	})

	t.Run("pick target writes nothing", func(t *testing.T) {
		env, ada, branch := setup(t)
		req := intoTrunk(branch)
		req.Resolutions = map[string]Resolution{ada.CanonicalID.String(): {Strategy: PickTarget}}
		done, err := env.merge.Execute(env.ctx, req)
		require.NoError(t, err)
		assert.Equal(t, 0, done.Applied.Objects)
		assert.Equal(t, 2, env.head(t, env.ctx, ada).Version)
	})

	t.Run("merged value", func(t *testing.T) {
		env, ada, branch := setup(t)
		req := intoTrunk(branch)
		req.Resolutions = map[string]Resolution{ada.CanonicalID.String(): {
			Strategy: MergedValue,
			Value:    Properties{"name": String("Ada"), "age": Number(40)},
		}}
		_, err := env.merge.Execute(env.ctx, req)
		require.NoError(t, err)
		head := env.head(t, env.ctx, ada)
		assert.True(t, head.Properties["age"].Equal(Number(40)))
		assert.Nil(t, head.ForkOfID)
	})

	t.Run("bad resolutions", func(t *testing.T) {
		env, ada, branch := setup(t)
		req := intoTrunk(branch)
		req.Resolutions = map[string]Resolution{ada.CanonicalID.String(): {Strategy: MergedValue}}
		_, err := env.merge.Execute(env.ctx, req)
		assert.True(t, errors.Is(err, apperror.ErrBadRequest))

		req.Resolutions = map[string]Resolution{ada.CanonicalID.String(): {Strategy: "coin_flip"}}
		_, err = env.merge.Execute(env.ctx, req)
		assert.True(t, errors.Is(err, apperror.ErrBadRequest))
	})
}

func TestMerge_BaseAdvancesAfterExecute(t *testing.T) {
	env := newTestEnv(t)
	ada := env.person(t, env.ctx, "Ada")
	branch := env.fork(t, "feature")
	env.patch(t, env.on(branch), ada, Properties{"x": Number(1)})
	_, err := env.merge.Execute(env.ctx, intoTrunk(branch))
	require.NoError(t, err)

	// Both sides move on; trunk's merged /x no longer counts as its change.
	env.patch(t, env.on(branch), ada, Properties{"x": Number(2)})
	env.patch(t, env.ctx, ada, Properties{"y": Number(3)})

	dry, err := env.merge.DryRun(env.ctx, intoTrunk(branch))
	require.NoError(t, err)
	entry := entryFor(t, dry.Objects, ada.CanonicalID)
	assert.Equal(t, MergeFastForward, entry.Status)
	assert.Equal(t, []string{"/x"}, entry.SourcePaths)
	assert.Equal(t, []string{"/y"}, entry.TargetPaths)
	assert.Equal(t, StrategyPathMerge, entry.Strategy)
}

func TestMerge_AddedObjectsAndRelationships(t *testing.T) {
	env := newTestEnv(t)
	ada := env.person(t, env.ctx, "Ada")
	branch := env.fork(t, "feature")
	branchCtx := env.on(branch)
	bob := env.person(t, branchCtx, "Bob")
	rel := env.edge(t, branchCtx, "KNOWS", ada, bob)

	dry, err := env.merge.DryRun(env.ctx, intoTrunk(branch))
	require.NoError(t, err)
	assert.Equal(t, MergeAdded, entryFor(t, dry.Objects, bob.CanonicalID).Status)
	assert.Equal(t, MergeUnchanged, entryFor(t, dry.Objects, ada.CanonicalID).Status)
	require.Len(t, dry.Relationships, 1)
	assert.Equal(t, MergeAdded, dry.Relationships[0].Status)
	assert.Equal(t, "KNOWS|"+ada.CanonicalID.String()+"|"+bob.CanonicalID.String(), dry.Relationships[0].Identity)
	// ADDED sorts before UNCHANGED.
	assert.Equal(t, MergeAdded, dry.Objects[0].Status)

	done, err := env.merge.Execute(env.ctx, intoTrunk(branch))
	require.NoError(t, err)
	assert.Equal(t, 1, done.Applied.Objects)
	assert.Equal(t, 1, done.Applied.Relationships)

	trunkBob := env.head(t, env.ctx, bob)
	assert.Equal(t, 1, trunkBob.Version)
	assert.Equal(t, bob.ID, *trunkBob.ForkOfID)
	trunkRel, err := env.store.LatestRelationship(env.ctx, rel.CanonicalID)
	require.NoError(t, err)
	assert.Equal(t, rel.ID, *trunkRel.ForkOfID)
}

func TestMerge_AddedResurrectsTargetDeletion(t *testing.T) {
	env := newTestEnv(t)
	bob := env.person(t, env.ctx, "Bob")
	branch := env.fork(t, "feature")
	_, err := env.objects.Delete(env.ctx, bob.CanonicalID, 1)
	require.NoError(t, err)

	done, err := env.merge.Execute(env.ctx, intoTrunk(branch))
	require.NoError(t, err)
	assert.Equal(t, MergeAdded, entryFor(t, done.Objects, bob.CanonicalID).Status)

	head := env.head(t, env.ctx, bob)
	assert.Equal(t, 3, head.Version)
	assert.Nil(t, head.DeletedAt)
}

func TestMerge_InversePairsAreOneEntry(t *testing.T) {
	schema := &testSchema{inverse: map[string]string{"CHILD_OF": "PARENT_OF"}}
	env := newTestEnvWith(t, schema, MergeConfig{HardLimit: 100})
	parent := env.person(t, env.ctx, "Parent")
	child := env.person(t, env.ctx, "Child")
	branch := env.fork(t, "feature")
	env.edge(t, env.on(branch), "CHILD_OF", child, parent)

	done, err := env.merge.Execute(env.ctx, intoTrunk(branch))
	require.NoError(t, err)
	require.Len(t, done.Relationships, 1)
	assert.Equal(t, "CHILD_OF", done.Relationships[0].Type)
	assert.Equal(t, 1, done.RelationshipCounts.Added)
	assert.Equal(t, 2, done.Applied.Relationships)

	inverse, err := env.store.LiveRelationshipByTriple(env.ctx, "PARENT_OF", parent.CanonicalID, child.CanonicalID)
	require.NoError(t, err)
	assert.NotNil(t, inverse)
}

func TestMerge_ExecuteIsAtomic(t *testing.T) {
	schema := &testSchema{multiplicity: map[string]Multiplicity{"MANAGED_BY": {Src: One, Dst: Many}}}
	env := newTestEnvWith(t, schema, MergeConfig{HardLimit: 100})
	ada := env.person(t, env.ctx, "Ada")
	bob := env.person(t, env.ctx, "Bob")
	cat := env.person(t, env.ctx, "Cat")
	branch := env.fork(t, "feature")
	branchCtx := env.on(branch)

	env.patch(t, branchCtx, ada, Properties{"age": Number(36)})
	env.edge(t, branchCtx, "MANAGED_BY", ada, cat)
	env.edge(t, env.ctx, "MANAGED_BY", ada, bob)

	_, err := env.merge.Execute(env.ctx, intoTrunk(branch))
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperror.ErrMultiplicityViolation))

	// The object fast-forward applied before the failing edge is rolled back.
	assert.Equal(t, 1, env.head(t, env.ctx, ada).Version)
}

func TestMerge_HardLimit(t *testing.T) {
	env := newTestEnvWith(t, NoSchema{}, MergeConfig{HardLimit: 1})
	a := env.person(t, env.ctx, "a")
	b := env.person(t, env.ctx, "b")
	branch := env.fork(t, "feature")
	env.patch(t, env.on(branch), a, Properties{"x": Number(1)})
	env.patch(t, env.on(branch), b, Properties{"x": Number(1)})

	dry, err := env.merge.DryRun(env.ctx, intoTrunk(branch))
	require.NoError(t, err)
	assert.Len(t, dry.Objects, 1)
	assert.True(t, dry.ObjectsTruncated)
	assert.Equal(t, 2, dry.ObjectCounts.Total)
	assert.Equal(t, 1, dry.HardLimit)

	_, err = env.merge.Execute(env.ctx, intoTrunk(branch))
	assert.True(t, errors.Is(err, apperror.ErrBadRequest))
	assert.Equal(t, 1, env.head(t, env.ctx, a).Version)
}

func TestMerge_RequestLimitShortensListsOnly(t *testing.T) {
	env := newTestEnvWith(t, NoSchema{}, MergeConfig{HardLimit: 10})
	a := env.person(t, env.ctx, "a")
	b := env.person(t, env.ctx, "b")
	branch := env.fork(t, "feature")
	env.patch(t, env.on(branch), a, Properties{"x": Number(1)})
	env.patch(t, env.on(branch), b, Properties{"x": Number(1)})

	req := intoTrunk(branch)
	req.Limit = 1
	dry, err := env.merge.DryRun(env.ctx, req)
	require.NoError(t, err)
	assert.Len(t, dry.Objects, 1)
	assert.True(t, dry.ObjectsTruncated)
	assert.Equal(t, 10, dry.HardLimit)

	done, err := env.merge.Execute(env.ctx, req)
	require.NoError(t, err)
	assert.Len(t, done.Objects, 1)
	assert.Equal(t, 2, done.Applied.Objects)
	assert.Equal(t, 2, env.head(t, env.ctx, b).Version)
}

func TestMerge_MixedStatuses(t *testing.T) {
	env := newTestEnv(t)
	a := env.person(t, env.ctx, "A")
	c := env.person(t, env.ctx, "C")
	d := env.person(t, env.ctx, "D")
	branch := env.fork(t, "feature")
	branchCtx := env.on(branch)

	b := env.person(t, branchCtx, "B")
	env.patch(t, branchCtx, c, Properties{"name": String("left")})
	env.patch(t, env.ctx, c, Properties{"name": String("right")})
	env.patch(t, branchCtx, d, Properties{"base": Number(1), "extra": Number(2)})
	env.patch(t, env.ctx, d, Properties{"base": Number(1)})

	dry, err := env.merge.DryRun(env.ctx, intoTrunk(branch))
	require.NoError(t, err)

	tests := []struct {
		name      string
		obj       *GraphObject
		status    MergeStatus
		strategy  string
		src, tgt  []string
		conflicts []string
	}{
		{name: "untouched", obj: a, status: MergeUnchanged},
		{name: "created on source", obj: b, status: MergeAdded},
		{
			name: "same path changed apart", obj: c, status: MergeConflict,
			src: []string{"/name"}, tgt: []string{"/name"}, conflicts: []string{"/name"},
		},
		{
			name: "target paths within source paths", obj: d, status: MergeFastForward, strategy: StrategyReplace,
			src: []string{"/base", "/extra"}, tgt: []string{"/base"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entry := entryFor(t, dry.Objects, tt.obj.CanonicalID)
			assert.Equal(t, tt.status, entry.Status)
			assert.Equal(t, tt.strategy, entry.Strategy)
			assert.Equal(t, tt.src, entry.SourcePaths)
			assert.Equal(t, tt.tgt, entry.TargetPaths)
			assert.Equal(t, tt.conflicts, entry.ConflictPaths)
		})
	}
	assert.Equal(t, MergeCounts{Total: 4, Unchanged: 1, Added: 1, FastForward: 1, Conflict: 1}, dry.ObjectCounts)
}

func TestMerge_InverseHalvesOnEachSide(t *testing.T) {
	schema := &testSchema{inverse: map[string]string{"CHILD_OF": "PARENT_OF"}}
	env := newTestEnvWith(t, schema, MergeConfig{HardLimit: 100})
	parent := env.person(t, env.ctx, "Parent")
	child := env.person(t, env.ctx, "Child")
	branch := env.fork(t, "feature")

	insert := func(ctx context.Context, typ string, src, dst *GraphObject) {
		scope, err := tenant.From(ctx)
		require.NoError(t, err)
		row := newRelationshipRow(scope, edgeWrite{typ: typ, src: src.CanonicalID, dst: dst.CanonicalID, props: Properties{}}, time.Now().UTC())
		require.NoError(t, env.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
			return tx.InsertRelationship(ctx, row, EdgeConstraint{Multiplicity: ManyToMany})
		}))
	}
	insert(env.on(branch), "PARENT_OF", parent, child)
	insert(env.ctx, "CHILD_OF", child, parent)

	dry, err := env.merge.DryRun(env.ctx, intoTrunk(branch))
	require.NoError(t, err)
	require.Len(t, dry.Relationships, 1)
	entry := dry.Relationships[0]
	assert.Equal(t, "CHILD_OF|"+child.CanonicalID.String()+"|"+parent.CanonicalID.String(), entry.Identity)
	assert.Equal(t, MergeUnchanged, entry.Status)
	assert.Equal(t, MergeCounts{Total: 1, Unchanged: 1}, dry.RelationshipCounts)
}

func TestMerge_NestedBranches(t *testing.T) {
	env := newTestEnv(t)
	ada := env.person(t, env.ctx, "Ada")
	parent := env.fork(t, "parent")
	env.patch(t, env.on(parent), ada, Properties{"role": String("eng")})
	child := env.forkFrom(t, parent, "child")
	env.patch(t, env.on(child), ada, Properties{"name": String("Ada Lovelace")})

	// The parent's change before the child forked counts as the child's.
	dry, err := env.merge.DryRun(env.ctx, intoTrunk(child))
	require.NoError(t, err)
	entry := entryFor(t, dry.Objects, ada.CanonicalID)
	assert.Equal(t, MergeFastForward, entry.Status)
	assert.Equal(t, StrategyReplace, entry.Strategy)
	assert.Equal(t, []string{"/name", "/role"}, entry.SourcePaths)
	assert.Empty(t, entry.TargetPaths)

	dry, err = env.merge.DryRun(env.ctx, MergeRequest{TargetBranchID: parent, SourceBranchID: child})
	require.NoError(t, err)
	entry = entryFor(t, dry.Objects, ada.CanonicalID)
	assert.Equal(t, MergeFastForward, entry.Status)
	assert.Equal(t, []string{"/name"}, entry.SourcePaths)

	env.patch(t, env.ctx, ada, Properties{"age": Number(36)})
	dry, err = env.merge.DryRun(env.on(child), MergeRequest{TargetBranchID: child, SourceBranchID: tenant.Trunk})
	require.NoError(t, err)
	entry = entryFor(t, dry.Objects, ada.CanonicalID)
	assert.Equal(t, MergeFastForward, entry.Status)
	assert.Equal(t, StrategyPathMerge, entry.Strategy)
	assert.Equal(t, []string{"/age"}, entry.SourcePaths)
	assert.Equal(t, []string{"/name", "/role"}, entry.TargetPaths)

	done, err := env.merge.Execute(env.ctx, intoTrunk(child))
	require.NoError(t, err)
	assert.Equal(t, 1, done.Applied.Objects)
	assert.Equal(t, Properties{
		"name": String("Ada Lovelace"),
		"role": String("eng"),
		"age":  Number(36),
	}, env.head(t, env.ctx, ada).Properties)
}

func TestMerge_LabelsStayOnTheirBranch(t *testing.T) {
	env := newTestEnv(t)
	ada := env.person(t, env.ctx, "Ada")
	branch := env.fork(t, "feature")
	_, err := env.objects.Patch(env.on(branch), ada.CanonicalID, PatchObjectRequest{ExpectedVersion: 1, Labels: []string{"vip"}})
	require.NoError(t, err)

	done, err := env.merge.Execute(env.ctx, intoTrunk(branch))
	require.NoError(t, err)
	assert.Equal(t, MergeUnchanged, entryFor(t, done.Objects, ada.CanonicalID).Status)
	assert.Equal(t, 0, done.Applied.Objects)

	head := env.head(t, env.ctx, ada)
	assert.Equal(t, 1, head.Version)
	assert.Empty(t, head.Labels)
}

func TestMerge_RequestErrors(t *testing.T) {
	env := newTestEnv(t)
	branch := env.fork(t, "feature")

	_, err := env.merge.DryRun(env.ctx, MergeRequest{TargetBranchID: branch, SourceBranchID: branch})
	assert.True(t, errors.Is(err, apperror.ErrBadRequest))

	_, err = env.merge.DryRun(env.ctx, intoTrunk(uuid.New()))
	assert.True(t, errors.Is(err, apperror.ErrNotFound))

	_, err = env.merge.DryRun(context.Background(), intoTrunk(branch))
	assert.True(t, errors.Is(err, apperror.ErrForbidden))

	elevated, err := tenant.Elevate(context.Background(), tenant.NewLogAuditor(discardLogger()), "test")
	require.NoError(t, err)
	_, err = env.merge.DryRun(elevated, intoTrunk(branch))
	assert.True(t, errors.Is(err, apperror.ErrForbidden))
}

func TestMerge_ExecuteRateLimited(t *testing.T) {
	env := newTestEnvWith(t, NoSchema{}, MergeConfig{HardLimit: 10, ExecutesPerMinute: 1})
	branch := env.fork(t, "feature")

	_, err := env.merge.Execute(env.ctx, intoTrunk(branch))
	require.NoError(t, err)
	_, err = env.merge.Execute(env.ctx, intoTrunk(branch))
	assert.True(t, errors.Is(err, apperror.ErrRateLimited))

	// Dry runs are not limited.
	_, err = env.merge.DryRun(env.ctx, intoTrunk(branch))
	assert.NoError(t, err)
}

func TestMerge_BranchToBranch(t *testing.T) {
	env := newTestEnv(t)
	ada := env.person(t, env.ctx, "Ada")
	left := env.fork(t, "left")
	right := env.fork(t, "right")
	env.patch(t, env.on(left), ada, Properties{"side": String("left")})

	done, err := env.merge.Execute(env.ctx, MergeRequest{TargetBranchID: right, SourceBranchID: left})
	require.NoError(t, err)
	assert.Equal(t, 1, done.Applied.Objects)

	assert.True(t, env.head(t, env.on(right), ada).Properties["side"].Equal(String("left")))
	assert.Equal(t, 1, env.head(t, env.ctx, ada).Version, "trunk untouched")
}
