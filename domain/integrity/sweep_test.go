package integrity

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emergent-company/graphcore/domain/graph"
	"github.com/emergent-company/graphcore/pkg/apperror"
	"github.com/emergent-company/graphcore/pkg/tenant"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingAuditor struct {
	mu      sync.Mutex
	reasons []string
}

func (a *recordingAuditor) AuditAllTenants(_ context.Context, reason string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reasons = append(a.reasons, reason)
}

// chainBuilder produces well-formed rows that tests then corrupt.
type chainBuilder struct {
	rows []graph.RowMeta
}

func (b *chainBuilder) add(deleted bool) *chainBuilder {
	r := graph.RowMeta{ID: uuid.New(), Version: len(b.rows) + 1, CreatedAt: time.Now()}
	if n := len(b.rows); n > 0 {
		prev := b.rows[n-1].ID
		r.SupersedesID = &prev
	}
	if deleted {
		at := time.Now()
		r.DeletedAt = &at
	}
	b.rows = append(b.rows, r)
	return b
}

func kinds(vs []Violation) []string {
	out := make([]string, 0, len(vs))
	for _, v := range vs {
		out = append(out, v.Kind)
	}
	return out
}

func TestCheckChain(t *testing.T) {
	now := time.Now()

	t.Run("well formed chains are clean", func(t *testing.T) {
		assert.Empty(t, CheckChain(nil))
		assert.Empty(t, CheckChain((&chainBuilder{}).add(false).rows))
		assert.Empty(t, CheckChain((&chainBuilder{}).add(false).add(false).add(false).rows))
	})

	t.Run("tombstone with demoted predecessor is clean", func(t *testing.T) {
		rows := (&chainBuilder{}).add(false).add(false).add(true).rows
		rows[1].DeletedAt = &now
		assert.Empty(t, CheckChain(rows))
	})

	t.Run("tombstone with live predecessor", func(t *testing.T) {
		rows := (&chainBuilder{}).add(false).add(true).rows
		assert.Equal(t, []string{UndemotedTombstone}, kinds(CheckChain(rows)))
	})

	t.Run("gap", func(t *testing.T) {
		rows := (&chainBuilder{}).add(false).add(false).rows
		rows[1].Version = 3
		assert.Equal(t, []string{VersionGap}, kinds(CheckChain(rows)))
	})

	t.Run("chain not starting at one", func(t *testing.T) {
		rows := (&chainBuilder{}).add(false).rows
		rows[0].Version = 2
		rows[0].SupersedesID = nil
		got := kinds(CheckChain(rows))
		assert.Contains(t, got, VersionGap)
	})

	t.Run("duplicate live heads", func(t *testing.T) {
		rows := (&chainBuilder{}).add(false).add(false).rows
		dup := rows[1]
		dup.ID = uuid.New()
		rows = append(rows, dup)
		got := kinds(CheckChain(rows))
		assert.Equal(t, []string{DuplicateVersion, DuplicateVersion}, got)
	})

	t.Run("broken supersedes link", func(t *testing.T) {
		rows := (&chainBuilder{}).add(false).add(false).rows
		other := uuid.New()
		rows[1].SupersedesID = &other
		assert.Equal(t, []string{BrokenSupersedes}, kinds(CheckChain(rows)))

		rows = (&chainBuilder{}).add(false).rows
		rows[0].SupersedesID = &other
		assert.Equal(t, []string{BrokenSupersedes}, kinds(CheckChain(rows)))
	})
}

type fakeScanner struct {
	objects map[graph.ChainRef][]graph.RowMeta
	rels    map[graph.ChainRef][]graph.RowMeta
	err     error
	scopes  []tenant.Scope
}

func (f *fakeScanner) scan(ctx context.Context, chains map[graph.ChainRef][]graph.RowMeta, visit graph.ChainVisitor) error {
	scope, err := tenant.From(ctx)
	if err != nil {
		return err
	}
	f.scopes = append(f.scopes, scope)
	if f.err != nil {
		return f.err
	}
	for ref, rows := range chains {
		if err := visit(ref, rows); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeScanner) ScanObjectChains(ctx context.Context, visit graph.ChainVisitor) error {
	return f.scan(ctx, f.objects, visit)
}

func (f *fakeScanner) ScanRelationshipChains(ctx context.Context, visit graph.ChainVisitor) error {
	return f.scan(ctx, f.rels, visit)
}

func TestSweeper_ReportsViolations(t *testing.T) {
	broken := graph.ChainRef{ProjectID: uuid.New(), BranchID: tenant.Trunk, CanonicalID: uuid.New()}
	rows := (&chainBuilder{}).add(false).add(true).rows
	scanner := &fakeScanner{
		objects: map[graph.ChainRef][]graph.RowMeta{
			broken: rows,
			{ProjectID: uuid.New(), CanonicalID: uuid.New()}: (&chainBuilder{}).add(false).rows,
		},
		rels: map[graph.ChainRef][]graph.RowMeta{
			{ProjectID: uuid.New(), CanonicalID: uuid.New()}: (&chainBuilder{}).add(false).add(false).rows,
		},
	}
	auditor := &recordingAuditor{}
	sweeper := NewSweeper(scanner, auditor, discardLogger())

	report, err := sweeper.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.ObjectChains)
	assert.Equal(t, 1, report.RelationshipChains)
	assert.False(t, report.Clean())
	require.Len(t, report.Violations, 1)

	v := report.Violations[0]
	assert.Equal(t, UndemotedTombstone, v.Kind)
	assert.Equal(t, "object", v.Entity)
	assert.Equal(t, broken.CanonicalID, v.CanonicalID)
	assert.Equal(t, broken.ProjectID, v.ProjectID)
	assert.Equal(t, 2, v.Version)

	assert.Equal(t, []string{auditReason}, auditor.reasons)
	require.Len(t, scanner.scopes, 2)
	assert.True(t, scanner.scopes[0].AllTenants())
}

func TestSweeper_ScanError(t *testing.T) {
	scanner := &fakeScanner{err: apperror.ErrDatabase}
	_, err := NewSweeper(scanner, &recordingAuditor{}, discardLogger()).Run(context.Background())
	assert.True(t, errors.Is(err, apperror.ErrDatabase))
}

func TestSweeper_RequiresAuditor(t *testing.T) {
	scanner := &fakeScanner{}
	_, err := NewSweeper(scanner, nil, discardLogger()).Run(context.Background())
	assert.True(t, errors.Is(err, apperror.ErrForbidden))
	assert.Empty(t, scanner.scopes)
}

func TestSweeper_MemoryStoreHistoryIsClean(t *testing.T) {
	log := discardLogger()
	store := graph.NewMemoryStore()
	objects := graph.NewVersionStore(store, graph.NoSchema{}, log)
	rels := graph.NewRelationshipEngine(store, graph.NoSchema{}, log)

	for _, project := range []uuid.UUID{uuid.New(), uuid.New()} {
		ctx := tenant.With(context.Background(), tenant.New(project, tenant.Trunk))
		a, err := objects.Create(ctx, graph.CreateObjectRequest{Type: "Person", Properties: graph.Properties{"name": graph.String("a")}})
		require.NoError(t, err)
		b, err := objects.Create(ctx, graph.CreateObjectRequest{Type: "Person", Properties: graph.Properties{"name": graph.String("b")}})
		require.NoError(t, err)

		a2, err := objects.Patch(ctx, a.CanonicalID, graph.PatchObjectRequest{
			ExpectedVersion: 1,
			Properties:      graph.Properties{"age": graph.Number(3)},
		})
		require.NoError(t, err)
		deleted, err := objects.Delete(ctx, a.CanonicalID, a2.Version)
		require.NoError(t, err)
		_, err = objects.Restore(ctx, a.CanonicalID, deleted.Version)
		require.NoError(t, err)

		edge, err := rels.Create(ctx, graph.CreateRelationshipRequest{Type: "KNOWS", SrcID: a.ID, DstID: b.ID})
		require.NoError(t, err)
		_, err = rels.Delete(ctx, edge.CanonicalID, edge.Version)
		require.NoError(t, err)
	}

	report, err := NewSweeper(store, &recordingAuditor{}, log).Run(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Clean(), "violations: %+v", report.Violations)
	assert.Equal(t, 4, report.ObjectChains)
	assert.Equal(t, 2, report.RelationshipChains)
}

func TestScheduler_AddAndRemove(t *testing.T) {
	s := NewScheduler(discardLogger())
	require.NoError(t, s.AddCronTask(SweepTask, "0 */15 * * * *", func(context.Context) error { return nil }))
	assert.Equal(t, []string{SweepTask}, s.ListTasks())

	assert.Error(t, s.AddCronTask("bad", "not a schedule", func(context.Context) error { return nil }))

	require.NoError(t, s.Start(context.Background()))
	assert.True(t, s.IsRunning())
	next, ok := s.NextRun(SweepTask)
	assert.True(t, ok)
	assert.True(t, next.After(time.Now()))

	s.RemoveTask(SweepTask)
	assert.Empty(t, s.ListTasks())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	assert.False(t, s.IsRunning())
}
