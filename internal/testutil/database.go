// Package testutil provides the database harness for integration tests.
package testutil

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"go.uber.org/zap"

	"github.com/emergent-company/graphcore/internal/migrate"
)

// DatabaseURLEnv names the DSN of the integration test database. Tests that
// need PostgreSQL are skipped when it is unset.
const DatabaseURLEnv = "TEST_DATABASE_URL"

var (
	migrateOnce sync.Once
	migrateErr  error
)

// OpenTestDB connects to TEST_DATABASE_URL and applies pending migrations
// once per test binary. The connection is closed when t finishes.
func OpenTestDB(t testing.TB) *bun.DB {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping database integration test in short mode")
	}
	dsn := os.Getenv(DatabaseURLEnv)
	if dsn == "" {
		t.Skipf("%s not set, skipping database integration test", DatabaseURLEnv)
	}

	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	db := bun.NewDB(sqldb, pgdialect.New())
	t.Cleanup(func() { _ = db.Close() })

	migrateOnce.Do(func() {
		migrateErr = migrate.NewMigrator(db, zap.NewNop()).Up(context.Background())
	})
	if migrateErr != nil {
		t.Fatalf("migrate test database: %v", migrateErr)
	}
	return db
}

// TruncateGraph empties the graph tables. Tests usually isolate themselves
// with a fresh project id instead.
func TruncateGraph(ctx context.Context, db bun.IDB) error {
	_, err := db.ExecContext(ctx, `TRUNCATE TABLE kb.graph_relationships, kb.graph_objects,
		kb.branch_lineage, kb.branches`)
	if err != nil {
		return fmt.Errorf("truncate graph tables: %w", err)
	}
	return nil
}
