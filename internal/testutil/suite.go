package testutil

import (
	"context"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"
	"github.com/uptrace/bun"

	"github.com/emergent-company/graphcore/pkg/tenant"
)

// DBSuite provides a migrated database to a testify suite. Every test gets
// its own project, so tests never observe each other's rows.
//
// Usage:
//
//	type StoreSuite struct {
//	    testutil.DBSuite
//	}
//
//	func (s *StoreSuite) TestSomething() {
//	    store := graph.NewPostgresStore(s.DB, log)
//	    // s.Ctx is scoped to s.ProjectID on trunk
//	}
type DBSuite struct {
	suite.Suite
	DB        *bun.DB
	Ctx       context.Context
	ProjectID uuid.UUID
}

// SetupSuite opens the database, skipping the suite when none is configured.
// If you override this, call s.DBSuite.SetupSuite() first.
func (s *DBSuite) SetupSuite() {
	s.DB = OpenTestDB(s.T())
}

// SetupTest scopes s.Ctx to a fresh project on trunk.
func (s *DBSuite) SetupTest() {
	s.ProjectID = uuid.New()
	s.Ctx = tenant.With(context.Background(), tenant.New(s.ProjectID, tenant.Trunk))
}

// OnBranch returns a context scoped to branchID of the current project.
func (s *DBSuite) OnBranch(branchID uuid.UUID) context.Context {
	return tenant.With(context.Background(), tenant.New(s.ProjectID, branchID))
}
