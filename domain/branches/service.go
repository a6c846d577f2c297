package branches

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/emergent-company/graphcore/domain/graph"
	"github.com/emergent-company/graphcore/pkg/apperror"
	"github.com/emergent-company/graphcore/pkg/logger"
	"github.com/emergent-company/graphcore/pkg/tenant"
	"github.com/emergent-company/graphcore/pkg/tracing"
)

// forkPageSize is the number of heads read per page while forking.
const forkPageSize = 500

// Service handles business logic for branches
type Service struct {
	store graph.Store
	log   *slog.Logger
	now   func() time.Time
}

// NewService creates a new branches service
func NewService(store graph.Store, log *slog.Logger) *Service {
	return &Service{
		store: store,
		log:   log.With(logger.Scope("branches")),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// List returns the branches of the caller's project.
func (s *Service) List(ctx context.Context) ([]*graph.Branch, error) {
	return s.store.ListBranches(ctx)
}

// Get returns a branch of the caller's project.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*graph.Branch, error) {
	return s.store.Branch(ctx, id)
}

// Lineage returns the ancestry of a branch, nearest first.
func (s *Service) Lineage(ctx context.Context, id uuid.UUID) ([]graph.BranchLineage, error) {
	return s.store.BranchLineage(ctx, id)
}

// Create forks a new branch from its parent (trunk when unset). Every live
// object and relationship head of the parent is copied as version 1 of the
// same chain on the new branch, in the same transaction as the branch row.
func (s *Service) Create(ctx context.Context, req CreateBranchRequest) (res *CreateBranchResponse, err error) {
	ctx, span := tracing.Start(ctx, "branches.create", attribute.String("branch.name", req.Name))
	defer func() { tracing.End(span, err) }()

	scope, err := tenant.From(ctx)
	if err != nil {
		return nil, err
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, apperror.ErrBadRequest.WithMessage("name is required")
	}

	parent := tenant.Trunk
	if req.ParentBranchID != nil && *req.ParentBranchID != uuid.Nil {
		parent = *req.ParentBranchID
	}
	parentCtx := tenant.With(ctx, tenant.New(scope.ProjectID, parent))

	branch := &graph.Branch{
		ID:        uuid.New(),
		ProjectID: scope.ProjectID,
		Name:      name,
		CreatedAt: s.now(),
	}
	if parent != tenant.Trunk {
		branch.ParentBranchID = &parent
	}
	branchCtx := tenant.With(ctx, tenant.New(scope.ProjectID, branch.ID))

	res = &CreateBranchResponse{}
	err = s.store.InTx(parentCtx, func(ctx context.Context, tx graph.Tx) error {
		lineage := []graph.BranchLineage{{BranchID: branch.ID, AncestorBranchID: branch.ID, Depth: 0}}
		if parent != tenant.Trunk {
			ancestors, err := tx.BranchLineage(parentCtx, parent)
			if err != nil {
				if errors.Is(err, apperror.ErrNotFound) {
					return apperror.ErrNotFound.WithMessage("parent branch not found")
				}
				return err
			}
			for _, a := range ancestors {
				lineage = append(lineage, graph.BranchLineage{
					BranchID:         branch.ID,
					AncestorBranchID: a.AncestorBranchID,
					Depth:            a.Depth + 1,
				})
			}
		}
		if err := tx.InsertBranch(parentCtx, branch, lineage); err != nil {
			return err
		}

		objects, err := s.forkObjects(parentCtx, branchCtx, tx, branch)
		if err != nil {
			return err
		}
		rels, err := s.forkRelationships(parentCtx, branchCtx, tx, branch)
		if err != nil {
			return err
		}
		res.ForkedObjects, res.ForkedRelationships = objects, rels
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.InfoContext(ctx, "branch created",
		slog.String("project_id", scope.ProjectID.String()),
		slog.String("branch_id", branch.ID.String()),
		slog.String("parent_branch_id", parent.String()),
		slog.String("name", name),
		slog.Int("forked_objects", res.ForkedObjects),
		slog.Int("forked_relationships", res.ForkedRelationships),
	)
	res.BranchResponse = ToResponse(branch)
	return res, nil
}

func (s *Service) forkObjects(parentCtx, branchCtx context.Context, tx graph.Tx, branch *graph.Branch) (int, error) {
	n := 0
	q := graph.HeadQuery{Limit: forkPageSize}
	for {
		heads, err := tx.ListObjectHeads(parentCtx, q)
		if err != nil {
			return n, err
		}
		for _, h := range heads {
			if err := tx.InsertObject(branchCtx, h.ForkTo(branch.ID, branch.CreatedAt)); err != nil {
				return n, err
			}
			n++
		}
		if len(heads) < forkPageSize {
			return n, nil
		}
		q.After = heads[len(heads)-1].CanonicalID
	}
}

func (s *Service) forkRelationships(parentCtx, branchCtx context.Context, tx graph.Tx, branch *graph.Branch) (int, error) {
	n := 0
	q := graph.HeadQuery{Limit: forkPageSize}
	for {
		heads, err := tx.ListRelationshipHeads(parentCtx, q)
		if err != nil {
			return n, err
		}
		for _, h := range heads {
			// The parent already satisfies its multiplicity contracts.
			row := h.ForkTo(branch.ID, branch.CreatedAt)
			if err := tx.InsertRelationship(branchCtx, row, graph.EdgeConstraint{Multiplicity: graph.ManyToMany}); err != nil {
				return n, err
			}
			n++
		}
		if len(heads) < forkPageSize {
			return n, nil
		}
		q.After = heads[len(heads)-1].CanonicalID
	}
}

// Delete removes a branch with all of its rows and lineage. A branch that
// other branches were forked from cannot be deleted.
func (s *Service) Delete(ctx context.Context, id uuid.UUID) (err error) {
	ctx, span := tracing.Start(ctx, "branches.delete", attribute.String("branch.id", id.String()))
	defer func() { tracing.End(span, err) }()

	err = s.store.InTx(ctx, func(ctx context.Context, tx graph.Tx) error {
		if _, err := tx.Branch(ctx, id); err != nil {
			return err
		}
		all, err := tx.ListBranches(ctx)
		if err != nil {
			return err
		}
		for _, b := range all {
			if b.ParentBranchID != nil && *b.ParentBranchID == id {
				return apperror.ErrBadRequest.WithMessagef("branch has child branch %q", b.Name)
			}
		}
		return tx.DeleteBranch(ctx, id)
	})
	if err != nil {
		return err
	}
	s.log.InfoContext(ctx, "branch deleted", slog.String("branch_id", id.String()))
	return nil
}
