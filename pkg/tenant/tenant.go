// Package tenant carries the (project, branch) scope of a call through
// context.Context.
//
// A scope is attached to a context and never stored anywhere else, so a
// nested call that narrows the scope derives a new context and the caller's
// context keeps the previous scope on every exit path. Stores read the scope
// from the context they are handed and apply it as a filter themselves; a
// context without a scope is rejected instead of reading unfiltered rows.
package tenant

import (
	"context"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/emergent-company/graphcore/pkg/apperror"
	"github.com/emergent-company/graphcore/pkg/logger"
	"github.com/emergent-company/graphcore/pkg/metrics"
)

// Trunk is the branch sentinel for "no branch". It compares equal to itself,
// unlike a NULL column.
var Trunk = uuid.Nil

// Scope identifies the tenant (project) and branch a call operates on.
type Scope struct {
	ProjectID uuid.UUID
	BranchID  uuid.UUID

	allTenants bool
	reason     string
}

// New builds a scope for one project on one branch. Pass Trunk for the
// default branch.
func New(projectID, branchID uuid.UUID) Scope {
	return Scope{ProjectID: projectID, BranchID: branchID}
}

// AllTenants reports whether the scope spans every project.
func (s Scope) AllTenants() bool { return s.allTenants }

// Reason is the audit reason given when an all-tenants scope was granted.
func (s Scope) Reason() string { return s.reason }

// IsTrunk reports whether the scope targets the default branch.
func (s Scope) IsTrunk() bool { return s.BranchID == Trunk }

// OnBranch returns a copy of the scope targeting another branch of the same
// tenant.
func (s Scope) OnBranch(branchID uuid.UUID) Scope {
	s.BranchID = branchID
	return s
}

// LogValue implements slog.LogValuer.
func (s Scope) LogValue() slog.Value {
	if s.allTenants {
		return slog.GroupValue(slog.Bool("all_tenants", true), slog.String("reason", s.reason))
	}
	return slog.GroupValue(
		slog.String("project_id", s.ProjectID.String()),
		slog.String("branch_id", s.BranchID.String()),
	)
}

type scopeKey struct{}

// With returns a context carrying scope. A scope without a project is
// stored as-is and rejected by From.
func With(ctx context.Context, scope Scope) context.Context {
	return context.WithValue(ctx, scopeKey{}, scope)
}

// From returns the scope carried by ctx. A missing scope, or a project-less
// scope that was not granted through Elevate, is a forbidden error.
func From(ctx context.Context) (Scope, error) {
	scope, ok := ctx.Value(scopeKey{}).(Scope)
	if !ok {
		return Scope{}, apperror.ErrForbidden.WithMessage("no tenant scope on request")
	}
	if !scope.allTenants && scope.ProjectID == uuid.Nil {
		return Scope{}, apperror.ErrForbidden.WithMessage("tenant scope has no project")
	}
	return scope, nil
}

// Narrow returns a context scoped to another branch of the current tenant.
// ctx itself is unchanged.
func Narrow(ctx context.Context, branchID uuid.UUID) (context.Context, error) {
	scope, err := From(ctx)
	if err != nil {
		return ctx, err
	}
	return With(ctx, scope.OnBranch(branchID)), nil
}

// Run executes fn under scope. The caller's ctx keeps its own scope whether
// fn returns normally, fails, or panics.
func Run(ctx context.Context, scope Scope, fn func(ctx context.Context) error) error {
	return fn(With(ctx, scope))
}

// Auditor records grants of the all-tenants scope.
type Auditor interface {
	AuditAllTenants(ctx context.Context, reason string)
}

// LogAuditor writes grants to a structured log and counts them.
type LogAuditor struct {
	log *slog.Logger
}

func NewLogAuditor(log *slog.Logger) *LogAuditor {
	return &LogAuditor{log: log.With(logger.Scope("tenant.audit"))}
}

func (a *LogAuditor) AuditAllTenants(ctx context.Context, reason string) {
	a.log.WarnContext(ctx, "all-tenants scope granted", slog.String("reason", reason))
	metrics.AllTenantScopes.WithLabelValues(reason).Inc()
}

// Elevate returns a context whose scope spans every tenant on trunk. It is
// the only way to obtain such a scope; the grant must carry a reason and is
// reported to auditor before the context is returned.
func Elevate(ctx context.Context, auditor Auditor, reason string) (context.Context, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return ctx, apperror.ErrForbidden.WithMessage("all-tenants scope requires a reason")
	}
	if auditor == nil {
		return ctx, apperror.ErrForbidden.WithMessage("all-tenants scope requires an auditor")
	}
	auditor.AuditAllTenants(ctx, reason)
	return With(ctx, Scope{allTenants: true, reason: reason, BranchID: Trunk}), nil
}
