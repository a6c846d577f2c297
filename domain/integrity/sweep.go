// Package integrity audits version chains across every tenant: contiguous
// versions, one row per version, supersedes links, and tombstoned heads
// whose predecessor was demoted in the same transaction.
package integrity

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/emergent-company/graphcore/domain/graph"
	"github.com/emergent-company/graphcore/pkg/logger"
	"github.com/emergent-company/graphcore/pkg/metrics"
	"github.com/emergent-company/graphcore/pkg/tenant"
)

// auditReason is recorded for every all-tenants scope the sweep takes.
const auditReason = "integrity_sweep"

// maxReported caps the violations kept in a report; counting continues.
const maxReported = 1000

// Violation kinds.
const (
	DuplicateVersion   = "duplicate_version"
	VersionGap         = "version_gap"
	BrokenSupersedes   = "broken_supersedes"
	UndemotedTombstone = "undemoted_tombstone"
)

// Violation is one broken chain invariant.
type Violation struct {
	Kind        string    `json:"kind"`
	Entity      string    `json:"entity"`
	ProjectID   uuid.UUID `json:"project_id"`
	BranchID    uuid.UUID `json:"branch_id"`
	CanonicalID uuid.UUID `json:"canonical_id"`
	Version     int       `json:"version"`
	Detail      string    `json:"detail"`
}

// Report summarizes one sweep.
type Report struct {
	ObjectChains       int           `json:"object_chains"`
	RelationshipChains int           `json:"relationship_chains"`
	ViolationCount     int           `json:"violation_count"`
	Violations         []Violation   `json:"violations"`
	Duration           time.Duration `json:"duration"`
}

// Clean reports whether the sweep found nothing.
func (r *Report) Clean() bool { return r.ViolationCount == 0 }

func (r *Report) add(v Violation) {
	r.ViolationCount++
	metrics.IntegrityViolations.WithLabelValues(v.Kind).Inc()
	if len(r.Violations) < maxReported {
		r.Violations = append(r.Violations, v)
	}
}

// ChainScanner is the part of graph.Reader the sweep needs.
type ChainScanner interface {
	ScanObjectChains(ctx context.Context, visit graph.ChainVisitor) error
	ScanRelationshipChains(ctx context.Context, visit graph.ChainVisitor) error
}

// Sweeper runs the chain checks.
type Sweeper struct {
	store   ChainScanner
	auditor tenant.Auditor
	log     *slog.Logger
}

func NewSweeper(store ChainScanner, auditor tenant.Auditor, log *slog.Logger) *Sweeper {
	return &Sweeper{store: store, auditor: auditor, log: log.With(logger.Scope("integrity"))}
}

// Run scans every chain of every tenant under an audited all-tenants scope.
func (s *Sweeper) Run(ctx context.Context) (*Report, error) {
	start := time.Now()
	ctx, err := tenant.Elevate(ctx, s.auditor, auditReason)
	if err != nil {
		return nil, err
	}

	report := &Report{}
	err = s.store.ScanObjectChains(ctx, func(ref graph.ChainRef, rows []graph.RowMeta) error {
		report.ObjectChains++
		for _, v := range CheckChain(rows) {
			v.Entity = "object"
			report.add(withRef(v, ref))
		}
		return ctx.Err()
	})
	if err == nil {
		err = s.store.ScanRelationshipChains(ctx, func(ref graph.ChainRef, rows []graph.RowMeta) error {
			report.RelationshipChains++
			for _, v := range CheckChain(rows) {
				v.Entity = "relationship"
				report.add(withRef(v, ref))
			}
			return ctx.Err()
		})
	}
	report.Duration = time.Since(start)
	if err != nil {
		metrics.IntegritySweeps.WithLabelValues("error").Inc()
		s.log.Error("integrity sweep failed", logger.Error(err))
		return nil, err
	}

	if report.Clean() {
		metrics.IntegritySweeps.WithLabelValues("clean").Inc()
		s.log.Info("integrity sweep clean",
			slog.Int("object_chains", report.ObjectChains),
			slog.Int("relationship_chains", report.RelationshipChains),
			slog.Duration("duration", report.Duration))
		return report, nil
	}
	metrics.IntegritySweeps.WithLabelValues("violations").Inc()
	s.log.Warn("integrity sweep found violations",
		slog.Int("violations", report.ViolationCount),
		slog.Int("object_chains", report.ObjectChains),
		slog.Int("relationship_chains", report.RelationshipChains),
		slog.Duration("duration", report.Duration))
	for _, v := range report.Violations {
		s.log.Warn("chain violation",
			slog.String("kind", v.Kind),
			slog.String("entity", v.Entity),
			slog.String("project_id", v.ProjectID.String()),
			slog.String("branch_id", v.BranchID.String()),
			slog.String("canonical_id", v.CanonicalID.String()),
			slog.Int("version", v.Version),
			slog.String("detail", v.Detail))
	}
	return report, nil
}

func withRef(v Violation, ref graph.ChainRef) Violation {
	v.ProjectID, v.BranchID, v.CanonicalID = ref.ProjectID, ref.BranchID, ref.CanonicalID
	return v
}

// CheckChain returns the violations of one chain. rows must be ordered by
// version ascending.
func CheckChain(rows []graph.RowMeta) []Violation {
	var out []Violation
	if len(rows) == 0 {
		return nil
	}

	expected := 1
	for i, r := range rows {
		if i > 0 && r.Version == rows[i-1].Version {
			out = append(out, Violation{Kind: DuplicateVersion, Version: r.Version,
				Detail: fmt.Sprintf("rows %s and %s share version %d", rows[i-1].ID, r.ID, r.Version)})
			continue
		}
		if r.Version != expected {
			out = append(out, Violation{Kind: VersionGap, Version: r.Version,
				Detail: fmt.Sprintf("expected version %d, found %d", expected, r.Version)})
		}
		expected = r.Version + 1

		switch {
		case r.Version == 1 && r.SupersedesID != nil:
			out = append(out, Violation{Kind: BrokenSupersedes, Version: 1,
				Detail: "version 1 supersedes another row"})
		case i > 0 && r.Version > 1 && (r.SupersedesID == nil || *r.SupersedesID != rows[i-1].ID):
			out = append(out, Violation{Kind: BrokenSupersedes, Version: r.Version,
				Detail: fmt.Sprintf("version %d does not supersede %s", r.Version, rows[i-1].ID)})
		}
	}

	// A deleted head must have had its predecessor demoted with it.
	n := len(rows)
	if n > 1 && rows[n-1].DeletedAt != nil && rows[n-2].DeletedAt == nil && rows[n-1].Version != rows[n-2].Version {
		out = append(out, Violation{Kind: UndemotedTombstone, Version: rows[n-1].Version,
			Detail: fmt.Sprintf("tombstone at version %d but version %d is still live", rows[n-1].Version, rows[n-2].Version)})
	}

	live := 0
	maxVersion := rows[n-1].Version
	for _, r := range rows {
		if r.Version == maxVersion && r.DeletedAt == nil {
			live++
		}
	}
	if live > 1 {
		out = append(out, Violation{Kind: DuplicateVersion, Version: maxVersion,
			Detail: fmt.Sprintf("%d live rows hold the head version", live)})
	}
	return out
}
