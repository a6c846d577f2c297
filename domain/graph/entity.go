package graph

import (
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/uptrace/bun"
)

// GraphObject is one version row of an object's chain. All versions of an
// object share CanonicalID; Version runs 1..N without gaps within a
// (project, branch) scope.
//
// BranchID is uuid.Nil for trunk and the column is NOT NULL, so the
// "no branch" scope compares equal to itself in unique indexes.
type GraphObject struct {
	bun.BaseModel `bun:"table:kb.graph_objects,alias:go"`

	ID           uuid.UUID  `bun:"id,pk,type:uuid" json:"id"`
	ProjectID    uuid.UUID  `bun:"project_id,type:uuid,notnull" json:"project_id"`
	BranchID     uuid.UUID  `bun:"branch_id,type:uuid,notnull" json:"branch_id"`
	CanonicalID  uuid.UUID  `bun:"canonical_id,type:uuid,notnull" json:"canonical_id"`
	SupersedesID *uuid.UUID `bun:"supersedes_id,type:uuid" json:"supersedes_id,omitempty"`
	Version      int        `bun:"version,notnull" json:"version"`

	Type   string         `bun:"type,notnull" json:"type"`
	Key    *string        `bun:"key" json:"key,omitempty"`
	Labels pq.StringArray `bun:"labels,type:text[],notnull,default:'{}'" json:"labels"`

	Properties    Properties     `bun:"properties,type:jsonb,notnull" json:"properties"`
	ChangeSummary *ChangeSummary `bun:"change_summary,type:jsonb" json:"change_summary,omitempty"`
	ContentHash   []byte         `bun:"content_hash,type:bytea,notnull" json:"-"`

	// The physical row on another branch this version was copied from,
	// either when the chain was forked or when a merge wrote it. Merges use
	// the most recent such row as the common base of two chains.
	ForkOfID *uuid.UUID `bun:"fork_of_id,type:uuid" json:"fork_of_id,omitempty"`

	ActorID   *string    `bun:"actor_id" json:"actor_id,omitempty"`
	CreatedAt time.Time  `bun:"created_at,notnull,default:now()" json:"created_at"`
	DeletedAt *time.Time `bun:"deleted_at" json:"deleted_at,omitempty"`
}

// IsDeleted reports whether the row is a tombstone or a demoted head.
func (o *GraphObject) IsDeleted() bool { return o.DeletedAt != nil }

// clone copies the row so callers can mutate it without touching store state.
func (o *GraphObject) clone() *GraphObject {
	cp := *o
	cp.Properties = o.Properties.Clone()
	cp.Labels = append(pq.StringArray(nil), o.Labels...)
	cp.ContentHash = append([]byte(nil), o.ContentHash...)
	return &cp
}

// next builds the row for version o.Version+1 with the given content.
func (o *GraphObject) next(props Properties, labels []string, at time.Time) *GraphObject {
	prev := o.ID
	row := o.clone()
	row.ID = uuid.New()
	row.SupersedesID = &prev
	row.Version = o.Version + 1
	row.Properties = props
	row.Labels = normalizeLabels(labels)
	row.ContentHash = props.Hash()
	row.ChangeSummary = Diff(o.Properties, props)
	row.ForkOfID = nil
	row.CreatedAt = at
	row.DeletedAt = nil
	return row
}

// ForkTo copies the row as version 1 of the same chain on another branch.
func (o *GraphObject) ForkTo(branchID uuid.UUID, at time.Time) *GraphObject {
	src := o.ID
	row := o.clone()
	row.ID = uuid.New()
	row.BranchID = branchID
	row.Version = 1
	row.SupersedesID = nil
	row.ChangeSummary = nil
	row.ForkOfID = &src
	row.CreatedAt = at
	row.DeletedAt = nil
	return row
}

func (o *GraphObject) meta() RowMeta {
	return RowMeta{
		ID: o.ID, ProjectID: o.ProjectID, BranchID: o.BranchID,
		CanonicalID: o.CanonicalID, Version: o.Version,
		SupersedesID: o.SupersedesID, DeletedAt: o.DeletedAt, CreatedAt: o.CreatedAt,
	}
}

// GraphRelationship is one version row of an edge's chain. SrcID and DstID
// are object canonical ids and never change within a chain.
type GraphRelationship struct {
	bun.BaseModel `bun:"table:kb.graph_relationships,alias:gr"`

	ID           uuid.UUID  `bun:"id,pk,type:uuid" json:"id"`
	ProjectID    uuid.UUID  `bun:"project_id,type:uuid,notnull" json:"project_id"`
	BranchID     uuid.UUID  `bun:"branch_id,type:uuid,notnull" json:"branch_id"`
	CanonicalID  uuid.UUID  `bun:"canonical_id,type:uuid,notnull" json:"canonical_id"`
	SupersedesID *uuid.UUID `bun:"supersedes_id,type:uuid" json:"supersedes_id,omitempty"`
	Version      int        `bun:"version,notnull" json:"version"`

	Type  string    `bun:"type,notnull" json:"type"`
	SrcID uuid.UUID `bun:"src_id,type:uuid,notnull" json:"src_id"`
	DstID uuid.UUID `bun:"dst_id,type:uuid,notnull" json:"dst_id"`

	Properties    Properties     `bun:"properties,type:jsonb,notnull" json:"properties"`
	Weight        *float32       `bun:"weight" json:"weight,omitempty"`
	ChangeSummary *ChangeSummary `bun:"change_summary,type:jsonb" json:"change_summary,omitempty"`
	ContentHash   []byte         `bun:"content_hash,type:bytea,notnull" json:"-"`

	ValidFrom *time.Time `bun:"valid_from" json:"valid_from,omitempty"`
	ValidTo   *time.Time `bun:"valid_to" json:"valid_to,omitempty"`

	ForkOfID *uuid.UUID `bun:"fork_of_id,type:uuid" json:"fork_of_id,omitempty"`

	CreatedAt time.Time  `bun:"created_at,notnull,default:now()" json:"created_at"`
	DeletedAt *time.Time `bun:"deleted_at" json:"deleted_at,omitempty"`
}

func (r *GraphRelationship) IsDeleted() bool { return r.DeletedAt != nil }

func (r *GraphRelationship) clone() *GraphRelationship {
	cp := *r
	cp.Properties = r.Properties.Clone()
	cp.ContentHash = append([]byte(nil), r.ContentHash...)
	return &cp
}

func (r *GraphRelationship) next(props Properties, at time.Time) *GraphRelationship {
	prev := r.ID
	row := r.clone()
	row.ID = uuid.New()
	row.SupersedesID = &prev
	row.Version = r.Version + 1
	row.Properties = props
	row.ContentHash = props.Hash()
	row.ChangeSummary = Diff(r.Properties, props)
	row.ForkOfID = nil
	row.CreatedAt = at
	row.DeletedAt = nil
	return row
}

// ForkTo copies the row as version 1 of the same chain on another branch.
func (r *GraphRelationship) ForkTo(branchID uuid.UUID, at time.Time) *GraphRelationship {
	src := r.ID
	row := r.clone()
	row.ID = uuid.New()
	row.BranchID = branchID
	row.Version = 1
	row.SupersedesID = nil
	row.ChangeSummary = nil
	row.ForkOfID = &src
	row.CreatedAt = at
	row.DeletedAt = nil
	return row
}

func (r *GraphRelationship) meta() RowMeta {
	return RowMeta{
		ID: r.ID, ProjectID: r.ProjectID, BranchID: r.BranchID,
		CanonicalID: r.CanonicalID, Version: r.Version,
		SupersedesID: r.SupersedesID, DeletedAt: r.DeletedAt, CreatedAt: r.CreatedAt,
	}
}

// RowMeta is the version-chain bookkeeping shared by objects and
// relationships.
type RowMeta struct {
	ID           uuid.UUID
	ProjectID    uuid.UUID
	BranchID     uuid.UUID
	CanonicalID  uuid.UUID
	Version      int
	SupersedesID *uuid.UUID
	DeletedAt    *time.Time
	CreatedAt    time.Time
}

// Branch is a named line of changes within a project. A nil ParentBranchID
// means the branch was forked from trunk.
type Branch struct {
	bun.BaseModel `bun:"table:kb.branches,alias:b"`

	ID             uuid.UUID  `bun:"id,pk,type:uuid" json:"id"`
	ProjectID      uuid.UUID  `bun:"project_id,type:uuid,notnull" json:"project_id"`
	Name           string     `bun:"name,notnull" json:"name"`
	ParentBranchID *uuid.UUID `bun:"parent_branch_id,type:uuid" json:"parent_branch_id,omitempty"`
	CreatedAt      time.Time  `bun:"created_at,notnull,default:now()" json:"created_at"`
}

// ParentScope returns the branch id of the parent, with trunk as uuid.Nil.
func (b *Branch) ParentScope() uuid.UUID {
	if b.ParentBranchID == nil {
		return uuid.Nil
	}
	return *b.ParentBranchID
}

// BranchLineage stores the transitive closure of branch ancestry, including
// the branch itself at depth 0.
type BranchLineage struct {
	bun.BaseModel `bun:"table:kb.branch_lineage,alias:bl"`

	BranchID         uuid.UUID `bun:"branch_id,pk,type:uuid" json:"branch_id"`
	AncestorBranchID uuid.UUID `bun:"ancestor_branch_id,pk,type:uuid" json:"ancestor_branch_id"`
	Depth            int       `bun:"depth,notnull" json:"depth"`
}

func normalizeLabels(labels []string) pq.StringArray {
	seen := make(map[string]struct{}, len(labels))
	out := make(pq.StringArray, 0, len(labels))
	for _, l := range labels {
		if l == "" {
			continue
		}
		if _, ok := seen[l]; ok {
			continue
		}
		seen[l] = struct{}{}
		out = append(out, l)
	}
	return out
}

func labelsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[string]struct{}, len(a))
	for _, l := range a {
		set[l] = struct{}{}
	}
	for _, l := range b {
		if _, ok := set[l]; !ok {
			return false
		}
	}
	return true
}
