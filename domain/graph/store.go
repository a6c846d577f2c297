package graph

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Direction selects which endpoint of an edge a traversal matches.
type Direction string

const (
	DirectionOut  Direction = "out"
	DirectionIn   Direction = "in"
	DirectionBoth Direction = "both"
)

// Valid reports whether d is one of the known directions.
func (d Direction) Valid() bool {
	return d == DirectionOut || d == DirectionIn || d == DirectionBoth
}

// Cardinality is one side of a multiplicity contract.
type Cardinality string

const (
	One  Cardinality = "one"
	Many Cardinality = "many"
)

// Multiplicity bounds how many live edges of one type may leave a source
// (Src) or reach a destination (Dst).
type Multiplicity struct {
	Src Cardinality `json:"src" yaml:"src"`
	Dst Cardinality `json:"dst" yaml:"dst"`
}

// ManyToMany is the unconstrained contract used when a schema is silent.
var ManyToMany = Multiplicity{Src: Many, Dst: Many}

// HeadQuery pages through live heads ordered by canonical id.
type HeadQuery struct {
	Type  string
	Label string
	// After is exclusive; uuid.Nil starts from the beginning.
	After uuid.UUID
	Limit int
}

// EdgeQuery selects live relationship heads touching a set of objects.
type EdgeQuery struct {
	ObjectIDs []uuid.UUID
	Direction Direction
	Types     []string
	// Limit caps the rows returned; the store orders by (created_at, id).
	Limit int
}

// ChainRef identifies one version chain across all tenants and branches.
type ChainRef struct {
	ProjectID   uuid.UUID
	BranchID    uuid.UUID
	CanonicalID uuid.UUID
}

// ChainVisitor receives every version chain during a scan, versions
// ascending.
type ChainVisitor func(ref ChainRef, rows []RowMeta) error

// Reader is the read side of a Store. Every method applies the tenant scope
// carried by ctx (see package tenant) and fails when ctx carries none.
type Reader interface {
	// LatestObject returns the max-version row of a chain, deleted or not.
	LatestObject(ctx context.Context, canonicalID uuid.UUID) (*GraphObject, error)
	LatestObjects(ctx context.Context, canonicalIDs []uuid.UUID) (map[uuid.UUID]*GraphObject, error)
	ObjectByID(ctx context.Context, id uuid.UUID) (*GraphObject, error)
	// ObjectChain returns every version ascending.
	ObjectChain(ctx context.Context, canonicalID uuid.UUID) ([]*GraphObject, error)
	// ObjectHistory returns versions below beforeVersion, descending.
	ObjectHistory(ctx context.Context, canonicalID uuid.UUID, beforeVersion, limit int) ([]*GraphObject, error)
	// LiveObjectByKey returns the live head holding (type, key), or nil.
	LiveObjectByKey(ctx context.Context, objType, key string) (*GraphObject, error)
	ListObjectHeads(ctx context.Context, q HeadQuery) ([]*GraphObject, error)

	LatestRelationship(ctx context.Context, canonicalID uuid.UUID) (*GraphRelationship, error)
	RelationshipByID(ctx context.Context, id uuid.UUID) (*GraphRelationship, error)
	RelationshipChain(ctx context.Context, canonicalID uuid.UUID) ([]*GraphRelationship, error)
	RelationshipHistory(ctx context.Context, canonicalID uuid.UUID, beforeVersion, limit int) ([]*GraphRelationship, error)
	// LiveRelationshipByTriple returns the live head for (type, src, dst), or nil.
	LiveRelationshipByTriple(ctx context.Context, relType string, srcID, dstID uuid.UUID) (*GraphRelationship, error)
	// TombstonedRelationshipByTriple returns the newest tombstone head for
	// (type, src, dst), or nil.
	TombstonedRelationshipByTriple(ctx context.Context, relType string, srcID, dstID uuid.UUID) (*GraphRelationship, error)
	// LiveRelationships returns live heads touching the given objects.
	LiveRelationships(ctx context.Context, q EdgeQuery) ([]*GraphRelationship, error)
	ListRelationshipHeads(ctx context.Context, q HeadQuery) ([]*GraphRelationship, error)

	Branch(ctx context.Context, id uuid.UUID) (*Branch, error)
	BranchByName(ctx context.Context, name string) (*Branch, error)
	ListBranches(ctx context.Context) ([]*Branch, error)
	BranchLineage(ctx context.Context, branchID uuid.UUID) ([]BranchLineage, error)

	// ScanObjectChains and ScanRelationshipChains visit every chain in every
	// tenant. They require an all-tenants scope.
	ScanObjectChains(ctx context.Context, visit ChainVisitor) error
	ScanRelationshipChains(ctx context.Context, visit ChainVisitor) error
}

// EdgeConstraint asks the store to reject a relationship insert that would
// leave more than one live edge of the row's type at a "one" endpoint.
type EdgeConstraint struct {
	Multiplicity Multiplicity
}

// Tx is a write transaction. Reads through a Tx observe its own writes.
//
// Inserts enforce the version-chain invariants: a row must carry
// version = current max + 1 (1 for a new chain), otherwise the insert, or
// the commit when a concurrent writer got there first, fails with
// ErrVersionConflict. Live object keys and live relationship triples stay
// unique per scope; a violation fails with ErrAlreadyExists.
type Tx interface {
	Reader

	InsertObject(ctx context.Context, row *GraphObject) error
	// MarkObjectDeleted stamps deleted_at on a row that is not yet deleted.
	MarkObjectDeleted(ctx context.Context, id uuid.UUID, at time.Time) error

	InsertRelationship(ctx context.Context, row *GraphRelationship, c EdgeConstraint) error
	MarkRelationshipDeleted(ctx context.Context, id uuid.UUID, at time.Time) error

	InsertBranch(ctx context.Context, b *Branch, lineage []BranchLineage) error
	// DeleteBranch removes the branch, its lineage and every row on it.
	DeleteBranch(ctx context.Context, id uuid.UUID) error
}

// Store is a transactional keyed store for version chains.
type Store interface {
	Reader
	// InTx runs fn in one write transaction: all of fn's writes commit
	// together or none do.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// headCursor is the opaque pagination token of head enumeration.
type headCursor struct {
	After uuid.UUID `json:"after"`
}

func encodeHeadCursor(after uuid.UUID) string {
	b, _ := json.Marshal(headCursor{After: after})
	return base64.RawURLEncoding.EncodeToString(b)
}

func decodeHeadCursor(s string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, nil
	}
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("decode cursor: %w", err)
	}
	var c headCursor
	if err := json.Unmarshal(b, &c); err != nil {
		return uuid.Nil, fmt.Errorf("decode cursor: %w", err)
	}
	return c.After, nil
}
