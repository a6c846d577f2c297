package graph

import (
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// Page size bounds shared by history and head enumeration.
const (
	defaultPageSize = 50
	maxPageSize     = 500
)

func pageSize(limit int) int {
	if limit <= 0 {
		return defaultPageSize
	}
	if limit > maxPageSize {
		return maxPageSize
	}
	return limit
}

// CreateObjectRequest is the request body for creating a graph object.
type CreateObjectRequest struct {
	Type       string     `json:"type"`
	Key        *string    `json:"key,omitempty"`
	Properties Properties `json:"properties,omitempty"`
	Labels     []string   `json:"labels,omitempty"`
	ActorID    *string    `json:"-"`
}

// PatchObjectRequest is the request body for patching a graph object.
// Patching appends version ExpectedVersion+1. A null property value removes
// the key.
type PatchObjectRequest struct {
	ExpectedVersion int        `json:"expectedVersion"`
	Properties      Properties `json:"properties,omitempty"`
	Labels          []string   `json:"labels,omitempty"`
	ReplaceLabels   bool       `json:"replaceLabels,omitempty"`
	ActorID         *string    `json:"-"`
}

// VersionRequest carries the optimistic-concurrency guard of delete and
// restore.
type VersionRequest struct {
	ExpectedVersion int `json:"expectedVersion" query:"expectedVersion"`
}

// HistoryQuery pages through a chain newest first. Cursor is the version
// the previous page stopped at (exclusive); zero starts at the head.
type HistoryQuery struct {
	Cursor int `query:"cursor"`
	Limit  int `query:"limit"`
}

// HistoryPage is one page of a version chain, descending.
type HistoryPage[T any] struct {
	Items      []T  `json:"items"`
	NextCursor *int `json:"next_cursor,omitempty"`
}

// ListHeadsRequest enumerates live heads for the search subsystem.
type ListHeadsRequest struct {
	Type   string `query:"type"`
	Label  string `query:"label"`
	Cursor string `query:"cursor"`
	Limit  int    `query:"limit"`
}

// HeadsPage is one page of live heads ordered by canonical id.
type HeadsPage[T any] struct {
	Items      []T    `json:"items"`
	NextCursor string `json:"next_cursor,omitempty"`
}

// CreateRelationshipRequest is the request body for creating a relationship.
// SrcID and DstID may be physical or canonical object ids.
type CreateRelationshipRequest struct {
	Type       string     `json:"type"`
	SrcID      uuid.UUID  `json:"src_id"`
	DstID      uuid.UUID  `json:"dst_id"`
	Properties Properties `json:"properties,omitempty"`
	Weight     *float32   `json:"weight,omitempty"`
	ValidFrom  *time.Time `json:"valid_from,omitempty"`
	ValidTo    *time.Time `json:"valid_to,omitempty"`
}

// PatchRelationshipRequest is the request body for patching a relationship.
// Endpoints are immutable.
type PatchRelationshipRequest struct {
	ExpectedVersion int        `json:"expectedVersion"`
	Properties      Properties `json:"properties,omitempty"`
	Weight          *float32   `json:"weight,omitempty"`
}

// TraverseRequest selects the live edges touching a set of roots.
type TraverseRequest struct {
	RootIDs   []uuid.UUID `json:"root_ids"`
	Direction Direction   `json:"direction,omitempty"`
	Types     []string    `json:"types,omitempty"`
	Limit     int         `json:"limit,omitempty"`
}

// TraverseResult lists each logical edge once.
type TraverseResult struct {
	Edges     []*GraphRelationship `json:"edges"`
	Truncated bool                 `json:"truncated"`
}

// ExpandRequest is the request body for a bounded breadth-first expansion.
type ExpandRequest struct {
	RootIDs           []uuid.UUID `json:"root_ids"`
	Direction         Direction   `json:"direction,omitempty"`
	MaxDepth          int         `json:"max_depth,omitempty"`
	MaxNodes          int         `json:"max_nodes,omitempty"`
	MaxEdges          int         `json:"max_edges,omitempty"`
	RelationshipTypes []string    `json:"relationship_types,omitempty"`
	ObjectTypes       []string    `json:"object_types,omitempty"`
}

// ExpandNode is an object reached by an expansion and the depth it was
// first reached at.
type ExpandNode struct {
	Object *GraphObject `json:"object"`
	Depth  int          `json:"depth"`
}

type ExpandResult struct {
	Nodes           []*ExpandNode        `json:"nodes"`
	Edges           []*GraphRelationship `json:"edges"`
	Truncated       bool                 `json:"truncated"`
	MaxDepthReached int                  `json:"max_depth_reached"`
}

// MergeStatus classifies one identity in a merge.
type MergeStatus string

const (
	MergeConflict    MergeStatus = "conflict"
	MergeFastForward MergeStatus = "fast_forward"
	MergeAdded       MergeStatus = "added"
	MergeUnchanged   MergeStatus = "unchanged"
)

func (s MergeStatus) rank() int {
	switch s {
	case MergeConflict:
		return 0
	case MergeFastForward:
		return 1
	case MergeAdded:
		return 2
	default:
		return 3
	}
}

// EntryKind tells objects and relationships apart in a merge summary.
type EntryKind string

const (
	KindObject       EntryKind = "object"
	KindRelationship EntryKind = "relationship"
)

// ResolutionStrategy settles one CONFLICT entry on execute.
type ResolutionStrategy string

const (
	PickSource  ResolutionStrategy = "pick_source"
	PickTarget  ResolutionStrategy = "pick_target"
	MergedValue ResolutionStrategy = "merged_value"
)

// Resolution settles one conflict. Value is required for merged_value and
// replaces the target's properties.
type Resolution struct {
	Strategy ResolutionStrategy `json:"strategy"`
	Value    Properties         `json:"value,omitempty"`
}

// MergeRequest reconciles SourceBranchID into TargetBranchID. uuid.Nil
// names trunk on either side. Resolutions are keyed by MergeEntry.Identity.
type MergeRequest struct {
	TargetBranchID uuid.UUID             `json:"target_branch_id"`
	SourceBranchID uuid.UUID             `json:"source_branch_id"`
	Limit          int                   `json:"limit,omitempty"`
	Resolutions    map[string]Resolution `json:"resolutions,omitempty"`
	// Execute applies the merge; otherwise the request is a dry run.
	Execute bool `json:"execute,omitempty"`
}

// Apply strategies for FAST_FORWARD entries.
const (
	StrategyReplace   = "replace"
	StrategyPathMerge = "path_merge"
)

// MergeEntry is the classification of one identity.
type MergeEntry struct {
	Kind   EntryKind   `json:"kind"`
	Status MergeStatus `json:"status"`
	// Identity keys resolutions: the canonical id for objects, the
	// normalized "type|src|dst" triple for relationships.
	Identity    string    `json:"identity"`
	CanonicalID uuid.UUID `json:"canonical_id"`
	Type        string    `json:"type"`

	SrcID *uuid.UUID `json:"src_id,omitempty"`
	DstID *uuid.UUID `json:"dst_id,omitempty"`

	SourceRowID *uuid.UUID `json:"source_row_id,omitempty"`
	TargetRowID *uuid.UUID `json:"target_row_id,omitempty"`

	SourcePaths   []string `json:"source_paths,omitempty"`
	TargetPaths   []string `json:"target_paths,omitempty"`
	ConflictPaths []string `json:"conflict_paths,omitempty"`
	Strategy      string   `json:"strategy,omitempty"`
}

// MergeCounts totals a summary by status.
type MergeCounts struct {
	Total       int `json:"total"`
	Unchanged   int `json:"unchanged"`
	Added       int `json:"added"`
	FastForward int `json:"fast_forward"`
	Conflict    int `json:"conflict"`
}

func (c *MergeCounts) add(s MergeStatus) {
	c.Total++
	switch s {
	case MergeUnchanged:
		c.Unchanged++
	case MergeAdded:
		c.Added++
	case MergeFastForward:
		c.FastForward++
	case MergeConflict:
		c.Conflict++
	}
}

// MergeApplied counts the rows an execute wrote.
type MergeApplied struct {
	Objects       int `json:"objects"`
	Relationships int `json:"relationships"`
}

// MergeSummary is the result of a dry run or an execute.
type MergeSummary struct {
	TargetBranchID uuid.UUID     `json:"target_branch_id"`
	SourceBranchID uuid.UUID     `json:"source_branch_id"`
	DryRun         bool          `json:"dry_run"`
	Objects        []*MergeEntry `json:"objects"`
	Relationships  []*MergeEntry `json:"relationships"`

	ObjectCounts       MergeCounts `json:"object_counts"`
	RelationshipCounts MergeCounts `json:"relationship_counts"`

	HardLimit              int  `json:"hard_limit"`
	ObjectsTruncated       bool `json:"objects_truncated"`
	RelationshipsTruncated bool `json:"relationships_truncated"`

	Applied *MergeApplied `json:"applied,omitempty"`
}

// ObjectResponse is the API shape of an object row.
type ObjectResponse struct {
	*GraphObject
	ContentHash string `json:"content_hash"`
}

func (o *GraphObject) ToResponse() *ObjectResponse {
	return &ObjectResponse{GraphObject: o, ContentHash: hex.EncodeToString(o.ContentHash)}
}

// RelationshipResponse is the API shape of a relationship row.
type RelationshipResponse struct {
	*GraphRelationship
	ContentHash string `json:"content_hash"`
}

func (r *GraphRelationship) ToResponse() *RelationshipResponse {
	return &RelationshipResponse{GraphRelationship: r, ContentHash: hex.EncodeToString(r.ContentHash)}
}

func objectResponses(rows []*GraphObject) []*ObjectResponse {
	out := make([]*ObjectResponse, len(rows))
	for i, r := range rows {
		out[i] = r.ToResponse()
	}
	return out
}

func relationshipResponses(rows []*GraphRelationship) []*RelationshipResponse {
	out := make([]*RelationshipResponse, len(rows))
	for i, r := range rows {
		out[i] = r.ToResponse()
	}
	return out
}
