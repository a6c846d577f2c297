package branches

import (
	"time"

	"github.com/google/uuid"

	"github.com/emergent-company/graphcore/domain/graph"
)

// CreateBranchRequest is the request DTO for creating a branch. A nil
// ParentBranchID forks from trunk.
type CreateBranchRequest struct {
	Name           string     `json:"name"`
	ParentBranchID *uuid.UUID `json:"parent_branch_id,omitempty"`
}

// BranchResponse is the response DTO for a branch
type BranchResponse struct {
	ID             uuid.UUID  `json:"id"`
	ProjectID      uuid.UUID  `json:"project_id"`
	Name           string     `json:"name"`
	ParentBranchID *uuid.UUID `json:"parent_branch_id"`
	CreatedAt      string     `json:"created_at"`
}

// CreateBranchResponse reports the branch and how many heads were forked
// into it.
type CreateBranchResponse struct {
	*BranchResponse
	ForkedObjects       int `json:"forked_objects"`
	ForkedRelationships int `json:"forked_relationships"`
}

// ToResponse converts a Branch entity to a BranchResponse
func ToResponse(b *graph.Branch) *BranchResponse {
	return &BranchResponse{
		ID:             b.ID,
		ProjectID:      b.ProjectID,
		Name:           b.Name,
		ParentBranchID: b.ParentBranchID,
		CreatedAt:      b.CreatedAt.Format(time.RFC3339Nano),
	}
}

// ToResponseList converts a slice of Branch entities to BranchResponses
func ToResponseList(branches []*graph.Branch) []*BranchResponse {
	result := make([]*BranchResponse, len(branches))
	for i, b := range branches {
		result[i] = ToResponse(b)
	}
	return result
}
