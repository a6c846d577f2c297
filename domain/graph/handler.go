package graph

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/emergent-company/graphcore/pkg/apperror"
	"github.com/emergent-company/graphcore/pkg/tenant"
)

// maxRootIDs bounds the roots a single traversal request may name.
const maxRootIDs = 50

// Handler handles HTTP requests for graph operations. Every route runs
// behind tenant.Middleware, so request contexts carry a scope.
type Handler struct {
	objects   *VersionStore
	rels      *RelationshipEngine
	traversal *TraversalEngine
	merge     *MergeEngine
}

// NewHandler creates a new graph handler.
func NewHandler(objects *VersionStore, rels *RelationshipEngine, traversal *TraversalEngine, merge *MergeEngine) *Handler {
	return &Handler{objects: objects, rels: rels, traversal: traversal, merge: merge}
}

func parseID(c echo.Context, what string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, apperror.ErrBadRequest.WithMessagef("invalid %s id", what)
	}
	return id, nil
}

// =============================================================================
// Object Handlers
// =============================================================================

// ListObjects returns live object heads.
// GET /api/graph/objects
func (h *Handler) ListObjects(c echo.Context) error {
	var req ListHeadsRequest
	if err := c.Bind(&req); err != nil {
		return apperror.ErrBadRequest.WithMessage("invalid query parameters")
	}
	page, err := h.objects.ListHeads(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, HeadsPage[*ObjectResponse]{
		Items:      objectResponses(page.Items),
		NextCursor: page.NextCursor,
	})
}

// GetObject returns the live head of an object.
// GET /api/graph/objects/:id
func (h *Handler) GetObject(c echo.Context) error {
	id, err := parseID(c, "object")
	if err != nil {
		return err
	}
	obj, err := h.objects.GetHead(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, obj.ToResponse())
}

// CreateObject creates version 1 of a new object. Creating an object whose
// (type, key) is already live returns the existing head.
// POST /api/graph/objects
func (h *Handler) CreateObject(c echo.Context) error {
	var req CreateObjectRequest
	if err := c.Bind(&req); err != nil {
		return apperror.ErrBadRequest.WithMessage("invalid request body")
	}
	req.ActorID = tenant.Actor(c)

	obj, err := h.objects.Create(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, obj.ToResponse())
}

// UpsertObject creates the object or patches the live head holding its key.
// PUT /api/graph/objects
func (h *Handler) UpsertObject(c echo.Context) error {
	var req CreateObjectRequest
	if err := c.Bind(&req); err != nil {
		return apperror.ErrBadRequest.WithMessage("invalid request body")
	}
	req.ActorID = tenant.Actor(c)

	obj, created, err := h.objects.Upsert(c.Request().Context(), req)
	if err != nil {
		return err
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	return c.JSON(status, obj.ToResponse())
}

// PatchObject appends a new version.
// PATCH /api/graph/objects/:id
func (h *Handler) PatchObject(c echo.Context) error {
	id, err := parseID(c, "object")
	if err != nil {
		return err
	}
	var req PatchObjectRequest
	if err := c.Bind(&req); err != nil {
		return apperror.ErrBadRequest.WithMessage("invalid request body")
	}
	req.ActorID = tenant.Actor(c)

	obj, err := h.objects.Patch(c.Request().Context(), id, req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, obj.ToResponse())
}

// DeleteObject appends a tombstone version.
// DELETE /api/graph/objects/:id?expectedVersion=N
func (h *Handler) DeleteObject(c echo.Context) error {
	id, err := parseID(c, "object")
	if err != nil {
		return err
	}
	var req VersionRequest
	if err := c.Bind(&req); err != nil {
		return apperror.ErrBadRequest.WithMessage("invalid expectedVersion")
	}
	obj, err := h.objects.Delete(c.Request().Context(), id, req.ExpectedVersion)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, obj.ToResponse())
}

// RestoreObject appends a live version after a tombstone.
// POST /api/graph/objects/:id/restore
func (h *Handler) RestoreObject(c echo.Context) error {
	id, err := parseID(c, "object")
	if err != nil {
		return err
	}
	var req VersionRequest
	if err := c.Bind(&req); err != nil {
		return apperror.ErrBadRequest.WithMessage("invalid request body")
	}
	obj, err := h.objects.Restore(c.Request().Context(), id, req.ExpectedVersion)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, obj.ToResponse())
}

// GetObjectHistory pages through an object's versions, newest first.
// GET /api/graph/objects/:id/history
func (h *Handler) GetObjectHistory(c echo.Context) error {
	id, err := parseID(c, "object")
	if err != nil {
		return err
	}
	var q HistoryQuery
	if err := c.Bind(&q); err != nil {
		return apperror.ErrBadRequest.WithMessage("invalid query parameters")
	}
	page, err := h.objects.GetHistory(c.Request().Context(), id, q)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, HistoryPage[*ObjectResponse]{
		Items:      objectResponses(page.Items),
		NextCursor: page.NextCursor,
	})
}

// GetObjectEdges lists the live edges touching one object.
// GET /api/graph/objects/:id/edges
func (h *Handler) GetObjectEdges(c echo.Context) error {
	id, err := parseID(c, "object")
	if err != nil {
		return err
	}
	req := TraverseRequest{RootIDs: []uuid.UUID{id}, Direction: Direction(c.QueryParam("direction"))}
	if t := c.QueryParam("type"); t != "" {
		req.Types = []string{t}
	}
	res, err := h.traversal.Edges(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

// =============================================================================
// Relationship Handlers
// =============================================================================

// ListRelationships returns live relationship heads.
// GET /api/graph/relationships
func (h *Handler) ListRelationships(c echo.Context) error {
	var req ListHeadsRequest
	if err := c.Bind(&req); err != nil {
		return apperror.ErrBadRequest.WithMessage("invalid query parameters")
	}
	page, err := h.rels.ListHeads(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, HeadsPage[*RelationshipResponse]{
		Items:      relationshipResponses(page.Items),
		NextCursor: page.NextCursor,
	})
}

// GetRelationship returns the head of a relationship chain.
// GET /api/graph/relationships/:id
func (h *Handler) GetRelationship(c echo.Context) error {
	id, err := parseID(c, "relationship")
	if err != nil {
		return err
	}
	rel, err := h.rels.GetHead(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rel.ToResponse())
}

// CreateRelationship creates an edge and, when the schema names one, its
// inverse.
// POST /api/graph/relationships
func (h *Handler) CreateRelationship(c echo.Context) error {
	var req CreateRelationshipRequest
	if err := c.Bind(&req); err != nil {
		return apperror.ErrBadRequest.WithMessage("invalid request body")
	}
	if req.SrcID == uuid.Nil || req.DstID == uuid.Nil {
		return apperror.ErrBadRequest.WithMessage("src_id and dst_id are required")
	}
	rel, err := h.rels.Create(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, rel.ToResponse())
}

// PatchRelationship appends a new version of an edge.
// PATCH /api/graph/relationships/:id
func (h *Handler) PatchRelationship(c echo.Context) error {
	id, err := parseID(c, "relationship")
	if err != nil {
		return err
	}
	var req PatchRelationshipRequest
	if err := c.Bind(&req); err != nil {
		return apperror.ErrBadRequest.WithMessage("invalid request body")
	}
	rel, err := h.rels.Patch(c.Request().Context(), id, req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rel.ToResponse())
}

// DeleteRelationship tombstones an edge and its live inverse.
// DELETE /api/graph/relationships/:id?expectedVersion=N
func (h *Handler) DeleteRelationship(c echo.Context) error {
	id, err := parseID(c, "relationship")
	if err != nil {
		return err
	}
	var req VersionRequest
	if err := c.Bind(&req); err != nil {
		return apperror.ErrBadRequest.WithMessage("invalid expectedVersion")
	}
	rel, err := h.rels.Delete(c.Request().Context(), id, req.ExpectedVersion)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rel.ToResponse())
}

// RestoreRelationship revives a deleted edge.
// POST /api/graph/relationships/:id/restore
func (h *Handler) RestoreRelationship(c echo.Context) error {
	id, err := parseID(c, "relationship")
	if err != nil {
		return err
	}
	var req VersionRequest
	if err := c.Bind(&req); err != nil {
		return apperror.ErrBadRequest.WithMessage("invalid request body")
	}
	rel, err := h.rels.Restore(c.Request().Context(), id, req.ExpectedVersion)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rel.ToResponse())
}

// GetRelationshipHistory pages through an edge's versions, newest first.
// GET /api/graph/relationships/:id/history
func (h *Handler) GetRelationshipHistory(c echo.Context) error {
	id, err := parseID(c, "relationship")
	if err != nil {
		return err
	}
	var q HistoryQuery
	if err := c.Bind(&q); err != nil {
		return apperror.ErrBadRequest.WithMessage("invalid query parameters")
	}
	page, err := h.rels.GetHistory(c.Request().Context(), id, q)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, HistoryPage[*RelationshipResponse]{
		Items:      relationshipResponses(page.Items),
		NextCursor: page.NextCursor,
	})
}

// =============================================================================
// Traversal Handlers
// =============================================================================

// TraverseGraph lists the live edges touching a set of roots.
// POST /api/graph/traverse
func (h *Handler) TraverseGraph(c echo.Context) error {
	var req TraverseRequest
	if err := c.Bind(&req); err != nil {
		return apperror.ErrBadRequest.WithMessage("invalid request body")
	}
	if len(req.RootIDs) > maxRootIDs {
		return apperror.ErrBadRequest.WithMessagef("root_ids cannot exceed %d items", maxRootIDs)
	}
	res, err := h.traversal.Edges(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

// ExpandGraph performs a bounded breadth-first expansion.
// POST /api/graph/expand
func (h *Handler) ExpandGraph(c echo.Context) error {
	var req ExpandRequest
	if err := c.Bind(&req); err != nil {
		return apperror.ErrBadRequest.WithMessage("invalid request body")
	}
	if len(req.RootIDs) > maxRootIDs {
		return apperror.ErrBadRequest.WithMessagef("root_ids cannot exceed %d items", maxRootIDs)
	}
	res, err := h.traversal.Expand(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

// =============================================================================
// Branch Merge Handler
// =============================================================================

// MergeBranch performs a dry run or an execute of a source branch into a
// target branch. The target "trunk" names the default branch.
// POST /api/graph/branches/:targetBranchId/merge
func (h *Handler) MergeBranch(c echo.Context) error {
	target := uuid.Nil
	if raw := c.Param("targetBranchId"); raw != "trunk" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return apperror.ErrBadRequest.WithMessage("invalid target branch id")
		}
		target = id
	}

	var req MergeRequest
	if err := c.Bind(&req); err != nil {
		return apperror.ErrBadRequest.WithMessage("invalid request body")
	}
	req.TargetBranchID = target

	var (
		summary *MergeSummary
		err     error
	)
	if req.Execute {
		summary, err = h.merge.Execute(c.Request().Context(), req)
	} else {
		summary, err = h.merge.DryRun(c.Request().Context(), req)
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, summary)
}
