package branches

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/emergent-company/graphcore/pkg/apperror"
)

// Handler handles branch HTTP requests
type Handler struct {
	svc *Service
}

// NewHandler creates a new branches handler
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func branchID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, apperror.ErrBadRequest.WithMessage("invalid branch id format")
	}
	return id, nil
}

// List handles GET /api/branches
func (h *Handler) List(c echo.Context) error {
	branches, err := h.svc.List(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, ToResponseList(branches))
}

// GetByID handles GET /api/branches/:id
func (h *Handler) GetByID(c echo.Context) error {
	id, err := branchID(c)
	if err != nil {
		return err
	}
	branch, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, ToResponse(branch))
}

// Lineage handles GET /api/branches/:id/lineage
func (h *Handler) Lineage(c echo.Context) error {
	id, err := branchID(c)
	if err != nil {
		return err
	}
	lineage, err := h.svc.Lineage(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, lineage)
}

// Create handles POST /api/branches
func (h *Handler) Create(c echo.Context) error {
	var req CreateBranchRequest
	if err := c.Bind(&req); err != nil {
		return apperror.ErrBadRequest.WithMessage("invalid request body")
	}
	res, err := h.svc.Create(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, res)
}

// Delete handles DELETE /api/branches/:id
func (h *Handler) Delete(c echo.Context) error {
	id, err := branchID(c)
	if err != nil {
		return err
	}
	if err := h.svc.Delete(c.Request().Context(), id); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}
