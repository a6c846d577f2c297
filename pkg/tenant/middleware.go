package tenant

import (
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/emergent-company/graphcore/pkg/apperror"
)

// Request headers carrying the scope of an API call.
const (
	HeaderProjectID = "X-Project-ID"
	HeaderBranchID  = "X-Branch-ID"
	HeaderActorID   = "X-Actor-ID"
)

const actorKey = "tenant.actor"

// Middleware attaches the scope named by the X-Project-ID and X-Branch-ID
// headers to the request context. A missing branch header means trunk.
func Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			raw := strings.TrimSpace(req.Header.Get(HeaderProjectID))
			if raw == "" {
				return apperror.ErrBadRequest.WithMessage("x-project-id header required")
			}
			projectID, err := uuid.Parse(raw)
			if err != nil || projectID == uuid.Nil {
				return apperror.ErrBadRequest.WithMessage("invalid x-project-id header")
			}

			branchID := Trunk
			if raw := strings.TrimSpace(req.Header.Get(HeaderBranchID)); raw != "" {
				if branchID, err = uuid.Parse(raw); err != nil {
					return apperror.ErrBadRequest.WithMessage("invalid x-branch-id header")
				}
			}

			if actor := strings.TrimSpace(req.Header.Get(HeaderActorID)); actor != "" {
				c.Set(actorKey, actor)
			}
			c.SetRequest(req.WithContext(With(req.Context(), New(projectID, branchID))))
			return next(c)
		}
	}
}

// Actor returns the X-Actor-ID of the request, or nil.
func Actor(c echo.Context) *string {
	actor, ok := c.Get(actorKey).(string)
	if !ok {
		return nil
	}
	return &actor
}
