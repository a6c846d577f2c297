package branches

import (
	"github.com/labstack/echo/v4"

	"github.com/emergent-company/graphcore/pkg/tenant"
)

// RegisterRoutes registers branch routes with the Echo router
func RegisterRoutes(e *echo.Echo, h *Handler) {
	g := e.Group("/api/branches")
	g.Use(tenant.Middleware())

	g.GET("", h.List)
	g.GET("/:id", h.GetByID)
	g.GET("/:id/lineage", h.Lineage)
	g.POST("", h.Create)
	g.DELETE("/:id", h.Delete)
}
