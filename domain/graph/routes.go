package graph

import (
	"github.com/labstack/echo/v4"

	"github.com/emergent-company/graphcore/pkg/tenant"
)

// RegisterRoutes registers all graph routes.
func RegisterRoutes(e *echo.Echo, h *Handler) {
	// All graph routes require a tenant scope
	g := e.Group("/api/graph")
	g.Use(tenant.Middleware())

	// Object routes
	objects := g.Group("/objects")
	objects.GET("", h.ListObjects)
	objects.POST("", h.CreateObject)
	objects.PUT("", h.UpsertObject)
	objects.GET("/:id", h.GetObject)
	objects.PATCH("/:id", h.PatchObject)
	objects.DELETE("/:id", h.DeleteObject)
	objects.POST("/:id/restore", h.RestoreObject)
	objects.GET("/:id/history", h.GetObjectHistory)
	objects.GET("/:id/edges", h.GetObjectEdges)

	// Traversal routes
	g.POST("/expand", h.ExpandGraph)
	g.POST("/traverse", h.TraverseGraph)

	// Branch merge route
	g.POST("/branches/:targetBranchId/merge", h.MergeBranch)

	// Relationship routes
	relationships := g.Group("/relationships")
	relationships.GET("", h.ListRelationships)
	relationships.POST("", h.CreateRelationship)
	relationships.GET("/:id", h.GetRelationship)
	relationships.PATCH("/:id", h.PatchRelationship)
	relationships.DELETE("/:id", h.DeleteRelationship)
	relationships.POST("/:id/restore", h.RestoreRelationship)
	relationships.GET("/:id/history", h.GetRelationshipHistory)
}
