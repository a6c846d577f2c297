package health

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"go.uber.org/fx"

	"github.com/emergent-company/graphcore/internal/config"
	"github.com/emergent-company/graphcore/internal/version"
)

const pingTimeout = 5 * time.Second

// Pinger is the database connectivity probe. *pgxpool.Pool satisfies it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Params takes the pool optionally: the memory store runs without one.
type Params struct {
	fx.In

	Cfg  *config.Config
	Pool *pgxpool.Pool `optional:"true"`
}

// Handler handles health check requests
type Handler struct {
	db      Pinger
	cfg     *config.Config
	startAt time.Time
}

func NewHandler(p Params) *Handler {
	h := &Handler{cfg: p.Cfg, startAt: time.Now()}
	if p.Pool != nil {
		h.db = p.Pool
	}
	return h
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Uptime    string            `json:"uptime"`
	Build     version.BuildInfo `json:"build"`
	Store     string            `json:"store"`
	Checks    map[string]Check  `json:"checks"`
}

// Check represents an individual health check result
type Check struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// Health reports build info and database connectivity. It answers 503 when
// the database is unreachable.
func (h *Handler) Health(c echo.Context) error {
	checks := map[string]Check{}
	overall := "healthy"
	if h.db != nil {
		check := h.pingCheck(c.Request().Context())
		checks["database"] = check
		overall = check.Status
	}

	status := http.StatusOK
	if overall != "healthy" {
		status = http.StatusServiceUnavailable
	}
	return c.JSON(status, HealthResponse{
		Status:    overall,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Uptime:    time.Since(h.startAt).String(),
		Build:     version.Info(),
		Store:     h.cfg.Graph.Store,
		Checks:    checks,
	})
}

// Healthz is the liveness probe.
func (h *Handler) Healthz(c echo.Context) error {
	return c.String(http.StatusOK, "OK")
}

// Ready is the readiness probe.
func (h *Handler) Ready(c echo.Context) error {
	if h.db != nil {
		if check := h.pingCheck(c.Request().Context()); check.Status != "healthy" {
			return c.JSON(http.StatusServiceUnavailable, map[string]any{
				"status":  "not_ready",
				"message": "Database connection failed",
			})
		}
	}
	return c.JSON(http.StatusOK, map[string]any{"status": "ready"})
}

// Debug returns runtime stats outside production.
func (h *Handler) Debug(c echo.Context) error {
	if h.cfg.Environment == "production" {
		return echo.NewHTTPError(http.StatusNotFound, "Not found")
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	return c.JSON(http.StatusOK, map[string]any{
		"environment": h.cfg.Environment,
		"debug":       h.cfg.Debug,
		"store":       h.cfg.Graph.Store,
		"go_version":  runtime.Version(),
		"goroutines":  runtime.NumGoroutine(),
		"memory": map[string]any{
			"alloc_mb":       mem.Alloc / 1024 / 1024,
			"total_alloc_mb": mem.TotalAlloc / 1024 / 1024,
			"sys_mb":         mem.Sys / 1024 / 1024,
			"num_gc":         mem.NumGC,
		},
	})
}

func (h *Handler) pingCheck(ctx context.Context) Check {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := h.db.Ping(ctx); err != nil {
		return Check{Status: "unhealthy", Message: err.Error()}
	}
	return Check{Status: "healthy"}
}
