// Package main provides the entry point for the graph core API server.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/emergent-company/graphcore/domain/branches"
	"github.com/emergent-company/graphcore/domain/graph"
	"github.com/emergent-company/graphcore/domain/health"
	"github.com/emergent-company/graphcore/domain/integrity"
	"github.com/emergent-company/graphcore/domain/schemas"
	"github.com/emergent-company/graphcore/internal/config"
	"github.com/emergent-company/graphcore/internal/database"
	"github.com/emergent-company/graphcore/internal/migrate"
	"github.com/emergent-company/graphcore/internal/server"
	"github.com/emergent-company/graphcore/pkg/logger"
	"github.com/emergent-company/graphcore/pkg/tracing"
)

func main() {
	// Load .env files if present (for local development)
	// Note: Load() won't overwrite existing vars, Overload() will
	_ = godotenv.Load(".env")
	_ = godotenv.Overload(".env.local")

	// The store driver decides whether the database modules are wired at all.
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	options := []fx.Option{
		// Logging
		fx.WithLogger(func(log *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: log}
		}),

		// Infrastructure modules
		logger.Module,
		config.Module,
		server.Module,
		tracing.Module,
	}
	if !cfg.Graph.UsesMemoryStore() {
		options = append(options, database.Module, migrate.Module)
	}
	options = append(options,
		// Domain modules
		health.Module,
		schemas.Module,
		graph.Module,
		branches.Module,

		// Scheduled chain integrity sweep
		integrity.Module,
	)

	fx.New(options...).Run()
}
