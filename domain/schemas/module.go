package schemas

import (
	"log/slog"

	"go.uber.org/fx"

	"github.com/emergent-company/graphcore/domain/graph"
	"github.com/emergent-company/graphcore/internal/config"
	"github.com/emergent-company/graphcore/pkg/logger"
)

// Module provides the graph.SchemaAdapter.
var Module = fx.Module("schemas",
	fx.Provide(ProvideAdapter),
)

// ProvideAdapter loads GRAPH_SCHEMA_FILE behind a TTL cache. Without a file
// every type is unconstrained.
func ProvideAdapter(cfg *config.Config, log *slog.Logger) (graph.SchemaAdapter, error) {
	log = log.With(logger.Scope("schemas"))
	if cfg.Graph.SchemaFile == "" {
		log.Info("no schema file configured, types are unconstrained")
		return graph.NoSchema{}, nil
	}
	reg, err := LoadFile(cfg.Graph.SchemaFile)
	if err != nil {
		return nil, err
	}
	log.Info("schema registry loaded",
		slog.String("file", cfg.Graph.SchemaFile),
		slog.Int("projects", len(reg.projects)),
		slog.Int("default_objects", len(reg.def.Objects)),
		slog.Int("default_relationships", len(reg.def.Relationships)),
	)
	return NewCachedAdapter(reg, cfg.Graph.SchemaCacheTTL), nil
}
