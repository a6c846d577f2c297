package graph

import (
	"fmt"
	"log/slog"

	"github.com/uptrace/bun"
	"go.uber.org/fx"

	"github.com/emergent-company/graphcore/internal/config"
)

// Module provides graph domain dependencies. It expects a SchemaAdapter to
// be provided elsewhere (see package schemas).
var Module = fx.Module("graph",
	fx.Provide(
		provideStore,
		fx.Annotate(
			func(s Store) Reader { return s },
			fx.As(new(Reader)),
		),
		NewVersionStore,
		NewRelationshipEngine,
		provideTraversalEngine,
		provideMergeEngine,
		NewHandler,
	),
	fx.Invoke(RegisterRoutes),
)

// StoreParams are the dependencies of the store provider. DB is absent when
// the server runs on the in-memory store.
type StoreParams struct {
	fx.In

	Config *config.Config
	DB     bun.IDB `optional:"true"`
	Log    *slog.Logger
}

func provideStore(p StoreParams) (Store, error) {
	if p.Config.Graph.UsesMemoryStore() {
		p.Log.Warn("graph store is in-memory; data is lost on shutdown")
		return NewMemoryStore(), nil
	}
	if p.DB == nil {
		return nil, fmt.Errorf("graph store %q requires a database", p.Config.Graph.Store)
	}
	return NewPostgresStore(p.DB, p.Log), nil
}

func provideTraversalEngine(r Reader, cfg *config.Config, log *slog.Logger) *TraversalEngine {
	return NewTraversalEngine(r, cfg.Graph.TraversalCap, cfg.Graph.TraversalTimeout, log)
}

func provideMergeEngine(s Store, schema SchemaAdapter, cfg *config.Config, log *slog.Logger) *MergeEngine {
	return NewMergeEngine(s, schema, MergeConfig{
		HardLimit:         cfg.Graph.MergeHardLimit,
		DryRunTimeout:     cfg.Graph.DryRunTimeout,
		ExecutesPerMinute: cfg.Graph.MergeExecutesPerMinute,
	}, log)
}
