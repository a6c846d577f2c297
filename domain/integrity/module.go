package integrity

import (
	"context"
	"log/slog"

	"go.uber.org/fx"

	"github.com/emergent-company/graphcore/domain/graph"
	"github.com/emergent-company/graphcore/internal/config"
	"github.com/emergent-company/graphcore/pkg/tenant"
)

// SweepTask is the scheduler name of the chain sweep.
const SweepTask = "integrity_sweep"

// Module provides the chain sweeper and runs it on INTEGRITY_SCHEDULE.
var Module = fx.Module("integrity",
	fx.Provide(
		fx.Annotate(tenant.NewLogAuditor, fx.As(new(tenant.Auditor))),
		provideSweeper,
		NewScheduler,
	),
	fx.Invoke(
		RegisterTasks,
		RegisterSchedulerLifecycle,
	),
)

func provideSweeper(store graph.Reader, auditor tenant.Auditor, log *slog.Logger) *Sweeper {
	return NewSweeper(store, auditor, log)
}

// TaskParams contains dependencies for registering the sweep
type TaskParams struct {
	fx.In
	Scheduler *Scheduler
	Sweeper   *Sweeper
	Config    *config.Config
	Log       *slog.Logger
}

// RegisterTasks schedules the sweep when enabled.
func RegisterTasks(p TaskParams) error {
	if !p.Config.Integrity.Enabled {
		p.Log.Info("integrity sweep disabled, skipping task registration")
		return nil
	}
	return p.Scheduler.AddCronTask(SweepTask, p.Config.Integrity.Schedule, func(ctx context.Context) error {
		_, err := p.Sweeper.Run(ctx)
		return err
	})
}

// RegisterSchedulerLifecycle registers the scheduler with fx lifecycle
func RegisterSchedulerLifecycle(lc fx.Lifecycle, scheduler *Scheduler, cfg *config.Config) {
	if !cfg.Integrity.Enabled {
		return
	}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return scheduler.Start(ctx)
		},
		OnStop: func(ctx context.Context) error {
			return scheduler.Stop(ctx)
		},
	})
}
