// Command graphctl runs operator tasks against the graph core database:
// schema migrations and one-off integrity sweeps.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	"github.com/emergent-company/graphcore/internal/config"
	"github.com/emergent-company/graphcore/internal/version"
	"github.com/emergent-company/graphcore/pkg/logger"
)

var (
	dsnFlag string

	rootCmd = &cobra.Command{
		Use:           "graphctl",
		Short:         "Operator tooling for the versioned graph core",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.Info())
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&dsnFlag, "dsn", "",
		"PostgreSQL DSN (default: built from POSTGRES_* variables)")
	rootCmd.AddCommand(versionCmd, migrateCmd, integrityCmd)
}

func main() {
	_ = godotenv.Load(".env")
	_ = godotenv.Overload(".env.local")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// openDB connects with --dsn or the configured database settings.
func openDB() (*bun.DB, *slog.Logger, error) {
	log := logger.NewLogger()
	dsn := dsnFlag
	if dsn == "" {
		cfg, err := config.Load()
		if err != nil {
			return nil, nil, err
		}
		dsn = cfg.Database.DSN()
	}
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	return bun.NewDB(sqldb, pgdialect.New()), log, nil
}
