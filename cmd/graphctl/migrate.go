package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/emergent-company/graphcore/internal/migrate"
	"github.com/emergent-company/graphcore/pkg/logger"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate [up|down|version]",
	Short: "Apply, roll back or inspect the embedded goose migrations",
	Args:  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),

	ValidArgs: []string{"up", "down", "version"},
	RunE: func(cmd *cobra.Command, args []string) error {
		db, _, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		zlog, err := logger.NewZap()
		if err != nil {
			return err
		}
		defer func() { _ = zlog.Sync() }()
		m := migrate.NewMigrator(db, zlog)

		ctx := cmd.Context()
		switch args[0] {
		case "up":
			return m.Up(ctx)
		case "down":
			return m.Down(ctx)
		default:
			v, err := m.Version(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "database version: %d\n", v)
			return nil
		}
	},
}
