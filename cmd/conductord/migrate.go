package main

import (
	"github.com/spf13/cobra"

	"github.com/andrewcho-dev/opsconductor-ng-sub000/config"
	"github.com/andrewcho-dev/opsconductor-ng-sub000/db"
	"github.com/andrewcho-dev/opsconductor-ng-sub000/errors"
	"github.com/andrewcho-dev/opsconductor-ng-sub000/logger"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		log := logger.Logger

		path, _ := cmd.Flags().GetString("db")
		if path == "" {
			cfg, err := config.Load()
			if err != nil {
				return errors.Wrap(err, "failed to load configuration")
			}
			path = cfg.Database.Path
		}

		conn, err := db.Open(path, log)
		if err != nil {
			return err
		}
		defer conn.Close()

		return db.Migrate(conn, log)
	},
}

func init() {
	migrateCmd.Flags().String("db", "", "Database path (default: from configuration)")
}
