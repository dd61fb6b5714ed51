package main

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"slashy.ai/slashy/internal/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the database schema and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		dbStore, err := store.NewSQLiteStore(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer dbStore.Close()
		log.Info().Str("database", cfg.DatabaseURL).Msg("Schema is up to date")
		return nil
	},
}
