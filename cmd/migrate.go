package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/quillnote/quill/db"
	"github.com/quillnote/quill/internal/config"
	"github.com/quillnote/quill/internal/log"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMigrate()
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := log.New(log.Config{Level: log.ParseLevel(cfg.LogLevel), JSON: cfg.LogJSON})
	return db.Migrate(cfg.PostgresURL(), logger)
}
