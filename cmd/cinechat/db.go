package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/zulandar/cinechat/internal/db"
)

func newDBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Session archive commands",
	}

	cmd.AddCommand(newDBMigrateCmd())
	cmd.AddCommand(newDBHistoryCmd())
	return cmd
}

// connectFromConfig opens the archive named by the config's store section.
func connectFromConfig(configPath string) (*gorm.DB, error) {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if cfg.Store.Driver == "" {
		return nil, fmt.Errorf("store.driver is not set in %s; the archive is disabled", configPath)
	}
	gormDB, err := db.Open(cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		return nil, fmt.Errorf("connect to archive: %w", err)
	}
	return gormDB, nil
}

func newDBMigrateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the archive tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			if err := db.AutoMigrate(gormDB); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Migrated %d tables\n", len(db.AllModels()))
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func newDBHistoryCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "history <identifier>",
		Short: "Print the archived status log of a participant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			entries, err := db.NewArchive(gormDB).History(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(entries) == 0 {
				fmt.Fprintf(out, "No archived entries for %s\n", args[0])
				return nil
			}
			for _, e := range entries {
				fmt.Fprintf(out, "%4d  %s  %s\n", e.Sequence, e.CreatedAt.Format("2006-01-02 15:04:05"), e.Content)
			}
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}
