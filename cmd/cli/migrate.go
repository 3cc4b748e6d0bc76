package main

import (
	"fmt"

	"github.com/nimasrn/payment-gateway/pkg/pg"
	"github.com/spf13/cobra"
)

func migrateCmd() *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations to the primary",
		Example: `  paygw migrate
  paygw migrate --dir=./migrations --env=.env.production`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := pg.Migrate(cfg.WriteDB(), dir); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}

	cmd.Flags().StringVar(&dir, "dir", "./migrations", "directory holding goose migrations")
	return cmd
}
