package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newDestroyCmd creates the 'destroy' subcommand, dropping the configured
// storage backend entirely. Guarded by --force.
func newDestroyCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "destroy",
		Short: "Drops all stored books and reviews",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !force {
				return fmt.Errorf("refusing to destroy stored data without --force")
			}

			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx := cmd.Context()
			repo, err := openRepository(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer func() { _ = repo.Close() }()

			if err := repo.Destroy(ctx); err != nil {
				return fmt.Errorf("destroy storage: %w", err)
			}
			logger.Info("storage destroyed")
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "confirm dropping all stored data")
	return cmd
}
