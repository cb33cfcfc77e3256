package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/akylbek/credit-system/authorization-orchestrator/internal/telemetry"
)

func NewMigrateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the flow store schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			defer shutdownTelemetry()

			a, err := openStore(opts.cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			if a.migrator == nil {
				telemetry.Logger.Info("Store driver has no schema", zap.String("driver", opts.cfg.StoreDriver))
				return nil
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()
			if err := a.migrator.Migrate(ctx); err != nil {
				return fmt.Errorf("migrate flow store: %w", err)
			}
			telemetry.Logger.Info("Flow store schema is up to date", zap.String("driver", opts.cfg.StoreDriver))
			return nil
		},
	}
}
