package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/akylbek/credit-system/authorization-orchestrator/internal/config"
	"github.com/akylbek/credit-system/authorization-orchestrator/internal/telemetry"
)

const serviceName = "authorization-orchestrator"

// Version is set at build time.
var Version = "dev"

// RootOptions holds global flags for all commands.
type RootOptions struct {
	LogLevel string

	cfg *config.Config
}

// NewRootCommand creates the root command. Configuration comes from the
// environment; flags only override what is convenient on a terminal.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "authorization-orchestrator",
		Short:         "Bank authorization flow orchestrator for credit proposals",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if opts.LogLevel != "" {
				cfg.LogLevel = opts.LogLevel
			}
			if err := telemetry.InitTelemetry(telemetry.Options{
				ServiceName:    serviceName,
				Version:        Version,
				LogLevel:       cfg.LogLevel,
				JaegerEndpoint: cfg.JaegerEndpoint,
				TracingEnabled: cfg.TracingEnabled,
			}); err != nil {
				return fmt.Errorf("failed to initialize telemetry: %w", err)
			}
			opts.cfg = cfg
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "override LOG_LEVEL (debug|info|warn|error)")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewMigrateCommand(opts))
	cmd.AddCommand(NewReconcileCommand(opts))

	return cmd
}

func shutdownTelemetry() {
	if err := telemetry.Shutdown(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "telemetry shutdown:", err)
	}
}
