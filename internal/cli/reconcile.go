package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewReconcileCommand runs a single sweep, for deployments that schedule it
// externally instead of enabling the in-process reconciler.
func NewReconcileCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Expire flows stuck past their timeouts, once",
		RunE: func(cmd *cobra.Command, args []string) error {
			defer shutdownTelemetry()

			a, err := buildApp(cmd.Context(), opts.cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := a.reconciler.RunOnce(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "expired %d flow(s)\n", n)
			return err
		},
	}
}
