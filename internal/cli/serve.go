package cli

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/akylbek/credit-system/authorization-orchestrator/internal/api"
	"github.com/akylbek/credit-system/authorization-orchestrator/internal/telemetry"
)

func NewServeCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, bank event consumer and reconciler",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), opts)
		},
	}
}

func serve(parent context.Context, opts *RootOptions) error {
	cfg := opts.cfg
	defer shutdownTelemetry()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	telemetry.Logger.Info("Starting Authorization Orchestrator",
		zap.String("store_driver", cfg.StoreDriver),
		zap.Strings("supported_banks", cfg.SupportedBanks),
	)

	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	var wg sync.WaitGroup
	if a.consumer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.consumer.Run(ctx); err != nil {
				telemetry.Logger.Error("Bank event consumer stopped", zap.Error(err))
			}
		}()
	}

	if cfg.ReconcileEnabled {
		if err := a.reconciler.Start(ctx); err != nil {
			return err
		}
		defer a.reconciler.Stop()
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.NewRouter(a.orchestrator, a.ingestor),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		telemetry.Logger.Info("Authorization Orchestrator starting", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		stop()
		wg.Wait()
		return err
	}

	telemetry.Logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		telemetry.Logger.Error("Server forced to shutdown", zap.Error(err))
	}
	wg.Wait()

	telemetry.Logger.Info("Server exited")
	return nil
}
