package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bitget-ledger-sync/internal/api"
	"bitget-ledger-sync/internal/bitget"
	"bitget-ledger-sync/internal/reconcile"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the reconciliation scheduler and the internal HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		// Setup context for graceful shutdown
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()
		log := a.log

		// Public endpoint; a failure here is logged, passes retry on their own.
		if _, err := a.factory.New(bitget.Credentials{}).GetServerTime(ctx); err != nil {
			log.Warn("Failed to reach Bitget API", zap.Error(err))
		} else {
			log.Info("Successfully connected to Bitget API.")
		}

		scheduler, err := reconcile.NewScheduler(a.service, a.store, a.cfg.Reconcile, log)
		if err != nil {
			return err
		}

		server := api.NewAPIServer(a.cfg.Server.Port, a.service, scheduler, log)
		server.Start()

		done := make(chan struct{})
		go func() {
			defer close(done)
			scheduler.Run(ctx)
		}()

		<-ctx.Done()
		log.Info("Shutdown signal received, gracefully shutting down...")
		<-done

		shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
		defer stop()
		if err := server.Stop(shutdownCtx); err != nil {
			log.Error("API server shutdown failed", zap.Error(err))
		}
		if err := scheduler.Stop(a.cfg.Reconcile.PassTimeout); err != nil {
			log.Warn("Worker pool did not drain", zap.Error(err))
		}

		log.Info("Reconciler has been shut down.")
		return nil
	},
}
