package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dukerupert/credits/internal/billing/server"
)

func newServeCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the renewal scheduler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := wireApp(opts.cfg, true)
			if err != nil {
				return err
			}
			defer a.Close()
			return serve(cmd.Context(), a)
		},
	}
}

func serve(parent context.Context, a *app) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := a.cfg
	srv := server.New(a.svc, a.db, a.hub, a.metrics, server.Config{
		FrontendURL:    cfg.FrontendURL,
		AllowedOrigins: cfg.CORSOrigins,
	}, a.logger)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		// Must outlast a PayPal capture.
		WriteTimeout: cfg.PayPal.Timeout + 10*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Startup gateway check. Failures are logged only.
	go func() {
		checkCtx, cancel := context.WithTimeout(ctx, cfg.PayPal.Timeout)
		defer cancel()
		if err := a.svc.CheckGateway(checkCtx); err != nil {
			slog.Error("paypal connection check failed", "error", err)
			return
		}
		slog.Info("paypal connection ok", "base_url", cfg.PayPal.BaseURL)
	}()

	if err := a.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start renewal scheduler: %w", err)
	}
	defer a.scheduler.Stop()

	// Background cleanup goroutine
	go func() {
		ticker := time.NewTicker(1 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := srv.RateLimiter().Cleanup(); n > 0 {
					slog.Debug("cleaned up rate limit entries", "count", n)
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		slog.Info("billing service starting",
			"addr", httpServer.Addr,
			"demo_mode", cfg.DemoMode,
			"renewal_schedule", cfg.Policy().SweepSchedule(),
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
