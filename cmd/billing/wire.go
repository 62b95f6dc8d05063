package main

import (
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/dukerupert/credits/internal/billing/database"
	"github.com/dukerupert/credits/internal/billing/engine"
	"github.com/dukerupert/credits/internal/billing/paypal"
	"github.com/dukerupert/credits/internal/billing/renewal"
	"github.com/dukerupert/credits/internal/billing/service"
	"github.com/dukerupert/credits/internal/billing/store"
	"github.com/dukerupert/credits/internal/clock"
	"github.com/dukerupert/credits/internal/config"
	"github.com/dukerupert/credits/internal/email"
	"github.com/dukerupert/credits/internal/logging"
	"github.com/dukerupert/credits/internal/metrics"
	"github.com/dukerupert/credits/internal/websocket"
)

type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	db        *sql.DB
	metrics   *metrics.Metrics
	gateway   *paypal.Client
	hub       *websocket.Hub
	svc       *service.Service
	scheduler *renewal.Scheduler
}

func wireApp(cfg *config.Config, requireGateway bool) (*app, error) {
	if err := cfg.Validate(requireGateway); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	logger := logging.Setup(cfg.Log.Level, cfg.Log.Format)

	pricing, err := cfg.EnginePricing()
	if err != nil {
		return nil, err
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	db, err := database.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	m := metrics.New()
	clk := clock.System{}
	policy := cfg.Policy()
	eng := engine.New(clk, policy, pricing)

	gateway := paypal.NewClient(paypal.Config{
		ClientID:     cfg.PayPal.ClientID,
		ClientSecret: cfg.PayPal.ClientSecret,
		BaseURL:      cfg.PayPal.BaseURL,
		BrandName:    cfg.PayPal.BrandName,
		Timeout:      cfg.PayPal.Timeout,
	}, paypal.WithMetrics(m))

	hub := websocket.NewHub(logger.With("component", "websocket"))

	svcOpts := []service.Option{
		service.WithLogger(logger.With("component", "billing")),
		service.WithMetrics(m),
		service.WithNotifier(hub),
	}
	receipts := email.NewClient(cfg.Postmark.Token, cfg.Postmark.From, cfg.FrontendURL)
	if receipts.Configured() {
		svcOpts = append(svcOpts, service.WithReceipts(receipts))
	} else {
		logger.Info("postmark not configured, receipts disabled")
	}

	svc := service.New(eng, clk,
		store.NewAccountStore(db),
		store.NewPaymentStore(db),
		gateway,
		service.Config{
			FrontendURL: cfg.FrontendURL,
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseDelay:   cfg.Retry.BaseDelay,
		},
		svcOpts...,
	)

	scheduler := renewal.NewScheduler(svc, renewal.Config{
		Schedule:    policy.SweepSchedule(),
		Location:    loc,
		Concurrency: cfg.Sweep.Concurrency,
	}, m, logger.With("component", "renewal"))

	return &app{
		cfg:       cfg,
		logger:    logger,
		db:        db,
		metrics:   m,
		gateway:   gateway,
		hub:       hub,
		svc:       svc,
		scheduler: scheduler,
	}, nil
}

func (a *app) Close() error {
	return a.db.Close()
}
