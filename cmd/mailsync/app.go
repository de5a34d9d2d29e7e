package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mixelka/mailsync/internal/auth"
	"github.com/mixelka/mailsync/internal/config"
	"github.com/mixelka/mailsync/internal/database"
	"github.com/mixelka/mailsync/internal/email"
	"github.com/mixelka/mailsync/internal/engine"
	"github.com/mixelka/mailsync/internal/metrics"
	"github.com/mixelka/mailsync/internal/proxy"
	"github.com/mixelka/mailsync/internal/retry"
	"github.com/mixelka/mailsync/internal/scheduler"
	"github.com/mixelka/mailsync/internal/synclog"
)

// app is the wired engine shared by every command
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	db        *database.DB
	registry  *prometheus.Registry
	scheduler *scheduler.Scheduler
	service   *engine.Service
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	db, err := database.Open(ctx, cfg.DatabasePath)
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	routes := proxy.NewResolver(db, cfg.ProxyTestURL, cfg.ProxyTestTimeout, logger)

	tokenRetry := retry.DefaultPolicy()
	tokenRetry.MaxAttempts = cfg.TokenRetries
	tokens := auth.NewManager(auth.Config{
		TokenURL:        cfg.TokenURL,
		DeviceCodeURL:   cfg.DeviceCodeURL,
		DefaultClientID: cfg.DefaultClientID,
		Scope:           cfg.GraphScope,
		DeviceScope:     cfg.DeviceScope,
		SafetyMargin:    cfg.TokenSafetyMargin,
		RequestTimeout:  cfg.RequestTimeout,
		Retry:           tokenRetry,
	}, routes, m, logger)

	servers, err := email.NewResolver(cfg.IMAPServer, cfg.POP3Server)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("invalid server override: %w", err)
	}
	chain := email.NewChain(
		email.DefaultTransports(servers, cfg.GraphBaseURL, cfg.RequestTimeout),
		email.Options{
			ProbeTimeout:   cfg.ProbeTimeout,
			RequestTimeout: cfg.RequestTimeout,
			IMAPScope:      cfg.IMAPScope,
			POP3Scope:      cfg.POP3Scope,
			Retry:          retry.DefaultPolicy(),
		},
		tokens, routes, m, logger,
	)

	log := synclog.New(cfg.SyncLogCapacity, logger)
	sched := scheduler.New(scheduler.Deps{
		Store:   db,
		Groups:  db,
		Tokens:  tokens,
		Mail:    chain,
		Log:     log,
		Metrics: m,
		Logger:  logger,
	}, scheduler.Config{
		DefaultInterval:  cfg.DefaultSyncInterval,
		DefaultBatchSize: cfg.DefaultBatchSize,
		MaxBatchSize:     cfg.MaxBatchSize,
		AccountTimeout:   cfg.AccountTimeout,
		FetchTop:         cfg.FetchTop,
	})

	svc := engine.New(engine.Deps{
		Store:      db,
		Groups:     db,
		Scheduler:  sched,
		History:    db,
		Device:     tokens,
		Mail:       chain,
		Proxy:      routes,
		Log:        log,
		Logger:     logger,
		BatchWidth: cfg.DefaultBatchSize,
	})

	return &app{
		cfg:       cfg,
		logger:    logger,
		db:        db,
		registry:  registry,
		scheduler: sched,
		service:   svc,
	}, nil
}

func (a *app) Close() error {
	return a.db.Close()
}
