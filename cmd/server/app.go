package main

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"ChargeMail/internal/config"
	"ChargeMail/internal/db"
	"ChargeMail/internal/email"
	"ChargeMail/internal/errs"
	"ChargeMail/internal/mailer"
	"ChargeMail/internal/templates"
	"ChargeMail/internal/worker"
)

const dbConnectWait = 30 * time.Second

// app holds the wired components shared by every subcommand.
type app struct {
	cfg       *config.Config
	log       *zap.Logger
	store     db.Store
	sender    *email.Sender
	processor *worker.Processor
	scheduler *worker.Scheduler
	sweeper   *worker.Sweeper
	mailer    *mailer.Mailer
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(strings.ToLower(level))
	if err != nil {
		lvl = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	zcfg := zap.NewProductionConfig()
	if lvl.Level() == zap.DebugLevel {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = lvl
	return zcfg.Build()
}

func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (db.Store, error) {
	switch strings.ToLower(cfg.StoreDriver) {
	case "memory":
		logger.Warn("using in-memory email store; queued jobs are lost on restart")
		return db.NewMemoryStore(nil), nil
	case "postgres", "":
		return db.Connect(ctx, cfg.DatabaseURL, dbConnectWait, logger)
	}
	return nil, errs.Mark(errs.Newf("unknown STORE_DRIVER %q", cfg.StoreDriver), errs.ErrConfiguration)
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	renderer := templates.NewRenderer(templates.Branding{
		SiteName:     cfg.SiteName,
		SiteURL:      cfg.SiteURL,
		SupportEmail: cfg.SupportEmail,
	})

	sender := email.NewSender(cfg.SMTP, logger)
	if !sender.Configured() {
		logger.Warn("smtp is not configured; jobs stay pending until SMTP_HOST, SMTP_PORT and SMTP_FROM are set")
	}

	processor := worker.NewProcessor(store, renderer, sender, worker.ProcessorOptions{
		RateLimit:    cfg.RateLimit,
		StaleAfter:   cfg.StaleAfter,
		RetryBackoff: cfg.RetryBackoff,
	}, logger)

	scheduler := worker.NewScheduler(processor, cfg.PollInterval, cfg.BatchSize, logger)

	return &app{
		cfg:       cfg,
		log:       logger,
		store:     store,
		sender:    sender,
		processor: processor,
		scheduler: scheduler,
		sweeper:   worker.NewSweeper(store, cfg.Retention, cfg.SweepInterval, nil, logger),
		mailer: mailer.New(store, scheduler, mailer.Options{
			AdminEmails: cfg.AdminEmails,
			MaxAttempts: cfg.MaxAttempts,
		}, logger),
	}, nil
}

func (a *app) Close() {
	a.store.Close()
}
