package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"ChargeMail/internal/api"
	"ChargeMail/internal/config"
	"ChargeMail/internal/csvparser"
	"ChargeMail/internal/db"
	"ChargeMail/internal/errs"
	"ChargeMail/internal/mailer"
	"ChargeMail/internal/metrics"
	"ChargeMail/internal/models"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "chargemail",
		Short:         "Transactional email queue for the EV marketplace",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(
		serveCmd(),
		processCmd(),
		verifyCmd(),
		purgeCmd(),
		migrateCmd(),
		broadcastCmd(),
		tokenCmd(),
	)
	return cmd
}

// withApp loads config, builds the logger and wires the app for one
// subcommand.
func withApp(fn func(ctx context.Context, a *app) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load()
		if err != nil {
			return errs.Wrap(err, "load config")
		}

		logger, err := newLogger(cfg.LogLevel)
		if err != nil {
			return errs.Wrap(err, "build logger")
		}
		defer logger.Sync()

		ctx := cmd.Context()
		a, err := newApp(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		return fn(ctx, a)
	}
}

func serveCmd() *cobra.Command {
	var migrate bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler, the admin API and the metrics endpoint",
		RunE: withApp(func(_ context.Context, a *app) error {
			return serve(a, migrate)
		}),
	}
	cmd.Flags().BoolVar(&migrate, "migrate", false, "Apply the schema before starting (postgres only)")
	return cmd
}

func serve(a *app, migrate bool) error {
	logger := a.log
	cfg := a.cfg

	// ------------------------------------------------
	// Root Context + Shutdown
	// ------------------------------------------------
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
		cancel()
	}()

	// ------------------------------------------------
	// Database
	// ------------------------------------------------
	if migrate {
		if err := applySchema(ctx, a.store); err != nil {
			return err
		}
	}

	// ------------------------------------------------
	// Metrics
	// ------------------------------------------------
	metrics.Init()

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())

	metricsServer := &http.Server{
		Addr:              ":" + cfg.MetricsPort,
		Handler:           metricsMux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("metrics server started", zap.String("port", cfg.MetricsPort))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", zap.Error(err))
			cancel()
		}
	}()

	// ------------------------------------------------
	// Scheduler + Retention
	// ------------------------------------------------
	a.scheduler.Start(ctx)
	go a.sweeper.Run(ctx)

	// ------------------------------------------------
	// HTTP API Server
	// ------------------------------------------------
	jwtSvc := api.NewJWT(cfg.JWTSecret)
	if !jwtSvc.Configured() {
		logger.Warn("JWT_SECRET is not set; /api routes will answer 503")
	}

	apiHandler := &api.Handler{
		Store:     a.store,
		Mailer:    a.mailer,
		Scheduler: a.scheduler,
		Transport: a.sender,
		Log:       logger.Named("api"),
	}

	apiServer := &http.Server{
		Addr:              ":" + cfg.APIPort,
		Handler:           api.NewRouter(apiHandler, jwtSvc, cfg.CORSAllowedOrigins),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("api server started", zap.String("port", cfg.APIPort))
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("api server error", zap.Error(err))
			cancel()
		}
	}()

	// ------------------------------------------------
	// Wait for shutdown
	// ------------------------------------------------
	<-ctx.Done()

	logger.Info("shutting down services...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("api shutdown failed", zap.Error(err))
	}

	// Stop ticking, then let an in-flight cycle finish.
	a.scheduler.Stop()
	a.scheduler.Wait()

	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics shutdown failed", zap.Error(err))
	}

	logger.Info("application shutdown complete")
	return nil
}

func processCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "process",
		Short: "Run one processing cycle and print the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				res, err := a.scheduler.RunOnce(ctx, limit)
				if err != nil {
					return err
				}
				return printJSON(cmd, res)
			})(cmd, args)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "Batch size (defaults to EMAIL_BATCH_SIZE, capped at 500)")
	return cmd
}

func verifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check the SMTP connection without sending mail",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				if err := a.sender.VerifyConnection(ctx); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "smtp connection to %s ok\n", a.sender.Host())
				return nil
			})(cmd, args)
		},
	}
}

func purgeCmd() *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete sent emails older than the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				if olderThan > 0 {
					a.cfg.Retention = olderThan
				}
				if a.cfg.Retention <= 0 {
					return errs.Mark(errs.New("retention must be positive"), errs.ErrValidation)
				}

				cutoff := time.Now().UTC().Add(-a.cfg.Retention)
				n, err := a.store.PurgeSent(ctx, cutoff)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "purged %d sent emails older than %s\n", n, cutoff.Format(time.RFC3339))
				return nil
			})(cmd, args)
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "Override EMAIL_RETENTION")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the email_jobs schema",
		RunE: withApp(func(ctx context.Context, a *app) error {
			if err := applySchema(ctx, a.store); err != nil {
				return err
			}
			a.log.Info("schema applied")
			return nil
		}),
	}
}

func broadcastCmd() *cobra.Command {
	var (
		file     string
		template string
		maxRows  int
	)

	cmd := &cobra.Command{
		Use:   "broadcast",
		Short: "Queue one templated email per row of a recipients CSV",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				name := models.TemplateName(template)
				if !name.Valid() {
					return errs.Mark(errs.Newf("unknown template %q", template), errs.ErrValidation)
				}

				rows, err := csvparser.ParseFile(file, maxRows)
				if err != nil {
					return err
				}

				queued := 0
				for _, row := range rows {
					data, err := row.TemplateData()
					if err == nil {
						var d any
						if data != nil {
							d = data
						}
						_, err = a.mailer.QueueEmail(ctx, mailer.Request{
							To:       []string{row.Email},
							Template: name,
							Data:     d,
						})
					}
					if err != nil {
						a.log.Warn("row not queued",
							zap.Int("line", row.Line),
							zap.String("email", row.Email),
							zap.Error(err),
						)
						continue
					}
					queued++
				}

				// Enqueueing nudges the scheduler; let that cycle finish
				// before the store closes.
				a.scheduler.Wait()
				fmt.Fprintf(cmd.OutOrStdout(), "queued %d of %d rows\n", queued, len(rows))
				return nil
			})(cmd, args)
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "Recipients CSV with an Email column")
	cmd.Flags().StringVar(&template, "template", "", "Template name")
	cmd.Flags().IntVar(&maxRows, "max-rows", csvparser.DefaultMaxRows, "Maximum rows to read")
	_ = cmd.MarkFlagRequired("file")
	_ = cmd.MarkFlagRequired("template")
	return cmd
}

func tokenCmd() *cobra.Command {
	var (
		subject string
		role    string
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the admin API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return errs.Wrap(err, "load config")
			}
			jwtSvc := api.NewJWT(cfg.JWTSecret)
			if !jwtSvc.Configured() {
				return errs.Mark(errs.New("JWT_SECRET is not set"), errs.ErrConfiguration)
			}

			tok, err := jwtSvc.Sign(subject, role, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "sub", "operator", "Token subject")
	cmd.Flags().StringVar(&role, "role", api.RoleAdmin, "Role claim")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "Token lifetime")
	return cmd
}

func applySchema(ctx context.Context, store db.Store) error {
	pg, ok := store.(*db.PostgresStore)
	if !ok {
		return errs.Mark(errs.New("migrate requires STORE_DRIVER=postgres"), errs.ErrConfiguration)
	}
	return pg.Migrate(ctx)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
