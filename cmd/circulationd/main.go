// circulationd is the digital lending circulation daemon. It serves the
// checkout and loan lifecycle API and runs the expiry and reminder sweeps.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"circulate/internal/artifact"
	"circulate/internal/audit"
	"circulate/internal/circulation"
	"circulate/internal/config"
	"circulate/internal/health"
	"circulate/internal/notify"
	"circulate/internal/scheduler"
	"circulate/internal/storage"
	"circulate/internal/storage/adapters"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("circulationd exited with error", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg := config.Load()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := setupTracing(ctx, cfg.OTLPEndpoint, logger)
	if err != nil {
		return fmt.Errorf("tracing setup: %w", err)
	}
	defer shutdownTracing()

	store, db, closeDB, err := openStore(ctx, cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("database setup: %w", err)
	}
	defer closeDB()

	artifacts, err := artifact.NewFSStore(cfg.ArtifactRoot, logger)
	if err != nil {
		return fmt.Errorf("artifact storage setup: %w", err)
	}

	var notifier circulation.Notifier
	if cfg.SMTP.Host == "" {
		logger.Info("no SMTP host configured, notifications go to the log")
		notifier = notify.NewLogNotifier(logger)
	} else {
		notifier = notify.NewBreaker(notify.NewSMTPSender(notify.SMTPConfig{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			From:     cfg.SMTP.From,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
		}), logger)
	}

	service := circulation.NewService(
		store,
		artifact.NewStampGenerator(artifacts),
		artifacts,
		notifier,
		audit.NewDBSink(db, logger),
		logger,
		circulation.Config{
			MaxLoansPerPatron:     cfg.Policy.MaxLoansPerPatron,
			DefaultLoanPeriodDays: cfg.Policy.DefaultLoanDays,
			MaxRenewals:           cfg.Policy.MaxRenewals,
			ReminderHorizon:       cfg.Policy.ReminderHorizon(),
		},
	)

	sched := scheduler.New(logger)
	sched.Add("expire_loans", cfg.Sweeps.ExpiryInterval, func(ctx context.Context) error {
		result, err := service.ExpireOverdue(ctx)
		if err != nil {
			return err
		}
		if result.Failed > 0 {
			return fmt.Errorf("%d of %d overdue loans not expired", result.Failed, result.Processed+result.Failed)
		}
		return nil
	})
	sched.Add("send_reminders", cfg.Sweeps.ReminderInterval, func(ctx context.Context) error {
		result, err := service.SendReminders(ctx)
		if err != nil {
			return err
		}
		if result.Failed > 0 {
			return fmt.Errorf("%d of %d reminders not delivered", result.Failed, result.Processed+result.Failed)
		}
		return nil
	})
	sched.Start(ctx)
	defer sched.Stop()

	handler := circulation.NewHandler(service, logger)
	healthHandler := health.NewHandler(store, sched, logger)

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Mount("/api/v1/circulation", handler.Routes())
	router.Get("/health", healthHandler.Health)
	router.Get("/ping", healthHandler.Ping)

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("circulation service listening", "port", cfg.Port, "driver", cfg.Database.Driver)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// openStore connects using the configured driver. All three drivers end
// up behind the same store; the switch exists so deployments can pick
// the driver their platform tooling expects. The returned adapter is
// shared with the audit sink.
func openStore(ctx context.Context, cfg config.Database, logger *slog.Logger) (*storage.Store, adapters.DBAdapter, func(), error) {
	var (
		adapter adapters.DBAdapter
		closeDB func()
	)

	switch cfg.Driver {
	case "sqlx":
		db, err := sqlx.ConnectContext(ctx, "postgres", cfg.URL)
		if err != nil {
			return nil, nil, nil, err
		}
		adapter = adapters.NewSQLXAdapter(db)
		closeDB = func() { _ = db.Close() }

	case "sql":
		db, err := sql.Open("postgres", cfg.URL)
		if err != nil {
			return nil, nil, nil, err
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, nil, nil, err
		}
		adapter = adapters.NewSQLAdapter(db)
		closeDB = func() { _ = db.Close() }

	default: // pgx
		pool, err := pgxpool.New(ctx, cfg.URL)
		if err != nil {
			return nil, nil, nil, err
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, nil, err
		}
		adapter = adapters.NewPGXAdapter(pool)
		closeDB = pool.Close
	}

	store, err := storage.NewStore(adapter, storage.WithLogger(logger))
	if err != nil {
		closeDB()
		return nil, nil, nil, err
	}
	return store, adapter, closeDB, nil
}

// setupTracing wires the OTLP trace exporter when an endpoint is set.
// Without one, tracing stays on the default no-op provider.
func setupTracing(ctx context.Context, endpoint string, logger *slog.Logger) (func(), error) {
	if endpoint == "" {
		return func() {}, nil
	}

	exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(endpoint))
	if err != nil {
		return nil, err
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName("circulationd"),
	))
	if err != nil {
		return nil, err
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracer provider shutdown failed", "error", err)
		}
	}, nil
}
