package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/commentable/billingd/pkg/api"
	"github.com/commentable/billingd/pkg/billing"
	"github.com/commentable/billingd/pkg/config"
	"github.com/commentable/billingd/pkg/gateway"
	"github.com/commentable/billingd/pkg/observability"
)

func main() {
	runOnce := flag.Bool("sweep-once", false, "Run one due-charge sweep and exit (for testing or backfilling)")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)

	if err := db.Ping(); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}

	var metrics *observability.Metrics
	if cfg.Observability.MetricsEnabled {
		metrics = observability.NewMetrics(prometheus.NewRegistry())
	}

	gatewayLog := logrus.New()
	gatewayLog.SetFormatter(&logrus.JSONFormatter{})
	gw := gateway.NewClient(gateway.ClientConfig{
		BaseURL:        cfg.Gateway.BaseURL,
		APIKey:         cfg.Gateway.APIKey,
		APISecret:      cfg.Gateway.APISecret,
		RequestTimeout: cfg.Gateway.RequestTimeout,
	}, gatewayLog)

	store := billing.NewPostgresStore(db)
	locks := billing.NewTenantLocks()
	credentials := billing.NewCredentialService(store, gw, locks, logger)
	lifecycle := billing.NewLifecycleService(store, gw, locks, logger)
	scheduler := billing.NewScheduler(store, gw, locks, logger, metrics)
	reconciler := billing.NewReconciler(store, gw, locks, logger, metrics, billing.ReconcilerConfig{
		Secret:           cfg.Billing.WebhookSecret,
		VerifySignatures: cfg.Billing.VerifySignatures,
		SuspendThreshold: cfg.Billing.SuspendThreshold,
		SuspendWindow:    cfg.Billing.SuspendWindow,
	})

	if *runOnce {
		if err := scheduler.RunDueCharges(context.Background()); err != nil {
			log.Fatalf("Sweep failed: %v", err)
		}
		return
	}

	c := cron.New()
	if _, err := c.AddFunc(cfg.Billing.SweepSchedule, func() {
		if err := scheduler.RunDueCharges(context.Background()); err != nil {
			logger.WithError(err).Error("due-charge sweep failed")
		}
	}); err != nil {
		log.Fatalf("Failed to schedule due-charge sweep: %v", err)
	}
	c.Start()

	server := api.NewServer(credentials, lifecycle, reconciler, store, logger, metrics)
	httpServer := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      server.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Health and metrics on a separate port for k8s probes.
	health := observability.NewHealthChecker(db)
	healthMux := http.NewServeMux()
	healthMux.HandleFunc("/healthz", health.Liveness)
	healthMux.HandleFunc("/readyz", health.Readiness)
	if metrics != nil {
		healthMux.Handle("/metrics", metrics.Handler())
	}
	healthServer := &http.Server{
		Addr:    cfg.Server.Host + ":" + cfg.Server.HealthPort,
		Handler: healthMux,
	}

	go func() {
		logger.WithField("addr", healthServer.Addr).Info("health server listening")
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("health server failed")
		}
	}()

	go func() {
		logger.WithField("addr", httpServer.Addr).Info("billing server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	logger.Info("shutting down gracefully")

	cronCtx := c.Stop()
	<-cronCtx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("server shutdown failed")
	}
	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("health server shutdown failed")
	}

	logger.Info("billingd stopped")
}
