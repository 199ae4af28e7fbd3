package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/savannahwave/isp-platform/internal/platform/config"
	"github.com/savannahwave/isp-platform/internal/platform/database"
	"github.com/savannahwave/isp-platform/internal/platform/logger"
	"github.com/savannahwave/isp-platform/internal/platform/messagebroker"
	httpadapter "github.com/savannahwave/isp-platform/internal/reconciler_service/adapters/http"
	"github.com/savannahwave/isp-platform/internal/reconciler_service/app"
	"github.com/savannahwave/isp-platform/internal/reconciler_service/repository/postgres"
)

const (
	serviceName     = "reconciler-service"
	shutdownTimeout = 15 * time.Second
)

// httpLogger is a middleware that logs HTTP requests using slog.
func httpLogger(logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		fn := func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			requestID := chiMiddleware.GetReqID(r.Context())

			next.ServeHTTP(ww, r)

			logger.LogAttrs(r.Context(), slog.LevelInfo, "HTTP request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status_code", ww.Status()),
				slog.Int64("duration_ms", time.Since(start).Milliseconds()),
				slog.String("request_id", requestID),
			)
		}
		return http.HandlerFunc(fn)
	}
}

func main() {
	mainCtx, mainCancel := context.WithCancel(context.Background())
	defer mainCancel()

	cfg, err := config.Load(serviceName)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	appLogger := logger.New(cfg.LogLevel).With("service", serviceName)

	appLogger.Info("Reconciler service starting...",
		"http_port", cfg.ReconcilerHTTPPort,
		"metrics_port", cfg.ReconcilerMetricsPort,
		"log_level", cfg.LogLevel,
	)

	dbPool, err := database.NewDBPool(mainCtx, cfg.PostgresDSN)
	if err != nil {
		appLogger.Error("Failed to connect to PostgreSQL", "error", err)
		os.Exit(1)
	}
	defer dbPool.Close()
	appLogger.Info("Successfully connected to PostgreSQL")

	natsClient, err := messagebroker.NewNatsClient(cfg.NATSUrl, serviceName, appLogger)
	if err != nil {
		appLogger.Error("Failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer natsClient.Close()
	appLogger.Info("Successfully connected to NATS", "url", cfg.NATSUrl)

	configRepo := postgres.NewPgGatewayConfigRepository(dbPool, appLogger)
	ledgerRepo := postgres.NewPgLedgerRepository(dbPool, appLogger)
	voucherRepo := postgres.NewPgVoucherRepository(dbPool, appLogger)
	customerRepo := postgres.NewPgCustomerRepository(dbPool, appLogger)
	packageRepo := postgres.NewPgPackageRepository(dbPool, appLogger)
	txRunner := postgres.NewTxRunner(dbPool)

	smsNotifier := app.NewSmsNotifier(natsClient, cfg.SMSSubject, appLogger)
	settlementService := app.NewSettlementService(
		configRepo, ledgerRepo, voucherRepo, customerRepo, packageRepo,
		txRunner, dbPool, smsNotifier, cfg.DownstreamTimeout, appLogger,
	)
	voucherService := app.NewVoucherService(voucherRepo, appLogger)
	appLogger.Info("SettlementService initialized")

	g, groupCtx := errgroup.WithContext(mainCtx)

	// --- Callback HTTP server ---
	callbackHandler := httpadapter.NewCallbackHandler(settlementService, appLogger)
	httpRouter := chi.NewRouter()
	httpRouter.Use(chiMiddleware.RequestID)
	httpRouter.Use(chiMiddleware.RealIP)
	httpRouter.Use(chiMiddleware.Recoverer)
	httpRouter.Use(httpLogger(appLogger))
	callbackHandler.RegisterRoutes(httpRouter)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.ReconcilerHTTPPort),
		Handler:      httpRouter,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	g.Go(func() error {
		appLogger.Info("Callback HTTP server starting", "address", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Error("HTTP server ListenAndServe error", "error", err)
			return err
		}
		appLogger.Info("HTTP server shut down gracefully.")
		return nil
	})

	// --- Metrics HTTP server ---
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.ReconcilerMetricsPort),
		Handler: metricsMux,
	}

	g.Go(func() error {
		appLogger.Info("Metrics HTTP server starting", "address", metricsServer.Addr)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Error("Metrics HTTP server ListenAndServe error", "error", err)
			return err
		}
		appLogger.Info("Metrics HTTP server shut down gracefully.")
		return nil
	})

	// --- Voucher expiry sweeper ---
	g.Go(func() error {
		ticker := time.NewTicker(cfg.VoucherSweepInterval)
		defer ticker.Stop()
		appLogger.Info("Voucher expiry sweeper starting", "interval", cfg.VoucherSweepInterval.String())
		for {
			select {
			case <-groupCtx.Done():
				appLogger.Info("Voucher expiry sweeper stopping.")
				return nil
			case <-ticker.C:
				sweepCtx, cancel := context.WithTimeout(groupCtx, cfg.DownstreamTimeout)
				if err := voucherService.ExpireDue(sweepCtx); err != nil {
					appLogger.Error("Voucher expiry sweep failed", "error", err)
				}
				cancel()
			}
		}
	})

	// --- Graceful shutdown handling ---
	stopSignal := make(chan os.Signal, 1)
	signal.Notify(stopSignal, syscall.SIGINT, syscall.SIGTERM)

	g.Go(func() error {
		select {
		case sig := <-stopSignal:
			appLogger.Info("Received termination signal", "signal", sig.String())
			mainCancel()
			return nil
		case <-groupCtx.Done():
			return nil
		}
	})

	g.Go(func() error {
		<-groupCtx.Done()
		appLogger.Info("Initiating graceful shutdown of servers...")

		shutdownCtx, cancelShutdownTimeout := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancelShutdownTimeout()

		var shutdownErrors error
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			appLogger.Error("Metrics HTTP server graceful shutdown failed", "error", err)
			shutdownErrors = errors.Join(shutdownErrors, fmt.Errorf("metrics http shutdown: %w", err))
		}
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			appLogger.Error("Callback HTTP server graceful shutdown failed", "error", err)
			shutdownErrors = errors.Join(shutdownErrors, fmt.Errorf("callback http shutdown: %w", err))
		}
		return shutdownErrors
	})

	if err := g.Wait(); err != nil {
		appLogger.Error("Service exited with error", "error", err)
		os.Exit(1)
	}
	appLogger.Info("Reconciler service stopped.")
}
