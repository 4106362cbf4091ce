package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/stockroom/api/internal/di"
	"github.com/stockroom/api/internal/platform/config"
	"github.com/stockroom/api/internal/platform/idempotency"
	"github.com/stockroom/api/internal/platform/observability"
	"github.com/stockroom/api/internal/platform/secrets"
)

const idempotencyCleanupInterval = 15 * time.Minute

func main() {
	ctx := context.Background()

	envValues, err := config.EnvironmentValues()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read environment values: %v\n", err)
		os.Exit(1)
	}

	serviceName := firstNonEmpty(envValues["API_SERVICE_NAME"], "stockroom-api")
	baseLogger, err := observability.NewLogger(envValues["API_LOG_LEVEL"], serviceName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()
	logger := baseLogger.Named("api")

	secretProject := firstNonEmpty(
		envValues["API_SECRETS_PROJECT_ID"],
		envValues["API_FIREBASE_PROJECT_ID"],
		envValues["GOOGLE_CLOUD_PROJECT"],
	)
	resolver := secrets.NewResolver(secretProject, secrets.WithLogger(logger.Named("secrets")))
	defer func() {
		_ = resolver.Close()
	}()

	cfg, err := config.Load(ctx, config.WithSecretResolver(resolver))
	if err != nil {
		var validation *config.ValidationError
		if errors.As(err, &validation) {
			logger.Fatal("invalid configuration", zap.Strings("fields", validation.Fields()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	shutdownTracing, err := observability.SetupTracing(ctx, cfg.OTel.ExporterEndpoint, cfg.ServiceName)
	if err != nil {
		logger.Fatal("failed to initialise tracing", zap.Error(err))
	}

	container, err := di.NewContainer(ctx, cfg, di.WithLogger(baseLogger))
	if err != nil {
		logger.Fatal("failed to build container", zap.Error(err), zap.String("store", cfg.Store.Driver))
	}

	cleanupCtx, cleanupCancel := context.WithCancel(ctx)
	var cleanupWG sync.WaitGroup
	cleanupWG.Add(1)
	go func() {
		defer cleanupWG.Done()
		idempotency.RunJanitor(cleanupCtx, container.Idempotency, idempotencyCleanupInterval, logger.Named("idempotency"))
	}()

	server := container.NewServer()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr), zap.String("store", cfg.Store.Driver))
	go func() {
		serverLogger.Info("stockroom api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	cleanupCancel()
	cleanupWG.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}

	// Draining may have used the whole budget; releasing resources gets its own.
	closeCtx, closeCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer closeCancel()
	if err := container.Close(closeCtx); err != nil {
		logger.Error("failed to release resources", zap.Error(err))
	}
	if err := shutdownTracing(closeCtx); err != nil {
		logger.Warn("failed to flush traces", zap.Error(err))
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
