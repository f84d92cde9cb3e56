// Package main запускает HTTP-сервер движка прав доступа.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/entitlement-engine/internal/app"
	"github.com/mmeshcher/entitlement-engine/internal/broker"
	"github.com/mmeshcher/entitlement-engine/internal/config"
	"github.com/mmeshcher/entitlement-engine/internal/handler"
	"github.com/mmeshcher/entitlement-engine/internal/middleware"
	"github.com/mmeshcher/entitlement-engine/internal/service"
	"github.com/mmeshcher/entitlement-engine/internal/telemetry"
)

const serviceName = "entitlements"

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}
	if err := cfg.Validate(true); err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Setup(ctx, serviceName, cfg.OTLPEndpoint)
	if err != nil {
		sugar.Fatalw("telemetry initialization error", "error", err.Error())
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			sugar.Warnw("telemetry shutdown error", "error", err)
		}
	}()

	var (
		opts     []service.Option
		producer *broker.Producer
	)
	if brokers := cfg.Brokers(); len(brokers) > 0 {
		producer = broker.NewProducer(brokers, serviceName, 1024, logger)
		opts = append(opts, service.WithEvents(producer), service.WithProjectionQueue(producer))
	}

	svc, err := app.NewService(ctx, cfg, logger, opts...)
	if err != nil {
		sugar.Fatalw("service initialization error", "error", err.Error())
	}
	defer svc.Close()

	authMiddleware := middleware.NewAuthMiddleware(cfg.JWTSecret)
	h := handler.NewHandler(svc, logger, authMiddleware)

	server := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           h.SetupRouter(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	if producer != nil {
		producer.Start(ctx)
		defer producer.WaitClosed()
	}

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting entitlements server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Errorw("application terminated with error", "error", err)
	}
}
