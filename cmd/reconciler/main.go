// Package main запускает воркер сверки записей на курсы.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/entitlement-engine/internal/app"
	"github.com/mmeshcher/entitlement-engine/internal/broker"
	"github.com/mmeshcher/entitlement-engine/internal/config"
	"github.com/mmeshcher/entitlement-engine/internal/reconcile"
	"github.com/mmeshcher/entitlement-engine/internal/telemetry"
)

const (
	serviceName   = "entitlements-reconciler"
	consumerGroup = "entitlements-reconciler"
	workers       = 4
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}
	if err := cfg.Validate(false); err != nil {
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
		_ = shutdownTelemetry(shutdownCtx)
	}()

	svc, err := app.NewService(ctx, cfg, logger)
	if err != nil {
		sugar.Fatalw("service initialization error", "error", err.Error())
	}
	defer svc.Close()

	worker := reconcile.NewWorker(svc, cfg.ReconcileInterval, logger)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		sugar.Infow("starting reconciliation sweeps", "interval", cfg.ReconcileInterval.String())
		return worker.Run(ctx)
	})

	if brokers := cfg.Brokers(); len(brokers) > 0 {
		consumer := broker.NewConsumer(brokers, consumerGroup, broker.TopicEnrollmentReconcile, workers, logger)
		g.Go(func() error {
			sugar.Infow("consuming reconciliation queue", "topic", broker.TopicEnrollmentReconcile)
			return consumer.Start(ctx, worker.HandleMessage)
		})
	}

	if err := g.Wait(); err != nil {
		sugar.Errorw("reconciler terminated with error", "error", err)
	}
	sugar.Info("reconciler stopped")
}
