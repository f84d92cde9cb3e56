// Package reconcile повторяет выдачу доступа, не записанную после подтверждения заказа или погашения кода.
package reconcile

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/mmeshcher/entitlement-engine/internal/broker"
	"github.com/mmeshcher/entitlement-engine/internal/model"
)

const defaultBatch = 500

// Replayer объединяет операции сервиса, которыми пользуется сверка.
type Replayer interface {
	ReplayProjection(ctx context.Context, task model.ProjectionTask) error
	ReconcileGaps(ctx context.Context, limit int) (int, error)
}

// Worker периодически ищет пропущенные записи на курсы и обрабатывает задачи из очереди.
type Worker struct {
	svc      Replayer
	interval time.Duration
	batch    int
	logger   *zap.Logger
}

// NewWorker создаёт воркер сверки с заданным интервалом обхода.
func NewWorker(svc Replayer, interval time.Duration, logger *zap.Logger) *Worker {
	return &Worker{
		svc:      svc,
		interval: interval,
		batch:    defaultBatch,
		logger:   logger,
	}
}

// Run обходит хранилище сразу и затем по таймеру до отмены ctx.
func (w *Worker) Run(ctx context.Context) error {
	w.Sweep(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.Sweep(ctx)
		}
	}
}

// Sweep выполняет один обход и возвращает число созданных записей.
func (w *Worker) Sweep(ctx context.Context) int {
	n, err := w.svc.ReconcileGaps(ctx, w.batch)
	if err != nil && ctx.Err() == nil {
		w.logger.Warn("reconcile sweep", zap.Error(err), zap.Int("granted", n))
	}
	if n > 0 {
		w.logger.Info("reconciled enrollments", zap.Int("granted", n))
	}
	return n
}

// HandleMessage обрабатывает задачу сверки из очереди.
// Нечитаемое сообщение пропускается: повтор его не исправит, а пропуск найдёт периодический обход.
func (w *Worker) HandleMessage(ctx context.Context, m kafka.Message) error {
	task, err := broker.DecodeProjectionTask(m)
	if err != nil {
		w.logger.Error("skip malformed projection task", zap.Error(err), zap.Int64("offset", m.Offset))
		return nil
	}

	if err := w.svc.ReplayProjection(ctx, task); err != nil {
		return err
	}

	w.logger.Info("projection replayed",
		zap.String("user_id", task.UserID),
		zap.String("source", task.Source),
		zap.String("source_id", task.SourceID),
	)
	return nil
}
