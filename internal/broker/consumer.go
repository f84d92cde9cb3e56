package broker

import (
	"context"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/mmeshcher/entitlement-engine/internal/model"
)

// Handler обрабатывает сообщение. Ошибка приводит к повторной попытке.
type Handler func(ctx context.Context, m kafka.Message) error

const (
	defaultRetries = 3
	defaultBackoff = 200 * time.Millisecond
)

// Consumer читает топик в составе группы и раздаёт сообщения пулу обработчиков.
// Смещения в Kafka фиксируются по разделу целиком, поэтому сообщение с ошибкой
// повторяется на месте, а после исчерпания попыток фиксируется: пропущенную выдачу
// доступа находит периодическая сверка.
type Consumer struct {
	r       *kafka.Reader
	workers int
	logger  *zap.Logger

	retries int
	backoff time.Duration
}

// NewConsumer создаёт читателя группы group для топика topic.
func NewConsumer(brokers []string, group, topic string, workers int, logger *zap.Logger) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		GroupID:        group,
		Topic:          topic,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0,
	})
	if workers <= 0 {
		workers = 1
	}
	return &Consumer{
		r:       r,
		workers: workers,
		logger:  logger,
		retries: defaultRetries,
		backoff: defaultBackoff,
	}
}

// handle вызывает h с повторами и линейно растущей паузой между ними.
func (c *Consumer) handle(ctx context.Context, h Handler, m kafka.Message) error {
	var err error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(time.Duration(attempt) * c.backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		if err = h(ctx, m); err == nil {
			return nil
		}
		c.logger.Warn("handle message", zap.Error(err), zap.Int("attempt", attempt+1),
			zap.String("topic", m.Topic), zap.Int64("offset", m.Offset))
	}
	return err
}

// Start читает сообщения до отмены ctx.
func (c *Consumer) Start(ctx context.Context, h Handler) error {
	defer c.r.Close()

	jobs := make(chan kafka.Message, c.workers)
	done := make(chan struct{})

	for i := 0; i < c.workers; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			for m := range jobs {
				if err := c.handle(ctx, h, m); err != nil {
					if ctx.Err() != nil {
						continue
					}
					c.logger.Error("give up on message, left to periodic reconciliation", zap.Error(err),
						zap.String("topic", m.Topic), zap.Int64("offset", m.Offset))
				}
				if err := c.r.CommitMessages(ctx, m); err != nil {
					c.logger.Warn("commit message", zap.Error(err), zap.Int64("offset", m.Offset))
				}
			}
		}()
	}

	stop := func() {
		close(jobs)
		for i := 0; i < c.workers; i++ {
			<-done
		}
	}

	for {
		m, err := c.r.FetchMessage(ctx)
		if err != nil {
			stop()
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}

		select {
		case jobs <- m:
		case <-ctx.Done():
			stop()
			return nil
		}
	}
}

// DecodeProjectionTask извлекает задачу сверки из сообщения.
func DecodeProjectionTask(m kafka.Message) (model.ProjectionTask, error) {
	_, task, err := UnwrapPayload[model.ProjectionTask](m.Value)
	return task, err
}
