package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/mmeshcher/entitlement-engine/internal/model"
)

// Producer публикует события асинхронно через буферизованный канал,
// а задачи сверки записывает синхронно.
type Producer struct {
	w        *kafka.Writer
	producer string
	logger   *zap.Logger
	inbox    chan kafka.Message
	done     chan struct{}
}

// NewProducer создаёт продюсера для списка брокеров. producer попадает в поле конверта.
func NewProducer(brokers []string, producer string, buf int, logger *zap.Logger) *Producer {
	return &Producer{
		w: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			BatchTimeout: 50 * time.Millisecond,
		},
		producer: producer,
		logger:   logger,
		inbox:    make(chan kafka.Message, buf),
		done:     make(chan struct{}),
	}
}

// Start запускает отправку событий из очереди до отмены ctx, затем дописывает остаток и закрывает writer.
func (p *Producer) Start(ctx context.Context) {
	go func() {
		defer close(p.done)
		for {
			select {
			case <-ctx.Done():
				p.drain()
				return
			case m := <-p.inbox:
				p.write(context.Background(), m)
			}
		}
	}()
}

func (p *Producer) drain() {
	for {
		select {
		case m := <-p.inbox:
			p.write(context.Background(), m)
		default:
			if err := p.w.Close(); err != nil {
				p.logger.Warn("close kafka writer", zap.Error(err))
			}
			return
		}
	}
}

func (p *Producer) write(ctx context.Context, m kafka.Message) {
	if err := p.w.WriteMessages(ctx, m); err != nil {
		p.logger.Error("publish event", zap.Error(err), zap.String("topic", m.Topic))
	}
}

// WaitClosed ждёт завершения фоновой отправки после отмены контекста Start.
func (p *Producer) WaitClosed() { <-p.done }

func (p *Producer) message(eventType, key string, occurredAt time.Time, payload any) (kafka.Message, error) {
	topic, ok := TopicFor(eventType)
	if !ok {
		return kafka.Message{}, fmt.Errorf("unknown event type %q", eventType)
	}

	env, err := NewEnvelope(p.producer, eventType, key, occurredAt, payload)
	if err != nil {
		return kafka.Message{}, err
	}
	value, err := json.Marshal(env)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("marshal envelope: %w", err)
	}

	return kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: value,
		Time:  env.OccurredAt,
		Headers: []kafka.Header{
			{Key: "x-event-type", Value: []byte(eventType)},
			{Key: "x-event-version", Value: []byte("1")},
		},
	}, nil
}

// Publish ставит событие в очередь отправки. При переполненной очереди событие отбрасывается с записью в лог.
func (p *Producer) Publish(_ context.Context, ev model.Event) {
	m, err := p.message(ev.Type, ev.Key, ev.OccurredAt, ev.Payload)
	if err != nil {
		p.logger.Error("build event message", zap.Error(err), zap.String("type", ev.Type))
		return
	}

	select {
	case p.inbox <- m:
	default:
		p.logger.Warn("event inbox full, dropping event", zap.String("type", ev.Type), zap.String("key", ev.Key))
	}
}

// Enqueue синхронно записывает задачу сверки в топик TopicEnrollmentReconcile.
func (p *Producer) Enqueue(ctx context.Context, task model.ProjectionTask) error {
	m, err := p.message(EventProjectionTask, task.UserID, task.FailedAt, task)
	if err != nil {
		return err
	}
	if err := p.w.WriteMessages(ctx, m); err != nil {
		return fmt.Errorf("write reconcile task: %w", err)
	}
	return nil
}
