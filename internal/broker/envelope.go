// Package broker публикует доменные события и задачи сверки записей на курсы в Kafka.
package broker

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mmeshcher/entitlement-engine/internal/model"
)

const (
	TopicOrderSubmitted      = "entitlement.order.submitted"
	TopicOrderApproved       = "entitlement.order.approved"
	TopicOrderRejected       = "entitlement.order.rejected"
	TopicCodeRedeemed        = "entitlement.code.redeemed"
	TopicEnrollmentReconcile = "entitlement.enrollment.reconcile"
)

// EventProjectionTask задаёт тип конверта задачи сверки.
const EventProjectionTask = "ProjectionTask"

var eventTopics = map[string]string{
	model.EventOrderSubmitted: TopicOrderSubmitted,
	model.EventOrderApproved:  TopicOrderApproved,
	model.EventOrderRejected:  TopicOrderRejected,
	model.EventCodeRedeemed:   TopicCodeRedeemed,
	EventProjectionTask:       TopicEnrollmentReconcile,
}

// TopicFor возвращает топик для типа события.
func TopicFor(eventType string) (string, bool) {
	t, ok := eventTopics[eventType]
	return t, ok
}

// Envelope описывает общий формат сообщений во всех топиках.
type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

// NewEnvelope упаковывает полезную нагрузку в конверт.
func NewEnvelope(producer, eventType, correlationID string, occurredAt time.Time, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal payload: %w", err)
	}
	if occurredAt.IsZero() {
		occurredAt = time.Now()
	}
	return Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  1,
		OccurredAt:    occurredAt.UTC(),
		Producer:      producer,
		CorrelationID: correlationID,
		Payload:       raw,
	}, nil
}

// UnwrapPayload декодирует полезную нагрузку конверта.
func UnwrapPayload[T any](b []byte) (Envelope, T, error) {
	var (
		env Envelope
		t   T
	)
	if err := json.Unmarshal(b, &env); err != nil {
		return env, t, fmt.Errorf("decode envelope: %w", err)
	}
	if err := json.Unmarshal(env.Payload, &t); err != nil {
		return env, t, fmt.Errorf("decode payload: %w", err)
	}
	return env, t, nil
}
