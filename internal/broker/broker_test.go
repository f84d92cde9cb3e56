package broker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mmeshcher/entitlement-engine/internal/model"
)

func TestTopicFor(t *testing.T) {
	tests := []struct {
		eventType string
		want      string
	}{
		{model.EventOrderSubmitted, TopicOrderSubmitted},
		{model.EventOrderApproved, TopicOrderApproved},
		{model.EventOrderRejected, TopicOrderRejected},
		{model.EventCodeRedeemed, TopicCodeRedeemed},
		{EventProjectionTask, TopicEnrollmentReconcile},
	}
	for _, tt := range tests {
		t.Run(tt.eventType, func(t *testing.T) {
			got, ok := TopicFor(tt.eventType)
			require.True(t, ok)
			assert.Equal(t, tt.want, got)
		})
	}

	_, ok := TopicFor("Unknown")
	assert.False(t, ok)
}

func TestProducerMessage_ProjectionTaskRoundTrip(t *testing.T) {
	p := NewProducer([]string{"localhost:9092"}, "entitlements", 1, zap.NewNop())
	failedAt := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	task := model.ProjectionTask{
		Source:    model.SourceRedemption,
		SourceID:  "ABCD-1234",
		UserID:    "u2",
		Scope:     "c2",
		CourseIDs: []string{"c2"},
		FailedAt:  failedAt,
	}

	m, err := p.message(EventProjectionTask, task.UserID, task.FailedAt, task)
	require.NoError(t, err)
	assert.Equal(t, TopicEnrollmentReconcile, m.Topic)
	assert.Equal(t, "u2", string(m.Key))

	var env Envelope
	require.NoError(t, json.Unmarshal(m.Value, &env))
	assert.Equal(t, EventProjectionTask, env.EventType)
	assert.Equal(t, "entitlements", env.Producer)
	assert.NotEmpty(t, env.EventID)

	got, err := DecodeProjectionTask(m)
	require.NoError(t, err)
	assert.Equal(t, task.SourceID, got.SourceID)
	assert.Equal(t, task.CourseIDs, got.CourseIDs)
	assert.True(t, got.FailedAt.Equal(failedAt))
}

func TestProducerPublish_DropsWhenInboxFull(t *testing.T) {
	p := NewProducer([]string{"localhost:9092"}, "entitlements", 1, zap.NewNop())

	ev := model.Event{Type: model.EventOrderSubmitted, Key: "o1", Payload: model.OrderEventPayload{OrderID: "o1"}}
	p.Publish(context.Background(), ev)
	p.Publish(context.Background(), ev)

	assert.Len(t, p.inbox, 1)
}

func TestProducerPublish_UnknownTypeIgnored(t *testing.T) {
	p := NewProducer([]string{"localhost:9092"}, "entitlements", 1, zap.NewNop())

	p.Publish(context.Background(), model.Event{Type: "Unknown"})
	assert.Empty(t, p.inbox)
}

func TestConsumerHandle_RetriesUntilSuccess(t *testing.T) {
	c := &Consumer{logger: zap.NewNop(), retries: 3, backoff: time.Millisecond}

	calls := 0
	err := c.handle(context.Background(), func(context.Context, kafka.Message) error {
		calls++
		if calls < 3 {
			return errors.New("store unavailable")
		}
		return nil
	}, kafka.Message{Topic: TopicEnrollmentReconcile})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestConsumerHandle_GivesUpAfterRetries(t *testing.T) {
	c := &Consumer{logger: zap.NewNop(), retries: 2, backoff: time.Millisecond}
	fail := errors.New("store unavailable")

	calls := 0
	err := c.handle(context.Background(), func(context.Context, kafka.Message) error {
		calls++
		return fail
	}, kafka.Message{})

	assert.ErrorIs(t, err, fail)
	assert.Equal(t, 3, calls)
}

func TestConsumerHandle_StopsOnCancel(t *testing.T) {
	c := &Consumer{logger: zap.NewNop(), retries: 5, backoff: time.Hour}
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	err := c.handle(ctx, func(context.Context, kafka.Message) error {
		calls++
		cancel()
		return errors.New("store unavailable")
	}, kafka.Message{})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}
