package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mmeshcher/entitlement-engine/internal/broker"
	"github.com/mmeshcher/entitlement-engine/internal/model"
)

type stubReplayer struct {
	mu        sync.Mutex
	tasks     []model.ProjectionTask
	replayErr error
	sweeps    int
	granted   int
	sweepErr  error
}

func (s *stubReplayer) ReplayProjection(_ context.Context, task model.ProjectionTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, task)
	return s.replayErr
}

func (s *stubReplayer) ReconcileGaps(_ context.Context, _ int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweeps++
	return s.granted, s.sweepErr
}

func (s *stubReplayer) sweepCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sweeps
}

func taskMessage(t *testing.T, task model.ProjectionTask) kafka.Message {
	t.Helper()

	env, err := broker.NewEnvelope("entitlements", broker.EventProjectionTask, task.UserID, task.FailedAt, task)
	require.NoError(t, err)
	value, err := json.Marshal(env)
	require.NoError(t, err)
	return kafka.Message{Topic: broker.TopicEnrollmentReconcile, Key: []byte(task.UserID), Value: value}
}

func TestHandleMessage_ReplaysTask(t *testing.T) {
	svc := &stubReplayer{}
	w := NewWorker(svc, time.Minute, zap.NewNop())

	task := model.ProjectionTask{
		Source:    model.SourceOrder,
		SourceID:  "o1",
		UserID:    "u1",
		CourseIDs: []string{"c1", "c3"},
		FailedAt:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, w.HandleMessage(context.Background(), taskMessage(t, task)))

	require.Len(t, svc.tasks, 1)
	assert.Equal(t, task.SourceID, svc.tasks[0].SourceID)
	assert.Equal(t, task.CourseIDs, svc.tasks[0].CourseIDs)
}

func TestHandleMessage_ReplayErrorKeepsMessage(t *testing.T) {
	svc := &stubReplayer{replayErr: errors.New("storage unavailable")}
	w := NewWorker(svc, time.Minute, zap.NewNop())

	err := w.HandleMessage(context.Background(), taskMessage(t, model.ProjectionTask{UserID: "u1", Scope: model.ScopeAll}))
	assert.Error(t, err)
}

func TestHandleMessage_MalformedIsSkipped(t *testing.T) {
	svc := &stubReplayer{}
	w := NewWorker(svc, time.Minute, zap.NewNop())

	err := w.HandleMessage(context.Background(), kafka.Message{Value: []byte("not json")})
	assert.NoError(t, err)
	assert.Empty(t, svc.tasks)
}

func TestRun_SweepsUntilCancelled(t *testing.T) {
	svc := &stubReplayer{granted: 2}
	w := NewWorker(svc, 10*time.Millisecond, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool { return svc.sweepCount() >= 3 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestSweep_ReportsCount(t *testing.T) {
	svc := &stubReplayer{granted: 1, sweepErr: errors.New("partial failure")}
	w := NewWorker(svc, time.Minute, zap.NewNop())

	assert.Equal(t, 1, w.Sweep(context.Background()))
}
