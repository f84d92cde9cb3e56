package repository

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/entitlement-engine/internal/model"
)

// Тесты выполняются только при заданной TEST_DATABASE_URI.
func newPostgresRepo(t *testing.T) *PostgresRepository {
	t.Helper()

	dsn := os.Getenv("TEST_DATABASE_URI")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URI is not set")
	}

	repo, err := NewPostgresRepository(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func TestPostgres_RedeemCode_ExactlyOneWinner(t *testing.T) {
	repo := newPostgresRepo(t)
	ctx := context.Background()
	now := time.Now().UTC()
	code := "PG-" + uuid.NewString()

	require.NoError(t, repo.CreateRedemptionCodes(ctx, []model.RedemptionCode{{Code: code, Scope: "c2", CreatedAt: now}}))

	var wins atomic.Int32
	var g errgroup.Group
	for i := 0; i < 20; i++ {
		user := fmt.Sprintf("pg-user-%d", i)
		g.Go(func() error {
			_, applied, err := repo.RedeemCode(ctx, code, user, now)
			if applied {
				wins.Add(1)
			}
			return err
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int32(1), wins.Load())
}

func TestPostgres_TransitionAndEnrollment(t *testing.T) {
	repo := newPostgresRepo(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	buyer := "pg-buyer-" + uuid.NewString()
	course := "pg-course-" + uuid.NewString()

	o := &model.Order{
		ID:            uuid.NewString(),
		BuyerID:       buyer,
		Items:         []model.OrderItem{{CourseID: course, Price: 500000}},
		Total:         500000,
		PaymentMethod: model.DefaultPaymentMethod,
		Status:        model.OrderStatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	_, _, err := repo.CreateOrder(ctx, o)
	require.NoError(t, err)

	got, applied, err := repo.TransitionOrder(ctx, o.ID, model.OrderStatusCompleted, "admin", "", now)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, model.OrderStatusCompleted, got.Status)

	_, applied, err = repo.TransitionOrder(ctx, o.ID, model.OrderStatusCompleted, "admin", "", now)
	require.NoError(t, err)
	assert.False(t, applied)

	e1, err := repo.UpsertEnrollment(ctx, buyer, course, now)
	require.NoError(t, err)
	e2, err := repo.UpsertEnrollment(ctx, buyer, course, now.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, e1.EnrolledAt.Equal(e2.EnrolledAt))
	assert.True(t, e2.LastAccessedAt.After(e1.LastAccessedAt))
}
