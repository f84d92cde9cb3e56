package cache

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
)

// OrderIdempotency запоминает соответствие ключа идемпотентности покупателя и созданного заказа.
type OrderIdempotency struct {
	rdb *redis.Client
}

// NewOrderIdempotency создаёт хранилище ключей идемпотентности поверх Redis.
func NewOrderIdempotency(rdb *redis.Client) *OrderIdempotency {
	return &OrderIdempotency{rdb: rdb}
}

// Lookup возвращает идентификатор заказа, ранее созданного с этим ключом.
func (s *OrderIdempotency) Lookup(ctx context.Context, buyerID, key string) (string, bool, error) {
	id, err := s.rdb.Get(ctx, idemOrderKey(buyerID, key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}

// Remember сохраняет идентификатор заказа для ключа на TTLIdempotency.
func (s *OrderIdempotency) Remember(ctx context.Context, buyerID, key, orderID string) error {
	return s.rdb.Set(ctx, idemOrderKey(buyerID, key), orderID, TTLIdempotency).Err()
}
