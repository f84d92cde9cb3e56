// Package app собирает сервис прав доступа из конфигурации.
// Сборка общая для HTTP-сервера и воркера сверки.
package app

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mmeshcher/entitlement-engine/internal/cache"
	"github.com/mmeshcher/entitlement-engine/internal/catalog"
	"github.com/mmeshcher/entitlement-engine/internal/config"
	"github.com/mmeshcher/entitlement-engine/internal/repository"
	"github.com/mmeshcher/entitlement-engine/internal/service"
)

// OpenRepository открывает SQLite для DATABASE_URI вида sqlite://path, иначе PostgreSQL.
func OpenRepository(cfg *config.Config) (service.Repository, error) {
	if path, ok := cfg.SQLitePath(); ok {
		return repository.NewSQLiteRepository(path)
	}
	return repository.NewPostgresRepository(cfg.DatabaseURI)
}

// NewCatalog возвращает клиент контентного хранилища или статический каталог из конфигурации.
func NewCatalog(cfg *config.Config) (service.Catalog, error) {
	if cfg.CatalogAddress != "" {
		return catalog.NewClient(cfg.CatalogAddress), nil
	}
	return catalog.ParseStatic(cfg.CatalogCourses)
}

// Service держит собранный сервис и ресурсы, которые нужно закрыть при остановке.
type Service struct {
	*service.Service

	redis *redis.Client
}

// NewService открывает хранилище и каталог, а при заданном REDIS_ADDR подключает
// кэш каталога и быстрый путь идемпотентности заказов.
func NewService(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts ...service.Option) (*Service, error) {
	courses, err := NewCatalog(cfg)
	if err != nil {
		return nil, fmt.Errorf("catalog initialization: %w", err)
	}

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb, err = cache.New(ctx, cfg.RedisAddr)
		if err != nil {
			return nil, fmt.Errorf("redis initialization: %w", err)
		}
		courses = cache.NewCatalog(rdb, courses, cache.TTLCatalog)
		opts = append(opts, service.WithIdempotency(cache.NewOrderIdempotency(rdb)))
	}

	repo, err := OpenRepository(cfg)
	if err != nil {
		if rdb != nil {
			_ = rdb.Close()
		}
		return nil, fmt.Errorf("database initialization: %w", err)
	}

	return &Service{
		Service: service.NewService(repo, courses, logger, opts...),
		redis:   rdb,
	}, nil
}

// Close закрывает хранилище и подключение к Redis.
func (s *Service) Close() error {
	err := s.Service.Close()
	if s.redis != nil {
		if rerr := s.redis.Close(); err == nil {
			err = rerr
		}
	}
	return err
}
