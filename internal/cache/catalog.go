package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mmeshcher/entitlement-engine/internal/model"
)

// CatalogSource описывает первичный источник каталога.
type CatalogSource interface {
	ListCourses(ctx context.Context) ([]model.Course, error)
	GetCourse(ctx context.Context, id string) (*model.Course, error)
}

// Catalog кэширует ответы контентного хранилища в Redis.
type Catalog struct {
	rdb    *redis.Client
	source CatalogSource
	ttl    time.Duration
}

// NewCatalog оборачивает источник каталога кэшем с указанным TTL.
func NewCatalog(rdb *redis.Client, source CatalogSource, ttl time.Duration) *Catalog {
	if ttl <= 0 {
		ttl = TTLCatalog
	}
	return &Catalog{rdb: rdb, source: source, ttl: ttl}
}

// ListCourses возвращает каталог из кэша, при промахе или недоступности Redis обращается к источнику.
func (c *Catalog) ListCourses(ctx context.Context) ([]model.Course, error) {
	if b, err := c.rdb.Get(ctx, keyCatalogCourses).Bytes(); err == nil {
		var courses []model.Course
		if json.Unmarshal(b, &courses) == nil {
			return courses, nil
		}
	}

	courses, err := c.source.ListCourses(ctx)
	if err != nil {
		return nil, err
	}

	if b, err := json.Marshal(courses); err == nil {
		_ = c.rdb.Set(ctx, keyCatalogCourses, b, c.ttl).Err()
	}
	return courses, nil
}

// GetCourse возвращает курс из кэша или источника. Отсутствие курса не кэшируется.
func (c *Catalog) GetCourse(ctx context.Context, id string) (*model.Course, error) {
	key := catalogCourseKey(id)
	if b, err := c.rdb.Get(ctx, key).Bytes(); err == nil {
		var course model.Course
		if json.Unmarshal(b, &course) == nil {
			return &course, nil
		}
	}

	course, err := c.source.GetCourse(ctx, id)
	if err != nil {
		return nil, err
	}

	if b, err := json.Marshal(course); err == nil {
		_ = c.rdb.Set(ctx, key, b, c.ttl).Err()
	}
	return course, nil
}
