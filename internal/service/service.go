// Package service реализует движок прав доступа: погашение кодов, подтверждение оплаты,
// записи на курсы и проверку доступа.
package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/entitlement-engine/internal/model"
)

// Repository описывает контракт хранилища прав, используемый сервисом.
type Repository interface {
	Close() error

	CreateOrder(ctx context.Context, o *model.Order) (*model.Order, bool, error)
	GetOrder(ctx context.Context, id string) (*model.Order, error)
	ListOrdersByBuyer(ctx context.Context, buyerID string) ([]model.Order, error)
	ListOrdersByStatus(ctx context.Context, status model.OrderStatus, limit int) ([]model.Order, error)
	TransitionOrder(ctx context.Context, id string, to model.OrderStatus, adminID, reason string, now time.Time) (*model.Order, bool, error)
	OrderStatusesForCourse(ctx context.Context, userID, courseID string) ([]model.OrderStatus, error)

	CreateRedemptionCodes(ctx context.Context, codes []model.RedemptionCode) error
	GetRedemptionCode(ctx context.Context, code string) (*model.RedemptionCode, error)
	RedeemCode(ctx context.Context, code, userID string, now time.Time) (*model.RedemptionCode, bool, error)
	RedeemedCodesFor(ctx context.Context, userID, courseID string) ([]model.RedemptionCode, error)

	UpsertEnrollment(ctx context.Context, userID, courseID string, now time.Time) (*model.Enrollment, error)
	TouchEnrollment(ctx context.Context, userID, courseID string, now time.Time) (*model.Enrollment, error)
	CompleteEnrollment(ctx context.Context, userID, courseID string, now time.Time) (*model.Enrollment, error)
	EnrollmentExists(ctx context.Context, userID, courseID string) (bool, error)
	ListEnrollments(ctx context.Context, userID string) ([]model.Enrollment, error)

	ListProjectionGaps(ctx context.Context, limit int) ([]model.ProjectionGap, error)
	ListWildcardRedeemers(ctx context.Context) ([]string, error)
}

// Catalog описывает каталог курсов контентного хранилища.
type Catalog interface {
	ListCourses(ctx context.Context) ([]model.Course, error)
	GetCourse(ctx context.Context, id string) (*model.Course, error)
}

// EventPublisher публикует доменные события. Ошибки доставки обрабатывает сам издатель.
type EventPublisher interface {
	Publish(ctx context.Context, ev model.Event)
}

// ProjectionQueue принимает задачи на повторную выдачу доступа.
type ProjectionQueue interface {
	Enqueue(ctx context.Context, task model.ProjectionTask) error
}

// Idempotency ищет заказ по ключу идемпотентности в обход хранилища.
type Idempotency interface {
	Lookup(ctx context.Context, buyerID, key string) (string, bool, error)
	Remember(ctx context.Context, buyerID, key, orderID string) error
}

// Service содержит бизнес-логику движка прав доступа.
type Service struct {
	repo    Repository
	catalog Catalog
	logger  *zap.Logger

	events EventPublisher
	queue  ProjectionQueue
	idem   Idempotency

	now     func() time.Time
	metrics *metrics
}

// Option настраивает необязательные зависимости сервиса.
type Option func(*Service)

// WithEvents подключает публикацию доменных событий.
func WithEvents(p EventPublisher) Option {
	return func(s *Service) { s.events = p }
}

// WithProjectionQueue подключает очередь сверки записей на курсы.
func WithProjectionQueue(q ProjectionQueue) Option {
	return func(s *Service) { s.queue = q }
}

// WithIdempotency подключает кэш ключей идемпотентности заказов.
func WithIdempotency(i Idempotency) Option {
	return func(s *Service) { s.idem = i }
}

// WithClock подменяет источник текущего времени.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService создаёт сервис с указанным хранилищем и каталогом курсов.
func NewService(repo Repository, catalog Catalog, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Service{
		repo:    repo,
		catalog: catalog,
		logger:  logger,
		now:     time.Now,
		metrics: newMetrics(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

func (s *Service) clock() time.Time {
	return s.now().UTC()
}

func (s *Service) publish(ctx context.Context, ev model.Event) {
	if s.events == nil {
		return
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = s.clock()
	}
	s.events.Publish(ctx, ev)
}
