package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/mmeshcher/entitlement-engine/internal/model"
	"github.com/mmeshcher/entitlement-engine/internal/validation"
)

const (
	maxOrderItems   = 50
	defaultListSize = 100
)

// SubmitOrderRequest описывает черновик корзины, присланный покупателем целиком.
type SubmitOrderRequest struct {
	Items          []model.OrderItem
	Total          *int64
	PaymentMethod  string
	TransactionID  *string
	IdempotencyKey string
}

func (r SubmitOrderRequest) validate() error {
	if len(r.Items) == 0 {
		return model.Validationf("order must contain at least one item")
	}
	if len(r.Items) > maxOrderItems {
		return model.Validationf("too many items")
	}

	seen := make(map[string]struct{}, len(r.Items))
	for _, it := range r.Items {
		if !validation.IsValidID(it.CourseID) {
			return model.Validationf("invalid course id")
		}
		if it.Price < 0 {
			return model.Validationf("price must be non-negative")
		}
		if _, dup := seen[it.CourseID]; dup {
			return model.Validationf("duplicate course %s", it.CourseID)
		}
		seen[it.CourseID] = struct{}{}
	}

	if r.Total != nil && *r.Total != model.SumItems(r.Items) {
		return model.Validationf("total %d does not match sum of items %d", *r.Total, model.SumItems(r.Items))
	}
	if r.IdempotencyKey != "" && !validation.IsValidID(r.IdempotencyKey) {
		return model.Validationf("invalid idempotency key")
	}
	if r.TransactionID != nil && !validation.IsValidID(*r.TransactionID) {
		return model.Validationf("invalid transaction id")
	}
	return nil
}

// SubmitOrder создаёт заказ в статусе pending. Цены сверяются с каталогом.
// При повторе с тем же ключом идемпотентности возвращается исходный заказ и replayed=true.
func (s *Service) SubmitOrder(ctx context.Context, buyerID string, req SubmitOrderRequest) (*model.Order, bool, error) {
	ctx, span := tracer.Start(ctx, "service.SubmitOrder")
	defer span.End()

	if !validation.IsValidID(buyerID) {
		return nil, false, model.ErrInvalidIdentity
	}
	if err := req.validate(); err != nil {
		return nil, false, err
	}

	if o, ok := s.lookupIdempotent(ctx, buyerID, req.IdempotencyKey); ok {
		return o, true, nil
	}

	if err := s.checkPrices(ctx, req.Items); err != nil {
		return nil, false, err
	}

	method := req.PaymentMethod
	if method == "" {
		method = model.DefaultPaymentMethod
	}

	now := s.clock()
	order := &model.Order{
		ID:             uuid.NewString(),
		BuyerID:        buyerID,
		Items:          req.Items,
		Total:          model.SumItems(req.Items),
		PaymentMethod:  method,
		Status:         model.OrderStatusPending,
		TransactionID:  req.TransactionID,
		IdempotencyKey: req.IdempotencyKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	created, existed, err := s.repo.CreateOrder(ctx, order)
	if err != nil {
		return nil, false, err
	}
	span.SetAttributes(attribute.String("order.id", created.ID), attribute.Bool("order.replayed", existed))

	if req.IdempotencyKey != "" && s.idem != nil {
		if err := s.idem.Remember(ctx, buyerID, req.IdempotencyKey, created.ID); err != nil {
			s.logger.Warn("remember idempotency key", zap.Error(err))
		}
	}
	if !existed {
		s.publish(ctx, orderEvent(model.EventOrderSubmitted, created))
	}
	return created, existed, nil
}

func (s *Service) lookupIdempotent(ctx context.Context, buyerID, key string) (*model.Order, bool) {
	if key == "" || s.idem == nil {
		return nil, false
	}

	id, ok, err := s.idem.Lookup(ctx, buyerID, key)
	if err != nil {
		s.logger.Warn("lookup idempotency key", zap.Error(err))
		return nil, false
	}
	if !ok {
		return nil, false
	}

	o, err := s.repo.GetOrder(ctx, id)
	if err != nil || o.BuyerID != buyerID {
		return nil, false
	}
	return o, true
}

// checkPrices сверяет цены позиций с каталогом: клиентская корзина не является источником цен.
func (s *Service) checkPrices(ctx context.Context, items []model.OrderItem) error {
	for _, it := range items {
		c, err := s.catalog.GetCourse(ctx, it.CourseID)
		if err != nil {
			if errors.Is(err, model.ErrNotFound) {
				return fmt.Errorf("course %s: %w", it.CourseID, model.ErrNotFound)
			}
			return fmt.Errorf("get course %s: %w", it.CourseID, err)
		}
		if c.Price != it.Price {
			return model.Validationf("price of course %s is %d, got %d", it.CourseID, c.Price, it.Price)
		}
	}
	return nil
}

// ApproveOrder переводит заказ в completed и записывает покупателя на курсы заказа.
// Повторное подтверждение возвращает текущий заказ без ошибки.
func (s *Service) ApproveOrder(ctx context.Context, admin model.AdminCapability, orderID string) (*model.Order, error) {
	o, applied, err := s.transition(ctx, admin, orderID, model.OrderStatusCompleted, "")
	if err != nil || !applied {
		return o, err
	}

	if failed, gerr := s.grantAll(ctx, o.BuyerID, o.CourseIDs()); gerr != nil {
		s.reportProjection(ctx, model.ProjectionTask{
			Source:    model.SourceOrder,
			SourceID:  o.ID,
			UserID:    o.BuyerID,
			CourseIDs: failed,
		}, gerr)
	}

	s.publish(ctx, orderEvent(model.EventOrderApproved, o))
	return o, nil
}

// RejectOrder переводит заказ в rejected с указанной причиной.
func (s *Service) RejectOrder(ctx context.Context, admin model.AdminCapability, orderID, reason string) (*model.Order, error) {
	if !validation.IsValidReason(reason) {
		return nil, model.Validationf("reason is too long")
	}

	o, applied, err := s.transition(ctx, admin, orderID, model.OrderStatusRejected, reason)
	if err != nil || !applied {
		return o, err
	}

	s.publish(ctx, orderEvent(model.EventOrderRejected, o))
	return o, nil
}

// transition выполняет условный переход pending -> to и разбирает отказ.
func (s *Service) transition(ctx context.Context, admin model.AdminCapability, orderID string, to model.OrderStatus, reason string) (*model.Order, bool, error) {
	ctx, span := tracer.Start(ctx, "service.TransitionOrder")
	defer span.End()
	span.SetAttributes(attribute.String("order.id", orderID), attribute.String("order.to", string(to)))

	if !admin.Valid() {
		return nil, false, model.ErrUnauthorized
	}
	if !validation.IsValidID(orderID) {
		return nil, false, model.Validationf("invalid order id")
	}

	o, applied, err := s.repo.TransitionOrder(ctx, orderID, to, admin.AdminID(), reason, s.clock())
	if err != nil {
		return nil, false, err
	}

	if !applied {
		if o.Status == to {
			return o, false, nil
		}
		return nil, false, fmt.Errorf("order %s is %s: %w", o.ID, o.Status, model.ErrInvalidTransition)
	}

	s.metrics.orderTransitions.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(to))))
	return o, true, nil
}

// GetOrder возвращает заказ покупателю или администратору. Для остальных заказ не существует.
func (s *Service) GetOrder(ctx context.Context, p model.Principal, orderID string) (*model.Order, error) {
	if !validation.IsValidID(orderID) {
		return nil, model.Validationf("invalid order id")
	}

	o, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.BuyerID != p.UserID && !p.IsAdmin() {
		return nil, model.ErrNotFound
	}
	return o, nil
}

// ListOrders возвращает заказы покупателя, новые первыми.
func (s *Service) ListOrders(ctx context.Context, buyerID string) ([]model.Order, error) {
	if !validation.IsValidID(buyerID) {
		return nil, model.ErrInvalidIdentity
	}
	return s.repo.ListOrdersByBuyer(ctx, buyerID)
}

// ListOrdersByStatus возвращает очередь заказов для администратора.
func (s *Service) ListOrdersByStatus(ctx context.Context, admin model.AdminCapability, status model.OrderStatus, limit int) ([]model.Order, error) {
	if !admin.Valid() {
		return nil, model.ErrUnauthorized
	}
	switch status {
	case model.OrderStatusPending, model.OrderStatusCompleted, model.OrderStatusRejected:
	default:
		return nil, model.Validationf("unknown status %q", status)
	}
	if limit <= 0 || limit > defaultListSize {
		limit = defaultListSize
	}
	return s.repo.ListOrdersByStatus(ctx, status, limit)
}

func orderEvent(eventType string, o *model.Order) model.Event {
	return model.Event{
		Type:       eventType,
		Key:        o.ID,
		OccurredAt: o.UpdatedAt,
		Payload: model.OrderEventPayload{
			OrderID:   o.ID,
			BuyerID:   o.BuyerID,
			Status:    string(o.Status),
			CourseIDs: o.CourseIDs(),
			Total:     o.Total,
			DecidedBy: o.DecidedBy,
			Reason:    o.RejectReason,
		},
	}
}
