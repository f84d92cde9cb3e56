package service

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/mmeshcher/entitlement-engine/internal/model"
)

// EntitlementStatus вычисляет право доступа пользователя к курсу.
// Порядок сигналов: запись на курс, подтверждённый заказ, погашенный код, заказ в ожидании.
// Код на весь каталог учитывается только для курсов из каталога.
// Сбой одного источника не мешает остальным: ошибка возвращается, только если доступ не подтверждён.
func (s *Service) EntitlementStatus(ctx context.Context, userID, courseID string) (model.AccessDecision, error) {
	ctx, span := tracer.Start(ctx, "service.EntitlementStatus")
	defer span.End()

	d := model.AccessDecision{UserID: userID, CourseID: courseID, Status: model.EntitlementNone}
	if err := validatePair(userID, courseID); err != nil {
		return d, err
	}

	var errs []error
	granted := func(source string) (model.AccessDecision, error) {
		d.Status = model.EntitlementGranted
		d.Source = source
		span.SetAttributes(attribute.String("access.source", source))
		return d, nil
	}

	enrolled, err := s.repo.EnrollmentExists(ctx, userID, courseID)
	if err != nil {
		errs = append(errs, fmt.Errorf("enrollment lookup: %w", err))
	} else if enrolled {
		return granted(model.SourceEnrollment)
	}

	pending := false
	statuses, err := s.repo.OrderStatusesForCourse(ctx, userID, courseID)
	if err != nil {
		errs = append(errs, fmt.Errorf("order lookup: %w", err))
	}
	for _, st := range statuses {
		switch st {
		case model.OrderStatusCompleted:
			return granted(model.SourceOrder)
		case model.OrderStatusPending:
			pending = true
		}
	}

	redeemed, err := s.redeemedCodeCovers(ctx, userID, courseID)
	if err != nil {
		errs = append(errs, fmt.Errorf("redemption lookup: %w", err))
	} else if redeemed {
		return granted(model.SourceRedemption)
	}

	if len(errs) > 0 {
		err := errors.Join(errs...)
		span.RecordError(err)
		return d, err
	}

	if pending {
		d.Status = model.EntitlementPendingApproval
		d.Source = model.SourceOrder
	}
	return d, nil
}

// HasAccess сообщает, открыт ли пользователю доступ к курсу.
func (s *Service) HasAccess(ctx context.Context, userID, courseID string) (bool, error) {
	d, err := s.EntitlementStatus(ctx, userID, courseID)
	if err != nil {
		return false, err
	}
	return d.HasAccess(), nil
}

// redeemedCodeCovers ищет погашенный пользователем код на курс. Код на весь каталог
// открывает только курсы, которые есть в каталоге.
func (s *Service) redeemedCodeCovers(ctx context.Context, userID, courseID string) (bool, error) {
	codes, err := s.repo.RedeemedCodesFor(ctx, userID, courseID)
	if err != nil {
		return false, err
	}

	wildcard := false
	for _, c := range codes {
		if !c.Covers(courseID) {
			continue
		}
		if c.Scope != model.ScopeAll {
			return true, nil
		}
		wildcard = true
	}
	if !wildcard {
		return false, nil
	}

	if _, err := s.catalog.GetCourse(ctx, courseID); err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("catalog lookup: %w", err)
	}
	return true, nil
}
