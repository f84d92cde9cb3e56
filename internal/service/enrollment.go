package service

import (
	"context"
	"errors"

	"github.com/mmeshcher/entitlement-engine/internal/model"
	"github.com/mmeshcher/entitlement-engine/internal/validation"
)

func validatePair(userID, courseID string) error {
	if !validation.IsValidID(userID) {
		return model.ErrInvalidIdentity
	}
	if !validation.IsValidID(courseID) {
		return model.Validationf("invalid course id")
	}
	return nil
}

// Grant идемпотентно записывает пользователя на курс. Повторный вызов обновляет только lastAccessedAt.
func (s *Service) Grant(ctx context.Context, userID, courseID string) (*model.Enrollment, error) {
	if err := validatePair(userID, courseID); err != nil {
		return nil, err
	}
	return s.repo.UpsertEnrollment(ctx, userID, courseID, s.clock())
}

// Touch отмечает обращение пользователя к курсу.
// Если записи ещё нет, но доступ подтверждён заказом или кодом, запись создаётся.
func (s *Service) Touch(ctx context.Context, userID, courseID string) (*model.Enrollment, error) {
	if err := validatePair(userID, courseID); err != nil {
		return nil, err
	}

	e, err := s.repo.TouchEnrollment(ctx, userID, courseID, s.clock())
	if errors.Is(err, model.ErrNotFound) {
		return s.grantIfEntitled(ctx, userID, courseID)
	}
	return e, err
}

// MarkCompleted отмечает курс пройденным.
func (s *Service) MarkCompleted(ctx context.Context, userID, courseID string) (*model.Enrollment, error) {
	if err := validatePair(userID, courseID); err != nil {
		return nil, err
	}

	e, err := s.repo.CompleteEnrollment(ctx, userID, courseID, s.clock())
	if !errors.Is(err, model.ErrNotFound) {
		return e, err
	}

	if _, err := s.grantIfEntitled(ctx, userID, courseID); err != nil {
		return nil, err
	}
	return s.repo.CompleteEnrollment(ctx, userID, courseID, s.clock())
}

// ListEnrollments возвращает записи пользователя на курсы.
func (s *Service) ListEnrollments(ctx context.Context, userID string) ([]model.Enrollment, error) {
	if !validation.IsValidID(userID) {
		return nil, model.ErrInvalidIdentity
	}
	return s.repo.ListEnrollments(ctx, userID)
}

func (s *Service) grantIfEntitled(ctx context.Context, userID, courseID string) (*model.Enrollment, error) {
	d, err := s.EntitlementStatus(ctx, userID, courseID)
	if err != nil {
		return nil, err
	}
	if !d.HasAccess() {
		return nil, model.ErrNotFound
	}
	return s.repo.UpsertEnrollment(ctx, userID, courseID, s.clock())
}

// grantAll выдаёт доступ ко всем курсам и возвращает курсы, запись на которые не удалась.
func (s *Service) grantAll(ctx context.Context, userID string, courseIDs []string) ([]string, error) {
	var (
		failed []string
		errs   []error
	)
	for _, id := range courseIDs {
		if _, err := s.repo.UpsertEnrollment(ctx, userID, id, s.clock()); err != nil {
			failed = append(failed, id)
			errs = append(errs, err)
		}
	}
	return failed, errors.Join(errs...)
}
