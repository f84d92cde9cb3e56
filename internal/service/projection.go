package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/mmeshcher/entitlement-engine/internal/model"
)

// reportProjection фиксирует несогласованность: пишет в лог, увеличивает счётчик и ставит задачу в очередь сверки.
// Ошибка пользователю не возвращается, потому что заказ или код уже изменены.
func (s *Service) reportProjection(ctx context.Context, task model.ProjectionTask, cause error) *model.InconsistentProjectionError {
	task.FailedAt = s.clock()
	perr := &model.InconsistentProjectionError{Task: task, Err: cause}

	s.metrics.projectionFailures.Add(ctx, 1)
	s.logger.Warn("enrollment projection failed",
		zap.String("user_id", task.UserID),
		zap.String("source", task.Source),
		zap.String("source_id", task.SourceID),
		zap.Strings("course_ids", task.CourseIDs),
		zap.Error(cause),
	)

	if s.queue != nil {
		if err := s.queue.Enqueue(ctx, task); err != nil {
			s.logger.Error("enqueue projection task", zap.Error(err),
				zap.String("source_id", task.SourceID))
		}
	}
	return perr
}

// resolveScope раскрывает область действия кода в список курсов.
func (s *Service) resolveScope(ctx context.Context, scope string) ([]string, error) {
	if scope != model.ScopeAll {
		return []string{scope}, nil
	}

	courses, err := s.catalog.ListCourses(ctx)
	if err != nil {
		return nil, fmt.Errorf("list catalog courses: %w", err)
	}
	ids := make([]string, 0, len(courses))
	for _, c := range courses {
		ids = append(ids, c.ID)
	}
	return ids, nil
}

// ReplayProjection повторяет выдачу доступа по задаче сверки. Повторный запуск безопасен.
func (s *Service) ReplayProjection(ctx context.Context, task model.ProjectionTask) error {
	if task.UserID == "" {
		return model.ErrInvalidIdentity
	}

	courseIDs := task.CourseIDs
	if len(courseIDs) == 0 && task.Scope != "" {
		ids, err := s.resolveScope(ctx, task.Scope)
		if err != nil {
			return err
		}
		courseIDs = ids
	}

	_, err := s.grantAll(ctx, task.UserID, courseIDs)
	return err
}

// ReconcileGaps находит права без записей на курсы и создаёт недостающие записи.
// Возвращает число созданных записей.
func (s *Service) ReconcileGaps(ctx context.Context, limit int) (int, error) {
	gaps, err := s.repo.ListProjectionGaps(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("list projection gaps: %w", err)
	}

	var (
		granted int
		errs    []error
	)
	for _, g := range gaps {
		if _, err := s.repo.UpsertEnrollment(ctx, g.UserID, g.CourseID, s.clock()); err != nil {
			errs = append(errs, err)
			continue
		}
		granted++
	}

	n, err := s.reconcileWildcards(ctx)
	granted += n
	if err != nil {
		errs = append(errs, err)
	}
	return granted, errors.Join(errs...)
}

// reconcileWildcards раскрывает коды на весь каталог по текущему списку курсов.
func (s *Service) reconcileWildcards(ctx context.Context) (int, error) {
	users, err := s.repo.ListWildcardRedeemers(ctx)
	if err != nil {
		return 0, fmt.Errorf("list wildcard redeemers: %w", err)
	}
	if len(users) == 0 {
		return 0, nil
	}

	courseIDs, err := s.resolveScope(ctx, model.ScopeAll)
	if err != nil {
		return 0, err
	}

	var (
		granted int
		errs    []error
	)
	for _, u := range users {
		for _, c := range courseIDs {
			ok, err := s.repo.EnrollmentExists(ctx, u, c)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if ok {
				continue
			}
			if _, err := s.repo.UpsertEnrollment(ctx, u, c, s.clock()); err != nil {
				errs = append(errs, err)
				continue
			}
			granted++
		}
	}
	return granted, errors.Join(errs...)
}
