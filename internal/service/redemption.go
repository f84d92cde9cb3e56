package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/mmeshcher/entitlement-engine/internal/model"
	"github.com/mmeshcher/entitlement-engine/internal/validation"
)

// RedeemResult описывает итог успешного погашения кода.
type RedeemResult struct {
	Code      string
	Scope     string
	CourseIDs []string
	// Projection заполняется, если запись на часть курсов не удалась и поставлена на сверку.
	Projection *model.InconsistentProjectionError
}

// Redeem погашает код активации и записывает пользователя на курсы из области действия кода.
// Погашение выполняется одной условной записью: из параллельных попыток успешна ровно одна.
func (s *Service) Redeem(ctx context.Context, code, userID string) (*RedeemResult, error) {
	ctx, span := tracer.Start(ctx, "service.Redeem")
	defer span.End()

	res, err := s.redeem(ctx, validation.NormalizeCode(code), userID)

	outcome := redeemOutcome(err)
	span.SetAttributes(attribute.String("redeem.outcome", outcome))
	if err != nil && outcome == "error" {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	s.metrics.redemptions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))

	return res, err
}

func (s *Service) redeem(ctx context.Context, code, userID string) (*RedeemResult, error) {
	if !validation.IsValidID(userID) {
		return nil, model.ErrInvalidIdentity
	}
	if code == "" {
		return nil, model.Validationf("code is required")
	}
	if !validation.IsValidCode(code) {
		return nil, fmt.Errorf("%w: code", model.ErrNotFound)
	}

	now := s.clock()
	c, applied, err := s.repo.RedeemCode(ctx, code, userID, now)
	if err != nil {
		return nil, err
	}
	if !applied {
		return nil, classifyRedeemMiss(c, now)
	}

	res := &RedeemResult{Code: c.Code, Scope: c.Scope}
	task := model.ProjectionTask{
		Source:   model.SourceRedemption,
		SourceID: c.Code,
		UserID:   userID,
		Scope:    c.Scope,
	}

	courseIDs, err := s.resolveScope(ctx, c.Scope)
	if err != nil {
		res.Projection = s.reportProjection(ctx, task, err)
	} else {
		res.CourseIDs = courseIDs
		if failed, gerr := s.grantAll(ctx, userID, courseIDs); gerr != nil {
			task.CourseIDs = failed
			res.Projection = s.reportProjection(ctx, task, gerr)
		}
	}

	s.publish(ctx, model.Event{
		Type:       model.EventCodeRedeemed,
		Key:        userID,
		OccurredAt: now,
		Payload: model.CodeRedeemedPayload{
			Code:      c.Code,
			Scope:     c.Scope,
			UserID:    userID,
			CourseIDs: courseIDs,
		},
	})
	return res, nil
}

// classifyRedeemMiss объясняет, почему условная запись не применилась.
func classifyRedeemMiss(c *model.RedemptionCode, now time.Time) error {
	switch {
	case c.Status == model.CodeStatusRedeemed:
		return model.ErrAlreadyRedeemed
	case c.Status == model.CodeStatusExpired, c.ExpiredAt(now):
		return model.ErrExpired
	default:
		return model.ErrAlreadyRedeemed
	}
}

func redeemOutcome(err error) string {
	switch {
	case err == nil:
		return "granted"
	case errors.Is(err, model.ErrAlreadyRedeemed):
		return "already_redeemed"
	case errors.Is(err, model.ErrExpired):
		return "expired"
	case errors.Is(err, model.ErrNotFound):
		return "not_found"
	case errors.Is(err, model.ErrValidation), errors.Is(err, model.ErrInvalidIdentity):
		return "invalid"
	default:
		return "error"
	}
}
