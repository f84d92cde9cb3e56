package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/mmeshcher/entitlement-engine/internal/model"
	"github.com/mmeshcher/entitlement-engine/internal/repository"
	"github.com/mmeshcher/entitlement-engine/internal/validation"
)

const (
	maxCodesPerBatch = 1000
	issueAttempts    = 3
	// без 0/O и 1/I, чтобы код можно было продиктовать
	codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
)

// IssueCodesRequest описывает выпуск партии кодов активации.
type IssueCodesRequest struct {
	Scope     string
	Count     int
	ExpiresAt *time.Time
}

// IssueCodes выпускает партию кодов формата XXXX-XXXX.
func (s *Service) IssueCodes(ctx context.Context, admin model.AdminCapability, req IssueCodesRequest) ([]model.RedemptionCode, error) {
	if !admin.Valid() {
		return nil, model.ErrUnauthorized
	}
	if req.Count <= 0 || req.Count > maxCodesPerBatch {
		return nil, model.Validationf("count must be between 1 and %d", maxCodesPerBatch)
	}

	now := s.clock()
	if req.ExpiresAt != nil && !req.ExpiresAt.After(now) {
		return nil, model.Validationf("expiresAt must be in the future")
	}

	if req.Scope != model.ScopeAll {
		if !validation.IsValidID(req.Scope) {
			return nil, model.Validationf("invalid scope")
		}
		if _, err := s.catalog.GetCourse(ctx, req.Scope); err != nil {
			return nil, fmt.Errorf("course %s: %w", req.Scope, err)
		}
	}

	for attempt := 0; attempt < issueAttempts; attempt++ {
		codes, err := newCodeBatch(req, now)
		if err != nil {
			return nil, err
		}

		err = s.repo.CreateRedemptionCodes(ctx, codes)
		if err == nil {
			return codes, nil
		}
		if !errors.Is(err, repository.ErrDuplicateCode) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("issue codes: %w", repository.ErrDuplicateCode)
}

func newCodeBatch(req IssueCodesRequest, now time.Time) ([]model.RedemptionCode, error) {
	codes := make([]model.RedemptionCode, 0, req.Count)
	seen := make(map[string]struct{}, req.Count)

	for len(codes) < req.Count {
		c, err := generateCode()
		if err != nil {
			return nil, err
		}
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}

		codes = append(codes, model.RedemptionCode{
			Code:      c,
			Scope:     req.Scope,
			Status:    model.CodeStatusUnused,
			ExpiresAt: req.ExpiresAt,
			CreatedAt: now,
		})
	}
	return codes, nil
}

func generateCode() (string, error) {
	buf := make([]byte, 9)
	base := big.NewInt(int64(len(codeAlphabet)))
	for i := range buf {
		if i == 4 {
			buf[i] = '-'
			continue
		}
		n, err := rand.Int(rand.Reader, base)
		if err != nil {
			return "", fmt.Errorf("generate code: %w", err)
		}
		buf[i] = codeAlphabet[n.Int64()]
	}
	return string(buf), nil
}
