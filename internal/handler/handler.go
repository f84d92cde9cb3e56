// Package handler содержит HTTP-обработчики API движка прав доступа.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/mmeshcher/entitlement-engine/internal/middleware"
	"github.com/mmeshcher/entitlement-engine/internal/model"
	"github.com/mmeshcher/entitlement-engine/internal/service"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	Redeem(ctx context.Context, code, userID string) (*service.RedeemResult, error)

	SubmitOrder(ctx context.Context, buyerID string, req service.SubmitOrderRequest) (*model.Order, bool, error)
	ApproveOrder(ctx context.Context, admin model.AdminCapability, orderID string) (*model.Order, error)
	RejectOrder(ctx context.Context, admin model.AdminCapability, orderID, reason string) (*model.Order, error)
	GetOrder(ctx context.Context, p model.Principal, orderID string) (*model.Order, error)
	ListOrders(ctx context.Context, buyerID string) ([]model.Order, error)
	ListOrdersByStatus(ctx context.Context, admin model.AdminCapability, status model.OrderStatus, limit int) ([]model.Order, error)

	EntitlementStatus(ctx context.Context, userID, courseID string) (model.AccessDecision, error)

	ListEnrollments(ctx context.Context, userID string) ([]model.Enrollment, error)
	Touch(ctx context.Context, userID, courseID string) (*model.Enrollment, error)
	MarkCompleted(ctx context.Context, userID, courseID string) (*model.Enrollment, error)

	IssueCodes(ctx context.Context, admin model.AdminCapability, req service.IssueCodesRequest) ([]model.RedemptionCode, error)
}

// Handler реализует HTTP-обработчики API движка прав доступа.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
	}
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// statusFor переводит ошибку доменной таксономии в HTTP-статус и код ошибки.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, model.ErrValidation):
		return http.StatusBadRequest, "ValidationError"
	case errors.Is(err, model.ErrInvalidIdentity):
		return http.StatusBadRequest, "InvalidIdentity"
	case errors.Is(err, model.ErrUnauthorized):
		return http.StatusForbidden, "Unauthorized"
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound, "NotFound"
	case errors.Is(err, model.ErrAlreadyRedeemed):
		return http.StatusConflict, "AlreadyRedeemed"
	case errors.Is(err, model.ErrInvalidTransition):
		return http.StatusConflict, "InvalidTransition"
	case errors.Is(err, model.ErrExpired):
		return http.StatusGone, "Expired"
	default:
		return http.StatusInternalServerError, "Internal"
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	status, code := statusFor(err)
	resp := errorResponse{Error: code}

	if status == http.StatusInternalServerError {
		h.logger.Error(op+" error", zap.Error(err), zap.String("path", r.URL.Path))
	} else {
		resp.Message = err.Error()
	}

	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeBody читает JSON-тело запроса. Пустое тело допустимо.
func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return model.Validationf("malformed request body: %v", err)
	}
	return nil
}

// principal возвращает пользователя запроса или отвечает 401.
func (h *Handler) principal(w http.ResponseWriter, r *http.Request) (model.Principal, bool) {
	p, ok := middleware.PrincipalFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return model.Principal{}, false
	}
	return p, true
}

// admin выдаёт право администратора один раз на границе запроса.
// Идентификатор из тела, если указан, должен совпадать с идентификатором из токена.
func (h *Handler) admin(w http.ResponseWriter, r *http.Request, claimedID string) (model.AdminCapability, bool) {
	p, ok := h.principal(w, r)
	if !ok {
		return model.AdminCapability{}, false
	}

	c, ok := p.Admin()
	if !ok || (claimedID != "" && claimedID != p.UserID) {
		h.writeError(w, r, "admin", model.ErrUnauthorized)
		return model.AdminCapability{}, false
	}
	return c, true
}

// actingUser проверяет, что пользователь действует от своего имени.
func actingUser(p model.Principal, claimedID string) (string, error) {
	if claimedID == "" || claimedID == p.UserID {
		return p.UserID, nil
	}
	return "", model.ErrUnauthorized
}
