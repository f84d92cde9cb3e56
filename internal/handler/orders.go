package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mmeshcher/entitlement-engine/internal/model"
	"github.com/mmeshcher/entitlement-engine/internal/service"
)

const idempotencyHeader = "Idempotency-Key"

type submitOrderRequest struct {
	UserID        string            `json:"userId,omitempty"`
	Items         []model.OrderItem `json:"items"`
	Total         *int64            `json:"total,omitempty"`
	PaymentMethod string            `json:"paymentMethod,omitempty"`
	TransactionID *string           `json:"transactionId,omitempty"`
}

type decisionRequest struct {
	AdminID string `json:"adminId,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

type orderResponse struct {
	ID            string            `json:"id"`
	BuyerID       string            `json:"buyerId"`
	Items         []model.OrderItem `json:"items"`
	Total         int64             `json:"total"`
	PaymentMethod string            `json:"paymentMethod"`
	Status        string            `json:"status"`
	TransactionID *string           `json:"transactionId,omitempty"`
	DecidedBy     string            `json:"decidedBy,omitempty"`
	RejectReason  string            `json:"reason,omitempty"`
	CreatedAt     string            `json:"createdAt"`
	UpdatedAt     string            `json:"updatedAt"`
}

func toOrderResponse(o *model.Order) orderResponse {
	return orderResponse{
		ID:            o.ID,
		BuyerID:       o.BuyerID,
		Items:         o.Items,
		Total:         o.Total,
		PaymentMethod: o.PaymentMethod,
		Status:        string(o.Status),
		TransactionID: o.TransactionID,
		DecidedBy:     o.DecidedBy,
		RejectReason:  o.RejectReason,
		CreatedAt:     o.CreatedAt.Format(time.RFC3339),
		UpdatedAt:     o.UpdatedAt.Format(time.RFC3339),
	}
}

func toOrderList(orders []model.Order) []orderResponse {
	resp := make([]orderResponse, 0, len(orders))
	for i := range orders {
		resp = append(resp, toOrderResponse(&orders[i]))
	}
	return resp
}

// SubmitOrder принимает корзину целиком и создаёт заказ в статусе pending.
func (h *Handler) SubmitOrder(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}

	var req submitOrderRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, r, "submit order", err)
		return
	}

	buyerID, err := actingUser(p, req.UserID)
	if err != nil {
		h.writeError(w, r, "submit order", err)
		return
	}

	o, replayed, err := h.service.SubmitOrder(r.Context(), buyerID, service.SubmitOrderRequest{
		Items:          req.Items,
		Total:          req.Total,
		PaymentMethod:  req.PaymentMethod,
		TransactionID:  req.TransactionID,
		IdempotencyKey: r.Header.Get(idempotencyHeader),
	})
	if err != nil {
		h.writeError(w, r, "submit order", err)
		return
	}

	status := http.StatusCreated
	if replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, toOrderResponse(o))
}

// GetOrders возвращает заказы текущего пользователя.
func (h *Handler) GetOrders(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}

	orders, err := h.service.ListOrders(r.Context(), p.UserID)
	if err != nil {
		h.writeError(w, r, "get orders", err)
		return
	}

	if len(orders) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, toOrderList(orders))
}

// GetOrder возвращает заказ покупателю или администратору.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}

	o, err := h.service.GetOrder(r.Context(), p, chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, "get order", err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(o))
}

// ApproveOrder подтверждает оплату заказа.
func (h *Handler) ApproveOrder(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, r, "approve order", err)
		return
	}

	admin, ok := h.admin(w, r, req.AdminID)
	if !ok {
		return
	}

	o, err := h.service.ApproveOrder(r.Context(), admin, chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, "approve order", err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(o))
}

// RejectOrder отклоняет заказ с указанием причины.
func (h *Handler) RejectOrder(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, r, "reject order", err)
		return
	}

	admin, ok := h.admin(w, r, req.AdminID)
	if !ok {
		return
	}

	o, err := h.service.RejectOrder(r.Context(), admin, chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		h.writeError(w, r, "reject order", err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(o))
}

// ListOrdersByStatus возвращает очередь заказов для администратора. По умолчанию pending.
func (h *Handler) ListOrdersByStatus(w http.ResponseWriter, r *http.Request) {
	admin, ok := h.admin(w, r, "")
	if !ok {
		return
	}

	status := model.OrderStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = model.OrderStatusPending
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			h.writeError(w, r, "list orders", model.Validationf("invalid limit"))
			return
		}
		limit = n
	}

	orders, err := h.service.ListOrdersByStatus(r.Context(), admin, status, limit)
	if err != nil {
		h.writeError(w, r, "list orders", err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderList(orders))
}
