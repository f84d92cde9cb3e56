package handler

import (
	"net/http"
)

type redeemRequest struct {
	Code   string `json:"code"`
	UserID string `json:"userId,omitempty"`
}

type redeemResponse struct {
	Granted []string `json:"granted"`
	Scope   string   `json:"scope"`
	// EnrollmentPending означает, что код погашен, но записи на курсы ещё создаются сверкой.
	// При коде на весь каталог и недоступном каталоге Granted в этом случае пуст.
	EnrollmentPending bool `json:"enrollmentPending"`
}

// Redeem погашает код активации для текущего пользователя.
func (h *Handler) Redeem(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}

	var req redeemRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, r, "redeem", err)
		return
	}

	userID, err := actingUser(p, req.UserID)
	if err != nil {
		h.writeError(w, r, "redeem", err)
		return
	}

	res, err := h.service.Redeem(r.Context(), req.Code, userID)
	if err != nil {
		h.writeError(w, r, "redeem", err)
		return
	}

	granted := res.CourseIDs
	if granted == nil {
		granted = []string{}
	}
	writeJSON(w, http.StatusOK, redeemResponse{
		Granted:           granted,
		Scope:             res.Scope,
		EnrollmentPending: res.Projection != nil,
	})
}
