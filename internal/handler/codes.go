package handler

import (
	"net/http"
	"time"

	"github.com/mmeshcher/entitlement-engine/internal/service"
)

type issueCodesRequest struct {
	Scope     string     `json:"scope"`
	Count     int        `json:"count"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

type codeResponse struct {
	Code      string  `json:"code"`
	Scope     string  `json:"scope"`
	Status    string  `json:"status"`
	ExpiresAt *string `json:"expiresAt,omitempty"`
}

// IssueCodes выпускает партию кодов активации.
func (h *Handler) IssueCodes(w http.ResponseWriter, r *http.Request) {
	var req issueCodesRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, r, "issue codes", err)
		return
	}

	admin, ok := h.admin(w, r, "")
	if !ok {
		return
	}

	codes, err := h.service.IssueCodes(r.Context(), admin, service.IssueCodesRequest{
		Scope:     req.Scope,
		Count:     req.Count,
		ExpiresAt: req.ExpiresAt,
	})
	if err != nil {
		h.writeError(w, r, "issue codes", err)
		return
	}

	resp := make([]codeResponse, 0, len(codes))
	for _, c := range codes {
		cr := codeResponse{Code: c.Code, Scope: c.Scope, Status: string(c.Status)}
		if c.ExpiresAt != nil {
			s := c.ExpiresAt.UTC().Format(time.RFC3339)
			cr.ExpiresAt = &s
		}
		resp = append(resp, cr)
	}
	writeJSON(w, http.StatusCreated, resp)
}
