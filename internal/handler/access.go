package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mmeshcher/entitlement-engine/internal/model"
)

type accessResponse struct {
	UserID    string `json:"userId"`
	CourseID  string `json:"courseId"`
	Status    string `json:"status"`
	HasAccess bool   `json:"hasAccess"`
	Source    string `json:"source,omitempty"`
}

// GetAccess возвращает статус доступа пользователя к курсу.
// Пользователь может спрашивать только о себе, администратор о любом пользователе.
func (h *Handler) GetAccess(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}

	userID := chi.URLParam(r, "userId")
	if userID != p.UserID && !p.IsAdmin() {
		h.writeError(w, r, "get access", model.ErrUnauthorized)
		return
	}

	d, err := h.service.EntitlementStatus(r.Context(), userID, chi.URLParam(r, "courseId"))
	if err != nil {
		h.writeError(w, r, "get access", err)
		return
	}

	writeJSON(w, http.StatusOK, accessResponse{
		UserID:    d.UserID,
		CourseID:  d.CourseID,
		Status:    string(d.Status),
		HasAccess: d.HasAccess(),
		Source:    d.Source,
	})
}

type enrollmentResponse struct {
	CourseID       string `json:"courseId"`
	EnrolledAt     string `json:"enrolledAt"`
	LastAccessedAt string `json:"lastAccessedAt"`
	IsCompleted    bool   `json:"isCompleted"`
}

func toEnrollmentResponse(e *model.Enrollment) enrollmentResponse {
	return enrollmentResponse{
		CourseID:       e.CourseID,
		EnrolledAt:     e.EnrolledAt.Format(time.RFC3339),
		LastAccessedAt: e.LastAccessedAt.Format(time.RFC3339),
		IsCompleted:    e.IsCompleted,
	}
}

// GetEnrollments возвращает записи текущего пользователя на курсы.
func (h *Handler) GetEnrollments(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}

	list, err := h.service.ListEnrollments(r.Context(), p.UserID)
	if err != nil {
		h.writeError(w, r, "get enrollments", err)
		return
	}

	if len(list) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]enrollmentResponse, 0, len(list))
	for i := range list {
		resp = append(resp, toEnrollmentResponse(&list[i]))
	}
	writeJSON(w, http.StatusOK, resp)
}

// TouchEnrollment отмечает обращение к курсу.
func (h *Handler) TouchEnrollment(w http.ResponseWriter, r *http.Request) {
	h.updateEnrollment(w, r, "touch enrollment", h.service.Touch)
}

// CompleteEnrollment отмечает курс пройденным.
func (h *Handler) CompleteEnrollment(w http.ResponseWriter, r *http.Request) {
	h.updateEnrollment(w, r, "complete enrollment", h.service.MarkCompleted)
}

func (h *Handler) updateEnrollment(w http.ResponseWriter, r *http.Request, op string,
	fn func(ctx context.Context, userID, courseID string) (*model.Enrollment, error)) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}

	e, err := fn(r.Context(), p.UserID, chi.URLParam(r, "courseId"))
	if err != nil {
		h.writeError(w, r, op, err)
		return
	}
	writeJSON(w, http.StatusOK, toEnrollmentResponse(e))
}
