package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	custommiddleware "github.com/mmeshcher/entitlement-engine/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware движка прав доступа.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Group(func(r chi.Router) {
		r.Use(h.authMiddleware.Middleware)

		r.Post("/redemption/redeem", h.Redeem)

		r.Post("/orders", h.SubmitOrder)
		r.Get("/orders", h.GetOrders)
		r.Get("/orders/{id}", h.GetOrder)

		r.Get("/access/{userId}/{courseId}", h.GetAccess)

		r.Get("/enrollments", h.GetEnrollments)
		r.Post("/enrollments/{courseId}/touch", h.TouchEnrollment)
		r.Post("/enrollments/{courseId}/complete", h.CompleteEnrollment)

		r.Route("/admin", func(r chi.Router) {
			r.Use(custommiddleware.RequireAdmin)

			r.Get("/orders", h.ListOrdersByStatus)
			r.Post("/orders/{id}/approve", h.ApproveOrder)
			r.Post("/orders/{id}/reject", h.RejectOrder)
			r.Post("/codes", h.IssueCodes)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
