package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health", h.HealthCheck)

	r.Route("/tasks", func(r chi.Router) {
		r.Post("/", h.CreateTask)
		r.Get("/", h.ListTasks)
		r.Get("/stats", h.Stats)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.GetTask)
			r.Delete("/", h.DeleteTask)
			r.Post("/execute", h.ExecuteTask)
			r.Post("/cancel", h.CancelTask)
			r.Get("/logs", h.GetLogs)
			r.Post("/logs", h.AppendLog)
		})
	})

	return r
}
