package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Router mounts the HTTP surface. metrics may be nil. mws run after the
// request id is assigned.
func Router(h *Handler, metrics http.Handler, mws ...func(http.Handler) http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(mws...)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/health", h.Health)

		r.Post("/notifications", h.SubmitNotification)
		r.Get("/notifications/{id}", h.GetNotification)
		r.Get("/dead-letters", h.ListDeadLetters)

		r.Get("/scheduler/status", h.SchedulerStatus)
		r.Post("/scheduler/start", h.SchedulerStart)
		r.Post("/scheduler/stop", h.SchedulerStop)

		r.Post("/dispatch/run", h.RunDispatch)
	})

	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("notification-dispatcher"))
	})

	return r
}
