package admin

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/maxpert/sitesync/telemetry"
	"github.com/rs/zerolog/log"
)

// NewRouter builds the admin API router
func NewRouter(handlers *AdminHandlers) chi.Router {
	r := chi.NewRouter()

	// Metrics stay unauthenticated for scrapers
	if metrics := telemetry.GetMetricsHandler(); metrics != nil {
		r.Handle("/metrics", metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(handlers.opts.Secret))

		r.Get("/status", handlers.handleStatus)
		r.Get("/cursors", handlers.handleCursors)
		r.Get("/processors", handlers.handleProcessors)
		r.Post("/processors/catchup", handlers.handleProcessorsCatchup)

		r.Route("/sync", func(r chi.Router) {
			r.Post("/trigger", handlers.handleTrigger)
			r.Post("/trigger/wait", handlers.handleTriggerAndWait)
			r.Post("/reset", handlers.handleSyncReset)
		})

		r.Post("/filesync/{action}", func(w http.ResponseWriter, r *http.Request) {
			handlers.handleFileSync(w, r, chi.URLParam(r, "action"))
		})

		r.Route("/buffer", func(r chi.Router) {
			r.Get("/errors", handlers.handleBufferErrors)
			r.Post("/requeue", handlers.handleBufferRequeue)
		})
	})

	return r
}

// RegisterRoutes mounts the admin API under /admin
func RegisterRoutes(mux *http.ServeMux, handlers *AdminHandlers) {
	r := NewRouter(handlers)

	mux.Handle("/admin", http.RedirectHandler("/admin/", http.StatusMovedPermanently))
	mux.Handle("/admin/", http.StripPrefix("/admin", r))

	log.Info().Msg("Admin endpoints enabled at /admin/*")
}
