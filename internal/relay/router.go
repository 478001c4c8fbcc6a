package relay

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// NewRouter wires the websocket streams and the HTTP API. Dashboard pages
// are served from staticDir when it is set.
func NewRouter(hub *Hub, api *APIHandler, staticDir string) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/device-stream", hub.ServeDevice)
	r.Get("/dashboard-stream", hub.ServeDashboard)
	r.Get("/health", api.HandleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Use(requestLogger(api.logger))
		r.Get("/stats", api.HandleStats)
		r.Get("/devices", api.HandleDevices)
		r.Route("/devices/{key}", func(r chi.Router) {
			r.Get("/latest", api.HandleLatest)
			r.Get("/recent", api.HandleRecent)
			if api.history != nil {
				r.Get("/history", api.HandleHistory)
				r.Get("/daily", api.HandleDailyStats)
			}
		})
	})

	if staticDir != "" {
		r.Handle("/*", http.FileServer(http.Dir(staticDir)))
	}
	return r
}

// requestLogger logs each API request through zerolog
func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug().
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Msg("API request")
		})
	}
}
