// Package httpapi assembles the Mutation API's REST surface and the Live
// Stream WebSocket attach endpoint behind one chi router, grounded on the
// teacher's internal/infrastructure/http.setupRouter layout: global
// middleware first, then an authenticated route group mounting the
// resource handlers.
package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/taskforge/taskforge/internal/httpapi/handler"
	mw "github.com/taskforge/taskforge/internal/httpapi/middleware"
)

// DefaultMaxBodyBytes bounds a single request body (spec §9: no field-level
// size limit beyond title/tag lengths already enforced by the domain
// package, but the transport still needs a hard ceiling against abuse).
const DefaultMaxBodyBytes = 1 << 20 // 1 MiB

// Config configures the router.
type Config struct {
	JWTHMACSecret []byte
	MaxBodyBytes  int64
}

// NewRouter builds the full chi.Mux: health check unauthenticated, task
// CRUD behind bearer-JWT auth, and the Live Stream attach endpoint behind
// query-token auth.
func NewRouter(tasks *handler.Tasks, liveHandler *handler.Live, cfg Config) *chi.Mux {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(mw.MaxBodyBytes(cfg.MaxBodyBytes))

	r.Get("/health", healthCheck)

	r.Route("/tasks", func(r chi.Router) {
		r.Use(mw.Auth(cfg.JWTHMACSecret))
		r.Post("/", tasks.Create)
		r.Get("/", tasks.List)
		r.Patch("/{taskID}", tasks.Update)
		r.Post("/{taskID}/complete", tasks.Complete)
		r.Delete("/{taskID}", tasks.Delete)
	})

	r.Route("/live", func(r chi.Router) {
		r.Use(mw.AuthQuery(cfg.JWTHMACSecret))
		r.Get("/", liveHandler.Attach)
	})

	return r
}

func healthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
