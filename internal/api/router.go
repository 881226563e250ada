package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// healthCheckTimeout bounds each backend probe on the health endpoint.
const healthCheckTimeout = 2 * time.Second

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestIDMiddleware)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(cors.Handler(s.corsOptions()))
	r.Use(s.bodySizeLimitMiddleware)

	r.Get(s.wsPath(), s.handleWebSocket)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/metrics", s.handleMetrics)

		r.Route("/printers", func(r chi.Router) {
			r.Get("/", s.handleListPrinters)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetPrinter)
				r.Get("/history", s.handlePrinterHistory)
				r.Post("/reconnect", s.handleReconnect)
			})
		})

		r.Route("/auth", func(r chi.Router) {
			r.Get("/status", s.handleAuthStatus)
			r.Post("/login", s.handleLogin)
			r.Post("/verify-code", s.handleVerifyCode)
			r.Post("/two-factor", s.handleTwoFactor)
		})
	})

	return r
}

func (s *Server) wsPath() string {
	if s.wsCfg.Path == "" {
		return "/ws"
	}
	return s.wsCfg.Path
}

// handleHealth reports the fleet summary and the state of optional backends.
// Any failing backend turns the response into 503.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	backends := make(map[string]string, len(s.checks))
	for name, c := range s.checks {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		err := c.HealthCheck(ctx)
		cancel()
		if err != nil {
			backends[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		backends[name] = "ok"
	}

	body := map[string]any{
		"status":    "ok",
		"version":   s.version,
		"printers":  s.fleet.Stats(),
		"clients":   s.hub.ClientCount(),
		"backends":  backends,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if status != http.StatusOK {
		body["status"] = "degraded"
	}
	writeJSON(w, status, body)
}
