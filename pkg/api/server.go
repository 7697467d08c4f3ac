package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/stackwatch/stackwatch/pkg/auth"
	"github.com/stackwatch/stackwatch/pkg/config"
	"github.com/stackwatch/stackwatch/pkg/log"
	"github.com/stackwatch/stackwatch/pkg/metrics"
	"github.com/stackwatch/stackwatch/pkg/ratelimit"
	"github.com/stackwatch/stackwatch/pkg/rules"
	"github.com/stackwatch/stackwatch/pkg/webhook"
)

// Server is the HTTP surface: the inbound webhook endpoint, the
// authenticated rule-management API, and the operational endpoints.
type Server struct {
	httpServer *http.Server
	logger     zerolog.Logger
}

// NewServer wires the router. The webhook route is rate-limited by client
// address; the management API authenticates first so the limiter can key
// on the token subject.
func NewServer(cfg *config.Config, intake *webhook.Handler, limiter *ratelimit.Limiter, authService *auth.Service, ruleService *rules.Service) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1/webhooks", func(r chi.Router) {
		r.Use(limiter.Middleware)
		r.Method(http.MethodPost, "/chain", intake)
	})

	r.Route("/v1/rules", func(r chi.Router) {
		r.Use(authService.Middleware)
		r.Use(limiter.Middleware)
		h := &ruleHandler{service: ruleService}
		r.Post("/", h.create)
		r.Get("/{id}", h.get)
		r.Put("/{id}", h.update)
		r.Delete("/{id}", h.delete)
		r.Post("/{id}/active", h.setActive)
	})

	r.Route("/v1/session", func(r chi.Router) {
		r.Use(authService.Middleware)
		r.Use(limiter.Middleware)
		h := &sessionHandler{service: authService}
		r.Post("/logout", h.logout)
	})

	return &Server{
		httpServer: &http.Server{
			Addr:              cfg.ListenAddr,
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       2 * time.Minute,
		},
		logger: log.WithComponent("api"),
	}
}

// ListenAndServe runs the server until Shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.Info().Str("addr", s.httpServer.Addr).Msg("http server listening")
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
