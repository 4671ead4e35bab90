package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/herald-sh/herald/internal/config"
	"github.com/herald-sh/herald/internal/ratelimit"
	"github.com/herald-sh/herald/internal/storage"
	"github.com/herald-sh/herald/internal/tunnel"
)

type Server struct {
	cfg     config.Config
	store   storage.Storage
	limiter ratelimit.Limiter
	tunnel  *tunnel.Server
	version string
	router  *chi.Mux
	log     zerolog.Logger
	http    *http.Server
}

func NewServer(cfg config.Config, store storage.Storage, limiter ratelimit.Limiter, tunnelServer *tunnel.Server, version string, log zerolog.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		store:   store,
		limiter: limiter,
		tunnel:  tunnelServer,
		version: version,
		log:     log,
	}
	s.router = s.buildRouter()
	return s
}

func (s *Server) buildRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(s.log))

	signalHandler := NewSignalHandler(s.store, s.cfg.API.IngestTimeout)
	webhookHandler := NewWebhookHandler(s.store)
	adminHandler := NewAdminHandler(s.store)

	// Liveness — no auth.
	r.Get("/health", s.health)

	// Tunnel upgrade; authentication happens in the protocol handshake.
	r.Get("/v1/tunnel", s.tunnel.Handle)

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(s.store, s.log))
		r.Use(RateLimitMiddleware(s.limiter, s.cfg.RateLimit, s.log))

		r.Post("/v1/channels/{id}/signals", signalHandler.Push)
		r.Get("/v1/channels/{id}/signals", signalHandler.List)
		r.Get("/v1/channels/{id}/stats", signalHandler.ChannelStats)

		r.Get("/v1/webhooks/{id}/deliveries", webhookHandler.ListDeliveries)

		r.Get("/v1/admin/dlq", adminHandler.ListDLQ)
		r.Post("/v1/admin/dlq/{id}/retry", adminHandler.RetryDLQ)
		r.Get("/v1/admin/signals/{id}", adminHandler.InspectSignal)
	})

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": s.version,
	})
}

func (s *Server) Router() http.Handler { return s.router }

func (s *Server) Start() error {
	s.http = &http.Server{
		Addr:         s.cfg.API.Bind,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		// Long-lived tunnel sockets are hijacked before the write timeout
		// applies; keep it off so the upgrade path is unaffected.
		WriteTimeout: 0,
	}

	s.log.Info().Str("addr", s.cfg.API.Bind).Msg("starting HTTP server")
	return s.http.ListenAndServe()
}

func (s *Server) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.http.Shutdown(ctx)
}
