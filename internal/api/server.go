// Package api serves the query and review surface over HTTP: conflict and
// resolution queries, escalation case actions, cycle triggers, and a
// websocket event feed.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"lerian-regulatory-engine/internal/analytics"
	"lerian-regulatory-engine/internal/config"
	"lerian-regulatory-engine/internal/engine"
	"lerian-regulatory-engine/internal/escalation"
	"lerian-regulatory-engine/internal/events"
	"lerian-regulatory-engine/internal/logging"
	"lerian-regulatory-engine/internal/storage"
)

// Server hosts the engine's HTTP surface.
type Server struct {
	cfg         config.ServerConfig
	engine      *engine.Engine
	conflicts   storage.ConflictStore
	resolutions storage.ResolutionStore
	cases       storage.EscalationStore
	manager     *escalation.Manager
	recorder    *analytics.Recorder
	bus         *events.Bus
	logger      logging.Logger

	httpServer *http.Server
}

// NewServer wires the HTTP server. The bus may be nil; the event feed then
// reports unavailable.
func NewServer(cfg config.ServerConfig, eng *engine.Engine, conflicts storage.ConflictStore, resolutions storage.ResolutionStore, cases storage.EscalationStore, manager *escalation.Manager, recorder *analytics.Recorder, bus *events.Bus, logger logging.Logger) *Server {
	s := &Server{
		cfg:         cfg,
		engine:      eng,
		conflicts:   conflicts,
		resolutions: resolutions,
		cases:       cases,
		manager:     manager,
		recorder:    recorder,
		bus:         bus,
		logger:      logger,
	}

	readTimeout := time.Duration(cfg.ReadTimeout) * time.Second
	writeTimeout := time.Duration(cfg.WriteTimeout) * time.Second
	if readTimeout <= 0 {
		readTimeout = 30 * time.Second
	}
	if writeTimeout <= 0 {
		writeTimeout = 30 * time.Second
	}

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.routes(),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/ping"))
	r.Use(s.logRequests)

	r.Get("/healthz", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		// The event feed holds its connection open; the request timeout
		// covers everything else.
		r.Get("/events", s.handleEventFeed)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(60 * time.Second))

			r.Post("/cycles", s.handleRunCycle)

			r.Route("/conflicts", func(r chi.Router) {
				r.Get("/", s.handleListConflicts)
				r.Get("/{id}", s.handleGetConflict)
				r.Get("/{id}/resolutions", s.handleConflictResolutions)
			})

			r.Get("/resolutions", s.handleListResolutions)

			r.Route("/escalations", func(r chi.Router) {
				r.Get("/", s.handleListCases)
				r.Get("/{id}", s.handleGetCase)
				r.Post("/{id}/ack", s.handleAckCase)
				r.Post("/{id}/review", s.handleReviewCase)
				r.Post("/{id}/close", s.handleCloseCase)
			})

			r.Get("/stats", s.handleStats)
		})
	})

	return r
}

// Start begins serving and blocks until the listener fails or closes.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the routed handler for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("request served",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start))
	})
}
