// Package api exposes ingestion, retrieval and chat over HTTP.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/ory/herodot"

	"rag-chatbot/internal/auth"
	"rag-chatbot/internal/chat"
	"rag-chatbot/internal/config"
	apperrors "rag-chatbot/internal/errors"
	"rag-chatbot/internal/ingest"
	"rag-chatbot/internal/models"
	"rag-chatbot/internal/permissions"
	"rag-chatbot/internal/storage"
)

// HealthCheck probes one dependency for /health?deep=1.
type HealthCheck func(ctx context.Context) error

// Dependencies are the services the server routes to.
type Dependencies struct {
	Config      *config.Config
	Store       storage.Store
	Ingest      *ingest.Service
	Chat        *chat.Orchestrator
	Retriever   chat.ContextRetriever
	Permissions permissions.PermissionChecker
	Checks      map[string]HealthCheck
	Logger      *slog.Logger
}

type Server struct {
	router      chi.Router
	cfg         *config.Config
	store       storage.Store
	ingest      *ingest.Service
	chat        *chat.Orchestrator
	retriever   chat.ContextRetriever
	permService permissions.PermissionChecker
	checks      map[string]HealthCheck
	writer      *herodot.JSONWriter
	errors      *apperrors.ErrorHandler
	auth        *auth.Middleware
	logger      *slog.Logger
}

func NewServer(deps Dependencies) *Server {
	writer := herodot.NewJSONWriter(nil)
	errorHandler := apperrors.NewErrorHandler(deps.Config, writer, deps.Logger)
	s := &Server{
		router:      chi.NewRouter(),
		cfg:         deps.Config,
		store:       deps.Store,
		ingest:      deps.Ingest,
		chat:        deps.Chat,
		retriever:   deps.Retriever,
		permService: deps.Permissions,
		checks:      deps.Checks,
		writer:      writer,
		errors:      errorHandler,
		auth:        auth.NewMiddleware(deps.Config.Security, errorHandler),
		logger:      deps.Logger.With("component", "api"),
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.Server.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", auth.SessionHeader},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(s.auth.Identify)

	r.Get("/health", s.healthCheck)

	// Guests may chat and manage their own conversations.
	r.Post("/chat", s.sendMessage)
	r.Post("/chat/stream", s.streamMessage)
	r.Get("/conversations/{id}/messages", s.listMessages)
	r.Post("/conversations/{id}/feedback", s.submitFeedback)
	r.Get("/guardrails", s.getGuardrails)

	r.Group(func(protected chi.Router) {
		protected.Use(s.auth.RequireUser)
		protected.Get("/documents", s.listDocuments)
		protected.Get("/documents/{id}", s.getDocument)
		protected.Post("/search", s.search)

		protected.Group(func(admin chi.Router) {
			admin.Use(s.requireAdmin)
			admin.Post("/documents", s.uploadDocument)
			admin.Post("/documents/{id}/reprocess", s.reprocessDocument)
			admin.Patch("/documents/{id}", s.updateDocument)
			admin.Delete("/documents/{id}", s.deleteDocument)
			admin.Put("/guardrails", s.updateGuardrails)
		})
	})
}

// Handler returns the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr(),
		Handler:           s.router,
		ReadTimeout:       config.Seconds(s.cfg.Server.ReadTimeout),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      config.Seconds(s.cfg.Server.WriteTimeout),
		TLSConfig:         s.cfg.GetTLSConfig(),
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "addr", srv.Addr, "tls", s.cfg.Server.TLS.Enabled)
		var err error
		if s.cfg.Server.TLS.Enabled {
			err = srv.ListenAndServeTLS(s.cfg.Server.TLS.CertFile, s.cfg.Server.TLS.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username := auth.GetUserFromContext(r.Context())
		if !s.permService.IsAdmin(username) {
			s.errors.HandleAuthorizationError(w, r, errors.New("user "+username+" is not an admin"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Info("request",
			"request_id", middleware.GetReqID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"remote_ip", r.RemoteAddr,
		)
	})
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	response := &models.HealthResponse{Status: "healthy"}
	if r.URL.Query().Get("deep") != "1" {
		s.writer.Write(w, r, response)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	response.Services = make(map[string]string, len(s.checks)+1)
	code := http.StatusOK
	checks := map[string]HealthCheck{"database": s.store.Ping}
	for name, check := range s.checks {
		checks[name] = check
	}
	for name, check := range checks {
		if err := check(ctx); err != nil {
			s.logger.Warn("health check failed", "service", name, "error", err)
			response.Services[name] = "unavailable"
			response.Status = "degraded"
			code = http.StatusServiceUnavailable
			continue
		}
		response.Services[name] = "ok"
	}
	s.writer.WriteCode(w, r, code, response)
}
