// Package server exposes the evaluate service over plain HTTP for local and
// container deployments.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"marketsense/internal/api"
	"marketsense/internal/config"
)

type Server struct {
	cfg    config.ServerConfig
	router *chi.Mux
	uc     api.Evaluator
	logger *slog.Logger
}

func New(cfg config.ServerConfig, uc api.Evaluator, logger *slog.Logger) (*Server, error) {
	if uc == nil {
		return nil, errors.New("server: evaluator must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:    cfg,
		router: chi.NewRouter(),
		uc:     uc,
		logger: logger,
	}
	s.setupRoutes()
	return s, nil
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	if s.cfg.WriteTimeout > 0 {
		s.router.Use(middleware.Timeout(s.cfg.WriteTimeout))
	}

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Post("/evaluate", s.handleEvaluate)
		r.Get("/runs/{runID}", s.handleGetRun)
		r.Get("/health", s.handleHealth)
	})
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req api.EvaluateRequest
	if err := api.DecodeRequest(r.Body, &req); err != nil {
		s.logger.Warn("invalid request body", "request_id", middleware.GetReqID(r.Context()), "err", err)
		writeJSON(w, http.StatusBadRequest, api.InvalidBody())
		return
	}

	out, err := s.uc.Evaluate(r.Context(), req.Input())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.NewEvaluateResponse(out))
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.uc.GetRun(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, body := api.ErrorStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "request_id", middleware.GetReqID(r.Context()), "code", body.Error, "err", err)
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "err", err)
	}
}

// Run serves until ctx is canceled, then drains in-flight requests for up
// to the configured shutdown timeout.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.Addr(),
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	s.logger.Info("shutting down server")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
