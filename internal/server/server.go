// Package server exposes the upload engine and its maintenance operations
// over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/klauspost/compress/gzhttp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/ArtifactDB/gypsum-worker-sub000/internal/metrics"
	"github.com/ArtifactDB/gypsum-worker-sub000/internal/upload"
	"github.com/ArtifactDB/gypsum-worker-sub000/internal/versions"
)

// Deps are the collaborators of a Server.
type Deps struct {
	Uploads  *upload.Service
	Versions *versions.Service
	Metrics  *metrics.Metrics
	// Gatherer backs /metrics. The endpoint is absent when nil.
	Gatherer prometheus.Gatherer
}

// Server routes HTTP requests to the upload and versions services.
type Server struct {
	router   *mux.Router
	uploads  *upload.Service
	versions *versions.Service
	metrics  *metrics.Metrics
	server   *http.Server
}

// New creates a server and registers its routes.
func New(d Deps) *Server {
	s := &Server{
		router:   mux.NewRouter(),
		uploads:  d.Uploads,
		versions: d.Versions,
		metrics:  d.Metrics,
	}
	s.routes(d.Gatherer)
	return s
}

func (s *Server) routes(g prometheus.Gatherer) {
	r := s.router
	r.HandleFunc("/health", healthHandler).Methods(http.MethodGet)
	if g != nil {
		r.Handle("/metrics", metrics.Handler(g)).Methods(http.MethodGet)
	}

	api := r.NewRoute().Subrouter()
	api.Use(s.instrument)

	project := "/projects/{project}"
	asset := project + "/assets/{asset}"
	version := asset + "/version/{version}"

	api.HandleFunc(project, s.handleCreateProject).Methods(http.MethodPost)
	api.HandleFunc(project+"/permissions", s.handleGetPermissions).Methods(http.MethodGet)
	api.HandleFunc(project+"/permissions", s.handleSetPermissions).Methods(http.MethodPut)
	api.HandleFunc(project+"/quota", s.handleGetQuota).Methods(http.MethodGet)
	api.HandleFunc(project+"/quota", s.handleSetQuota).Methods(http.MethodPut)
	api.HandleFunc(project+"/usage", s.handleGetUsage).Methods(http.MethodGet)
	api.HandleFunc(project+"/usage/refresh", s.handleRefreshUsage).Methods(http.MethodPost)
	api.HandleFunc(project+"/lock", s.handleUnlock).Methods(http.MethodDelete)

	api.HandleFunc(asset+"/latest", s.handleGetLatest).Methods(http.MethodGet)
	api.HandleFunc(asset+"/latest/refresh", s.handleRefreshLatest).Methods(http.MethodPost)

	api.HandleFunc(version+"/upload", s.handleUpload).Methods(http.MethodPost)
	api.HandleFunc(version+"/complete", s.handleComplete).Methods(http.MethodPut)
	api.HandleFunc(version+"/abort", s.handleAbort).Methods(http.MethodDelete)
	api.HandleFunc(version+"/files/{path:.+}", s.handlePutFile).Methods(http.MethodPut)
	api.HandleFunc(version+"/files/{path:.+}", s.handleGetFile).Methods(http.MethodGet, http.MethodHead)
	api.HandleFunc(version+"/manifest", s.handleGetManifest).Methods(http.MethodGet)
	api.HandleFunc(version+"/summary", s.handleGetSummary).Methods(http.MethodGet)
	api.HandleFunc(version+"/probation/approve", s.handleApproveProbation).Methods(http.MethodPost)
	api.HandleFunc(version+"/probation/reject", s.handleRejectProbation).Methods(http.MethodPost)
	api.HandleFunc(version, s.handleDeleteVersion).Methods(http.MethodDelete)
}

// Handler returns the HTTP handler of the server with compressed responses.
func (s *Server) Handler() http.Handler {
	return gzhttp.GzipHandler(s.router)
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("listen", addr).Msg("Starting gypsum server")
		errCh <- s.server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	log.Info().Msg("Server stopped")
	return nil
}

// healthHandler returns a simple health check response.
func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
