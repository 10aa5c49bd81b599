package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/cuemby/berth/pkg/errdefs"
	"github.com/cuemby/berth/pkg/log"
	"github.com/cuemby/berth/pkg/metrics"
	"github.com/cuemby/berth/pkg/types"
	"github.com/rs/zerolog"
)

// StateSource provides the read-only snapshots served over HTTP. The
// orchestrator implements it.
type StateSource interface {
	GetState(ctx context.Context) (*types.State, error)
	Operation(id string) (*types.Operation, error)
}

// Server exposes health, readiness, metrics and read-only state over HTTP
type Server struct {
	source StateSource
	mux    *http.ServeMux
	server *http.Server
	logger zerolog.Logger
}

// NewServer creates the HTTP server. source may be nil, in which case only
// health, readiness and metrics are served.
func NewServer(source StateSource) *Server {
	mux := http.NewServeMux()
	s := &Server{
		source: source,
		mux:    mux,
		logger: log.WithComponent("api"),
	}

	mux.Handle("GET /health", metrics.HealthHandler())
	mux.Handle("GET /ready", metrics.ReadyHandler())
	mux.Handle("GET /metrics", metrics.Handler())
	if source != nil {
		mux.HandleFunc("GET /state", s.stateHandler)
		mux.HandleFunc("GET /operations/{id}", s.operationHandler)
	}

	return s
}

// Start listens on addr and serves until Shutdown. It returns nil after a
// clean shutdown.
func (s *Server) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(lis)
}

// Serve serves on an existing listener
func (s *Server) Serve(lis net.Listener) error {
	s.server = &http.Server{
		Handler:      s.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info().Str("addr", lis.Addr().String()).Msg("HTTP endpoint listening")
	if err := s.server.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Handler returns the HTTP handler for embedding in other servers
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) stateHandler(w http.ResponseWriter, r *http.Request) {
	state, err := s.source.GetState(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) operationHandler(w http.ResponseWriter, r *http.Request) {
	op, err := s.source.Operation(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, op)
}

func writeError(w http.ResponseWriter, err error) {
	payload := errdefs.Normalize(err)
	code := http.StatusInternalServerError
	switch payload.Code {
	case errdefs.CodeOperationNotFound, errdefs.CodeNotFound:
		code = http.StatusNotFound
	case errdefs.CodeRuntimeUnavailable, errdefs.CodeRuntimeMissing:
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
