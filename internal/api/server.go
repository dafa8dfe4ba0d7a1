// Package api implements the HTTP control surface: submit a command,
// inspect conversation context, list catalog devices, health.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/vestahome/vesta/internal/agent"
	"github.com/vestahome/vesta/internal/buildinfo"
	"github.com/vestahome/vesta/internal/catalog"
	"github.com/vestahome/vesta/internal/convo"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// processor runs a command cycle. Satisfied by *agent.Session.
type processor interface {
	ProcessTranscript(ctx context.Context, transcript, user string, dryRun bool) agent.Reply
}

// contextReader exposes the conversation history.
type contextReader interface {
	AllWithin(retentionDays int) ([]convo.Context, error)
}

// snapshotter provides the current device catalog.
type snapshotter interface {
	Snapshot() *catalog.Snapshot
}

// Server is the HTTP API server.
type Server struct {
	address       string
	port          int
	session       processor
	contexts      contextReader
	catalog       snapshotter
	retentionDays int
	logger        *slog.Logger
	server        *http.Server
}

// NewServer creates the API server.
func NewServer(address string, port int, session processor, contexts contextReader, cat snapshotter, retentionDays int, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if retentionDays <= 0 {
		retentionDays = 7
	}
	return &Server{
		address:       address,
		port:          port,
		session:       session,
		contexts:      contexts,
		catalog:       cat,
		retentionDays: retentionDays,
		logger:        logger,
	}
}

// Handler returns the route table, exported for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/command", s.handleCommand)
	mux.HandleFunc("GET /api/context", s.handleContext)
	mux.HandleFunc("GET /api/devices", s.handleDevices)
	mux.HandleFunc("GET /healthz", s.handleHealth)

	return s.withLogging(mux)
}

// Start runs the server until it fails or Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		// Command cycles can sit behind a slow model call.
		WriteTimeout: 180 * time.Second,
	}

	s.logger.Info("starting API server", "address", s.address, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

// CommandRequest is the body of POST /api/command.
type CommandRequest struct {
	Transcript string `json:"transcript"`
	User       string `json:"user,omitempty"`
	DryRun     bool   `json:"dry_run,omitempty"`
}

// CommandResponse is the reply to POST /api/command.
type CommandResponse struct {
	Success  bool   `json:"success"`
	Response string `json:"response"`
	CycleID  string `json:"cycle_id"`
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req CommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Transcript == "" {
		s.errorResponse(w, http.StatusBadRequest, "transcript is required")
		return
	}

	reply := s.session.ProcessTranscript(r.Context(), req.Transcript, req.User, req.DryRun)

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, CommandResponse{
		Success:  reply.Success,
		Response: reply.Response,
		CycleID:  reply.CycleID,
	}, s.logger)
}

func (s *Server) handleContext(w http.ResponseWriter, r *http.Request) {
	days := s.retentionDays
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			s.errorResponse(w, http.StatusBadRequest, "days must be a positive integer")
			return
		}
		days = n
	}

	all, err := s.contexts.AllWithin(days)
	if err != nil {
		s.logger.Error("read conversation history", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to read context history")
		return
	}
	if all == nil {
		all = []convo.Context{}
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"contexts": all, "days": days}, s.logger)
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	snap := s.catalog.Snapshot()
	if snap == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "device catalog not yet synced")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"devices": snap.Devices,
		"areas":   snap.Areas,
	}, s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	synced := s.catalog.Snapshot() != nil

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"status":         "healthy",
		"version":        buildinfo.Version,
		"uptime_seconds": int64(buildinfo.Uptime().Seconds()),
		"catalog_synced": synced,
	}, s.logger)
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]string{"error": message}, s.logger)
}
