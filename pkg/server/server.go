// Package server exposes the registry, transcripts and turn engine over HTTP
// and a websocket chat stream.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nstogner/backrooms/pkg/connection"
	"github.com/nstogner/backrooms/pkg/domain"
	"github.com/nstogner/backrooms/pkg/registry"
	"github.com/nstogner/backrooms/pkg/transcript"
	"github.com/nstogner/backrooms/pkg/turn"
)

// DefaultUserHeader carries the owning user id when none is configured.
const DefaultUserHeader = "X-User-ID"

// LimiterCache drops cached per-provider state after a provider changes.
type LimiterCache interface {
	Forget(providerID string)
}

// Server serves the REST API.
type Server struct {
	registry   *registry.Registry
	transcript *transcript.Transcript
	engine     *turn.Engine
	tester     *connection.Tester
	limiters   LimiterCache
	userHeader string
	srv        *http.Server
}

// New creates a new Server. limiters may be nil.
func New(
	reg *registry.Registry,
	tr *transcript.Transcript,
	engine *turn.Engine,
	tester *connection.Tester,
	limiters LimiterCache,
	userHeader string,
) *Server {
	if userHeader == "" {
		userHeader = DefaultUserHeader
	}
	s := &Server{
		registry:   reg,
		transcript: tr,
		engine:     engine,
		tester:     tester,
		limiters:   limiters,
		userHeader: userHeader,
	}
	s.srv = &http.Server{Handler: s.Handler()}
	return s
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Providers
	mux.HandleFunc("GET /api/providers", s.handleListProviders)
	mux.HandleFunc("POST /api/providers", s.handleCreateProvider)
	mux.HandleFunc("POST /api/providers/test", s.handleTestUnsavedProvider)
	mux.HandleFunc("GET /api/providers/{id}", s.handleGetProvider)
	mux.HandleFunc("PUT /api/providers/{id}", s.handleUpdateProvider)
	mux.HandleFunc("POST /api/providers/{id}/test", s.handleTestProvider)

	// Agents
	mux.HandleFunc("GET /api/agents", s.handleListAgents)
	mux.HandleFunc("POST /api/agents", s.handleCreateAgent)
	mux.HandleFunc("GET /api/agents/{id}", s.handleGetAgent)
	mux.HandleFunc("PATCH /api/agents/{id}", s.handlePatchAgent)
	mux.HandleFunc("DELETE /api/agents/{id}", s.handleDeleteAgent)

	// Conversations
	mux.HandleFunc("GET /api/conversations", s.handleListConversations)
	mux.HandleFunc("POST /api/conversations", s.handleCreateConversation)
	mux.HandleFunc("GET /api/conversations/{id}", s.handleGetConversation)
	mux.HandleFunc("DELETE /api/conversations/{id}", s.handleDeleteConversation)
	mux.HandleFunc("GET /api/conversations/{id}/messages", s.handleListMessages)
	mux.HandleFunc("POST /api/conversations/{id}/messages", s.handleSubmitMessage)
	mux.HandleFunc("POST /api/conversations/{id}/advance", s.handleAdvance)
	mux.HandleFunc("GET /api/conversations/{id}/export", s.handleExportConversation)

	// WebSocket
	mux.HandleFunc("GET /api/conversations/{id}/chat", s.handleChatWebSocket)

	mux.Handle("GET /metrics", promhttp.Handler())

	return s.corsMiddleware(mux)
}

// Start starts the HTTP server.
func (s *Server) Start(addr string) error {
	s.srv.Addr = addr
	slog.Info("Starting web server", "addr", addr)
	return s.srv.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+s.userHeader)

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) userID(r *http.Request) string {
	return r.Header.Get(s.userHeader)
}

func (s *Server) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Debug("failed to write response", "error", err)
	}
}

type errorBody struct {
	Error     string      `json:"error"`
	Kind      domain.Kind `json:"kind"`
	Retryable bool        `json:"retryable,omitempty"`
}

// statusFor maps an error kind to its HTTP status.
func statusFor(kind domain.Kind) int {
	switch kind {
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindConflict:
		return http.StatusConflict
	case domain.KindGeneration, domain.KindConnection:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (s *Server) errorResponse(w http.ResponseWriter, r *http.Request, err error) {
	kind := domain.KindOf(err)
	status := statusFor(kind)
	if status >= http.StatusInternalServerError {
		slog.Error("API Error", "method", r.Method, "path", r.URL.Path, "kind", kind, "error", err)
	} else {
		slog.Info("API request rejected", "method", r.Method, "path", r.URL.Path, "kind", kind, "error", err)
	}
	s.jsonResponse(w, status, errorBody{
		Error:     domain.SafeMessage(err),
		Kind:      kind,
		Retryable: domain.IsRetryable(err),
	})
}

// decode reads a JSON body, rejecting unknown fields.
func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return domain.Wrap(domain.KindValidation, err, "malformed request body")
	}
	return nil
}
