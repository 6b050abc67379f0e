// Package server exposes the conversation service over HTTP and WebSocket.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"convcore/internal/logger"
	"convcore/internal/metrics"
	"convcore/internal/recorder"
	"convcore/internal/transport"
	"convcore/pkg/convtypes"
)

// Conversation is the part of the conversation service the server exposes.
type Conversation interface {
	ProcessInput(ctx context.Context, input convtypes.ConversationInput, opts *convtypes.ConversationOptions) (*convtypes.ConversationResponse, error)
	GetConversationState(ctx context.Context, sessionID string) (*convtypes.ConversationState, error)
	GetConversationHistory(ctx context.Context, sessionID string) ([]convtypes.ConversationMessage, error)
	UpdateConversationMode(ctx context.Context, sessionID string, mode convtypes.InputMode) error
	ClearConversationHistory(ctx context.Context, sessionID string) error
	IsProcessing(sessionID string) bool
	GetRecentDebugData(limit int) []convtypes.DebugTrace
	GetDebugDataForSession(sessionID string, limit int) []convtypes.DebugTrace
}

// Option configures a Server.
type Option func(*Server)

// WithRecorder enables the voice log endpoint and adds persisted turns to the debug endpoint.
func WithRecorder(store *recorder.Store) Option {
	return func(s *Server) {
		s.recorder = store
	}
}

// WithMetrics records request metrics and serves gatherer on /metrics.
func WithMetrics(m *metrics.Metrics, gatherer prometheus.Gatherer) Option {
	return func(s *Server) {
		s.metrics = m
		s.gatherer = gatherer
	}
}

// WithAdminToken sets the bearer token required by admin routes. Without one
// admin routes are disabled.
func WithAdminToken(token string) Option {
	return func(s *Server) {
		s.adminToken = token
	}
}

// Server is the HTTP boundary of the conversation core.
type Server struct {
	conversation Conversation
	recorder     *recorder.Store
	metrics      *metrics.Metrics
	gatherer     prometheus.Gatherer
	adminToken   string

	upgrader websocket.Upgrader
	handler  http.Handler
	log      *log.Logger
}

// New builds the server and its routes.
func New(conversation Conversation, opts ...Option) *Server {
	s := &Server{
		conversation: conversation,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		log: logger.NewStyledLogger("Server"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.handler = s.routes()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	s.handle(mux, "POST "+transport.ConversationPath, s.handleProcess)
	s.handle(mux, "GET "+transport.WebSocketPath, s.handleWebSocket)
	s.handle(mux, "GET /api/conversation/{sessionId}", s.handleState)
	s.handle(mux, "GET /api/conversation/{sessionId}/history", s.handleHistory)
	s.handle(mux, "DELETE /api/conversation/{sessionId}/history", s.handleClear)
	s.handle(mux, "PUT /api/conversation/{sessionId}/mode", s.handleMode)
	s.handle(mux, "GET /api/admin/debug", s.requireAdmin(s.handleDebug))
	s.handle(mux, "POST /api/voice-agent/log", s.handleVoiceLog)
	s.handle(mux, "GET "+transport.HealthPath, s.handleHealth)

	if s.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

// handle registers h under pattern, instrumented with the pattern as route label.
func (s *Server) handle(mux *http.ServeMux, pattern string, h http.HandlerFunc) {
	if s.metrics == nil {
		mux.HandleFunc(pattern, h)
		return
	}
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		s.metrics.HTTPInFlight.Inc()
		defer s.metrics.HTTPInFlight.Dec()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)
		s.metrics.RecordHTTPRequest(pattern, r.Method, rec.status, time.Since(start))
	})
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("Starting conversation server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("conversation server failed: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.log.Info("Shutting down conversation server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	return <-errCh
}

// statusRecorder captures the status code for metrics. It forwards Hijack so the
// websocket upgrade keeps working.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("Failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, transport.ErrorBody{Error: message})
}
