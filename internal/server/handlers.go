package server

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"convcore/internal/logger"
	"convcore/internal/recorder"
	"convcore/internal/services"
	"convcore/internal/transport"
	"convcore/internal/version"
	"convcore/pkg/convtypes"
)

const (
	defaultDebugLimit = 20
	maxBodyBytes      = 1 << 20
)

// StateResponse is the body of GET /api/conversation/{sessionId}.
type StateResponse struct {
	*convtypes.ConversationState
	IsProcessing bool `json:"isProcessing"`
}

// HistoryResponse is the body of GET /api/conversation/{sessionId}/history.
type HistoryResponse struct {
	SessionID string                          `json:"sessionId"`
	Messages  []convtypes.ConversationMessage `json:"messages"`
}

// ModeRequest is the body of PUT /api/conversation/{sessionId}/mode.
type ModeRequest struct {
	Mode convtypes.InputMode `json:"mode"`
}

// DebugResponse is the body of GET /api/admin/debug.
type DebugResponse struct {
	Traces      []convtypes.DebugTrace `json:"traces"`
	Turns       []convtypes.TurnRecord `json:"turns,omitempty"`
	Transcripts []recorder.Transcript  `json:"transcripts,omitempty"`
}

// VoiceLogRequest is the body of POST /api/voice-agent/log.
type VoiceLogRequest struct {
	Entries []recorder.Transcript `json:"entries"`
}

// VoiceLogResponse acknowledges a stored transcript batch.
type VoiceLogResponse struct {
	Accepted int `json:"accepted"`
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	var req transport.ConversationRequest
	if !decodeBody(w, r, &req) {
		return
	}

	resp, err := s.conversation.ProcessInput(r.Context(), req.ConversationInput, req.Options)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionId")
	state, err := s.conversation.GetConversationState(r.Context(), sessionID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if state == nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, StateResponse{
		ConversationState: state,
		IsProcessing:      s.conversation.IsProcessing(sessionID),
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionId")
	messages, err := s.conversation.GetConversationHistory(r.Context(), sessionID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, HistoryResponse{SessionID: sessionID, Messages: messages})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if err := s.conversation.ClearConversationHistory(r.Context(), r.PathValue("sessionId")); err != nil {
		s.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMode(w http.ResponseWriter, r *http.Request) {
	var req ModeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.conversation.UpdateConversationMode(r.Context(), r.PathValue("sessionId"), req.Mode); err != nil {
		s.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDebug(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	limit := defaultDebugLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	resp := DebugResponse{}
	if sessionID != "" {
		resp.Traces = s.conversation.GetDebugDataForSession(sessionID, limit)
	} else {
		resp.Traces = s.conversation.GetRecentDebugData(limit)
	}

	if s.recorder != nil {
		turns, err := s.recorder.RecentTurns(r.Context(), sessionID, limit)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		transcripts, err := s.recorder.Transcripts(r.Context(), sessionID, limit)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		resp.Turns = turns
		resp.Transcripts = transcripts
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleVoiceLog(w http.ResponseWriter, r *http.Request) {
	if s.recorder == nil {
		writeError(w, http.StatusServiceUnavailable, "transcript logging is not enabled")
		return
	}

	var req VoiceLogRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.Entries) == 0 {
		writeError(w, http.StatusBadRequest, "entries must not be empty")
		return
	}

	if err := s.recorder.LogTranscripts(r.Context(), req.Entries); err != nil {
		if errors.Is(err, recorder.ErrInvalidTranscript) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, VoiceLogResponse{Accepted: len(req.Entries)})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set(version.HeaderName, version.GetVersion())
	info, err := version.GetInfo()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "version": info})
}

// requireAdmin guards next with the admin bearer token.
func (s *Server) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.adminToken == "" {
			writeError(w, http.StatusForbidden, "admin endpoints are disabled")
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.adminToken)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	}
}

func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	if errors.Is(err, services.ErrInvalidInput) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.log.Error("Request failed", "error", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := decoder.Decode(v); err != nil {
		logger.Debug("Rejected request body", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}
