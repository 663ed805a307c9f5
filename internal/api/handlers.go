package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/BTreeMap/SchemaPipe/internal/models"
	"github.com/BTreeMap/SchemaPipe/internal/store"
)

// SessionReply is returned when a session is created or reset.
type SessionReply struct {
	SessionID string `json:"session_id"`
	Reply     string `json:"reply"`
}

// MessageRequest is the body of POST /sessions/{id}/messages.
type MessageRequest struct {
	Message string `json:"message"`
}

// MessageReply is the result of one turn.
type MessageReply struct {
	Reply  string         `json:"reply"`
	Phase  models.Phase   `json:"phase"`
	Schema *models.Schema `json:"schema"`
}

func (s *Server) createSessionHandler(w http.ResponseWriter, r *http.Request) {
	id, reply, err := s.sessions.Start(r.Context())
	if err != nil {
		slog.Error("Server.createSessionHandler: failed to create session", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to create session"))
		return
	}
	slog.Info("Server.createSessionHandler: session created", "session_id", id)
	writeJSONResponse(w, http.StatusCreated, models.Success(SessionReply{SessionID: id, Reply: reply}))
}

func (s *Server) messageHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req MessageRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		slog.Warn("Server.messageHandler: failed to decode JSON", "error", err, "session_id", id)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}

	reply, state, err := s.sessions.HandleMessage(r.Context(), id, req.Message)
	if errors.Is(err, store.ErrSessionNotFound) {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Session not found"))
		return
	}
	if err != nil {
		slog.Error("Server.messageHandler: failed to process message", "error", err, "session_id", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to process message"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(MessageReply{Reply: reply, Phase: state.Phase, Schema: state.Schema}))
}

func (s *Server) stateHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	state, err := s.sessions.State(r.Context(), id)
	if errors.Is(err, store.ErrSessionNotFound) {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Session not found"))
		return
	}
	if err != nil {
		slog.Error("Server.stateHandler: failed to load session", "error", err, "session_id", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load session"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(state))
}

func (s *Server) resetHandler(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	reply, err := s.sessions.Reset(r.Context(), id)
	if err != nil {
		slog.Error("Server.resetHandler: failed to reset session", "error", err, "session_id", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to reset session"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Session reset", SessionReply{SessionID: id, Reply: reply}))
}

func (s *Server) transcriptHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	turns, err := s.sessions.Transcript(id)
	if err != nil {
		slog.Error("Server.transcriptHandler: failed to load transcript", "error", err, "session_id", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load transcript"))
		return
	}
	if turns == nil {
		turns = []models.TurnRecord{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(turns))
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("healthy", nil))
}
