package flow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BTreeMap/SchemaPipe/internal/models"
	"github.com/BTreeMap/SchemaPipe/internal/store"
)

// Sessions processes messages for many conversations, one turn at a time per
// session, and records every turn in the transcript store.
type Sessions struct {
	ctrl       *Controller
	states     store.SessionStore
	transcript store.Store

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewSessions wires a controller to its session and transcript stores.
func NewSessions(ctrl *Controller, states store.SessionStore, transcript store.Store) *Sessions {
	return &Sessions{
		ctrl:       ctrl,
		states:     states,
		transcript: transcript,
		locks:      make(map[string]*sync.Mutex),
	}
}

func (s *Sessions) lock(id string) func() {
	s.mu.Lock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	s.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// Start creates a session with a random ID and returns the intro message.
func (s *Sessions) Start(ctx context.Context) (string, string, error) {
	id := uuid.NewString()
	reply, err := s.Reset(ctx, id)
	if err != nil {
		return "", "", err
	}
	slog.Info("Sessions.Start: session created", "session_id", id)
	return id, reply, nil
}

// Reset replaces the session state with a fresh one and returns the intro message.
// It also creates the session when it does not exist yet.
func (s *Sessions) Reset(ctx context.Context, id string) (string, error) {
	unlock := s.lock(id)
	defer unlock()

	if err := s.states.SaveSession(ctx, id, models.NewConversationState()); err != nil {
		return "", fmt.Errorf("failed to reset session %s: %w", id, err)
	}
	slog.Debug("Sessions.Reset: session state recreated", "session_id", id)
	return IntroMessage, nil
}

// HandleMessage processes one user message. It returns store.ErrSessionNotFound
// for unknown or expired sessions.
func (s *Sessions) HandleMessage(ctx context.Context, id, message string) (string, *models.ConversationState, error) {
	unlock := s.lock(id)
	defer unlock()

	state, err := s.states.GetSession(ctx, id)
	if err != nil {
		return "", nil, err
	}

	before := state.Phase
	reply, next := s.ctrl.Process(ctx, message, state)
	if err := s.states.SaveSession(ctx, id, next); err != nil {
		return "", nil, fmt.Errorf("failed to save session %s: %w", id, err)
	}

	rec := models.TurnRecord{
		SessionID:   id,
		Turn:        next.Turn,
		PhaseBefore: before,
		PhaseAfter:  next.Phase,
		UserMessage: message,
		Reply:       reply,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.transcript.AddTurn(rec); err != nil {
		slog.Warn("Sessions.HandleMessage: failed to record turn", "session_id", id, "error", err)
	}
	slog.Debug("Sessions.HandleMessage: turn processed", "session_id", id, "from", before, "to", next.Phase)
	return reply, next, nil
}

// State returns a copy of the current state of a session.
func (s *Sessions) State(ctx context.Context, id string) (*models.ConversationState, error) {
	return s.states.GetSession(ctx, id)
}

// Transcript returns the recorded turns of a session.
func (s *Sessions) Transcript(id string) ([]models.TurnRecord, error) {
	turns, err := s.transcript.GetTurns(id)
	if err != nil {
		return nil, fmt.Errorf("failed to load transcript for %s: %w", id, err)
	}
	return turns, nil
}
