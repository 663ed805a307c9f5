package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/SchemaPipe/internal/models"
	"github.com/BTreeMap/SchemaPipe/internal/store"
)

type fakeSessions struct {
	states map[string]*models.ConversationState
	turns  map[string][]models.TurnRecord
	err    error
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{
		states: make(map[string]*models.ConversationState),
		turns:  make(map[string][]models.TurnRecord),
	}
}

func (f *fakeSessions) Start(ctx context.Context) (string, string, error) {
	if f.err != nil {
		return "", "", f.err
	}
	f.states["s1"] = models.NewConversationState()
	return "s1", "Ciao!", nil
}

func (f *fakeSessions) Reset(ctx context.Context, id string) (string, error) {
	f.states[id] = models.NewConversationState()
	delete(f.turns, id)
	return "Ciao!", nil
}

func (f *fakeSessions) HandleMessage(ctx context.Context, id, message string) (string, *models.ConversationState, error) {
	if f.err != nil {
		return "", nil, f.err
	}
	state, ok := f.states[id]
	if !ok {
		return "", nil, store.ErrSessionNotFound
	}
	state.Turn++
	f.turns[id] = append(f.turns[id], models.TurnRecord{SessionID: id, UserMessage: message, Reply: "ok", CreatedAt: time.Now()})
	return "ok", state, nil
}

func (f *fakeSessions) State(ctx context.Context, id string) (*models.ConversationState, error) {
	state, ok := f.states[id]
	if !ok {
		return nil, store.ErrSessionNotFound
	}
	return state, nil
}

func (f *fakeSessions) Transcript(id string) ([]models.TurnRecord, error) {
	return f.turns[id], nil
}

func do(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, models.APIResponse) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var resp models.APIResponse
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("invalid JSON body %q: %v", rec.Body.String(), err)
		}
	}
	return rec, resp
}

func TestSessionLifecycle(t *testing.T) {
	h := NewServer(newFakeSessions()).Handler()

	rec, resp := do(t, h, http.MethodPost, "/sessions", "")
	if rec.Code != http.StatusCreated || resp.Status != string(models.APIStatusOK) {
		t.Fatalf("expected 201 ok, got %d %+v", rec.Code, resp)
	}
	result := resp.Result.(map[string]interface{})
	if result["session_id"] != "s1" || result["reply"] != "Ciao!" {
		t.Errorf("unexpected create result %+v", result)
	}

	rec, resp = do(t, h, http.MethodPost, "/sessions/s1/messages", `{"message":"sì"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	result = resp.Result.(map[string]interface{})
	if result["reply"] != "ok" || result["phase"] == "" {
		t.Errorf("unexpected turn result %+v", result)
	}

	rec, _ = do(t, h, http.MethodGet, "/sessions/s1", "")
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 for state, got %d", rec.Code)
	}

	rec, resp = do(t, h, http.MethodGet, "/sessions/s1/transcript", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for transcript, got %d", rec.Code)
	}
	if turns := resp.Result.([]interface{}); len(turns) != 1 {
		t.Errorf("expected 1 turn, got %d", len(turns))
	}

	rec, resp = do(t, h, http.MethodDelete, "/sessions/s1", "")
	if rec.Code != http.StatusOK || resp.Message != "Session reset" {
		t.Errorf("unexpected reset response %d %+v", rec.Code, resp)
	}
	_, resp = do(t, h, http.MethodGet, "/sessions/s1/transcript", "")
	if turns, _ := resp.Result.([]interface{}); len(turns) != 0 {
		t.Errorf("expected empty transcript after reset, got %d", len(turns))
	}
}

func TestMessageErrors(t *testing.T) {
	sessions := newFakeSessions()
	h := NewServer(sessions).Handler()

	rec, resp := do(t, h, http.MethodPost, "/sessions/missing/messages", `{"message":"ciao"}`)
	if rec.Code != http.StatusNotFound || resp.Status != string(models.APIStatusError) {
		t.Errorf("expected 404 error, got %d %+v", rec.Code, resp)
	}

	sessions.states["s1"] = models.NewConversationState()
	if rec, _ = do(t, h, http.MethodPost, "/sessions/s1/messages", `{"message":`); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad JSON, got %d", rec.Code)
	}

	sessions.err = errors.New("redis down")
	if rec, _ = do(t, h, http.MethodPost, "/sessions/s1/messages", `{"message":"ciao"}`); rec.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", rec.Code)
	}
	if rec, _ = do(t, h, http.MethodPost, "/sessions", ""); rec.Code != http.StatusInternalServerError {
		t.Errorf("expected 500 on create failure, got %d", rec.Code)
	}
}

func TestStateNotFound(t *testing.T) {
	h := NewServer(newFakeSessions()).Handler()
	if rec, _ := do(t, h, http.MethodGet, "/sessions/nope", ""); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestHealthAndMethods(t *testing.T) {
	h := NewServer(newFakeSessions()).Handler()
	if rec, resp := do(t, h, http.MethodGet, "/health", ""); rec.Code != http.StatusOK || resp.Message != "healthy" {
		t.Errorf("unexpected health response %d %+v", rec.Code, resp)
	}
	req := httptest.NewRequest(http.MethodGet, "/sessions", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", rec.Code)
	}
}

func TestTwilioWebhookMountedOnlyWhenConfigured(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/twilio", nil)
	rec := httptest.NewRecorder()
	NewServer(newFakeSessions()).Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 without webhook, got %d", rec.Code)
	}

	called := false
	hook := func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusNoContent)
	}
	rec = httptest.NewRecorder()
	NewServer(newFakeSessions(), WithTwilioWebhook(hook)).Handler().ServeHTTP(rec, req)
	if !called || rec.Code != http.StatusNoContent {
		t.Errorf("expected webhook to be called, got %d", rec.Code)
	}
}

func TestRunShutsDownOnCancel(t *testing.T) {
	srv := NewServer(newFakeSessions(), WithAddr("127.0.0.1:0"))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestWriteJSONResponseFallback(t *testing.T) {
	rec := httptest.NewRecorder()
	writeJSONResponse(rec, http.StatusOK, models.Success(make(chan int)))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected 500 on marshal failure, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Internal server error") {
		t.Errorf("expected fallback body, got %q", rec.Body.String())
	}
}
