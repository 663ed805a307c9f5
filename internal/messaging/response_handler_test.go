package messaging

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/SchemaPipe/internal/models"
	"github.com/BTreeMap/SchemaPipe/internal/store"
	"github.com/BTreeMap/SchemaPipe/internal/whatsapp"
)

const testIntro = "Ciao! Sei pronto/a?"

// fakeConversations keeps one phase per session and echoes messages.
type fakeConversations struct {
	mu       sync.Mutex
	sessions map[string]int
	resets   []string
	err      error
}

func newFakeConversations() *fakeConversations {
	return &fakeConversations{sessions: make(map[string]int)}
}

func (f *fakeConversations) HandleMessage(ctx context.Context, id, message string) (string, *models.ConversationState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", nil, f.err
	}
	if _, ok := f.sessions[id]; !ok {
		return "", nil, store.ErrSessionNotFound
	}
	f.sessions[id]++
	state := models.NewConversationState()
	state.Turn = f.sessions[id]
	return "eco: " + message, state, nil
}

func (f *fakeConversations) Reset(ctx context.Context, id string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[id] = 0
	f.resets = append(f.resets, id)
	return testIntro, nil
}

func newTestHandler() (*ResponseHandler, *whatsapp.MockClient, *fakeConversations, *store.InMemoryStore) {
	mock := whatsapp.NewMockClient()
	conv := newFakeConversations()
	transcript := store.NewInMemoryStore()
	return NewResponseHandler(NewWhatsAppService(mock), conv, transcript), mock, conv, transcript
}

func TestProcessResponseUnknownSenderGetsIntro(t *testing.T) {
	rh, mock, conv, transcript := newTestHandler()
	ctx := context.Background()

	if err := rh.ProcessResponse(ctx, models.Response{From: "+39 333 123 4567", Body: "ho toccato una maniglia"}); err != nil {
		t.Fatalf("ProcessResponse failed: %v", err)
	}
	sent := mock.Messages()
	if len(sent) != 1 || sent[0].Body != testIntro || sent[0].To != "393331234567" {
		t.Fatalf("expected intro to canonical sender, got %+v", sent)
	}
	if len(conv.resets) != 1 {
		t.Errorf("expected session creation, got %v", conv.resets)
	}

	if err := rh.ProcessResponse(ctx, models.Response{From: "393331234567", Body: "sì"}); err != nil {
		t.Fatalf("ProcessResponse failed: %v", err)
	}
	if sent := mock.Messages(); sent[1].Body != "eco: sì" {
		t.Errorf("expected turn reply, got %q", sent[1].Body)
	}

	responses, _ := transcript.GetResponses()
	if len(responses) != 2 || responses[0].From != "393331234567" {
		t.Errorf("expected 2 recorded responses from canonical sender, got %+v", responses)
	}
}

func TestProcessResponseResetCommand(t *testing.T) {
	rh, mock, conv, _ := newTestHandler()
	conv.sessions["393331234567"] = 5

	if err := rh.ProcessResponse(context.Background(), models.Response{From: "393331234567", Body: "  /RESET "}); err != nil {
		t.Fatalf("ProcessResponse failed: %v", err)
	}
	if conv.sessions["393331234567"] != 0 || mock.Messages()[0].Body != testIntro {
		t.Error("expected reset and intro")
	}
}

func TestProcessResponseFailureStillReplies(t *testing.T) {
	rh, mock, conv, _ := newTestHandler()
	conv.sessions["393331234567"] = 1
	conv.err = errors.New("redis down")

	err := rh.ProcessResponse(context.Background(), models.Response{From: "393331234567", Body: "ciao"})
	if err == nil {
		t.Fatal("expected error to be reported")
	}
	if sent := mock.Messages(); len(sent) != 1 || sent[0].Body != failureReply {
		t.Errorf("expected apology to the user, got %+v", sent)
	}
}

func TestProcessResponseInvalidSender(t *testing.T) {
	rh, mock, _, _ := newTestHandler()
	if err := rh.ProcessResponse(context.Background(), models.Response{From: "abc", Body: "ciao"}); err == nil {
		t.Error("expected invalid sender error")
	}
	if len(mock.Messages()) != 0 {
		t.Error("nothing must be sent to an invalid sender")
	}
}

func TestResponseHandlerStartLoop(t *testing.T) {
	mock := whatsapp.NewMockClient()
	svc := NewWhatsAppService(mock)
	conv := newFakeConversations()
	transcript := store.NewInMemoryStore()
	rh := NewResponseHandler(svc, conv, transcript)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := svc.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	rh.Start(ctx)

	mock.Emit(textMessage("393331234567", "ciao", nil))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		receipts, _ := transcript.GetReceipts()
		if len(mock.Messages()) == 1 && len(receipts) == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	receipts, _ := transcript.GetReceipts()
	t.Fatalf("expected one reply and one recorded receipt, got %d / %d", len(mock.Messages()), len(receipts))
}
