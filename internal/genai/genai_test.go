package genai

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/BTreeMap/SchemaPipe/internal/models"
	"github.com/openai/openai-go"
)

// mockChatService implements chatService for testing.
type mockChatService struct {
	resp   openai.ChatCompletion
	err    error
	params openai.ChatCompletionNewParams
	calls  int
}

func (m *mockChatService) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	m.calls++
	m.params = params
	return m.resp, m.err
}

func newTestClient(svc chatService) *Client {
	return &Client{chat: svc, model: "test-model", temperature: 0.1, maxCompletionTokens: 100}
}

func TestGenerate_Success(t *testing.T) {
	mock := &mockChatService{resp: openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: "  Ciao  "}},
		},
	}}
	client := newTestClient(mock)

	history := []models.ChatMessage{
		{Role: models.ChatRoleAssistant, Content: "Come stai?"},
		{Role: models.ChatRoleUser, Content: "bene"},
		{Role: models.ChatRoleUser, Content: "   "},
	}
	out, err := client.Generate(context.Background(), "istruzione", history)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if out != "Ciao" {
		t.Errorf("expected trimmed content, got %q", out)
	}
	// system + two non-blank history entries
	if len(mock.params.Messages) != 3 {
		t.Errorf("expected 3 messages, got %d", len(mock.params.Messages))
	}
}

func TestGenerate_ServiceError(t *testing.T) {
	client := newTestClient(&mockChatService{err: errors.New("service failure")})
	_, err := client.Generate(context.Background(), "sys", nil)
	if err == nil || !strings.Contains(err.Error(), "service failure") {
		t.Errorf("expected service failure error, got %v", err)
	}
}

func TestGenerate_NoChoices(t *testing.T) {
	client := newTestClient(&mockChatService{resp: openai.ChatCompletion{}})
	_, err := client.Generate(context.Background(), "sys", nil)
	if !errors.Is(err, ErrNoChoicesReturned) {
		t.Errorf("expected ErrNoChoicesReturned, got %v", err)
	}
}

func TestGenerate_ContentFilterIsEmptyNotError(t *testing.T) {
	mock := &mockChatService{resp: openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{
			{FinishReason: "content_filter", Message: openai.ChatCompletionMessage{Content: "partial"}},
		},
	}}
	out, err := newTestClient(mock).Generate(context.Background(), "sys", nil)
	if err != nil {
		t.Fatalf("filtered completion must not be an error, got %v", err)
	}
	if out != "" {
		t.Errorf("expected empty output for filtered completion, got %q", out)
	}
}

func TestGenerate_EmptyInstruction(t *testing.T) {
	mock := &mockChatService{}
	_, err := newTestClient(mock).Generate(context.Background(), "  ", nil)
	if !errors.Is(err, ErrEmptyInstruction) {
		t.Errorf("expected ErrEmptyInstruction, got %v", err)
	}
	if mock.calls != 0 {
		t.Error("no request should be made without an instruction")
	}
}

func TestNewClient_NoKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	_, err := NewClient()
	if err == nil {
		t.Error("expected error when API key not provided, got nil")
	}
}

func TestNewClient_WithKey(t *testing.T) {
	cli, err := NewClient(WithAPIKey("test-key"), WithModel("gpt-test"), WithTemperature(0.5))
	if err != nil {
		t.Fatalf("expected no error with API key, got %v", err)
	}
	if cli.model != "gpt-test" || cli.temperature != 0.5 {
		t.Errorf("options not applied: model=%q temperature=%v", cli.model, cli.temperature)
	}
}
