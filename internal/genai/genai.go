// Package genai wraps the OpenAI chat completions API behind the narrow
// text-in/text-out contract used by the interview controller.
package genai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/BTreeMap/SchemaPipe/internal/models"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const (
	// DefaultModel is used when no model is configured.
	DefaultModel = openai.ChatModelGPT4oMini
	// DefaultTemperature keeps extraction output stable.
	DefaultTemperature = 0.3
	// DefaultMaxCompletionTokens bounds a single completion.
	DefaultMaxCompletionTokens = 1024
	// DefaultTimeout bounds a single completion request.
	DefaultTimeout = 45 * time.Second

	finishReasonContentFilter = "content_filter"
)

var (
	// ErrNoChoicesReturned is returned when the API answers without any choice.
	ErrNoChoicesReturned = errors.New("no choices returned")
	// ErrEmptyInstruction is returned when Generate is called without an instruction.
	ErrEmptyInstruction = errors.New("instruction cannot be empty")
)

// ClientInterface is the adapter contract: a hard failure is reported as an
// error, while an empty or filtered completion is returned as "" with a nil error.
type ClientInterface interface {
	Generate(ctx context.Context, instruction string, history []models.ChatMessage) (string, error)
}

// chatService defines minimal interface for chat completions.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

// completionsService adapts the SDK service to chatService.
type completionsService struct {
	svc *openai.ChatCompletionService
}

func (c completionsService) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := c.svc.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

// Opts holds configuration options for the GenAI client.
type Opts struct {
	APIKey              string
	BaseURL             string
	Model               string
	Temperature         float64
	MaxCompletionTokens int64
	Timeout             time.Duration
}

// Option defines a configuration option for the GenAI client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithBaseURL points the client at an OpenAI-compatible endpoint.
func WithBaseURL(url string) Option {
	return func(o *Opts) { o.BaseURL = url }
}

// WithModel sets the chat model name.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(o *Opts) { o.Temperature = t }
}

// WithMaxCompletionTokens bounds the length of a completion.
func WithMaxCompletionTokens(n int64) Option {
	return func(o *Opts) { o.MaxCompletionTokens = n }
}

// WithTimeout bounds every request made by the client.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) { o.Timeout = d }
}

// Client wraps the OpenAI chat completion service.
type Client struct {
	chat                chatService
	model               string
	temperature         float64
	maxCompletionTokens int64
	timeout             time.Duration
}

// NewClient initializes a client from options, falling back to OPENAI_API_KEY.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{
		Model:               string(DefaultModel),
		Temperature:         DefaultTemperature,
		MaxCompletionTokens: DefaultMaxCompletionTokens,
		Timeout:             DefaultTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	slog.Debug("GenAI NewClient options set", "api_key_set", cfg.APIKey != "", "model", cfg.Model, "base_url", cfg.BaseURL)
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	cli := openai.NewClient(reqOpts...)

	return &Client{
		chat:                completionsService{svc: &cli.Chat.Completions},
		model:               cfg.Model,
		temperature:         cfg.Temperature,
		maxCompletionTokens: cfg.MaxCompletionTokens,
		timeout:             cfg.Timeout,
	}, nil
}

// Generate sends instruction as the system message followed by history and
// returns the text of the first choice.
func (c *Client) Generate(ctx context.Context, instruction string, history []models.ChatMessage) (string, error) {
	if strings.TrimSpace(instruction) == "" {
		return "", ErrEmptyInstruction
	}

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(history)+1)
	messages = append(messages, openai.SystemMessage(instruction))
	for _, m := range history {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		switch m.Role {
		case models.ChatRoleAssistant:
			messages = append(messages, openai.AssistantMessage(m.Content))
		default:
			messages = append(messages, openai.UserMessage(m.Content))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(c.model),
		Messages:    messages,
		Temperature: openai.Float(c.temperature),
	}
	if c.maxCompletionTokens > 0 {
		params.MaxCompletionTokens = openai.Int(c.maxCompletionTokens)
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	slog.Debug("GenAI.Generate: sending request", "model", c.model, "messages", len(messages), "instruction_length", len(instruction))
	start := time.Now()
	resp, err := c.chat.Create(ctx, params)
	if err != nil {
		slog.Error("GenAI.Generate: request failed", "error", err, "elapsed", time.Since(start))
		return "", fmt.Errorf("failed to create chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		slog.Error("GenAI.Generate: no choices returned")
		return "", ErrNoChoicesReturned
	}

	choice := resp.Choices[0]
	if string(choice.FinishReason) == finishReasonContentFilter {
		slog.Warn("GenAI.Generate: completion filtered", "elapsed", time.Since(start))
		return "", nil
	}
	content := strings.TrimSpace(choice.Message.Content)
	if content == "" {
		slog.Warn("GenAI.Generate: empty completion", "finish_reason", choice.FinishReason)
	}
	slog.Debug("GenAI.Generate: completion received", "content_length", len(content), "elapsed", time.Since(start))
	return content, nil
}
