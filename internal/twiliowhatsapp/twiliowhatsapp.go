// Package twiliowhatsapp sends and authenticates WhatsApp messages through Twilio.
package twiliowhatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"github.com/twilio/twilio-go"
	twilioclient "github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// SignatureHeader carries Twilio's HMAC signature of a webhook request.
const SignatureHeader = "X-Twilio-Signature"

const addressPrefix = "whatsapp:"

// Sender sends a WhatsApp message to a phone number given as digits only.
type Sender interface {
	SendMessage(ctx context.Context, to string, body string) error
}

// Opts holds configuration options for the Twilio WhatsApp client.
type Opts struct {
	AccountSID string
	AuthToken  string
	FromNumber string
}

// Option defines a configuration option for the Twilio WhatsApp client.
type Option func(*Opts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

// WithAuthToken sets the auth token used for the REST API and webhook signatures.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFromNumber sets the sending number, with or without the "whatsapp:" prefix.
func WithFromNumber(from string) Option {
	return func(o *Opts) { o.FromNumber = from }
}

// Client wraps the Twilio REST API for WhatsApp.
type Client struct {
	client *twilio.RestClient
	from   string
}

// NewClient builds a REST client. The account SID, auth token and sending
// number are all required.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("twiliowhatsapp.NewClient: config loaded",
		"account_sid_set", cfg.AccountSID != "",
		"auth_token_set", cfg.AuthToken != "",
		"from_set", cfg.FromNumber != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.FromNumber == "" {
		return nil, fmt.Errorf("from number must be provided")
	}

	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &Client{client: client, from: Address(cfg.FromNumber)}, nil
}

// Address turns a phone number into a Twilio WhatsApp address.
func Address(number string) string {
	n := strings.TrimPrefix(strings.TrimSpace(number), addressPrefix)
	if !strings.HasPrefix(n, "+") {
		n = "+" + n
	}
	return addressPrefix + n
}

// SendMessage sends a WhatsApp message through the Messages resource.
func (c *Client) SendMessage(ctx context.Context, to string, body string) error {
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(Address(to))
	params.SetFrom(c.from)
	params.SetBody(body)

	resp, err := c.client.Api.CreateMessage(params)
	if err != nil {
		return fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	sid := ""
	if resp != nil && resp.Sid != nil {
		sid = *resp.Sid
	}
	slog.Debug("twiliowhatsapp.Client.SendMessage: sent", "to", to, "sid", sid)
	return nil
}

// ValidateSignature reports whether signature is Twilio's signature of a
// form POST to fullURL with the given parameters.
func ValidateSignature(authToken, fullURL string, form url.Values, signature string) bool {
	if authToken == "" || signature == "" {
		return false
	}
	params := make(map[string]string, len(form))
	for k, v := range form {
		if len(v) > 0 {
			params[k] = v[0]
		}
	}
	validator := twilioclient.NewRequestValidator(authToken)
	return validator.Validate(fullURL, params, signature)
}

// MockClient records sent messages instead of calling Twilio.
type MockClient struct {
	mu   sync.Mutex
	Sent []SentMessage
	Err  error
}

// SentMessage is one message recorded by MockClient.
type SentMessage struct {
	To   string
	Body string
}

func NewMockClient() *MockClient {
	return &MockClient{}
}

func (m *MockClient) SendMessage(ctx context.Context, to string, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.Sent = append(m.Sent, SentMessage{To: to, Body: body})
	return nil
}

// Messages returns a copy of the recorded messages.
func (m *MockClient) Messages() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage(nil), m.Sent...)
}
