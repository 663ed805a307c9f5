package messaging

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/BTreeMap/SchemaPipe/internal/models"
	"github.com/BTreeMap/SchemaPipe/internal/twiliowhatsapp"
)

// emptyTwiML acknowledges a webhook without sending anything back through Twilio.
const emptyTwiML = `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`

// TwilioOpts holds configuration options for the TwilioService.
type TwilioOpts struct {
	AuthToken  string
	WebhookURL string
}

// TwilioOption defines a configuration option for the TwilioService.
type TwilioOption func(*TwilioOpts)

// WithWebhookValidation enables signature checks on inbound webhooks. When
// webhookURL is empty the URL is rebuilt from the request.
func WithWebhookValidation(authToken, webhookURL string) TwilioOption {
	return func(o *TwilioOpts) {
		o.AuthToken = authToken
		o.WebhookURL = webhookURL
	}
}

// TwilioService implements Service using the Twilio API. Inbound messages
// arrive through WebhookHandler.
type TwilioService struct {
	*eventChannels
	client twiliowhatsapp.Sender
	cfg    TwilioOpts
}

// NewTwilioService creates a TwilioService around client.
func NewTwilioService(client twiliowhatsapp.Sender, opts ...TwilioOption) *TwilioService {
	var cfg TwilioOpts
	for _, opt := range opts {
		opt(&cfg)
	}
	return &TwilioService{eventChannels: newEventChannels(), client: client, cfg: cfg}
}

func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalizePhone(recipient)
}

// Start is a no-op: Twilio pushes events to the webhook.
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

// Stop closes the event channels.
func (s *TwilioService) Stop() error {
	if s.stop() {
		slog.Info("TwilioService.Stop: channels closed")
	}
	return nil
}

// SendMessage sends body through Twilio and emits a sent receipt.
func (s *TwilioService) SendMessage(ctx context.Context, to string, body string) error {
	if s.isStopped() {
		return ErrServiceStopped
	}
	canonical, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return err
	}
	if err := s.client.SendMessage(ctx, canonical, body); err != nil {
		slog.Error("TwilioService.SendMessage: send failed", "error", err, "to", canonical)
		return err
	}
	s.emitReceipt(models.Receipt{To: canonical, Status: models.MessageStatusSent, Time: time.Now().Unix()})
	return nil
}

// WebhookHandler accepts Twilio's inbound message and status callbacks.
// Messages are emitted on Responses and status updates on Receipts.
func (s *TwilioService) WebhookHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		slog.Warn("TwilioService.WebhookHandler: bad form", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}
	if s.cfg.AuthToken != "" {
		url := s.cfg.WebhookURL
		if url == "" {
			url = requestURL(r)
		}
		if !twiliowhatsapp.ValidateSignature(s.cfg.AuthToken, url, r.PostForm, r.Header.Get(twiliowhatsapp.SignatureHeader)) {
			slog.Warn("TwilioService.WebhookHandler: invalid signature", "url", url)
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
	}

	from := r.PostFormValue("From")
	body := r.PostFormValue("Body")
	if status := r.PostFormValue("MessageStatus"); status != "" && body == "" {
		s.emitReceipt(models.Receipt{
			To:     phoneNumberRegex.ReplaceAllString(r.PostFormValue("To"), ""),
			Status: twilioStatus(status),
			Time:   time.Now().Unix(),
		})
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if from == "" || strings.TrimSpace(body) == "" {
		slog.Warn("TwilioService.WebhookHandler: missing fields", "from_set", from != "", "body_set", body != "")
		http.Error(w, "Missing required fields", http.StatusBadRequest)
		return
	}

	s.emitResponse(models.Response{From: from, Body: body, Time: time.Now().Unix()})
	slog.Debug("TwilioService.WebhookHandler: inbound message forwarded", "from", from, "body_length", len(body))
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(emptyTwiML))
}

// requestURL rebuilds the public URL Twilio signed, honouring proxy headers.
func requestURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if p := r.Header.Get("X-Forwarded-Proto"); p != "" {
		scheme = p
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

func twilioStatus(s string) models.MessageStatus {
	switch strings.ToLower(s) {
	case "delivered":
		return models.MessageStatusDelivered
	case "read":
		return models.MessageStatusRead
	case "failed", "undelivered":
		return models.MessageStatusFailed
	default:
		return models.MessageStatusSent
	}
}
