package messaging

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.mau.fi/whatsmeow/types/events"

	"github.com/BTreeMap/SchemaPipe/internal/models"
	"github.com/BTreeMap/SchemaPipe/internal/whatsapp"
)

// WhatsAppService implements Service on top of the whatsmeow client.
type WhatsAppService struct {
	*eventChannels
	client    whatsapp.Sender
	startOnce sync.Once
}

// NewWhatsAppService wraps client. Inbound events are only received when
// client is also a whatsapp.EventSource.
func NewWhatsAppService(client whatsapp.Sender) *WhatsAppService {
	return &WhatsAppService{
		eventChannels: newEventChannels(),
		client:        client,
	}
}

func (s *WhatsAppService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalizePhone(recipient)
}

// Start subscribes to WhatsApp events. Calling it more than once is harmless.
func (s *WhatsAppService) Start(ctx context.Context) error {
	s.startOnce.Do(func() {
		src, ok := s.client.(whatsapp.EventSource)
		if !ok {
			slog.Debug("WhatsAppService.Start: client has no event source, inbound messages disabled")
			return
		}
		src.AddEventHandler(s.handleEvent)
		slog.Info("WhatsAppService.Start: event handler registered")
	})
	return nil
}

// Stop closes the event channels.
func (s *WhatsAppService) Stop() error {
	if s.stop() {
		slog.Info("WhatsAppService.Stop: channels closed")
	}
	return nil
}

// SendMessage sends body to a phone number and emits a sent receipt.
func (s *WhatsAppService) SendMessage(ctx context.Context, to string, body string) error {
	if s.isStopped() {
		return ErrServiceStopped
	}
	canonical, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return err
	}
	if err := s.client.SendMessage(ctx, canonical, body); err != nil {
		slog.Error("WhatsAppService.SendMessage: send failed", "error", err, "to", canonical)
		return err
	}
	s.emitReceipt(models.Receipt{To: canonical, Status: models.MessageStatusSent, Time: time.Now().Unix()})
	return nil
}

func (s *WhatsAppService) handleEvent(evt interface{}) {
	switch v := evt.(type) {
	case *events.Message:
		s.handleIncomingMessage(v)
	case *events.Receipt:
		s.handleMessageReceipt(v)
	}
}

// handleIncomingMessage forwards direct text messages from other users.
func (s *WhatsAppService) handleIncomingMessage(evt *events.Message) {
	if evt.Info.IsFromMe || evt.Info.IsGroup {
		return
	}
	text := whatsapp.MessageText(evt)
	if text == "" {
		slog.Debug("WhatsAppService.handleIncomingMessage: ignoring non-text message", "from", evt.Info.Sender.User)
		return
	}
	s.emitResponse(models.Response{
		From: evt.Info.Sender.User,
		Body: text,
		Time: evt.Info.Timestamp.Unix(),
	})
	slog.Debug("WhatsAppService.handleIncomingMessage: forwarded", "from", evt.Info.Sender.User, "body_length", len(text))
}

func (s *WhatsAppService) handleMessageReceipt(evt *events.Receipt) {
	var status models.MessageStatus
	switch evt.Type {
	case events.ReceiptTypeDelivered:
		status = models.MessageStatusDelivered
	case events.ReceiptTypeRead:
		status = models.MessageStatusRead
	default:
		return
	}
	s.emitReceipt(models.Receipt{
		To:     evt.MessageSource.Sender.User,
		Status: status,
		Time:   evt.Timestamp.Unix(),
	})
}
