package messaging

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/BTreeMap/SchemaPipe/internal/models"
	"github.com/BTreeMap/SchemaPipe/internal/whatsapp"
)

var (
	_ Service = (*WhatsAppService)(nil)
	_ Service = (*TwilioService)(nil)
)

func textMessage(from, body string, mutate func(*types.MessageInfo)) *events.Message {
	info := types.MessageInfo{
		MessageSource: types.MessageSource{Sender: types.NewJID(from, whatsapp.JIDSuffix)},
		Timestamp:     time.Unix(1700000000, 0),
	}
	if mutate != nil {
		mutate(&info)
	}
	return &events.Message{Info: info, Message: &waE2E.Message{Conversation: &body}}
}

func TestWhatsAppServiceSendMessageEmitsReceipt(t *testing.T) {
	mock := whatsapp.NewMockClient()
	svc := NewWhatsAppService(mock)

	if err := svc.SendMessage(context.Background(), "+39 333 123 4567", "ciao"); err != nil {
		t.Fatalf("SendMessage returned error: %v", err)
	}
	if sent := mock.Messages(); len(sent) != 1 || sent[0].To != "393331234567" {
		t.Errorf("expected canonical recipient, got %+v", sent)
	}
	select {
	case r := <-svc.Receipts():
		if r.To != "393331234567" || r.Status != models.MessageStatusSent {
			t.Errorf("unexpected receipt %+v", r)
		}
	default:
		t.Fatal("expected a sent receipt")
	}
}

func TestWhatsAppServiceSendFailure(t *testing.T) {
	mock := whatsapp.NewMockClient()
	mock.Err = errors.New("offline")
	svc := NewWhatsAppService(mock)

	if err := svc.SendMessage(context.Background(), "393331234567", "ciao"); err == nil {
		t.Fatal("expected send error")
	}
	select {
	case r := <-svc.Receipts():
		t.Errorf("no receipt expected on failure, got %+v", r)
	default:
	}
	if err := svc.SendMessage(context.Background(), "12", "ciao"); err == nil {
		t.Error("expected validation error for short number")
	}
}

func TestWhatsAppServiceInboundEvents(t *testing.T) {
	mock := whatsapp.NewMockClient()
	svc := NewWhatsAppService(mock)
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	_ = svc.Start(context.Background())

	mock.Emit(textMessage("393331234567", "fromMe", func(i *types.MessageInfo) { i.IsFromMe = true }))
	mock.Emit(textMessage("393331234567", "group", func(i *types.MessageInfo) { i.IsGroup = true }))
	mock.Emit(textMessage("393331234567", "ho toccato una maniglia", nil))

	select {
	case r := <-svc.Responses():
		if r.From != "393331234567" || r.Body != "ho toccato una maniglia" || r.Time != 1700000000 {
			t.Errorf("unexpected response %+v", r)
		}
	default:
		t.Fatal("expected an inbound response")
	}
	select {
	case r := <-svc.Responses():
		t.Errorf("only one response expected, also got %+v (handler registered twice?)", r)
	default:
	}

	mock.Emit(&events.Receipt{
		MessageSource: types.MessageSource{Sender: types.NewJID("393331234567", whatsapp.JIDSuffix)},
		Type:          events.ReceiptTypeRead,
		Timestamp:     time.Unix(1700000100, 0),
	})
	select {
	case r := <-svc.Receipts():
		if r.Status != models.MessageStatusRead || r.To != "393331234567" {
			t.Errorf("unexpected receipt %+v", r)
		}
	default:
		t.Fatal("expected a read receipt")
	}
}

func TestWhatsAppServiceStop(t *testing.T) {
	svc := NewWhatsAppService(whatsapp.NewMockClient())
	if err := svc.Stop(); err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}
	if err := svc.Stop(); err != nil {
		t.Fatalf("second Stop returned error: %v", err)
	}
	if _, ok := <-svc.Receipts(); ok {
		t.Error("expected receipts channel closed")
	}
	if _, ok := <-svc.Responses(); ok {
		t.Error("expected responses channel closed")
	}
	if err := svc.SendMessage(context.Background(), "393331234567", "ciao"); !errors.Is(err, ErrServiceStopped) {
		t.Errorf("expected ErrServiceStopped, got %v", err)
	}
}

func TestCanonicalizePhone(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"whatsapp:+393331234567", "393331234567", false},
		{"+1 (555) 123-4567", "15551234567", false},
		{"", "", true},
		{"abc", "", true},
		{"12345", "", true},
	}
	for _, tt := range tests {
		got, err := canonicalizePhone(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("canonicalizePhone(%q) = %q, %v", tt.in, got, err)
		}
	}
}
