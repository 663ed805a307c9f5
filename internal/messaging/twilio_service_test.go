package messaging

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"testing"

	"github.com/BTreeMap/SchemaPipe/internal/models"
	"github.com/BTreeMap/SchemaPipe/internal/twiliowhatsapp"
)

func twilioSignature(token, fullURL string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	payload := fullURL
	for _, k := range keys {
		payload += k + form.Get(k)
	}
	mac := hmac.New(sha1.New, []byte(token))
	mac.Write([]byte(payload))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func postForm(h http.HandlerFunc, form url.Values, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "http://example.com/webhooks/twilio", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h(rec, req)
	return rec
}

func TestTwilioWebhookForwardsMessage(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient())
	rec := postForm(svc.WebhookHandler, url.Values{"From": {"whatsapp:+393331234567"}, "Body": {"ciao"}}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "<Response></Response>") {
		t.Errorf("expected empty TwiML, got %q", rec.Body.String())
	}
	select {
	case r := <-svc.Responses():
		if r.From != "whatsapp:+393331234567" || r.Body != "ciao" {
			t.Errorf("unexpected response %+v", r)
		}
	default:
		t.Fatal("expected a forwarded response")
	}
}

func TestTwilioWebhookRejectsIncompleteForm(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient())
	rec := postForm(svc.WebhookHandler, url.Values{"From": {"whatsapp:+393331234567"}}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestTwilioWebhookStatusCallback(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient())
	rec := postForm(svc.WebhookHandler, url.Values{"MessageStatus": {"undelivered"}, "To": {"whatsapp:+393331234567"}}, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	select {
	case r := <-svc.Receipts():
		if r.Status != models.MessageStatusFailed || r.To != "393331234567" {
			t.Errorf("unexpected receipt %+v", r)
		}
	default:
		t.Fatal("expected a receipt")
	}
}

func TestTwilioWebhookSignature(t *testing.T) {
	const token = "secret"
	const hook = "https://bot.example.com/webhooks/twilio"
	svc := NewTwilioService(twiliowhatsapp.NewMockClient(), WithWebhookValidation(token, hook))
	form := url.Values{"From": {"whatsapp:+393331234567"}, "Body": {"ciao"}}

	rec := postForm(svc.WebhookHandler, form, map[string]string{twiliowhatsapp.SignatureHeader: "bogus"})
	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403 for bad signature, got %d", rec.Code)
	}

	sig := twilioSignature(token, hook, form)
	rec = postForm(svc.WebhookHandler, form, map[string]string{twiliowhatsapp.SignatureHeader: sig})
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 for valid signature, got %d", rec.Code)
	}
}

func TestTwilioServiceSendMessage(t *testing.T) {
	mock := twiliowhatsapp.NewMockClient()
	svc := NewTwilioService(mock)
	if err := svc.SendMessage(context.Background(), "whatsapp:+393331234567", "ciao"); err != nil {
		t.Fatalf("SendMessage returned error: %v", err)
	}
	if sent := mock.Messages(); len(sent) != 1 || sent[0].To != "393331234567" {
		t.Errorf("unexpected messages %+v", sent)
	}
	if r := <-svc.Receipts(); r.Status != models.MessageStatusSent {
		t.Errorf("unexpected receipt %+v", r)
	}

	_ = svc.Stop()
	if err := svc.SendMessage(context.Background(), "393331234567", "ciao"); err != ErrServiceStopped {
		t.Errorf("expected ErrServiceStopped, got %v", err)
	}
}

func TestRequestURL(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "http://bot.example.com/webhooks/twilio?x=1", nil)
	req.Header.Set("X-Forwarded-Proto", "https")
	if got := requestURL(req); got != "https://bot.example.com/webhooks/twilio?x=1" {
		t.Errorf("unexpected URL %q", got)
	}
}
