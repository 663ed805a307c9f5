// Package messaging connects chat transports to the interview sessions.
//
// A Service delivers outbound text and exposes inbound messages and delivery
// receipts as channels; ResponseHandler turns each inbound message into one
// interview turn and sends the reply back.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/BTreeMap/SchemaPipe/internal/models"
)

const (
	// DefaultChannelBufferSize is the buffer size of receipt and response channels.
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout bounds how long an event may wait for a full channel.
	DefaultChannelTimeout = 1 * time.Second
	// minPhoneDigits is the shortest accepted canonical phone number.
	minPhoneDigits = 6
)

// ErrServiceStopped is returned when sending through a stopped service.
var ErrServiceStopped = errors.New("messaging service stopped")

var phoneNumberRegex = regexp.MustCompile(`\D`)

// Service defines a pluggable message delivery abstraction.
type Service interface {
	// ValidateAndCanonicalizeRecipient returns the digits-only form of a phone number.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)
	SendMessage(ctx context.Context, to string, body string) error
	Start(ctx context.Context) error
	Stop() error
	Receipts() <-chan models.Receipt
	Responses() <-chan models.Response
}

// canonicalizePhone strips everything but digits, so "whatsapp:+39 333..."
// and "39333..." name the same user.
func canonicalizePhone(recipient string) (string, error) {
	if recipient == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	canonical := phoneNumberRegex.ReplaceAllString(recipient, "")
	if canonical == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(canonical) < minPhoneDigits {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum %d digits required)", canonical, minPhoneDigits)
	}
	return canonical, nil
}

// eventChannels owns the receipt and response channels of a service. Sends
// hold the read lock so that stop never closes a channel mid-send.
type eventChannels struct {
	mu        sync.RWMutex
	stopped   bool
	receipts  chan models.Receipt
	responses chan models.Response
}

func newEventChannels() *eventChannels {
	return &eventChannels{
		receipts:  make(chan models.Receipt, DefaultChannelBufferSize),
		responses: make(chan models.Response, DefaultChannelBufferSize),
	}
}

func (e *eventChannels) isStopped() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.stopped
}

// stop closes both channels once. It reports whether this call stopped them.
func (e *eventChannels) stop() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return false
	}
	e.stopped = true
	close(e.receipts)
	close(e.responses)
	return true
}

func (e *eventChannels) emitReceipt(r models.Receipt) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.stopped {
		return
	}
	select {
	case e.receipts <- r:
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("messaging: receipts channel blocked, dropping receipt", "to", r.To, "status", r.Status)
	}
}

func (e *eventChannels) emitResponse(r models.Response) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.stopped {
		slog.Warn("messaging: service stopped, dropping inbound message", "from", r.From)
		return
	}
	select {
	case e.responses <- r:
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("messaging: responses channel blocked, dropping message", "from", r.From)
	}
}

func (e *eventChannels) Receipts() <-chan models.Receipt {
	return e.receipts
}

func (e *eventChannels) Responses() <-chan models.Response {
	return e.responses
}
