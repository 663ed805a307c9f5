package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/SchemaPipe/internal/models"
	"github.com/BTreeMap/SchemaPipe/internal/store"
)

// ResetCommand restarts the interview from scratch.
const ResetCommand = "/reset"

const failureReply = "Mi dispiace, in questo momento non riesco a rispondere. Riprova tra qualche istante."

// Conversations runs interview turns keyed by session ID.
type Conversations interface {
	HandleMessage(ctx context.Context, id, message string) (string, *models.ConversationState, error)
	Reset(ctx context.Context, id string) (string, error)
}

// ResponseHandler routes inbound chat messages into interview sessions. The
// sender's canonical phone number is the session ID.
type ResponseHandler struct {
	msgService Service
	sessions   Conversations
	transcript store.Store
}

// NewResponseHandler creates a handler. transcript may be nil, in which
// case receipts and responses are not recorded.
func NewResponseHandler(msgService Service, sessions Conversations, transcript store.Store) *ResponseHandler {
	return &ResponseHandler{msgService: msgService, sessions: sessions, transcript: transcript}
}

// ProcessResponse handles one inbound message and sends the reply. Users
// always get a message back; the returned error is for logging.
func (rh *ResponseHandler) ProcessResponse(ctx context.Context, response models.Response) error {
	from, err := rh.msgService.ValidateAndCanonicalizeRecipient(response.From)
	if err != nil {
		return fmt.Errorf("invalid sender: %w", err)
	}
	response.From = from
	if rh.transcript != nil {
		if err := rh.transcript.AddResponse(response); err != nil {
			slog.Warn("ResponseHandler.ProcessResponse: failed to record response", "error", err, "from", from)
		}
	}

	reply, procErr := rh.reply(ctx, from, strings.TrimSpace(response.Body))
	if procErr != nil {
		slog.Error("ResponseHandler.ProcessResponse: turn failed", "error", procErr, "from", from)
		reply = failureReply
	}
	if err := rh.msgService.SendMessage(ctx, from, reply); err != nil {
		return fmt.Errorf("failed to send reply to %s: %w", from, err)
	}
	return procErr
}

func (rh *ResponseHandler) reply(ctx context.Context, from, body string) (string, error) {
	if strings.EqualFold(body, ResetCommand) {
		slog.Info("ResponseHandler.reply: reset requested", "from", from)
		return rh.sessions.Reset(ctx, from)
	}

	reply, state, err := rh.sessions.HandleMessage(ctx, from, body)
	if errors.Is(err, store.ErrSessionNotFound) {
		// First contact, or an expired session: greet instead of processing.
		slog.Info("ResponseHandler.reply: starting session for new sender", "from", from)
		return rh.sessions.Reset(ctx, from)
	}
	if err != nil {
		return "", err
	}
	slog.Debug("ResponseHandler.reply: turn processed", "from", from, "phase", state.Phase)
	return reply, nil
}

// Start consumes inbound messages and receipts until ctx is done or the
// service closes its channels.
func (rh *ResponseHandler) Start(ctx context.Context) {
	slog.Info("ResponseHandler.Start: processing responses")
	go func() {
		defer slog.Info("ResponseHandler.Start: response loop stopped")
		for {
			select {
			case response, ok := <-rh.msgService.Responses():
				if !ok {
					return
				}
				if err := rh.ProcessResponse(ctx, response); err != nil {
					slog.Error("ResponseHandler.Start: failed to process response", "error", err, "from", response.From)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	go func() {
		for {
			select {
			case receipt, ok := <-rh.msgService.Receipts():
				if !ok {
					return
				}
				if rh.transcript == nil {
					continue
				}
				if err := rh.transcript.AddReceipt(receipt); err != nil {
					slog.Warn("ResponseHandler.Start: failed to record receipt", "error", err, "to", receipt.To)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}
