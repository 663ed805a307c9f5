// Package models defines the core data structures for SchemaPipe.
//
// It includes the interview schema and conversation state, messaging
// receipts and responses, transcript records and the API envelope.
package models

import "time"

// MessageStatus represents the delivery status of an outbound message.
type MessageStatus string

const (
	MessageStatusSent      MessageStatus = "sent"
	MessageStatusDelivered MessageStatus = "delivered"
	MessageStatusRead      MessageStatus = "read"
	MessageStatusFailed    MessageStatus = "failed"
)

// Receipt records a delivery event for an outbound message.
type Receipt struct {
	To     string        `json:"to"`
	Status MessageStatus `json:"status"`
	Time   int64         `json:"time"`
}

// Response represents an inbound message from a participant.
type Response struct {
	From string `json:"from"`
	Body string `json:"body"`
	Time int64  `json:"time"`
}

// TurnRecord is one processed turn as written to the transcript store.
type TurnRecord struct {
	SessionID   string    `json:"session_id"`
	Turn        int       `json:"turn"`
	PhaseBefore Phase     `json:"phase_before"`
	PhaseAfter  Phase     `json:"phase_after"`
	UserMessage string    `json:"user_message"`
	Reply       string    `json:"reply"`
	CreatedAt   time.Time `json:"created_at"`
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	APIStatusOK    APIStatus = "ok"
	APIStatusError APIStatus = "error"
)

// APIResponse is the JSON envelope returned by every HTTP endpoint.
type APIResponse struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Result  interface{} `json:"result,omitempty"`
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Result: result}
}

// SuccessWithMessage creates a successful API response with a message.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Message: message, Result: result}
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message}
}
