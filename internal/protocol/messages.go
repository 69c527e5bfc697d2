// ABOUTME: JSON messages exchanged with worker agents over the control WebSocket
// ABOUTME: Envelope is keyed by "type" and matches the browser extension contract

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// MessageType identifies a worker protocol message.
type MessageType string

const (
	TypeAuth        MessageType = "auth"
	TypeAuthSuccess MessageType = "auth_success"
	TypePing        MessageType = "ping"
	TypePong        MessageType = "pong"
	TypeRequest     MessageType = "request"
	TypeResponse    MessageType = "response"
	TypeError       MessageType = "error"
)

// Error strings sent back to a worker that misbehaves on the wire.
const (
	ErrTextInvalidFormat = "Invalid message format"
	ErrTextUnknownType   = "Unknown message type"
	ErrTextNotAuthorized = "Not authenticated"
)

// ErrMissingType is returned when a frame decodes but carries no type.
var ErrMissingType = errors.New("message has no type")

// Message is the single envelope used in both directions. Only the fields
// relevant to Type are populated.
type Message struct {
	Type MessageType `json:"type"`

	// auth
	UserAgent string `json:"user_agent,omitempty"`
	Browser   string `json:"browser,omitempty"`
	Platform  string `json:"platform,omitempty"`

	// auth_success
	BotID             string `json:"bot_id,omitempty"`
	HeartbeatInterval int64  `json:"heartbeat_interval,omitempty"` // milliseconds

	// request / response
	RequestID string            `json:"request_id,omitempty"`
	Method    string            `json:"method,omitempty"`
	URL       string            `json:"url,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	Body      string            `json:"body,omitempty"`
	Status    int               `json:"status,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// Decode parses a worker frame.
func Decode(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("decoding message: %w", err)
	}
	if msg.Type == "" {
		return Message{}, ErrMissingType
	}
	return msg, nil
}

// Encode serializes a message for the wire.
func Encode(msg Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encoding %s message: %w", msg.Type, err)
	}
	return data, nil
}

// NewAuthSuccess acknowledges a registration and tells the worker how often
// to heartbeat.
func NewAuthSuccess(workerID string, heartbeat time.Duration) Message {
	return Message{
		Type:              TypeAuthSuccess,
		BotID:             workerID,
		HeartbeatInterval: heartbeat.Milliseconds(),
	}
}

// NewPing builds a liveness probe.
func NewPing() Message {
	return Message{Type: TypePing}
}

// NewError builds an error reply for a malformed or unexpected frame.
func NewError(text string) Message {
	return Message{Type: TypeError, Error: text}
}

// NewRequest turns a queued job into the dispatch payload sent to a worker.
func NewRequest(job Job) Message {
	return Message{
		Type:      TypeRequest,
		RequestID: job.RequestID,
		Method:    job.Method,
		URL:       job.URL,
		Headers:   job.Headers,
		Body:      job.Body,
	}
}
