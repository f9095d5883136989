// Package socket keeps one authenticated STOMP session open to the chat
// backend, routes inbound messages to registered listeners and publishes
// outbound chat, group, typing and presence events.
package socket

import (
	"context"
	"errors"
	"time"
)

// Category groups inbound messages for listener registration.
type Category string

const (
	CategoryDirectMessage Category = "direct-message"
	CategoryGroupMessage  Category = "group-message"
	CategoryPresence      Category = "presence"
	CategoryFriendship    Category = "friendship"
	CategoryTyping        Category = "typing"
	CategoryChatStatus    Category = "chat-status"
)

// Categories lists every category in registration order.
var Categories = []Category{
	CategoryDirectMessage,
	CategoryGroupMessage,
	CategoryPresence,
	CategoryFriendship,
	CategoryTyping,
	CategoryChatStatus,
}

// ConnState is the supervisor's view of the current session.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateFailed
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Media describes an attachment embedded as JSON in a message's content.
type Media struct {
	URL       string `json:"url"`
	MediaType string `json:"mediaType"`
}

// Message is a decoded inbound event.
type Message struct {
	Topic    string
	Category Category
	Payload  map[string]any
	Raw      []byte

	// IsMine reports whether the authenticated user sent the message.
	IsMine    bool
	Timestamp time.Time
	Media     *Media
}

// Field returns a payload field as text, or "" when it is absent.
func (m Message) Field(key string) string {
	return idString(m.Payload[key])
}

// OutboundMessage is a JSON payload bound for an application destination.
type OutboundMessage struct {
	Destination string
	Payload     any
}

// Reasons reported in ConnectResult.
const (
	ReasonNoToken      = "no-token"
	ReasonTimeout      = "timeout"
	ReasonDisconnected = "disconnected"
)

type ConnectResult struct {
	Connected bool
	Reason    string
}

type SendResult struct {
	Success bool
	Error   string
}

var (
	ErrNoToken           = errors.New("no credential available")
	ErrConnectTimeout    = errors.New("connect timed out")
	ErrHandshakeRejected = errors.New("stomp handshake rejected")
	ErrSessionClosed     = errors.New("stomp session closed")
	ErrDisconnected      = errors.New("client disconnected")
	ErrInvalidID         = errors.New("invalid id")
	ErrInvalidMessage    = errors.New("invalid message format")
)

// RejectedError carries the message header of an ERROR frame received
// in place of CONNECTED.
type RejectedError struct {
	Message string
}

func (e *RejectedError) Error() string {
	if e.Message == "" {
		return ErrHandshakeRejected.Error()
	}
	return ErrHandshakeRejected.Error() + ": " + e.Message
}

func (e *RejectedError) Unwrap() error { return ErrHandshakeRejected }

// reason converts a connect failure into the text reported to callers.
func reason(err error) string {
	var rejected *RejectedError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNoToken):
		return ReasonNoToken
	case errors.Is(err, ErrConnectTimeout), errors.Is(err, context.DeadlineExceeded):
		return ReasonTimeout
	case errors.Is(err, ErrDisconnected):
		return ReasonDisconnected
	case errors.As(err, &rejected) && rejected.Message != "":
		return rejected.Message
	}
	return err.Error()
}
