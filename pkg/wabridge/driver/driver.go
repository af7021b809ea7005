// Package driver defines the contract between the session core and the
// chat automation driver. A driver owns authentication, transport and the
// provider-side message store; the core only sees the typed events and
// calls declared here.
package driver

import (
	"context"
	"errors"
	"time"
)

// EventKind identifies a driver lifecycle or message event.
type EventKind string

const (
	// EventChallenge carries a QR payload the user must scan.
	EventChallenge EventKind = "challenge"
	// EventAuthenticated means the challenge was accepted.
	EventAuthenticated EventKind = "authenticated"
	// EventAuthFailure means authentication was rejected or expired.
	EventAuthFailure EventKind = "auth_failure"
	// EventReady means the session can serve reads and writes.
	EventReady EventKind = "ready"
	// EventDisconnected means the transport dropped.
	EventDisconnected EventKind = "disconnected"
	// EventLifecycleHint is a raw connection-state notification.
	EventLifecycleHint EventKind = "lifecycle_hint"
	// EventMessage is an inbound message or an echo of an outbound one.
	EventMessage EventKind = "message"
)

// Lifecycle hint values.
const (
	HintConnected        = "connected"
	HintKeepAliveTimeout = "keepalive_timeout"
)

// Event is a single notification from the driver. Only the fields that
// belong to Kind are set.
type Event struct {
	Kind EventKind

	// Challenge is the QR payload (EventChallenge).
	Challenge string

	// Reason describes auth failures and disconnects.
	Reason string

	// Hint is the raw state for EventLifecycleHint.
	Hint string

	// Message is set for EventMessage.
	Message *Message
}

// IndicatesConnected reports whether a lifecycle hint means the session is
// connected.
func (e Event) IndicatesConnected() bool {
	return e.Kind == EventLifecycleHint && e.Hint == HintConnected
}

// Direction of a message relative to the local account.
type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

// MessageType classifies message content.
type MessageType string

const (
	MessageText     MessageType = "text"
	MessageImage    MessageType = "image"
	MessageAudio    MessageType = "audio"
	MessageVideo    MessageType = "video"
	MessageDocument MessageType = "document"
	MessageSticker  MessageType = "sticker"
	MessageLocation MessageType = "location"
	MessageContact  MessageType = "contact"
	MessageReaction MessageType = "reaction"
	MessageOther    MessageType = "other"
)

// Message is a provider message as the driver reports it.
type Message struct {
	ID             string
	ConversationID string
	Direction      Direction
	Type           MessageType

	// Body is the text, or a placeholder such as "[image]" for media.
	Body string

	Timestamp time.Time

	// SenderID and SenderName identify the author of inbound messages.
	SenderID   string
	SenderName string

	// ReplyTo is the id of the quoted message, if any.
	ReplyTo string
}

// Contact is an address-book entry from the provider.
type Contact struct {
	ID          string
	DisplayName string
	PushName    string
}

// Chat is an active conversation from the provider.
type Chat struct {
	ID      string
	Name    string
	IsGroup bool
}

// Media is an outgoing attachment.
type Media struct {
	Data     []byte
	MimeType string
	Filename string
	Caption  string
}

// ChatState is a typing indicator value.
type ChatState string

const (
	ChatTyping    ChatState = "typing"
	ChatRecording ChatState = "recording"
	ChatPaused    ChatState = "paused"
)

// ConnState is the raw connection state probed from the driver.
type ConnState string

const (
	ConnConnected    ConnState = "connected"
	ConnPairing      ConnState = "pairing"
	ConnDisconnected ConnState = "disconnected"
)

// Driver is a live chat automation session.
type Driver interface {
	// Events returns the event stream. It is closed by Destroy.
	Events() <-chan Event

	// Start bootstraps the session. Events may arrive before it returns.
	Start(ctx context.Context) error

	// Destroy tears the session down. Auth material is kept.
	Destroy(ctx context.Context) error

	// Logout unlinks the device on the provider side.
	Logout(ctx context.Context) error

	// Alive reports whether the driver can still reach the provider.
	Alive() bool

	// ConnectionState probes the raw connection state.
	ConnectionState(ctx context.Context) (ConnState, error)

	Contacts(ctx context.Context) ([]Contact, error)
	Chats(ctx context.Context) ([]Chat, error)
	Chat(ctx context.Context, id string) (Chat, error)

	// FetchMessages returns up to limit of the most recent messages the
	// driver knows for a conversation, oldest first.
	FetchMessages(ctx context.Context, conversationID string, limit int) ([]Message, error)

	// RequestHistorySync asks the provider to backfill older messages.
	// Results arrive asynchronously and show up in later FetchMessages calls.
	RequestHistorySync(ctx context.Context, conversationID string) error

	SendText(ctx context.Context, to, text string) (Message, error)
	SendMedia(ctx context.Context, to string, media Media) (Message, error)
	React(ctx context.Context, conversationID, messageID, emoji string) error
	Reply(ctx context.Context, conversationID, messageID, text string) (Message, error)
	Delete(ctx context.Context, conversationID, messageID string, forEveryone bool) error
	Edit(ctx context.Context, conversationID, messageID, text string) error
	SetChatState(ctx context.Context, conversationID string, state ChatState) error
}

// Factory creates a fresh, unstarted driver.
type Factory func() (Driver, error)

// Errors.
var (
	ErrNoSession   = errors.New("driver session not started")
	ErrUnsupported = errors.New("operation not supported by driver")
	ErrInvalidID   = errors.New("invalid conversation id")
)
