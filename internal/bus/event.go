package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds. Subscribers filter on the dotted prefix, e.g. "message.".
const (
	StatusChanged = "session.status_changed"

	MessageJournaled  = "message.journaled"
	MessageSent       = "message.sent"
	MessageSendFailed = "message.send_failed"
	MessageReceived   = "message.received"
	MessageStatus     = "message.status"
	MessageExpired    = "message.expired"
	ReactionUpdated   = "message.reaction"

	ConnectionCreated       = "connection.created"
	ConnectionAuthenticated = "connection.authenticated"
	ConnectionDisconnected  = "connection.disconnected"
	ConnectionUpdated       = "connection.updated"

	PortCreated  = "port.created"
	PortConsumed = "port.consumed"
	PortPaused   = "port.paused"
	PortResumed  = "port.resumed"
	PortsCleaned = "port.cleaned"

	RelayNotified   = "relay.notified"
	ReconcileFinish = "sync.reconciled"
)

// MessageRef identifies a message in event payloads.
type MessageRef struct {
	ChatID    string `json:"chat_id"`
	MessageID string `json:"message_id"`
}
