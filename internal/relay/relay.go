// Package relay talks to the relay server that assigns chat ids, stores
// ciphertext for offline peers and hosts encrypted media. The server never
// sees plaintext.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/matheus3301/port/internal/crypto"
)

// API is the relay surface used by the core. *Client implements it over
// HTTP; relaytest.Network implements it in memory.
type API interface {
	RegisterClient(ctx context.Context, signingPublic []byte) error
	RegisterPort(ctx context.Context, reg PortRegistration) error
	SetPortPaused(ctx context.Context, bundleID string, paused bool) error
	NewChat(ctx context.Context, req NewChatRequest) (*NewChatResponse, error)
	Send(ctx context.Context, env Envelope) (*SendReceipt, error)
	Pull(ctx context.Context, cursor string, limit int) (*Batch, error)
	UploadMedia(ctx context.Context, mediaID string, r io.Reader) error
	DownloadMedia(ctx context.Context, mediaID string, w io.Writer) error
	DeleteAccount(ctx context.Context) error
}

// PortRegistration tells the relay how often a bundle may open a chat.
type PortRegistration struct {
	BundleID string `json:"bundle_id"`
	// Limit of zero means unlimited.
	Limit     int    `json:"limit"`
	ExpiresAt int64  `json:"expires_at,omitempty"`
	Paused    bool   `json:"paused"`
	Target    string `json:"target"`
}

// NewChatRequest opens a chat through a bundle. Intro is opaque to the relay.
type NewChatRequest struct {
	BundleID string `json:"bundle_id"`
	Intro    []byte `json:"intro"`
}

// NewChatResponse carries the relay-assigned chat id and pair hash.
type NewChatResponse struct {
	ChatID   string `json:"chat_id"`
	PairHash string `json:"pair_hash"`
}

// Envelope is one sealed message addressed to a chat.
type Envelope struct {
	ChatID    string `json:"chat_id"`
	MessageID string `json:"message_id"`
	Payload   []byte `json:"payload"`
}

// SendReceipt acknowledges an envelope.
type SendReceipt struct {
	Timestamp int64 `json:"timestamp"`
}

// Inbound kinds.
const (
	KindNewChat = "new_chat"
	KindMessage = "message"
)

// Inbound is one item of a pull batch.
type Inbound struct {
	ServerID  string `json:"server_id"`
	Kind      string `json:"kind"`
	ChatID    string `json:"chat_id"`
	BundleID  string `json:"bundle_id,omitempty"`
	SenderID  string `json:"sender_id,omitempty"`
	Payload   []byte `json:"payload"`
	Timestamp int64  `json:"timestamp"`
}

// Batch is the result of a pull. Cursor resumes after the last item.
type Batch struct {
	Items  []Inbound `json:"items"`
	Cursor string    `json:"cursor"`
}

// PairHash binds two clients without naming either. It is symmetric, so
// both ends of a direct chat compute the same value.
func PairHash(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return crypto.Hash([]byte(a + "|" + b))
}

// GroupPairHash binds one member to a group chat.
func GroupPairHash(chatID, member string) string {
	return crypto.Hash([]byte(chatID + "|" + member))
}

// Error codes returned by the relay for bundle verdicts.
const (
	CodeInvalidPort   = "invalid_port"
	CodeExpiredPort   = "expired_port"
	CodeExhaustedPort = "exhausted_port"
	CodePausedPort    = "paused_port"
	CodeNotFound      = "not_found"
)

// StatusError is a relay rejection. Network failures are never a
// StatusError.
type StatusError struct {
	HTTPStatus int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("relay: %s (%d): %s", e.Code, e.HTTPStatus, e.Message)
}

// Code returns the relay error code carried by err, or "".
func Code(err error) string {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

// IsRejection reports whether err is a relay verdict rather than a
// transport failure.
func IsRejection(err error) bool {
	var se *StatusError
	return errors.As(err, &se)
}
