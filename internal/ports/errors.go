package ports

import (
	"errors"
	"fmt"

	"github.com/matheus3301/port/internal/relay"
	"github.com/matheus3301/port/internal/store"
)

// Code is the reason a bundle could not open a connection.
type Code string

const (
	CodeInvalidPort   Code = "INVALID_PORT"
	CodeExpiredPort   Code = "EXPIRED_PORT"
	CodePausedPort    Code = "PAUSED_PORT"
	CodeAlreadyExists Code = "CONNECTION_ALREADY_EXISTS"
)

// ConnectionError is a verdict on a bundle. It is returned as a value next
// to the ordinary error so callers can show it without treating it as a
// failure of the client.
type ConnectionError struct {
	Code Code
	Err  error
}

func (e *ConnectionError) Error() string {
	if e.Err == nil {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

var (
	ErrPortNotFound        = errors.New("port not found")
	ErrChatNotFound        = errors.New("chat not found")
	ErrFolderNotFound      = errors.New("folder not found")
	ErrNotDirect           = errors.New("contact ports exist only for direct chats")
	ErrContactPortNotFound = errors.New("contact port not found")
	ErrContactPortPaused   = errors.New("contact port paused")
	ErrContactSharingOff   = errors.New("contact sharing is off for this chat")
)

// errAlreadyConnected marks a bundle whose chat already left
// pending_exchange.
var errAlreadyConnected = errors.New("already connected through this bundle")

// storeVerdict maps store port verdicts. It returns nil for errors that
// are not verdicts.
func storeVerdict(err error) *ConnectionError {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return &ConnectionError{Code: CodeInvalidPort, Err: err}
	case errors.Is(err, store.ErrPortPaused):
		return &ConnectionError{Code: CodePausedPort, Err: err}
	case errors.Is(err, store.ErrPortExhausted), errors.Is(err, store.ErrPortExpired):
		return &ConnectionError{Code: CodeExpiredPort, Err: err}
	case errors.Is(err, store.ErrPairHashExists), errors.Is(err, store.ErrConnectionExists),
		errors.Is(err, errAlreadyConnected):
		return &ConnectionError{Code: CodeAlreadyExists, Err: err}
	}
	return nil
}

// relayVerdict maps relay rejections of a bundle. It returns nil for
// anything that is not a bundle verdict.
func relayVerdict(err error) *ConnectionError {
	switch relay.Code(err) {
	case relay.CodeInvalidPort, relay.CodeNotFound:
		return &ConnectionError{Code: CodeInvalidPort, Err: err}
	case relay.CodeExpiredPort, relay.CodeExhaustedPort:
		return &ConnectionError{Code: CodeExpiredPort, Err: err}
	case relay.CodePausedPort:
		return &ConnectionError{Code: CodePausedPort, Err: err}
	}
	return nil
}

// Verdict returns the ConnectionError carried by err, or nil.
func Verdict(err error) *ConnectionError {
	var ce *ConnectionError
	if errors.As(err, &ce) {
		return ce
	}
	if v := storeVerdict(err); v != nil {
		return v
	}
	return relayVerdict(err)
}
