package handshake

import (
	"slices"

	"github.com/matheus3301/port/internal/store"
)

// State is the lifecycle of a connection.
type State string

const (
	PendingExchange State = "pending_exchange"
	Authenticated   State = "authenticated"
	Disconnected    State = "disconnected"
)

var validTransitions = map[State][]State{
	PendingExchange: {Authenticated, Disconnected},
	Authenticated:   {Disconnected},
	Disconnected:    {},
}

// StateOf derives the state of a stored connection.
func StateOf(c *store.Connection) State {
	switch {
	case c.Disconnected:
		return Disconnected
	case c.Authenticated:
		return Authenticated
	}
	return PendingExchange
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to State) bool {
	return slices.Contains(validTransitions[from], to)
}
