package toolserver

import (
	"fmt"

	apperrors "github.com/loopgate/loopgate/pkg/errors"
)

// ServerStatus is the registry's view of one server. It is coarser than
// ClientState: it survives across client instances and drives retry policy.
type ServerStatus string

const (
	// StatusDisabled servers are registered but never dialed.
	StatusDisabled ServerStatus = "disabled"
	// StatusDisconnected servers are idle and eligible for connection.
	StatusDisconnected ServerStatus = "disconnected"
	// StatusConnecting servers have a dial in flight.
	StatusConnecting ServerStatus = "connecting"
	// StatusConnected servers have a ready client.
	StatusConnected ServerStatus = "connected"
	// StatusError servers failed their last attempt or health check.
	StatusError ServerStatus = "error"
)

// validStatusTransitions encodes the allowed moves. Disabling is allowed
// from anywhere; everything else follows the connect/fail/retry cycle.
var validStatusTransitions = map[ServerStatus]map[ServerStatus]bool{
	StatusDisabled: {
		StatusDisconnected: true,
	},
	StatusDisconnected: {
		StatusConnecting: true,
		StatusDisabled:   true,
	},
	StatusConnecting: {
		StatusConnected:    true,
		StatusError:        true,
		StatusDisconnected: true,
		StatusDisabled:     true,
	},
	StatusConnected: {
		StatusError:        true,
		StatusDisconnected: true,
		StatusDisabled:     true,
	},
	StatusError: {
		StatusConnecting:   true,
		StatusDisconnected: true,
		StatusDisabled:     true,
	},
}

// CanTransition reports whether from → to is a legal status move.
func CanTransition(from, to ServerStatus) bool {
	if from == to {
		return true
	}
	return validStatusTransitions[from][to]
}

// checkTransition returns a typed error for an illegal move.
func checkTransition(server string, from, to ServerStatus) error {
	if !CanTransition(from, to) {
		return apperrors.NewInvalidInputError(
			fmt.Sprintf("server %q cannot go %s -> %s", server, from, to))
	}
	return nil
}
