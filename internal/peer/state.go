package peer

import (
	"errors"
	"fmt"
)

// State is the lifecycle of the connection to one remote participant.
type State int

const (
	StateNew State = iota
	StateNegotiating
	StateConnected
	StateClosed
)

var ErrInvalidTransition = errors.New("invalid peer state transition")

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Transition validates a move between states. Closed is terminal.
func Transition(from, to State) error {
	ok := false
	switch to {
	case StateNegotiating:
		ok = from == StateNew
	case StateConnected:
		ok = from == StateNegotiating
	case StateClosed:
		ok = from != StateClosed
	}
	if !ok {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// ShouldInitiate decides which side of a pair creates the offer. Exactly one
// of ShouldInitiate(a, b) and ShouldInitiate(b, a) is true for a != b.
func ShouldInitiate(localID, remoteID string) bool {
	return localID > remoteID
}
