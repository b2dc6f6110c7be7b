package transfer

import (
	"errors"
	"fmt"
)

// State tracks one transfer through its lifecycle.
type State string

const (
	StateRequested        State = "requested"
	StateAutoAccepted     State = "auto-accepted"
	StateAwaitingDecision State = "awaiting-decision"
	StateAccepted         State = "accepted"
	StateRejected         State = "rejected"
	StateTransferring     State = "transferring"
	StateComplete         State = "complete"
	StateCancelled        State = "cancelled"
)

var (
	// ErrInvalidName rejects filenames and folder names before they can
	// reach the filesystem.
	ErrInvalidName = errors.New("transfer: invalid file or folder name")
	// ErrOffline rejects transfers addressed to a receiver that is not online.
	ErrOffline = errors.New("transfer: receiver is offline")
	// ErrUnknownTransfer means no tracked transfer matches the key.
	ErrUnknownTransfer = errors.New("transfer: unknown transfer")
	// ErrBadTransition means the requested state change is not allowed.
	ErrBadTransition = errors.New("transfer: state transition not allowed")
)

var allowedTransitions = map[State][]State{
	StateRequested:        {StateAutoAccepted, StateAwaitingDecision, StateCancelled},
	StateAwaitingDecision: {StateAccepted, StateRejected, StateCancelled},
	StateAutoAccepted:     {StateTransferring, StateCancelled},
	StateAccepted:         {StateTransferring, StateCancelled},
	StateTransferring:     {StateComplete, StateCancelled},
	StateRejected:         {},
	StateComplete:         {},
	StateCancelled:        {},
}

func transitionAllowed(from, to State) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Key identifies a transfer by its endpoints and payload name.
type Key struct {
	Filename string
	Sender   string
	Receiver string
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%s->%s", k.Filename, k.Sender, k.Receiver)
}
