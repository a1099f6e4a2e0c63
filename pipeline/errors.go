package pipeline

import (
	"errors"
	"fmt"
)

// ErrConversationExists is returned by Store.CreateConversation when the
// conversation ID is already taken.
var ErrConversationExists = errors.New("pipeline: conversation already exists")

// ErrConversationNotFound names a missing conversation document. The store
// implementations do not return it: they report a missing conversation as
// store.ErrNotFound.
var ErrConversationNotFound = errors.New("pipeline: conversation not found")

// ErrInvalidTransition is returned by Store.TransitionState when the
// requested (current -> next) pair is not present in AllowedTransitions.
// The Reasoner tolerates exactly one case of this error: see
// pipeline/reasoner for the INTENT_VALIDATED retry accommodation.
type ErrInvalidTransition struct {
	ConversationID string
	From           State
	To             State
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("pipeline: invalid transition for conversation %s: %s -> %s", e.ConversationID, e.From, e.To)
}

// IsInvalidTransition reports whether err is (or wraps) an
// ErrInvalidTransition and returns it. It does not compare the target
// state with the conversation's current state; callers that tolerate a
// retry already landed on the target state re-read the conversation
// themselves.
func IsInvalidTransition(err error) (*ErrInvalidTransition, bool) {
	var target *ErrInvalidTransition
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// ErrUnknownReceiptStatus marks a receipt whose status is outside
// {processing, completed} — a state that should be unreachable given the
// status values this package writes. A store implementation logs it via
// its injected logger and treats the claim as a rejection rather than
// propagating a hard failure: that preserves the never-double-execute
// property at the cost of a receipt that can stay stuck until an operator
// notices the log line and intervenes.
var ErrUnknownReceiptStatus = errors.New("pipeline: receipt has unknown status")
