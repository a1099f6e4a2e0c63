package pipeline

// AllowedTransitions is the authoritative directed graph of conversation
// state changes. A transition not present here must be rejected by the
// store with ErrInvalidTransition, inside the same transaction that would
// otherwise have written the new state.
var AllowedTransitions = map[State][]State{
	StateReceived:           {StateReasoningRequested},
	StateReasoningRequested: {StateIntentValidated, StateFailedValidation},
	StateIntentValidated:    {StateActionRequested},
	StateActionRequested:    {StateActionCompleted, StateFailedExecution},
	StateActionCompleted:    nil,
	StateFailedValidation:   nil,
	StateFailedExecution:    nil,
}

// CanTransition reports whether the graph permits from -> to.
func CanTransition(from, to State) bool {
	for _, allowed := range AllowedTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
