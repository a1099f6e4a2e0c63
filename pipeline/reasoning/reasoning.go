// Package reasoning defines the Reasoner's sole collaborator: a pure
// function from conversation content to a candidate action intent. Real
// inference — calling out to an LLM — is intentionally kept outside this
// package's scope; Func's contract only requires that implementations be
// deterministic enough for the Reasoner's retry path to behave sanely and
// free of their own side effects, so a caller can invoke Func as many
// times as delivery semantics demand.
package reasoning

import "context"

// Candidate is the raw shape a Func proposes for a user message, before
// pipeline/schema validates it into a pipeline.ReasoningIntent. It is
// expressed as a generic map because validation — not this package — is
// responsible for enforcing the intent shape.
type Candidate map[string]interface{}

// Func maps a conversation's accumulated content to a candidate intent.
// content is the full text the Reasoner has assembled for the
// conversation (typically just the latest user message, but callers may
// fold in prior turns). Implementations must not mutate shared state
// reachable from outside the call and must be safe for concurrent use by
// multiple Reasoner workers.
type Func func(ctx context.Context, conversationID, messageID, content string) (Candidate, error)

// Call tracks a single invocation of a Func, recorded by Mock for
// assertions in tests.
type Call struct {
	ConversationID string
	MessageID      string
	Content        string
}
