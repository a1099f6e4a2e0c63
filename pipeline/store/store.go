// Package store persists the pipeline's document model and implements the
// transition protocol and the two dedup primitives (receipts and
// idempotency keys) that give the pipeline its at-least-once-safe
// delivery guarantees.
//
// Every multi-step invariant (transition check + write, receipt
// read-modify-write, idempotency key claim) is performed inside a single
// transaction scoped to one conversation or one global key document. No
// transaction spans unrelated roots.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/agentmesh/orchestrator/pipeline"
)

// ErrNotFound is returned when a requested document does not exist.
var ErrNotFound = errors.New("store: not found")

// ErrUnavailable wraps transient backend failures. Callers raise it so the
// bus redelivers; the stale-receipt reclamation path then guarantees
// forward progress.
var ErrUnavailable = errors.New("store: unavailable")

// DefaultStaleThreshold is the default value of the configurable receipt
// stale threshold: a processing receipt older than this is eligible for
// reclamation by a retrying worker.
const DefaultStaleThreshold = 2 * time.Minute

// ConversationView bundles a conversation with all of its scoped children,
// the shape GET /conversations/{id} returns.
type ConversationView struct {
	pipeline.Conversation
	Messages []pipeline.UserMessage      `json:"messages"`
	Intents  []pipeline.ReasoningIntent  `json:"intents"`
	Results  []pipeline.ActionResult     `json:"results"`
	Events   []pipeline.EventLogEntry    `json:"events"`
}

// Store is the document store and transaction boundary shared by Ingress,
// Reasoner, and Executor. Implementations must make every method safe for
// concurrent use by independently deployed worker processes; the only
// coordination primitive available across processes is the store itself.
type Store interface {
	// CreateConversation sets state RECEIVED and both timestamps. Fails
	// with pipeline.ErrConversationExists if id is already taken.
	CreateConversation(ctx context.Context, id string) error

	// GetConversation returns the conversation's top-level document.
	// Returns ErrNotFound if id does not exist.
	GetConversation(ctx context.Context, id string) (pipeline.Conversation, error)

	// GetConversationView returns the conversation plus all scoped
	// children, for the read surface exposed by GET /conversations/{id}.
	GetConversationView(ctx context.Context, id string) (ConversationView, error)

	// TransitionState checks (current -> next) against
	// pipeline.AllowedTransitions inside one transaction and, if allowed,
	// writes next and bumps UpdatedAt. Returns *pipeline.ErrInvalidTransition
	// otherwise.
	TransitionState(ctx context.Context, conversationID string, next pipeline.State) error

	// SaveMessage persists a UserMessage under its conversation. Messages
	// are immutable once saved.
	SaveMessage(ctx context.Context, msg pipeline.UserMessage) error

	// SaveIntent persists a ReasoningIntent exactly once, valid or not.
	SaveIntent(ctx context.Context, intent pipeline.ReasoningIntent) error

	// SaveActionResult persists an ActionResult exactly once per
	// (conversationID, intentID).
	SaveActionResult(ctx context.Context, result pipeline.ActionResult) error

	// FindActionResultByIntentID is the Executor's second line of defense
	// against double execution, checked after ClaimReceipt succeeds.
	FindActionResultByIntentID(ctx context.Context, conversationID, intentID string) (bool, error)

	// AppendEvent writes an audit entry scoped to its conversation.
	AppendEvent(ctx context.Context, entry pipeline.EventLogEntry) error

	// ClaimReceipt is the pipeline's central deduplication primitive. It
	// returns true if the caller may proceed with processing eventID
	// (either a fresh claim or a reclaimed stale one), false if another
	// claim is live or already completed.
	ClaimReceipt(ctx context.Context, eventID string, meta pipeline.ReceiptClaimMeta, staleThreshold time.Duration) (bool, error)

	// CompleteReceipt is an idempotent upsert: it must not fail if the
	// receipt document is absent, so a transient store failure never
	// forces a redelivery that could double-execute.
	CompleteReceipt(ctx context.Context, eventID string) error

	// ClaimIdempotencyKey claims key for messageID. isNew is true only for
	// the caller that wins the race; existingMessageID is populated when
	// isNew is false. The record, once written, is never overwritten.
	ClaimIdempotencyKey(ctx context.Context, key, messageID string) (isNew bool, existingMessageID string, err error)
}
