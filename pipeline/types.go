// Package pipeline implements the event-driven, three-stage agent
// orchestration core: ingress, reasoning, and execution, coordinated through
// a document store and a topic-based message bus.
//
// The package defines the data model, the conversation state machine, and
// the error taxonomy shared by the pipeline/ingress, pipeline/reasoner, and
// pipeline/executor workers. It never talks to a transport or a concrete
// database directly; those live behind the Store and bus.Bus interfaces so
// the core stays testable with in-memory fakes.
package pipeline

import "time"

// State is a conversation's position in the transition graph (see
// AllowedTransitions). It is a closed set; no value outside the constants
// below is valid.
type State string

const (
	StateReceived             State = "RECEIVED"
	StateReasoningRequested   State = "REASONING_REQUESTED"
	StateIntentValidated      State = "INTENT_VALIDATED"
	StateActionRequested      State = "ACTION_REQUESTED"
	StateActionCompleted      State = "ACTION_COMPLETED"
	StateFailedValidation     State = "FAILED_VALIDATION"
	StateFailedExecution      State = "FAILED_EXECUTION"
)

// Terminal reports whether s is one of the three states from which no
// further transition is permitted.
func (s State) Terminal() bool {
	switch s {
	case StateActionCompleted, StateFailedValidation, StateFailedExecution:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a member of the closed state set.
func (s State) Valid() bool {
	switch s {
	case StateReceived, StateReasoningRequested, StateIntentValidated,
		StateActionRequested, StateActionCompleted, StateFailedValidation,
		StateFailedExecution:
		return true
	default:
		return false
	}
}

// Producer identifies which pipeline stage published an event envelope.
type Producer string

const (
	ProducerAPI      Producer = "api"
	ProducerReasoner Producer = "reasoner"
	ProducerExecutor Producer = "executor"
)

// Action is one of the four deterministic tool calls a validated intent may
// invoke.
type Action string

const (
	ActionSearch    Action = "search"
	ActionCalculate Action = "calculate"
	ActionSummarize Action = "summarize"
	ActionTranslate Action = "translate"
)

// ValidActions is the closed set of actions the schema validator accepts.
var ValidActions = map[Action]bool{
	ActionSearch:    true,
	ActionCalculate: true,
	ActionSummarize: true,
	ActionTranslate: true,
}

// Conversation is the root document of the pipeline's hierarchy: it owns the
// lifetimes of its messages, intents, results, and event-log entries. State
// (with UpdatedAt) is its only mutable field.
type Conversation struct {
	ID        string    `json:"id"`
	State     State     `json:"state"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// UserMessage is the free-text submission that starts a conversation turn.
// It is immutable once created; IdempotencyKey is the client-supplied header
// value under which it was accepted, empty if none was given.
type UserMessage struct {
	ID               string    `json:"id"`
	ConversationID   string    `json:"conversationId"`
	Content          string    `json:"content"`
	CreatedAt        time.Time `json:"createdAt"`
	IdempotencyKey   string    `json:"idempotencyKey,omitempty"`
}

// ReasoningIntent is the structured candidate the Reasoner derives from a
// UserMessage. It is written exactly once, valid or not: an invalid intent
// carries ValidationError instead of being discarded.
type ReasoningIntent struct {
	ID               string                 `json:"id"`
	ConversationID   string                 `json:"conversationId"`
	MessageID        string                 `json:"messageId"`
	Action           string                 `json:"action"`
	Parameters       map[string]interface{} `json:"parameters"`
	Confidence       float64                `json:"confidence"`
	CreatedAt        time.Time              `json:"createdAt"`
	Valid            bool                   `json:"valid"`
	ValidationError  string                 `json:"validationError,omitempty"`
}

// ActionResult is the terminal output of the Executor for one intent. At
// most one ActionResult may exist per (ConversationID, IntentID) pair.
type ActionResult struct {
	ID             string                 `json:"id"`
	ConversationID string                 `json:"conversationId"`
	IntentID       string                 `json:"intentId"`
	MessageID      string                 `json:"messageId"`
	Result         map[string]interface{} `json:"result"`
	Success        bool                   `json:"success"`
	Error          string                 `json:"error,omitempty"`
	ExecutedAt     time.Time              `json:"executedAt"`
}

// EventLogEntry is an append-only audit record of a significant transition,
// scoped beneath its conversation.
type EventLogEntry struct {
	ID             string                 `json:"id"`
	ConversationID string                 `json:"conversationId"`
	EventType      string                 `json:"eventType"`
	Producer       string                 `json:"producer"`
	Payload        map[string]interface{} `json:"payload,omitempty"`
	CreatedAt      time.Time              `json:"createdAt"`
}

// ReceiptStatus is the lifecycle of a per-event deduplication token. It only
// ever progresses processing -> completed.
type ReceiptStatus string

const (
	ReceiptProcessing ReceiptStatus = "processing"
	ReceiptCompleted  ReceiptStatus = "completed"
)

// Receipt is the global, process-wide deduplication token keyed by event ID.
// It outlives the conversation it was claimed for.
type Receipt struct {
	EventID        string        `json:"eventId"`
	Handler        string        `json:"handler"`
	ConversationID string        `json:"conversationId"`
	MessageID      string        `json:"messageId"`
	Status         ReceiptStatus `json:"status"`
	ClaimedAt      time.Time     `json:"claimedAt"`
	CompletedAt    *time.Time    `json:"completedAt,omitempty"`
	RetriedAt      *time.Time    `json:"retriedAt,omitempty"`
}

// IdempotencyKeyRecord is the immutable claim a client's X-Idempotency-Key
// makes on a message submission. Never overwritten once written.
type IdempotencyKeyRecord struct {
	Key       string    `json:"key"`
	MessageID string    `json:"messageId"`
	CreatedAt time.Time `json:"createdAt"`
}

// ReceiptClaimMeta is the handler-supplied metadata attached to a receipt
// the first time (or the reclaiming time) it is claimed.
type ReceiptClaimMeta struct {
	Handler        string
	ConversationID string
	MessageID      string
}
