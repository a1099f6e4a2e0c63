package store

import (
	"context"
	"sync"
	"time"

	"github.com/agentmesh/orchestrator/pipeline"
	"github.com/sirupsen/logrus"
)

// MemoryStore is an in-memory Store implementation.
//
// It is designed for:
//   - Unit and integration tests, including concurrent-claim races
//   - Local development without a database
//
// All state lives in maps guarded by a single mutex. This is intentionally
// simple: MemoryStore exists to make the transition and dedup protocols
// testable, not to be fast under real contention.
type MemoryStore struct {
	mu sync.Mutex

	conversations map[string]pipeline.Conversation
	messages      map[string][]pipeline.UserMessage
	intents       map[string][]pipeline.ReasoningIntent
	results       map[string][]pipeline.ActionResult
	events        map[string][]pipeline.EventLogEntry
	receipts      map[string]pipeline.Receipt
	idempotency   map[string]pipeline.IdempotencyKeyRecord

	now func() time.Time
	log logrus.FieldLogger
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]pipeline.Conversation),
		messages:      make(map[string][]pipeline.UserMessage),
		intents:       make(map[string][]pipeline.ReasoningIntent),
		results:       make(map[string][]pipeline.ActionResult),
		events:        make(map[string][]pipeline.EventLogEntry),
		receipts:      make(map[string]pipeline.Receipt),
		idempotency:   make(map[string]pipeline.IdempotencyKeyRecord),
		now:           time.Now,
		log:           logrus.StandardLogger(),
	}
}

// SetLogger overrides the logger used to report unexpected conditions such
// as a receipt in an unknown status.
func (s *MemoryStore) SetLogger(log logrus.FieldLogger) {
	s.log = log
}

func (s *MemoryStore) CreateConversation(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.conversations[id]; exists {
		return pipeline.ErrConversationExists
	}
	now := s.now()
	s.conversations[id] = pipeline.Conversation{
		ID:        id,
		State:     pipeline.StateReceived,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return nil
}

func (s *MemoryStore) GetConversation(_ context.Context, id string) (pipeline.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[id]
	if !ok {
		return pipeline.Conversation{}, ErrNotFound
	}
	return conv, nil
}

func (s *MemoryStore) GetConversationView(_ context.Context, id string) (ConversationView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[id]
	if !ok {
		return ConversationView{}, ErrNotFound
	}
	return ConversationView{
		Conversation: conv,
		Messages:     append([]pipeline.UserMessage(nil), s.messages[id]...),
		Intents:      append([]pipeline.ReasoningIntent(nil), s.intents[id]...),
		Results:      append([]pipeline.ActionResult(nil), s.results[id]...),
		Events:       append([]pipeline.EventLogEntry(nil), s.events[id]...),
	}, nil
}

func (s *MemoryStore) TransitionState(_ context.Context, conversationID string, next pipeline.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[conversationID]
	if !ok {
		return ErrNotFound
	}
	if !pipeline.CanTransition(conv.State, next) {
		return &pipeline.ErrInvalidTransition{ConversationID: conversationID, From: conv.State, To: next}
	}
	conv.State = next
	conv.UpdatedAt = s.now()
	s.conversations[conversationID] = conv
	return nil
}

func (s *MemoryStore) SaveMessage(_ context.Context, msg pipeline.UserMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.messages[msg.ConversationID] = append(s.messages[msg.ConversationID], msg)
	return nil
}

func (s *MemoryStore) SaveIntent(_ context.Context, intent pipeline.ReasoningIntent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.intents[intent.ConversationID] = append(s.intents[intent.ConversationID], intent)
	return nil
}

func (s *MemoryStore) SaveActionResult(_ context.Context, result pipeline.ActionResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.results[result.ConversationID] {
		if existing.IntentID == result.IntentID {
			return nil // at most one result per intentId; treat as idempotent no-op
		}
	}
	s.results[result.ConversationID] = append(s.results[result.ConversationID], result)
	return nil
}

func (s *MemoryStore) FindActionResultByIntentID(_ context.Context, conversationID, intentID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.results[conversationID] {
		if existing.IntentID == intentID {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) AppendEvent(_ context.Context, entry pipeline.EventLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events[entry.ConversationID] = append(s.events[entry.ConversationID], entry)
	return nil
}

func (s *MemoryStore) ClaimReceipt(_ context.Context, eventID string, meta pipeline.ReceiptClaimMeta, staleThreshold time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if staleThreshold <= 0 {
		staleThreshold = DefaultStaleThreshold
	}

	now := s.now()
	existing, ok := s.receipts[eventID]
	if !ok {
		s.receipts[eventID] = pipeline.Receipt{
			EventID:        eventID,
			Handler:        meta.Handler,
			ConversationID: meta.ConversationID,
			MessageID:      meta.MessageID,
			Status:         pipeline.ReceiptProcessing,
			ClaimedAt:      now,
		}
		return true, nil
	}

	switch existing.Status {
	case pipeline.ReceiptCompleted:
		return false, nil
	case pipeline.ReceiptProcessing:
		if now.Sub(existing.ClaimedAt) < staleThreshold {
			return false, nil
		}
		existing.ClaimedAt = now
		existing.RetriedAt = &now
		s.receipts[eventID] = existing
		return true, nil
	default:
		// Unreachable given the status values this package writes. Treat
		// it like a live claim (reject, do not double-execute) but log
		// loudly: an operator needs to find and manually clear this
		// receipt, since no redelivery will ever unstick it on its own.
		s.log.WithError(pipeline.ErrUnknownReceiptStatus).
			WithField("eventId", eventID).
			WithField("status", existing.Status).
			Error("receipt has unknown status, rejecting claim")
		return false, nil
	}
}

func (s *MemoryStore) CompleteReceipt(_ context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	existing, ok := s.receipts[eventID]
	if !ok {
		s.receipts[eventID] = pipeline.Receipt{
			EventID:     eventID,
			Status:      pipeline.ReceiptCompleted,
			ClaimedAt:   now,
			CompletedAt: &now,
		}
		return nil
	}
	existing.Status = pipeline.ReceiptCompleted
	existing.CompletedAt = &now
	s.receipts[eventID] = existing
	return nil
}

func (s *MemoryStore) ClaimIdempotencyKey(_ context.Context, key, messageID string) (bool, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.idempotency[key]; ok {
		return false, existing.MessageID, nil
	}
	s.idempotency[key] = pipeline.IdempotencyKeyRecord{
		Key:       key,
		MessageID: messageID,
		CreatedAt: s.now(),
	}
	return true, "", nil
}

var _ Store = (*MemoryStore)(nil)
