package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/agentmesh/orchestrator/pipeline"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// SQLiteStore is a SQLite-backed Store, using the pure-Go modernc.org/sqlite
// driver (no cgo). It is the default store for single-process deployments
// and local development.
//
// Schema:
//   - conversations: one row per conversation, State is the only mutable column
//   - messages, intents, action_results, events: scoped by conversation_id
//   - receipts: global, keyed by event_id
//   - idempotency_keys: global, keyed by the client-supplied key
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool

	now func() time.Time
	log logrus.FieldLogger
}

// SetLogger overrides the logger used to report unexpected conditions such
// as a receipt in an unknown status.
func (s *SQLiteStore) SetLogger(log logrus.FieldLogger) {
	s.log = log
}

// NewSQLiteStore opens (and migrates, if needed) a SQLite database at path.
// Use ":memory:" for an ephemeral database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite connection: %w", err)
	}

	// SQLite supports one writer at a time; a single pooled connection
	// avoids SQLITE_BUSY under concurrent writers within this process.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("store: %s: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db, now: time.Now, log: logrus.StandardLogger()}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: create tables: %w", err)
	}
	return s, nil
}

// Close releases the underlying database connection.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *SQLiteStore) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			state TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			content TEXT NOT NULL,
			idempotency_key TEXT,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id)`,
		`CREATE TABLE IF NOT EXISTS intents (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			message_id TEXT NOT NULL,
			action TEXT NOT NULL,
			parameters TEXT NOT NULL,
			confidence REAL NOT NULL,
			valid INTEGER NOT NULL,
			validation_error TEXT,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_intents_conversation ON intents(conversation_id)`,
		`CREATE TABLE IF NOT EXISTS action_results (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			intent_id TEXT NOT NULL,
			message_id TEXT NOT NULL,
			result TEXT NOT NULL,
			success INTEGER NOT NULL,
			error TEXT,
			executed_at TIMESTAMP NOT NULL,
			UNIQUE(conversation_id, intent_id)
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			producer TEXT NOT NULL,
			payload TEXT,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_conversation ON events(conversation_id)`,
		`CREATE TABLE IF NOT EXISTS receipts (
			event_id TEXT PRIMARY KEY,
			handler TEXT NOT NULL,
			conversation_id TEXT NOT NULL,
			message_id TEXT NOT NULL,
			status TEXT NOT NULL,
			claimed_at TIMESTAMP NOT NULL,
			completed_at TIMESTAMP,
			retried_at TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS idempotency_keys (
			key TEXT PRIMARY KEY,
			message_id TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) CreateConversation(ctx context.Context, id string) error {
	now := s.now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, state, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		id, string(pipeline.StateReceived), now, now,
	)
	if err != nil {
		return fmt.Errorf("%w: %v", pipeline.ErrConversationExists, err)
	}
	return nil
}

func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (pipeline.Conversation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, state, created_at, updated_at FROM conversations WHERE id = ?`, id)
	var conv pipeline.Conversation
	var state string
	if err := row.Scan(&conv.ID, &state, &conv.CreatedAt, &conv.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return pipeline.Conversation{}, ErrNotFound
		}
		return pipeline.Conversation{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	conv.State = pipeline.State(state)
	return conv, nil
}

func (s *SQLiteStore) GetConversationView(ctx context.Context, id string) (ConversationView, error) {
	conv, err := s.GetConversation(ctx, id)
	if err != nil {
		return ConversationView{}, err
	}

	view := ConversationView{Conversation: conv}

	msgRows, err := s.db.QueryContext(ctx, `SELECT id, conversation_id, content, idempotency_key, created_at FROM messages WHERE conversation_id = ? ORDER BY created_at`, id)
	if err != nil {
		return ConversationView{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	for msgRows.Next() {
		var m pipeline.UserMessage
		var key sql.NullString
		if err := msgRows.Scan(&m.ID, &m.ConversationID, &m.Content, &key, &m.CreatedAt); err != nil {
			_ = msgRows.Close()
			return ConversationView{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		m.IdempotencyKey = key.String
		view.Messages = append(view.Messages, m)
	}
	_ = msgRows.Close()

	intentRows, err := s.db.QueryContext(ctx, `SELECT id, conversation_id, message_id, action, parameters, confidence, valid, validation_error, created_at FROM intents WHERE conversation_id = ? ORDER BY created_at`, id)
	if err != nil {
		return ConversationView{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	for intentRows.Next() {
		var it pipeline.ReasoningIntent
		var params string
		var validationErr sql.NullString
		var valid int
		if err := intentRows.Scan(&it.ID, &it.ConversationID, &it.MessageID, &it.Action, &params, &it.Confidence, &valid, &validationErr, &it.CreatedAt); err != nil {
			_ = intentRows.Close()
			return ConversationView{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		it.Valid = valid != 0
		it.ValidationError = validationErr.String
		_ = json.Unmarshal([]byte(params), &it.Parameters)
		view.Intents = append(view.Intents, it)
	}
	_ = intentRows.Close()

	resultRows, err := s.db.QueryContext(ctx, `SELECT id, conversation_id, intent_id, message_id, result, success, error, executed_at FROM action_results WHERE conversation_id = ? ORDER BY executed_at`, id)
	if err != nil {
		return ConversationView{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	for resultRows.Next() {
		var r pipeline.ActionResult
		var resultJSON string
		var errStr sql.NullString
		var success int
		if err := resultRows.Scan(&r.ID, &r.ConversationID, &r.IntentID, &r.MessageID, &resultJSON, &success, &errStr, &r.ExecutedAt); err != nil {
			_ = resultRows.Close()
			return ConversationView{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		r.Success = success != 0
		r.Error = errStr.String
		_ = json.Unmarshal([]byte(resultJSON), &r.Result)
		view.Results = append(view.Results, r)
	}
	_ = resultRows.Close()

	eventRows, err := s.db.QueryContext(ctx, `SELECT id, conversation_id, event_type, producer, payload, created_at FROM events WHERE conversation_id = ? ORDER BY created_at`, id)
	if err != nil {
		return ConversationView{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	for eventRows.Next() {
		var e pipeline.EventLogEntry
		var payload sql.NullString
		if err := eventRows.Scan(&e.ID, &e.ConversationID, &e.EventType, &e.Producer, &payload, &e.CreatedAt); err != nil {
			_ = eventRows.Close()
			return ConversationView{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if payload.Valid {
			_ = json.Unmarshal([]byte(payload.String), &e.Payload)
		}
		view.Events = append(view.Events, e)
	}
	_ = eventRows.Close()

	return view, nil
}

func (s *SQLiteStore) TransitionState(ctx context.Context, conversationID string, next pipeline.State) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	row := tx.QueryRowContext(ctx, `SELECT state FROM conversations WHERE id = ?`, conversationID)
	var currentRaw string
	if err := row.Scan(&currentRaw); err != nil {
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	current := pipeline.State(currentRaw)

	if !pipeline.CanTransition(current, next) {
		return &pipeline.ErrInvalidTransition{ConversationID: conversationID, From: current, To: next}
	}

	if _, err := tx.ExecContext(ctx, `UPDATE conversations SET state = ?, updated_at = ? WHERE id = ?`, string(next), s.now(), conversationID); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	committed = true
	return nil
}

func (s *SQLiteStore) SaveMessage(ctx context.Context, msg pipeline.UserMessage) error {
	var key interface{}
	if msg.IdempotencyKey != "" {
		key = msg.IdempotencyKey
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, content, idempotency_key, created_at) VALUES (?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, msg.Content, key, msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *SQLiteStore) SaveIntent(ctx context.Context, intent pipeline.ReasoningIntent) error {
	params, err := json.Marshal(intent.Parameters)
	if err != nil {
		return fmt.Errorf("store: marshal intent parameters: %w", err)
	}
	var validationErr interface{}
	if intent.ValidationError != "" {
		validationErr = intent.ValidationError
	}
	validInt := 0
	if intent.Valid {
		validInt = 1
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO intents (id, conversation_id, message_id, action, parameters, confidence, valid, validation_error, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		intent.ID, intent.ConversationID, intent.MessageID, intent.Action, string(params), intent.Confidence, validInt, validationErr, intent.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *SQLiteStore) SaveActionResult(ctx context.Context, result pipeline.ActionResult) error {
	payload, err := json.Marshal(result.Result)
	if err != nil {
		return fmt.Errorf("store: marshal action result: %w", err)
	}
	var errStr interface{}
	if result.Error != "" {
		errStr = result.Error
	}
	successInt := 0
	if result.Success {
		successInt = 1
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO action_results (id, conversation_id, intent_id, message_id, result, success, error, executed_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(conversation_id, intent_id) DO NOTHING`,
		result.ID, result.ConversationID, result.IntentID, result.MessageID, string(payload), successInt, errStr, result.ExecutedAt,
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *SQLiteStore) FindActionResultByIntentID(ctx context.Context, conversationID, intentID string) (bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT 1 FROM action_results WHERE conversation_id = ? AND intent_id = ?`, conversationID, intentID)
	var dummy int
	if err := row.Scan(&dummy); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return true, nil
}

func (s *SQLiteStore) AppendEvent(ctx context.Context, entry pipeline.EventLogEntry) error {
	var payload interface{}
	if entry.Payload != nil {
		data, err := json.Marshal(entry.Payload)
		if err != nil {
			return fmt.Errorf("store: marshal event payload: %w", err)
		}
		payload = string(data)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (id, conversation_id, event_type, producer, payload, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.ConversationID, entry.EventType, entry.Producer, payload, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *SQLiteStore) ClaimReceipt(ctx context.Context, eventID string, meta pipeline.ReceiptClaimMeta, staleThreshold time.Duration) (bool, error) {
	if staleThreshold <= 0 {
		staleThreshold = DefaultStaleThreshold
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	now := s.now()
	row := tx.QueryRowContext(ctx, `SELECT status, claimed_at FROM receipts WHERE event_id = ?`, eventID)
	var status string
	var claimedAt time.Time
	err = row.Scan(&status, &claimedAt)
	switch {
	case err == sql.ErrNoRows:
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO receipts (event_id, handler, conversation_id, message_id, status, claimed_at) VALUES (?, ?, ?, ?, ?, ?)`,
			eventID, meta.Handler, meta.ConversationID, meta.MessageID, string(pipeline.ReceiptProcessing), now,
		); err != nil {
			return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if err := tx.Commit(); err != nil {
			return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		committed = true
		return true, nil
	case err != nil:
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	switch pipeline.ReceiptStatus(status) {
	case pipeline.ReceiptCompleted:
		return false, nil
	case pipeline.ReceiptProcessing:
		if now.Sub(claimedAt) < staleThreshold {
			return false, nil
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE receipts SET claimed_at = ?, retried_at = ? WHERE event_id = ?`,
			now, now, eventID,
		); err != nil {
			return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if err := tx.Commit(); err != nil {
			return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		committed = true
		return true, nil
	default:
		// Unreachable given the status values this package writes. Log
		// loudly and reject the claim rather than double-execute; an
		// operator has to clear the stuck receipt by hand.
		s.log.WithError(pipeline.ErrUnknownReceiptStatus).
			WithField("eventId", eventID).
			WithField("status", status).
			Error("receipt has unknown status, rejecting claim")
		return false, nil
	}
}

func (s *SQLiteStore) CompleteReceipt(ctx context.Context, eventID string) error {
	now := s.now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE receipts SET status = ?, completed_at = ? WHERE event_id = ?`,
		string(pipeline.ReceiptCompleted), now, eventID,
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if affected == 0 {
		// Upsert: the receipt never existed (e.g. handler crashed before
		// claiming it through this store). Write it directly as completed.
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO receipts (event_id, handler, conversation_id, message_id, status, claimed_at, completed_at) VALUES (?, '', '', '', ?, ?, ?)
			 ON CONFLICT(event_id) DO UPDATE SET status = excluded.status, completed_at = excluded.completed_at`,
			eventID, string(pipeline.ReceiptCompleted), now, now,
		)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
	return nil
}

func (s *SQLiteStore) ClaimIdempotencyKey(ctx context.Context, key, messageID string) (bool, string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	row := tx.QueryRowContext(ctx, `SELECT message_id FROM idempotency_keys WHERE key = ?`, key)
	var existingMessageID string
	err = row.Scan(&existingMessageID)
	if err == nil {
		return false, existingMessageID, nil
	}
	if err != sql.ErrNoRows {
		return false, "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO idempotency_keys (key, message_id, created_at) VALUES (?, ?, ?)`,
		key, messageID, s.now(),
	); err != nil {
		return false, "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := tx.Commit(); err != nil {
		return false, "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	committed = true
	return true, "", nil
}

var _ Store = (*SQLiteStore)(nil)
