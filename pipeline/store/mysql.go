package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/agentmesh/orchestrator/pipeline"
	_ "github.com/go-sql-driver/mysql"
	"github.com/sirupsen/logrus"
)

// MySQLStore is a MySQL/MariaDB-backed Store, for deployments that need a
// shared server instead of a single SQLite file (multiple Ingress/Reasoner/
// Executor processes across hosts).
//
// Unlike SQLiteStore (one writer per process, serialized by a single pooled
// connection), MySQLStore relies on real row locks: TransitionState,
// ClaimReceipt, and ClaimIdempotencyKey all read their row with
// SELECT ... FOR UPDATE inside a transaction, so two concurrent workers
// racing on the same conversation or event ID serialize at the database
// rather than in this process.
type MySQLStore struct {
	db  *sql.DB
	now func() time.Time
	log logrus.FieldLogger
}

// SetLogger overrides the logger used to report unexpected conditions such
// as a receipt in an unknown status.
func (s *MySQLStore) SetLogger(log logrus.FieldLogger) {
	s.log = log
}

// NewMySQLStore opens a MySQL-backed store using dsn, in the
// go-sql-driver/mysql DSN format, e.g.
// "user:pass@tcp(127.0.0.1:3306)/agentpipe?parseTime=true".
// parseTime=true is required: the store scans TIMESTAMP columns into
// time.Time directly.
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open mysql connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ping mysql: %w", err)
	}

	s := &MySQLStore{db: db, now: time.Now, log: logrus.StandardLogger()}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: create tables: %w", err)
	}
	return s, nil
}

// Close releases the underlying connection pool.
func (s *MySQLStore) Close() error {
	return s.db.Close()
}

func (s *MySQLStore) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id VARCHAR(64) PRIMARY KEY,
			state VARCHAR(32) NOT NULL,
			created_at DATETIME(6) NOT NULL,
			updated_at DATETIME(6) NOT NULL
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS messages (
			id VARCHAR(64) PRIMARY KEY,
			conversation_id VARCHAR(64) NOT NULL,
			content TEXT NOT NULL,
			idempotency_key VARCHAR(255),
			created_at DATETIME(6) NOT NULL,
			INDEX idx_messages_conversation (conversation_id)
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS intents (
			id VARCHAR(64) PRIMARY KEY,
			conversation_id VARCHAR(64) NOT NULL,
			message_id VARCHAR(64) NOT NULL,
			action VARCHAR(64) NOT NULL,
			parameters JSON NOT NULL,
			confidence DOUBLE NOT NULL,
			valid BOOLEAN NOT NULL,
			validation_error TEXT,
			created_at DATETIME(6) NOT NULL,
			INDEX idx_intents_conversation (conversation_id)
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS action_results (
			id VARCHAR(64) PRIMARY KEY,
			conversation_id VARCHAR(64) NOT NULL,
			intent_id VARCHAR(64) NOT NULL,
			message_id VARCHAR(64) NOT NULL,
			result JSON NOT NULL,
			success BOOLEAN NOT NULL,
			error TEXT,
			executed_at DATETIME(6) NOT NULL,
			UNIQUE KEY uq_action_results_intent (conversation_id, intent_id)
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS events (
			id VARCHAR(64) PRIMARY KEY,
			conversation_id VARCHAR(64) NOT NULL,
			event_type VARCHAR(64) NOT NULL,
			producer VARCHAR(32) NOT NULL,
			payload JSON,
			created_at DATETIME(6) NOT NULL,
			INDEX idx_events_conversation (conversation_id)
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS receipts (
			event_id VARCHAR(64) PRIMARY KEY,
			handler VARCHAR(64) NOT NULL,
			conversation_id VARCHAR(64) NOT NULL,
			message_id VARCHAR(64) NOT NULL,
			status VARCHAR(16) NOT NULL,
			claimed_at DATETIME(6) NOT NULL,
			completed_at DATETIME(6),
			retried_at DATETIME(6)
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS idempotency_keys (
			` + "`key`" + ` VARCHAR(255) PRIMARY KEY,
			message_id VARCHAR(64) NOT NULL,
			created_at DATETIME(6) NOT NULL
		) ENGINE=InnoDB`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *MySQLStore) CreateConversation(ctx context.Context, id string) error {
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

func (s *MySQLStore) GetConversation(ctx context.Context, id string) (pipeline.Conversation, error) {
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

func (s *MySQLStore) GetConversationView(ctx context.Context, id string) (ConversationView, error) {
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
		if err := intentRows.Scan(&it.ID, &it.ConversationID, &it.MessageID, &it.Action, &params, &it.Confidence, &it.Valid, &validationErr, &it.CreatedAt); err != nil {
			_ = intentRows.Close()
			return ConversationView{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
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
		if err := resultRows.Scan(&r.ID, &r.ConversationID, &r.IntentID, &r.MessageID, &resultJSON, &r.Success, &errStr, &r.ExecutedAt); err != nil {
			_ = resultRows.Close()
			return ConversationView{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
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

func (s *MySQLStore) TransitionState(ctx context.Context, conversationID string, next pipeline.State) error {
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

	row := tx.QueryRowContext(ctx, `SELECT state FROM conversations WHERE id = ? FOR UPDATE`, conversationID)
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

func (s *MySQLStore) SaveMessage(ctx context.Context, msg pipeline.UserMessage) error {
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

func (s *MySQLStore) SaveIntent(ctx context.Context, intent pipeline.ReasoningIntent) error {
	params, err := json.Marshal(intent.Parameters)
	if err != nil {
		return fmt.Errorf("store: marshal intent parameters: %w", err)
	}
	var validationErr interface{}
	if intent.ValidationError != "" {
		validationErr = intent.ValidationError
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO intents (id, conversation_id, message_id, action, parameters, confidence, valid, validation_error, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		intent.ID, intent.ConversationID, intent.MessageID, intent.Action, string(params), intent.Confidence, intent.Valid, validationErr, intent.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *MySQLStore) SaveActionResult(ctx context.Context, result pipeline.ActionResult) error {
	payload, err := json.Marshal(result.Result)
	if err != nil {
		return fmt.Errorf("store: marshal action result: %w", err)
	}
	var errStr interface{}
	if result.Error != "" {
		errStr = result.Error
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT IGNORE INTO action_results (id, conversation_id, intent_id, message_id, result, success, error, executed_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		result.ID, result.ConversationID, result.IntentID, result.MessageID, string(payload), result.Success, errStr, result.ExecutedAt,
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *MySQLStore) FindActionResultByIntentID(ctx context.Context, conversationID, intentID string) (bool, error) {
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

func (s *MySQLStore) AppendEvent(ctx context.Context, entry pipeline.EventLogEntry) error {
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

func (s *MySQLStore) ClaimReceipt(ctx context.Context, eventID string, meta pipeline.ReceiptClaimMeta, staleThreshold time.Duration) (bool, error) {
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
	row := tx.QueryRowContext(ctx, `SELECT status, claimed_at FROM receipts WHERE event_id = ? FOR UPDATE`, eventID)
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
		if _, err := tx.ExecContext(ctx, `UPDATE receipts SET claimed_at = ?, retried_at = ? WHERE event_id = ?`, now, now, eventID); err != nil {
			return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if err := tx.Commit(); err != nil {
			return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		committed = true
		return true, nil
	default:
		s.log.WithError(pipeline.ErrUnknownReceiptStatus).
			WithField("eventId", eventID).
			WithField("status", status).
			Error("receipt has unknown status, rejecting claim")
		return false, nil
	}
}

func (s *MySQLStore) CompleteReceipt(ctx context.Context, eventID string) error {
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
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO receipts (event_id, handler, conversation_id, message_id, status, claimed_at, completed_at) VALUES (?, '', '', '', ?, ?, ?)
			 ON DUPLICATE KEY UPDATE status = VALUES(status), completed_at = VALUES(completed_at)`,
			eventID, string(pipeline.ReceiptCompleted), now, now,
		)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
	return nil
}

func (s *MySQLStore) ClaimIdempotencyKey(ctx context.Context, key, messageID string) (bool, string, error) {
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

	row := tx.QueryRowContext(ctx, "SELECT message_id FROM idempotency_keys WHERE `key` = ? FOR UPDATE", key)
	var existingMessageID string
	err = row.Scan(&existingMessageID)
	if err == nil {
		return false, existingMessageID, nil
	}
	if err != sql.ErrNoRows {
		return false, "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO idempotency_keys (`key`, message_id, created_at) VALUES (?, ?, ?)",
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

var _ Store = (*MySQLStore)(nil)
