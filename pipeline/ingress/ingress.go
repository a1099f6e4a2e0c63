// Package ingress implements the HTTP façade: POST /messages,
// GET /conversations/{id}, and GET /health. It is the only pipeline stage
// reachable synchronously; everything it hands off to the Reasoner and
// Executor happens by publishing to the bus.
package ingress

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/agentmesh/orchestrator/pipeline"
	"github.com/agentmesh/orchestrator/pipeline/bus"
	"github.com/agentmesh/orchestrator/pipeline/store"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"
)

const idempotencyKeyHeader = "X-Idempotency-Key"

// Server holds the Ingress stage's collaborators and exposes an
// http.Handler wiring its three routes behind chi's request logging and
// panic recovery middleware, the same combination the rest of this
// codebase's HTTP surface is built on.
type Server struct {
	store   store.Store
	bus     bus.Bus
	topic   string
	log     logrus.FieldLogger
	metrics *pipeline.Metrics
	tracer  *pipeline.Tracer
	newUUID func() string
	now     func() time.Time
}

// Option configures a Server at construction time.
type Option func(*Server)

// WithLogger overrides the default logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(s *Server) { s.log = log }
}

// WithMetrics attaches a shared pipeline.Metrics collector.
func WithMetrics(m *pipeline.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithTracer attaches a shared pipeline.Tracer.
func WithTracer(t *pipeline.Tracer) Option {
	return func(s *Server) { s.tracer = t }
}

// NewServer builds a Server that publishes reasoning_requested events to
// topic.
func NewServer(st store.Store, b bus.Bus, topic string, opts ...Option) *Server {
	s := &Server{
		store:   st,
		bus:     b,
		topic:   topic,
		log:     logrus.StandardLogger(),
		newUUID: func() string { return uuid.NewString() },
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router builds the chi.Router exposing this server's three endpoints.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Post("/messages", s.handlePostMessage)
	r.Get("/conversations/{id}", s.handleGetConversation)
	r.Get("/health", s.handleHealth)
	return r
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "api"})
}

type postMessageRequest struct {
	Content        string `json:"content"`
	ConversationID string `json:"conversationId,omitempty"`
}

func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req postMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Content == "" {
		writeError(w, http.StatusBadRequest, `Missing or invalid "content" field`)
		return
	}

	messageID := s.newUUID()
	start := s.now()

	if s.tracer != nil {
		var span trace.Span
		ctx, span = s.tracer.StartSpan(ctx, "ingress.post_message", req.ConversationID, "", messageID)
		defer span.End()
	}

	if key := r.Header.Get(idempotencyKeyHeader); key != "" {
		isNew, existingMessageID, err := s.store.ClaimIdempotencyKey(ctx, key, messageID)
		if err != nil {
			s.log.WithError(err).Error("claim idempotency key")
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if !isNew {
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"messageId": existingMessageID,
				"duplicate": true,
				"message":   "request already accepted",
			})
			return
		}
	}

	conversationID := req.ConversationID
	if conversationID == "" {
		conversationID = s.newUUID()
		if err := s.store.CreateConversation(ctx, conversationID); err != nil {
			s.log.WithError(err).Error("create conversation")
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
	}

	msg := pipeline.UserMessage{
		ID:             messageID,
		ConversationID: conversationID,
		Content:        req.Content,
		CreatedAt:      s.now(),
		IdempotencyKey: r.Header.Get(idempotencyKeyHeader),
	}
	if err := s.store.SaveMessage(ctx, msg); err != nil {
		s.log.WithError(err).Error("save message")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	eventID := s.newUUID()
	env := bus.Envelope{
		EventID:        eventID,
		EventType:      bus.EventReasoningRequested,
		ConversationID: conversationID,
		MessageID:      messageID,
		Timestamp:      s.now(),
		Producer:       string(pipeline.ProducerAPI),
		Payload: map[string]interface{}{
			"content": req.Content,
		},
	}
	if err := s.bus.Publish(ctx, s.topic, env, nil); err != nil {
		s.log.WithError(err).Error("publish reasoning_requested")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if err := s.store.AppendEvent(ctx, pipeline.EventLogEntry{
		ID:             eventID,
		ConversationID: conversationID,
		EventType:      string(bus.EventReasoningRequested),
		Producer:       string(pipeline.ProducerAPI),
		CreatedAt:      s.now(),
	}); err != nil {
		s.log.WithError(err).Error("append event log")
	}

	if err := s.store.TransitionState(ctx, conversationID, pipeline.StateReasoningRequested); err != nil {
		if _, ok := pipeline.IsInvalidTransition(err); ok {
			// A supplied conversationId that is not fresh (RECEIVED) is
			// not a supported multi-turn follow-up; the request is
			// reported as a 500 after the message has been saved and
			// the event published.
			s.log.WithError(err).Warn("conversation reuse attempted outside RECEIVED state")
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		s.log.WithError(err).Error("transition state")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.metrics.IncTransition(pipeline.StateReceived, pipeline.StateReasoningRequested)
	s.metrics.IncEventProcessed("ingress", string(bus.EventReasoningRequested), "success")
	s.metrics.ObserveStageLatency("ingress", "success", s.now().Sub(start))

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"messageId":      messageID,
		"conversationId": conversationID,
		"eventId":        eventID,
		"state":          string(pipeline.StateReasoningRequested),
	})
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	view, err := s.store.GetConversationView(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Conversation not found")
			return
		}
		s.log.WithError(err).Error("get conversation")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, view)
}
