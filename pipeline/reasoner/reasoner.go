// Package reasoner implements the pipeline's second stage: it consumes
// reasoning_requested events, turns message content into a candidate
// intent via a caller-supplied reasoning.Func, validates the candidate
// against the intent schema, persists the outcome, and either advances the
// conversation toward execution or routes it to a terminal failure state.
package reasoner

import (
	"context"
	"time"

	"github.com/agentmesh/orchestrator/pipeline"
	"github.com/agentmesh/orchestrator/pipeline/bus"
	"github.com/agentmesh/orchestrator/pipeline/reasoning"
	"github.com/agentmesh/orchestrator/pipeline/schema"
	"github.com/agentmesh/orchestrator/pipeline/store"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"
)

// HandlerName identifies this stage in receipts claimed against the store,
// distinguishing its claims from the Executor's in any shared receipt
// inspection tooling.
const HandlerName = "reasoner"

// Worker consumes reasoning_requested events and drives the reasoning half
// of the conversation state machine.
type Worker struct {
	store          store.Store
	bus            bus.Bus
	schema         *schema.Cache
	reason         reasoning.Func
	actionTopic    string
	staleThreshold time.Duration
	log            logrus.FieldLogger
	metrics        *pipeline.Metrics
	tracer         *pipeline.Tracer
	newUUID        func() string
	now            func() time.Time
}

// Option configures a Worker at construction time.
type Option func(*Worker)

// WithLogger overrides the default logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(w *Worker) { w.log = log }
}

// WithMetrics attaches a shared pipeline.Metrics collector.
func WithMetrics(m *pipeline.Metrics) Option {
	return func(w *Worker) { w.metrics = m }
}

// WithTracer attaches a shared pipeline.Tracer.
func WithTracer(t *pipeline.Tracer) Option {
	return func(w *Worker) { w.tracer = t }
}

// WithStaleThreshold overrides store.DefaultStaleThreshold for this
// worker's receipt claims.
func WithStaleThreshold(d time.Duration) Option {
	return func(w *Worker) { w.staleThreshold = d }
}

// NewWorker builds a Worker that publishes action_requested events to
// actionTopic for every validated intent.
func NewWorker(st store.Store, b bus.Bus, schemaCache *schema.Cache, reason reasoning.Func, actionTopic string, opts ...Option) *Worker {
	w := &Worker{
		store:       st,
		bus:         b,
		schema:      schemaCache,
		reason:      reason,
		actionTopic: actionTopic,
		log:         logrus.StandardLogger(),
		newUUID:     func() string { return uuid.NewString() },
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run subscribes to topic and blocks until ctx is canceled, dispatching
// every delivery to Handle.
func (w *Worker) Run(ctx context.Context, topic string) error {
	return w.bus.Subscribe(ctx, topic, w.Handle)
}

// Handle implements bus.Handler for reasoning_requested events. It wraps
// handle with the tracing span and latency metric shared by every outcome,
// since handle itself returns through several distinct early-return paths.
func (w *Worker) Handle(ctx context.Context, d bus.Delivery) error {
	env := d.Envelope
	start := w.now()

	var span trace.Span
	if w.tracer != nil {
		ctx, span = w.tracer.StartSpan(ctx, "reasoner.handle", env.ConversationID, env.EventID, env.MessageID)
		defer span.End()
	}

	err := w.handle(ctx, env)
	if span != nil {
		pipeline.RecordOutcome(span, err)
	}
	w.metrics.ObserveStageLatency("reasoner", statusLabel(err), w.now().Sub(start))
	return err
}

func (w *Worker) handle(ctx context.Context, env bus.Envelope) error {
	if env.EventType != bus.EventReasoningRequested {
		w.log.WithField("eventType", env.EventType).Warn("reasoner received unexpected event type, acking as poison")
		return nil
	}

	claimed, err := w.store.ClaimReceipt(ctx, env.EventID, pipeline.ReceiptClaimMeta{
		Handler:        HandlerName,
		ConversationID: env.ConversationID,
		MessageID:      env.MessageID,
	}, w.staleThreshold)
	if err != nil {
		w.log.WithError(err).Error("claim receipt")
		return err
	}
	w.metrics.IncReceiptClaim(HandlerName, claimed)
	if !claimed {
		w.log.WithField("eventId", env.EventID).Debug("receipt already claimed, skipping duplicate delivery")
		return nil
	}

	content, _ := env.Payload["content"].(string)

	candidate, err := w.reason(ctx, env.ConversationID, env.MessageID, content)
	if err != nil {
		w.log.WithError(err).Error("reasoning function failed")
		return err
	}

	intentID := w.newUUID()
	merged := map[string]interface{}{
		"conversationId": env.ConversationID,
		"messageId":      env.MessageID,
	}
	for k, v := range candidate {
		merged[k] = v
	}
	merged["intentId"] = intentID

	result, err := w.schema.Validate(merged)
	if err != nil {
		w.log.WithError(err).Error("schema validation error")
		return err
	}

	action, _ := merged["action"].(string)
	parameters, _ := merged["parameters"].(map[string]interface{})
	confidence, _ := merged["confidence"].(float64)

	intent := pipeline.ReasoningIntent{
		ID:             intentID,
		ConversationID: env.ConversationID,
		MessageID:      env.MessageID,
		Action:         action,
		Parameters:     parameters,
		Confidence:     confidence,
		CreatedAt:      w.now(),
		Valid:          result.Valid,
	}
	if !result.Valid {
		intent.ValidationError = result.Reason()
	}
	if err := w.store.SaveIntent(ctx, intent); err != nil {
		w.log.WithError(err).Error("save intent")
		return err
	}

	if err := w.store.AppendEvent(ctx, pipeline.EventLogEntry{
		ID:             w.newUUID(),
		ConversationID: env.ConversationID,
		EventType:      "intent_recorded",
		Producer:       string(pipeline.ProducerReasoner),
		Payload:        map[string]interface{}{"intentId": intentID, "valid": result.Valid},
		CreatedAt:      w.now(),
	}); err != nil {
		w.log.WithError(err).Error("append event log")
	}

	if !result.Valid {
		if err := w.transition(ctx, env.ConversationID, pipeline.StateFailedValidation); err != nil {
			return err
		}
		return w.store.CompleteReceipt(ctx, env.EventID)
	}

	if err := w.transition(ctx, env.ConversationID, pipeline.StateIntentValidated); err != nil {
		return err
	}

	eventID := w.newUUID()
	actionEnv := bus.Envelope{
		EventID:        eventID,
		EventType:      bus.EventActionRequested,
		ConversationID: env.ConversationID,
		MessageID:      env.MessageID,
		Timestamp:      w.now(),
		Producer:       string(pipeline.ProducerReasoner),
		Payload: map[string]interface{}{
			"intentId":   intentID,
			"action":     action,
			"parameters": parameters,
		},
	}
	// Publish before CompleteReceipt: a crash between the two leaves the
	// receipt claimable again, and the republish this retry produces is a
	// duplicate the bus and Executor's own dedup layers are built to
	// absorb. Completing first and then failing to publish would instead
	// strand the conversation in IntentValidated with no action ever
	// requested.
	if err := w.bus.Publish(ctx, w.actionTopic, actionEnv, nil); err != nil {
		w.log.WithError(err).Error("publish action_requested")
		return err
	}

	if err := w.store.AppendEvent(ctx, pipeline.EventLogEntry{
		ID:             eventID,
		ConversationID: env.ConversationID,
		EventType:      string(bus.EventActionRequested),
		Producer:       string(pipeline.ProducerReasoner),
		CreatedAt:      w.now(),
	}); err != nil {
		w.log.WithError(err).Error("append event log")
	}

	if err := w.transition(ctx, env.ConversationID, pipeline.StateActionRequested); err != nil {
		return err
	}

	return w.store.CompleteReceipt(ctx, env.EventID)
}

// transition tolerates exactly one invalid-transition case: a retry whose
// first attempt already landed the conversation in next (crashed after
// writing state but before CompleteReceipt). Any other invalid transition
// is a real bug and is propagated.
func (w *Worker) transition(ctx context.Context, conversationID string, next pipeline.State) error {
	conv, getErr := w.store.GetConversation(ctx, conversationID)
	from := pipeline.State("")
	if getErr == nil {
		from = conv.State
	}

	err := w.store.TransitionState(ctx, conversationID, next)
	if err == nil {
		w.metrics.IncTransition(from, next)
		return nil
	}
	if invalid, ok := pipeline.IsInvalidTransition(err); ok {
		current, getErr := w.store.GetConversation(ctx, conversationID)
		if getErr == nil && current.State == next {
			w.log.WithField("conversationId", conversationID).
				WithField("state", next).
				Debug("tolerating retry that already landed on target state")
			return nil
		}
		w.log.WithError(invalid).Error("invalid transition")
		return invalid
	}
	w.log.WithError(err).Error("transition state")
	return err
}

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
