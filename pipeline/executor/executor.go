// Package executor implements the pipeline's third stage: it consumes
// action_requested events, dispatches the validated intent's action to a
// tool.Registry, persists the result, and advances the conversation to a
// terminal state.
package executor

import (
	"context"
	"time"

	"github.com/agentmesh/orchestrator/pipeline"
	"github.com/agentmesh/orchestrator/pipeline/bus"
	"github.com/agentmesh/orchestrator/pipeline/store"
	"github.com/agentmesh/orchestrator/pipeline/tool"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"
)

// HandlerName identifies this stage in receipts claimed against the store.
const HandlerName = "executor"

// Worker consumes action_requested events and drives the execution half of
// the conversation state machine.
type Worker struct {
	store          store.Store
	tools          *tool.Registry
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

// NewWorker builds a Worker dispatching through tools.
func NewWorker(st store.Store, tools *tool.Registry, opts ...Option) *Worker {
	w := &Worker{
		store:   st,
		tools:   tools,
		log:     logrus.StandardLogger(),
		newUUID: func() string { return uuid.NewString() },
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run subscribes to topic and blocks until ctx is canceled, dispatching
// every delivery to Handle.
func (w *Worker) Run(ctx context.Context, b bus.Bus, topic string) error {
	return b.Subscribe(ctx, topic, w.Handle)
}

// Handle implements bus.Handler for action_requested events. It wraps
// handle with the tracing span and latency metric shared by every outcome.
func (w *Worker) Handle(ctx context.Context, d bus.Delivery) error {
	env := d.Envelope
	start := w.now()

	var span trace.Span
	if w.tracer != nil {
		ctx, span = w.tracer.StartSpan(ctx, "executor.handle", env.ConversationID, env.EventID, env.MessageID)
		defer span.End()
	}

	err := w.handle(ctx, env)
	if span != nil {
		pipeline.RecordOutcome(span, err)
	}
	w.metrics.ObserveStageLatency("executor", statusLabel(err), w.now().Sub(start))
	return err
}

func (w *Worker) handle(ctx context.Context, env bus.Envelope) error {
	if env.EventType != bus.EventActionRequested {
		w.log.WithField("eventType", env.EventType).Warn("executor received unexpected event type, acking as poison")
		return nil
	}

	intentID, _ := env.Payload["intentId"].(string)
	action, _ := env.Payload["action"].(string)
	parameters, _ := env.Payload["parameters"].(map[string]interface{})

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

	// Defense in depth: the receipt guards against redelivery of this
	// event, but a retried Reasoner can mint and publish a second
	// action_requested event for the same intentId (see pipeline/reasoner's
	// publish-before-complete ordering). Checking for an existing result
	// here closes that gap.
	exists, err := w.store.FindActionResultByIntentID(ctx, env.ConversationID, intentID)
	if err != nil {
		w.log.WithError(err).Error("find existing action result")
		return err
	}
	if exists {
		w.log.WithField("intentId", intentID).Debug("action result already recorded, skipping re-execution")
		return w.store.CompleteReceipt(ctx, env.EventID)
	}

	output, toolErr := w.tools.Call(ctx, action, parameters)
	w.metrics.IncToolCall(action, toolErr == nil)

	result := pipeline.ActionResult{
		ID:             w.newUUID(),
		ConversationID: env.ConversationID,
		IntentID:       intentID,
		MessageID:      env.MessageID,
		Result:         output,
		Success:        toolErr == nil,
		ExecutedAt:     w.now(),
	}
	if toolErr != nil {
		result.Error = toolErr.Error()
	}
	if err := w.store.SaveActionResult(ctx, result); err != nil {
		w.log.WithError(err).Error("save action result")
		return err
	}

	if err := w.store.AppendEvent(ctx, pipeline.EventLogEntry{
		ID:             w.newUUID(),
		ConversationID: env.ConversationID,
		EventType:      "action_executed",
		Producer:       string(pipeline.ProducerExecutor),
		Payload:        map[string]interface{}{"intentId": intentID, "success": result.Success},
		CreatedAt:      w.now(),
	}); err != nil {
		w.log.WithError(err).Error("append event log")
	}

	next := pipeline.StateActionCompleted
	if toolErr != nil {
		next = pipeline.StateFailedExecution
	}
	if err := w.transition(ctx, env.ConversationID, next); err != nil {
		return err
	}

	return w.store.CompleteReceipt(ctx, env.EventID)
}

// transition tolerates exactly one invalid-transition case: a retry whose
// first attempt already landed the conversation in next.
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
