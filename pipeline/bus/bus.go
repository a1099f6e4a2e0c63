// Package bus abstracts the durable topic transport that carries events
// between the Ingress, Reasoner, and Executor. Implementations guarantee
// at-least-once delivery: a message is redelivered until its handler
// acknowledges it, and is moved to a dead-letter topic once its retry
// budget is exhausted. Every consumer built on top of Bus must therefore
// be safe to invoke more than once for the same event.
package bus

import (
	"context"
	"errors"
	"time"
)

// ErrNoMessage is returned by implementations that expose pull-style
// consumption when no message is currently available.
var ErrNoMessage = errors.New("bus: no message available")

// ErrClosed is returned by any operation attempted after Close.
var ErrClosed = errors.New("bus: closed")

// PublishOptions configures a single Publish call.
type PublishOptions struct {
	// IdempotencyKey, when set, lets the transport itself deduplicate
	// publishes within IdempotencyTTL. This is independent of the
	// application-level client idempotency key recorded by the store; it
	// guards against double-publish from a single producer retrying its
	// own send, not against duplicate client submissions.
	IdempotencyKey string
	IdempotencyTTL time.Duration
}

// Delivery wraps an Envelope with the transport metadata a Handler needs to
// make retry and dead-letter decisions, and the Ack/Nack hooks pull-style
// callers use to close out the delivery.
type Delivery struct {
	Envelope Envelope
	Attempt  int

	ack  func(ctx context.Context) error
	nack func(ctx context.Context, reason string) error
}

// Ack acknowledges successful processing, removing the message from the
// topic so it is never redelivered.
func (d Delivery) Ack(ctx context.Context) error {
	if d.ack == nil {
		return nil
	}
	return d.ack(ctx)
}

// Nack signals failed processing. The transport redelivers the message,
// subject to its own backoff and retry-limit policy, or moves it to the
// topic's dead-letter queue once that budget is exhausted.
func (d Delivery) Nack(ctx context.Context, reason string) error {
	if d.nack == nil {
		return nil
	}
	return d.nack(ctx, reason)
}

// Handler processes one delivered envelope. A nil error Acks the delivery;
// a non-nil error Nacks it. Handlers must be idempotent: the transport's
// retry policy can and will redeliver a message whose handler already ran
// to completion but crashed before acking.
type Handler func(ctx context.Context, d Delivery) error

// Bus is the pub/sub transport the pipeline's three stages use to hand
// work to one another. It deliberately exposes push-style subscription
// rather than a bare Consume/Ack/Nack loop: retry bookkeeping (attempt
// counts, backoff, dead-lettering) belongs to the transport, not to
// hand-written poll loops in application code.
type Bus interface {
	// Publish enqueues env on topic. Implementations must attach
	// Envelope.Attributes() as transport-level message attributes in
	// addition to encoding env as the message body.
	Publish(ctx context.Context, topic string, env Envelope, opts *PublishOptions) error

	// Subscribe registers handler to receive every message published to
	// topic and blocks until ctx is canceled or an unrecoverable
	// transport error occurs. Each delivery's Attempt field reflects how
	// many times the transport has attempted delivery so far, counting
	// this one.
	Subscribe(ctx context.Context, topic string, handler Handler) error

	// DeadLetterTopic returns the name Subscribe would use to drain
	// topic's dead-letter queue.
	DeadLetterTopic(topic string) string

	// Close releases resources held by the bus. Publish and Subscribe
	// return ErrClosed afterward.
	Close() error
}
