package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

const (
	sqsMaxMessages     = 10
	sqsWaitTimeSeconds = 20
	sqsDeleteTimeout   = 5 * time.Second
)

// TopicURLs maps a logical topic name (as used by Publish/Subscribe) to the
// SQS queue URL that backs it, including the dead-letter queues. Unlike the
// in-memory bus, SQS does not let the client invent queues on the fly, so
// every topic an application intends to use must already exist and be
// registered here.
type TopicURLs map[string]string

// SQSBus is a Bus backed by Amazon SQS standard queues, one per topic. Each
// topic's dead-letter queue is expected to be configured on the queue
// itself via a redrive policy; DeadLetterTopic only reports the logical
// name used to look it up in TopicURLs, it does not configure the redrive
// policy (that is provisioned infrastructure, not application code).
type SQSBus struct {
	client *sqs.Client
	topics TopicURLs
}

// NewSQSBus loads AWS configuration the standard way (environment, shared
// config file, or EC2/ECS instance role) and returns a bus that publishes
// to and polls the queues named in topics.
func NewSQSBus(ctx context.Context, topics TopicURLs) (*SQSBus, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("bus: load aws config: %w", err)
	}
	return &SQSBus{
		client: sqs.NewFromConfig(cfg),
		topics: topics,
	}, nil
}

func (b *SQSBus) queueURL(topic string) (string, error) {
	url, ok := b.topics[topic]
	if !ok {
		return "", fmt.Errorf("bus: no queue configured for topic %q", topic)
	}
	return url, nil
}

func (b *SQSBus) DeadLetterTopic(topic string) string {
	return topic + ".dead-letter"
}

func (b *SQSBus) Publish(ctx context.Context, topic string, env Envelope, opts *PublishOptions) error {
	url, err := b.queueURL(topic)
	if err != nil {
		return err
	}
	body, err := env.Encode()
	if err != nil {
		return err
	}

	attrs := map[string]types.MessageAttributeValue{}
	for k, v := range env.Attributes() {
		attrs[k] = types.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(v),
		}
	}

	input := &sqs.SendMessageInput{
		QueueUrl:          aws.String(url),
		MessageBody:       aws.String(string(body)),
		MessageAttributes: attrs,
	}
	if opts != nil && opts.IdempotencyKey != "" {
		// SQS FIFO queues natively support content-based and explicit
		// dedup IDs; for standard queues this attribute is advisory and
		// a consumer-side idempotency key claim (pipeline/store) remains
		// the authoritative guard.
		input.MessageDeduplicationId = aws.String(opts.IdempotencyKey)
	}

	if _, err := b.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("%w: %v", ErrPublish, err)
	}
	return nil
}

func (b *SQSBus) Subscribe(ctx context.Context, topic string, handler Handler) error {
	url, err := b.queueURL(topic)
	if err != nil {
		return err
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		out, err := b.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:              aws.String(url),
			MaxNumberOfMessages:   sqsMaxMessages,
			WaitTimeSeconds:       sqsWaitTimeSeconds,
			AttributeNames:        []types.QueueAttributeName{types.QueueAttributeNameApproximateReceiveCount},
			MessageAttributeNames: []string{"All"},
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}

		for _, msg := range out.Messages {
			b.handleOne(ctx, url, topic, msg, handler)
		}
	}
}

func (b *SQSBus) handleOne(ctx context.Context, queueURL, topic string, msg types.Message, handler Handler) {
	env, err := Decode([]byte(aws.ToString(msg.Body)))
	if err != nil {
		// A permanently undecodable body cannot be retried into success;
		// ack it so it stops consuming redelivery attempts and rely on
		// the queue's own redrive policy having already dead-lettered
		// messages that fail this often.
		b.deleteMessage(ctx, queueURL, msg)
		return
	}

	attempt := 1
	if raw, ok := msg.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)]; ok {
		fmt.Sscanf(raw, "%d", &attempt)
	}

	delivery := Delivery{Envelope: env, Attempt: attempt}
	delivery.ack = func(ctx context.Context) error {
		return b.deleteMessage(ctx, queueURL, msg)
	}
	delivery.nack = func(context.Context, string) error {
		// Leaving the message alone lets its visibility timeout expire
		// and SQS redeliver it; the queue's redrive policy handles
		// eventual dead-lettering.
		return nil
	}

	if err := handler(ctx, delivery); err != nil {
		_ = delivery.Nack(ctx, err.Error())
		return
	}
	_ = delivery.Ack(ctx)
}

func (b *SQSBus) deleteMessage(_ context.Context, queueURL string, msg types.Message) error {
	deleteCtx, cancel := context.WithTimeout(context.Background(), sqsDeleteTimeout)
	defer cancel()
	_, err := b.client.DeleteMessage(deleteCtx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(queueURL),
		ReceiptHandle: msg.ReceiptHandle,
	})
	return err
}

// Close is a no-op: SQSBus holds no resources of its own to release, and
// Publish and Subscribe keep working after it rather than returning
// ErrClosed.
func (b *SQSBus) Close() error {
	return nil
}

var _ Bus = (*SQSBus)(nil)
