package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEnvelope(id string) Envelope {
	return Envelope{
		EventID:        id,
		EventType:      EventReasoningRequested,
		ConversationID: "c1",
		MessageID:      "m1",
		Timestamp:      time.Now(),
		Producer:       "ingress",
		Payload:        map[string]interface{}{"content": "hello"},
	}
}

func TestMemoryBus_PublishSubscribe(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan Envelope, 1)
	go func() {
		_ = b.Subscribe(ctx, "reasoning-requested", func(_ context.Context, d Delivery) error {
			received <- d.Envelope
			cancel()
			return nil
		})
	}()

	require.NoError(t, b.Publish(context.Background(), "reasoning-requested", testEnvelope("e1"), nil))

	select {
	case env := <-received:
		assert.Equal(t, "e1", env.EventID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestMemoryBus_NackRedelivers(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	attempts := 0

	go func() {
		_ = b.Subscribe(ctx, "t1", func(_ context.Context, d Delivery) error {
			mu.Lock()
			attempts++
			n := attempts
			mu.Unlock()
			if n < 2 {
				return errors.New("transient failure")
			}
			cancel()
			return nil
		})
	}()

	require.NoError(t, b.Publish(context.Background(), "t1", testEnvelope("e1"), nil))
	<-ctx.Done()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, attempts)
}

func TestMemoryBus_DeadLettersAfterMaxAttempts(t *testing.T) {
	b := NewMemoryBus().WithMaxAttempts(2)
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var mu sync.Mutex
	attempts := 0
	failing := make(chan struct{})

	go func() {
		_ = b.Subscribe(ctx, "t1", func(_ context.Context, d Delivery) error {
			mu.Lock()
			attempts++
			n := attempts
			mu.Unlock()
			if n >= 2 {
				close(failing)
			}
			return errors.New("always fails")
		})
	}()

	require.NoError(t, b.Publish(context.Background(), "t1", testEnvelope("e1"), nil))

	select {
	case <-failing:
	case <-ctx.Done():
		t.Fatal("timed out waiting for second attempt")
	}

	require.Eventually(t, func() bool {
		return b.QueueLen(b.DeadLetterTopic("t1")) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestMemoryBus_PublishIdempotencyKeyDedup(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()

	opts := &PublishOptions{IdempotencyKey: "k1", IdempotencyTTL: time.Minute}
	require.NoError(t, b.Publish(context.Background(), "t1", testEnvelope("e1"), opts))
	require.NoError(t, b.Publish(context.Background(), "t1", testEnvelope("e2"), opts))

	assert.Equal(t, 1, b.QueueLen("t1"))
}

func TestMemoryBus_PublishAfterClose(t *testing.T) {
	b := NewMemoryBus()
	require.NoError(t, b.Close())

	err := b.Publish(context.Background(), "t1", testEnvelope("e1"), nil)
	assert.ErrorIs(t, err, ErrClosed)
}
