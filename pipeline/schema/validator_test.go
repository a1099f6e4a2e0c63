package schema

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validIntent() map[string]interface{} {
	return map[string]interface{}{
		"intentId":       "i1",
		"conversationId": "c1",
		"messageId":      "m1",
		"action":         "search",
		"parameters":     map[string]interface{}{"query": "cats"},
		"confidence":     0.8,
	}
}

func TestCache_Validate_Valid(t *testing.T) {
	c := NewCache()
	res, err := c.Validate(validIntent())
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Empty(t, res.Errors)
}

func TestCache_Validate_UnknownAction(t *testing.T) {
	c := NewCache()
	candidate := validIntent()
	candidate["action"] = "launch_missiles"

	res, err := c.Validate(candidate)
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.NotEmpty(t, res.Reason())
}

func TestCache_Validate_ConfidenceOutOfRange(t *testing.T) {
	c := NewCache()
	candidate := validIntent()
	candidate["confidence"] = 1.5

	res, err := c.Validate(candidate)
	require.NoError(t, err)
	assert.False(t, res.Valid)
}

func TestCache_Validate_MissingRequiredField(t *testing.T) {
	c := NewCache()
	candidate := validIntent()
	delete(candidate, "parameters")

	res, err := c.Validate(candidate)
	require.NoError(t, err)
	assert.False(t, res.Valid)
}

// TestCache_Validate_ConcurrentFirstCompile exercises the lazy-compile race:
// many goroutines call Validate on a fresh Cache at once, and all of them
// must observe a successfully compiled schema.
func TestCache_Validate_ConcurrentFirstCompile(t *testing.T) {
	c := NewCache()
	const workers = 50
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			res, err := c.Validate(validIntent())
			assert.NoError(t, err)
			assert.True(t, res.Valid)
		}()
	}
	wg.Wait()
}
