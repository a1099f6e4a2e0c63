package reasoning

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeywordFunc_MatchesAction(t *testing.T) {
	fn := NewKeywordFunc()
	cases := map[string]string{
		"please calculate 2+2":      "calculate",
		"translate this to French":  "translate",
		"summarize the document":    "summarize",
		"search for nearby cafes":   "search",
		"find a good pizza place":   "search",
		"no recognizable verb here": "search",
	}
	for content, want := range cases {
		cand, err := fn(context.Background(), "c1", "m1", content)
		require.NoError(t, err)
		assert.Equal(t, want, cand["action"], content)
	}
}

func TestKeywordFunc_LowConfidenceWhenUnmatched(t *testing.T) {
	fn := NewKeywordFunc()
	cand, err := fn(context.Background(), "c1", "m1", "gibberish")
	require.NoError(t, err)
	assert.Less(t, cand["confidence"].(float64), 0.5)
}

func TestMock_ReplaysSequenceAndRecordsCalls(t *testing.T) {
	m := &Mock{Candidates: []Candidate{{"action": "search"}, {"action": "calculate"}}}
	fn := m.Func()

	c1, err := fn(context.Background(), "c1", "m1", "hi")
	require.NoError(t, err)
	assert.Equal(t, "search", c1["action"])

	c2, err := fn(context.Background(), "c1", "m2", "hi")
	require.NoError(t, err)
	assert.Equal(t, "calculate", c2["action"])

	// Exhausted: repeats the last entry.
	c3, err := fn(context.Background(), "c1", "m3", "hi")
	require.NoError(t, err)
	assert.Equal(t, "calculate", c3["action"])

	assert.Equal(t, 3, m.CallCount())
	assert.Equal(t, "m2", m.Calls()[1].MessageID)
}
