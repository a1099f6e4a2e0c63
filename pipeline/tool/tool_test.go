package tool

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_Dispatch(t *testing.T) {
	r := Default()

	out, err := r.Call(context.Background(), "search", map[string]interface{}{"query": "cats"})
	require.NoError(t, err)
	assert.Equal(t, "cats", out["query"])
}

func TestRegistry_UnknownAction(t *testing.T) {
	r := Default()
	_, err := r.Call(context.Background(), "fly_to_moon", nil)
	assert.ErrorIs(t, err, ErrUnknownTool)
}

func TestCalculateTool(t *testing.T) {
	tool := &CalculateTool{}

	out, err := tool.Call(context.Background(), map[string]interface{}{"expression": "2 + 2"})
	require.NoError(t, err)
	assert.Equal(t, float64(4), out["result"])

	_, err = tool.Call(context.Background(), map[string]interface{}{"expression": "4 / 0"})
	assert.Error(t, err)

	_, err = tool.Call(context.Background(), map[string]interface{}{"expression": "not a math expression"})
	assert.Error(t, err)
}

func TestSummarizeTool(t *testing.T) {
	tool := &SummarizeTool{}
	out, err := tool.Call(context.Background(), map[string]interface{}{"text": "First sentence. Second sentence."})
	require.NoError(t, err)
	assert.Equal(t, "First sentence.", out["summary"])
}

func TestTranslateTool(t *testing.T) {
	tool := &TranslateTool{}
	out, err := tool.Call(context.Background(), map[string]interface{}{"text": "hello world"})
	require.NoError(t, err)
	assert.Equal(t, "hola mundo", out["translated"])
	assert.Empty(t, out["untranslatable"])
}

func TestTranslateTool_UnknownWordsPassThrough(t *testing.T) {
	tool := &TranslateTool{}
	out, err := tool.Call(context.Background(), map[string]interface{}{"text": "hello spaceship"})
	require.NoError(t, err)
	assert.Equal(t, "hola spaceship", out["translated"])
	assert.Contains(t, out["untranslatable"], "spaceship")
}

func TestSearchTool_MissingQuery(t *testing.T) {
	tool := &SearchTool{}
	_, err := tool.Call(context.Background(), map[string]interface{}{})
	assert.Error(t, err)
}
