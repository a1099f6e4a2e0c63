package reasoner

import (
	"context"
	"errors"
	"testing"

	"github.com/agentmesh/orchestrator/pipeline"
	"github.com/agentmesh/orchestrator/pipeline/bus"
	"github.com/agentmesh/orchestrator/pipeline/reasoning"
	"github.com/agentmesh/orchestrator/pipeline/schema"
	"github.com/agentmesh/orchestrator/pipeline/store"
	"github.com/stretchr/testify/require"
)

const actionTopic = "action_requested"

func setup(t *testing.T, candidate reasoning.Candidate, reasonErr error) (*Worker, store.Store, *bus.MemoryBus, string) {
	t.Helper()
	st := store.NewMemoryStore()
	b := bus.NewMemoryBus()
	conversationID := "conv-1"
	require.NoError(t, st.CreateConversation(context.Background(), conversationID))
	require.NoError(t, st.TransitionState(context.Background(), conversationID, pipeline.StateReasoningRequested))

	mock := &reasoning.Mock{Candidates: []reasoning.Candidate{candidate}, Err: reasonErr}
	w := NewWorker(st, b, schema.NewCache(), mock.Func(), actionTopic)
	return w, st, b, conversationID
}

func deliveryFor(conversationID string, payload map[string]interface{}) bus.Delivery {
	return bus.Delivery{Envelope: bus.Envelope{
		EventID:        "evt-1",
		EventType:      bus.EventReasoningRequested,
		ConversationID: conversationID,
		MessageID:      "msg-1",
		Payload:        payload,
	}}
}

func TestHandle_ValidIntent_AdvancesAndPublishes(t *testing.T) {
	w, st, b, conversationID := setup(t, reasoning.Candidate{
		"action":     "search",
		"parameters": map[string]interface{}{"query": "llamas"},
		"confidence": 0.9,
	}, nil)

	err := w.Handle(context.Background(), deliveryFor(conversationID, map[string]interface{}{"content": "search for llamas"}))
	require.NoError(t, err)

	conv, err := st.GetConversation(context.Background(), conversationID)
	require.NoError(t, err)
	require.Equal(t, pipeline.StateActionRequested, conv.State)

	require.Equal(t, 1, b.QueueLen(actionTopic))
}

func TestHandle_InvalidIntent_RoutesToFailedValidation(t *testing.T) {
	w, st, _, conversationID := setup(t, reasoning.Candidate{
		"action":     "unknown-action",
		"parameters": map[string]interface{}{},
		"confidence": 0.9,
	}, nil)

	err := w.Handle(context.Background(), deliveryFor(conversationID, map[string]interface{}{"content": "??"}))
	require.NoError(t, err)

	conv, err := st.GetConversation(context.Background(), conversationID)
	require.NoError(t, err)
	require.Equal(t, pipeline.StateFailedValidation, conv.State)

	view, err := st.GetConversationView(context.Background(), conversationID)
	require.NoError(t, err)
	require.Len(t, view.Intents, 1)
	require.False(t, view.Intents[0].Valid)
	require.NotEmpty(t, view.Intents[0].ValidationError)
}

func TestHandle_ReasoningFuncError_Nacks(t *testing.T) {
	w, _, _, conversationID := setup(t, nil, errors.New("upstream boom"))

	err := w.Handle(context.Background(), deliveryFor(conversationID, map[string]interface{}{"content": "x"}))
	require.Error(t, err)
}

func TestHandle_DuplicateDelivery_SkipsReprocessing(t *testing.T) {
	w, _, b, conversationID := setup(t, reasoning.Candidate{
		"action":     "search",
		"parameters": map[string]interface{}{"query": "llamas"},
		"confidence": 0.9,
	}, nil)

	d := deliveryFor(conversationID, map[string]interface{}{"content": "search for llamas"})
	require.NoError(t, w.Handle(context.Background(), d))
	require.NoError(t, w.Handle(context.Background(), d))

	// Only one action_requested publish, not two.
	require.Equal(t, 1, b.QueueLen(actionTopic))
}

func TestHandle_MissingIntentIDIsMintedByWorker(t *testing.T) {
	w, _, _, conversationID := setup(t, reasoning.Candidate{
		"action":     "calculate",
		"parameters": map[string]interface{}{"expression": "2 + 2"},
		"confidence": 1.0,
	}, nil)

	err := w.Handle(context.Background(), deliveryFor(conversationID, map[string]interface{}{"content": "calculate 2 + 2"}))
	require.NoError(t, err)
}
