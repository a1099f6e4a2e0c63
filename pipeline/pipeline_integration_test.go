package pipeline_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/agentmesh/orchestrator/pipeline"
	"github.com/agentmesh/orchestrator/pipeline/bus"
	"github.com/agentmesh/orchestrator/pipeline/executor"
	"github.com/agentmesh/orchestrator/pipeline/ingress"
	"github.com/agentmesh/orchestrator/pipeline/reasoner"
	"github.com/agentmesh/orchestrator/pipeline/reasoning"
	"github.com/agentmesh/orchestrator/pipeline/schema"
	"github.com/agentmesh/orchestrator/pipeline/store"
	"github.com/agentmesh/orchestrator/pipeline/tool"
	"github.com/stretchr/testify/require"
)

const (
	reasoningTopic = "reasoning_requested"
	actionTopic    = "action_requested"
)

func newHarness(t *testing.T) (*ingress.Server, store.Store, bus.Bus) {
	t.Helper()
	st := store.NewMemoryStore()
	b := bus.NewMemoryBus()

	srv := ingress.NewServer(st, b, reasoningTopic)
	rw := reasoner.NewWorker(st, b, schema.NewCache(), reasoning.NewKeywordFunc(), actionTopic)
	ew := executor.NewWorker(st, tool.Default())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go rw.Run(ctx, reasoningTopic)
	go ew.Run(ctx, b, actionTopic)

	return srv, st, b
}

func postMessage(t *testing.T, srv *ingress.Server, body map[string]interface{}, idempotencyKey string) map[string]interface{} {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest("POST", "/messages", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	if idempotencyKey != "" {
		req.Header.Set("X-Idempotency-Key", idempotencyKey)
	}
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	resp["__status"] = rec.Code
	return resp
}

func waitForState(t *testing.T, st store.Store, conversationID string, want pipeline.State) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	tick := time.NewTicker(5 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			conv, err := st.GetConversation(context.Background(), conversationID)
			if err == nil && conv.State == want {
				return
			}
		case <-deadline:
			conv, _ := st.GetConversation(context.Background(), conversationID)
			t.Fatalf("conversation %s did not reach state %s, last seen %s", conversationID, want, conv.State)
		}
	}
}

func TestPipeline_HappyPath_SearchRequest(t *testing.T) {
	srv, st, _ := newHarness(t)

	resp := postMessage(t, srv, map[string]interface{}{"content": "please search for gophers"}, "")
	require.EqualValues(t, 201, resp["__status"])
	conversationID := resp["conversationId"].(string)

	waitForState(t, st, conversationID, pipeline.StateActionCompleted)

	view, err := st.GetConversationView(context.Background(), conversationID)
	require.NoError(t, err)
	require.Len(t, view.Intents, 1)
	require.True(t, view.Intents[0].Valid)
	require.Len(t, view.Results, 1)
	require.True(t, view.Results[0].Success)
	require.Equal(t, "search", view.Results[0].Result["tool"])
}

func TestPipeline_ClientIdempotencyKey_DedupsAtIngress(t *testing.T) {
	srv, st, _ := newHarness(t)

	first := postMessage(t, srv, map[string]interface{}{"content": "calculate 2+2"}, "client-key-1")
	second := postMessage(t, srv, map[string]interface{}{"content": "calculate 2+2"}, "client-key-1")

	require.EqualValues(t, 201, first["__status"])
	require.EqualValues(t, 200, second["__status"])
	require.Equal(t, true, second["duplicate"])
	require.Equal(t, first["messageId"], second["messageId"])

	waitForState(t, st, first["conversationId"].(string), pipeline.StateActionCompleted)
}

func TestPipeline_DuplicateDelivery_DoesNotReexecute(t *testing.T) {
	st := store.NewMemoryStore()
	ew := executor.NewWorker(st, tool.Default())

	ctx := context.Background()
	conversationID := "conv-dup-1"
	require.NoError(t, st.CreateConversation(ctx, conversationID))
	require.NoError(t, st.TransitionState(ctx, conversationID, pipeline.StateReasoningRequested))
	require.NoError(t, st.TransitionState(ctx, conversationID, pipeline.StateIntentValidated))
	require.NoError(t, st.TransitionState(ctx, conversationID, pipeline.StateActionRequested))

	env := bus.Envelope{
		EventID:        "evt-dup-1",
		EventType:      bus.EventActionRequested,
		ConversationID: conversationID,
		MessageID:      "msg-dup-1",
		Timestamp:      time.Now(),
		Producer:       string(pipeline.ProducerReasoner),
		Payload: map[string]interface{}{
			"intentId":   "intent-dup-1",
			"action":     "calculate",
			"parameters": map[string]interface{}{"expression": "1 + 1"},
		},
	}

	delivery1 := bus.Delivery{Envelope: env, Attempt: 1}
	require.NoError(t, ew.Handle(ctx, delivery1))

	delivery2 := bus.Delivery{Envelope: env, Attempt: 2}
	require.NoError(t, ew.Handle(ctx, delivery2))

	view, err := st.GetConversationView(ctx, conversationID)
	require.NoError(t, err)
	require.Len(t, view.Results, 1)
}

func TestPipeline_CrashedConsumer_StaleReceiptIsReclaimed(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	conversationID := "conv-stale-1"
	require.NoError(t, st.CreateConversation(ctx, conversationID))
	require.NoError(t, st.TransitionState(ctx, conversationID, pipeline.StateReasoningRequested))

	claimed, err := st.ClaimReceipt(ctx, "evt-stale-1", pipeline.ReceiptClaimMeta{
		Handler:        "reasoner",
		ConversationID: conversationID,
	}, time.Millisecond)
	require.NoError(t, err)
	require.True(t, claimed)

	time.Sleep(5 * time.Millisecond)

	reclaimed, err := st.ClaimReceipt(ctx, "evt-stale-1", pipeline.ReceiptClaimMeta{
		Handler:        "reasoner",
		ConversationID: conversationID,
	}, time.Millisecond)
	require.NoError(t, err)
	require.True(t, reclaimed, "a receipt older than the stale threshold must be reclaimable")
}

func TestPipeline_InvalidReasoning_RoutesToFailedValidation(t *testing.T) {
	st := store.NewMemoryStore()
	b := bus.NewMemoryBus()
	badReason := &reasoning.Mock{
		Candidates: []reasoning.Candidate{{
			"action":     "not-a-real-action",
			"parameters": map[string]interface{}{},
			"confidence": 0.5,
		}},
	}
	rw := reasoner.NewWorker(st, b, schema.NewCache(), badReason.Func(), actionTopic)

	ctx := context.Background()
	conversationID := "conv-invalid-1"
	require.NoError(t, st.CreateConversation(ctx, conversationID))
	require.NoError(t, st.TransitionState(ctx, conversationID, pipeline.StateReasoningRequested))

	env := bus.Envelope{
		EventID:        "evt-invalid-1",
		EventType:      bus.EventReasoningRequested,
		ConversationID: conversationID,
		MessageID:      "msg-invalid-1",
		Timestamp:      time.Now(),
		Producer:       string(pipeline.ProducerAPI),
		Payload:        map[string]interface{}{"content": "do something unsupported"},
	}
	require.NoError(t, rw.Handle(ctx, bus.Delivery{Envelope: env, Attempt: 1}))

	conv, err := st.GetConversation(ctx, conversationID)
	require.NoError(t, err)
	require.Equal(t, pipeline.StateFailedValidation, conv.State)
}

func TestPipeline_BadRequest_MissingContent(t *testing.T) {
	srv, _, _ := newHarness(t)
	resp := postMessage(t, srv, map[string]interface{}{}, "")
	require.EqualValues(t, 400, resp["__status"])
}
