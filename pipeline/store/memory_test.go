package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/agentmesh/orchestrator/pipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_CreateConversation(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.CreateConversation(ctx, "c1"))

	conv, err := s.GetConversation(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, pipeline.StateReceived, conv.State)

	err = s.CreateConversation(ctx, "c1")
	assert.ErrorIs(t, err, pipeline.ErrConversationExists)
}

func TestMemoryStore_GetConversation_NotFound(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.GetConversation(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_TransitionState(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.CreateConversation(ctx, "c1"))

	require.NoError(t, s.TransitionState(ctx, "c1", pipeline.StateReasoningRequested))

	conv, err := s.GetConversation(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, pipeline.StateReasoningRequested, conv.State)

	err = s.TransitionState(ctx, "c1", pipeline.StateActionCompleted)
	var invalid *pipeline.ErrInvalidTransition
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, pipeline.StateReasoningRequested, invalid.From)
	assert.Equal(t, pipeline.StateActionCompleted, invalid.To)
}

// TestMemoryStore_TransitionState_Path walks every legal path to a terminal
// state and checks no illegal edge is ever accepted: the sequence of
// observed states must always be a path through the transition graph.
func TestMemoryStore_TransitionState_Path(t *testing.T) {
	paths := [][]pipeline.State{
		{pipeline.StateReasoningRequested, pipeline.StateIntentValidated, pipeline.StateActionRequested, pipeline.StateActionCompleted},
		{pipeline.StateReasoningRequested, pipeline.StateFailedValidation},
		{pipeline.StateReasoningRequested, pipeline.StateIntentValidated, pipeline.StateActionRequested, pipeline.StateFailedExecution},
	}

	for _, path := range paths {
		s := NewMemoryStore()
		ctx := context.Background()
		require.NoError(t, s.CreateConversation(ctx, "c1"))

		for _, next := range path {
			require.NoError(t, s.TransitionState(ctx, "c1", next))
		}

		conv, err := s.GetConversation(ctx, "c1")
		require.NoError(t, err)
		assert.True(t, conv.State.Terminal())

		// No further transition is ever legal from a terminal state.
		err = s.TransitionState(ctx, "c1", pipeline.StateReasoningRequested)
		assert.Error(t, err)
	}
}

func TestMemoryStore_ClaimReceipt_FreshClaim(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	claimed, err := s.ClaimReceipt(ctx, "evt-1", pipeline.ReceiptClaimMeta{Handler: "reasoner"}, time.Minute)
	require.NoError(t, err)
	assert.True(t, claimed)
}

func TestMemoryStore_ClaimReceipt_DuplicateWhileProcessing(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	claimed, err := s.ClaimReceipt(ctx, "evt-1", pipeline.ReceiptClaimMeta{}, time.Minute)
	require.NoError(t, err)
	require.True(t, claimed)

	claimed, err = s.ClaimReceipt(ctx, "evt-1", pipeline.ReceiptClaimMeta{}, time.Minute)
	require.NoError(t, err)
	assert.False(t, claimed, "a second worker must not claim a live receipt")
}

func TestMemoryStore_ClaimReceipt_CompletedIsPermanentlyDuplicate(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.ClaimReceipt(ctx, "evt-1", pipeline.ReceiptClaimMeta{}, time.Minute)
	require.NoError(t, err)
	require.NoError(t, s.CompleteReceipt(ctx, "evt-1"))

	claimed, err := s.ClaimReceipt(ctx, "evt-1", pipeline.ReceiptClaimMeta{}, time.Minute)
	require.NoError(t, err)
	assert.False(t, claimed)
}

func TestMemoryStore_ClaimReceipt_StaleReclamation(t *testing.T) {
	s := NewMemoryStore()
	base := time.Now()
	tick := base
	s.now = func() time.Time { return tick }

	ctx := context.Background()
	claimed, err := s.ClaimReceipt(ctx, "evt-1", pipeline.ReceiptClaimMeta{}, 2*time.Minute)
	require.NoError(t, err)
	require.True(t, claimed)

	// Still within the stale window: no reclamation.
	tick = base.Add(time.Minute)
	claimed, err = s.ClaimReceipt(ctx, "evt-1", pipeline.ReceiptClaimMeta{}, 2*time.Minute)
	require.NoError(t, err)
	assert.False(t, claimed)

	// Past the stale window: exactly one reclaimer succeeds.
	tick = base.Add(3 * time.Minute)
	claimed, err = s.ClaimReceipt(ctx, "evt-1", pipeline.ReceiptClaimMeta{}, 2*time.Minute)
	require.NoError(t, err)
	assert.True(t, claimed)
}

// TestMemoryStore_ClaimReceipt_ConcurrentRace exercises the core
// deduplication property: for any eventID, ClaimReceipt returns true for
// exactly one concurrent caller.
func TestMemoryStore_ClaimReceipt_ConcurrentRace(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	const workers = 50
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0

	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			claimed, err := s.ClaimReceipt(ctx, "evt-race", pipeline.ReceiptClaimMeta{}, time.Minute)
			require.NoError(t, err)
			if claimed {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
}

func TestMemoryStore_ClaimIdempotencyKey(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	isNew, existing, err := s.ClaimIdempotencyKey(ctx, "k1", "msg-1")
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.Empty(t, existing)

	isNew, existing, err = s.ClaimIdempotencyKey(ctx, "k1", "msg-2")
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Equal(t, "msg-1", existing)
}

// TestMemoryStore_ClaimIdempotencyKey_ConcurrentRace exercises the fleet
// safety property: at most one caller across the fleet sees isNew=true.
func TestMemoryStore_ClaimIdempotencyKey_ConcurrentRace(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	const workers = 50
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0

	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			isNew, _, err := s.ClaimIdempotencyKey(ctx, "k-race", "msg")
			require.NoError(t, err)
			if isNew {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
}

func TestMemoryStore_SaveActionResult_AtMostOnePerIntent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.CreateConversation(ctx, "c1"))

	result := pipeline.ActionResult{ID: "r1", ConversationID: "c1", IntentID: "i1", Success: true}
	require.NoError(t, s.SaveActionResult(ctx, result))

	duplicate := pipeline.ActionResult{ID: "r2", ConversationID: "c1", IntentID: "i1", Success: false}
	require.NoError(t, s.SaveActionResult(ctx, duplicate))

	view, err := s.GetConversationView(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, view.Results, 1)
	assert.Equal(t, "r1", view.Results[0].ID)

	found, err := s.FindActionResultByIntentID(ctx, "c1", "i1")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestMemoryStore_CompleteReceipt_UpsertsWhenAbsent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.CompleteReceipt(ctx, "evt-never-claimed"))

	claimed, err := s.ClaimReceipt(ctx, "evt-never-claimed", pipeline.ReceiptClaimMeta{}, time.Minute)
	require.NoError(t, err)
	assert.False(t, claimed, "a completed receipt must reject a fresh claim even if it was upserted")
}
