package reasoning

import (
	"context"
	"sync"
)

// Mock is a test double for Func. It replays a configured sequence of
// candidates (or a configured error) and records every call it receives,
// mirroring the call-history and error-injection pattern used elsewhere in
// this codebase for fake collaborators that stand in for out-of-process
// dependencies.
type Mock struct {
	// Candidates is the sequence of candidates to return, one per call.
	// Once exhausted, the last entry repeats.
	Candidates []Candidate

	// Err, if set, is returned instead of a candidate.
	Err error

	mu        sync.Mutex
	calls     []Call
	callIndex int
}

// Func returns the reasoning.Func bound to this mock.
func (m *Mock) Func() Func {
	return m.call
}

func (m *Mock) call(ctx context.Context, conversationID, messageID, content string) (Candidate, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, Call{ConversationID: conversationID, MessageID: messageID, Content: content})

	if m.Err != nil {
		return nil, m.Err
	}
	if len(m.Candidates) == 0 {
		return Candidate{}, nil
	}

	idx := m.callIndex
	if idx >= len(m.Candidates) {
		idx = len(m.Candidates) - 1
	} else {
		m.callIndex++
	}
	return m.Candidates[idx], nil
}

// Calls returns the recorded call history.
func (m *Mock) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

// CallCount returns how many times the mock has been invoked.
func (m *Mock) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// Reset clears call history and rewinds the response sequence.
func (m *Mock) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
	m.callIndex = 0
}
