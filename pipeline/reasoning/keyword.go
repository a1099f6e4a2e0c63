package reasoning

import (
	"context"
	"strings"
)

// keywordRoutes maps a trigger phrase to the action it proposes. Routes are
// matched in order against the lower-cased content; the first match wins.
var keywordRoutes = []struct {
	trigger string
	action  string
}{
	{"calculate", "calculate"},
	{"compute", "calculate"},
	{"translate", "translate"},
	{"summarize", "summarize"},
	{"summarise", "summarize"},
	{"search", "search"},
	{"find", "search"},
	{"look up", "search"},
}

// NewKeywordFunc returns a Func that proposes an action by matching
// trigger words in the message content, with confidence fixed at 1.0 for a
// match. When nothing matches it falls back to "search" with confidence
// 0.2. Parameters are always {"query": content}. It stands in for a real inference
// model: deterministic, side-effect free, and good enough to drive the
// rest of the pipeline through its full state machine in development and
// in tests that don't stub reasoning.Func directly.
func NewKeywordFunc() Func {
	return func(_ context.Context, conversationID, messageID, content string) (Candidate, error) {
		lower := strings.ToLower(content)
		action := ""
		for _, route := range keywordRoutes {
			if strings.Contains(lower, route.trigger) {
				action = route.action
				break
			}
		}

		confidence := 0.0
		if action != "" {
			confidence = 1.0
		} else {
			action = "search"
			confidence = 0.2
		}

		return Candidate{
			"conversationId": conversationID,
			"messageId":      messageID,
			"action":         action,
			"parameters":     map[string]interface{}{"query": content},
			"confidence":     confidence,
		}, nil
	}
}
