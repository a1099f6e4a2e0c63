package tool

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// SearchTool returns a deterministic, synthetic result set for a query
// string. It stands in for a real search API.
type SearchTool struct{}

func (t *SearchTool) Name() string { return "search" }

func (t *SearchTool) Call(_ context.Context, params map[string]interface{}) (map[string]interface{}, error) {
	query, err := stringParam(params, "query")
	if err != nil {
		return nil, err
	}
	results := []string{
		fmt.Sprintf("result for %q (1)", query),
		fmt.Sprintf("result for %q (2)", query),
	}
	return map[string]interface{}{
		"tool":    t.Name(),
		"query":   query,
		"results": results,
	}, nil
}

// CalculateTool evaluates a restricted arithmetic expression: a single
// binary operation over two operands, e.g. "2 + 2". It does not implement
// a general expression parser; operator precedence and parentheses are out
// of scope for this deterministic reference tool.
type CalculateTool struct{}

func (t *CalculateTool) Name() string { return "calculate" }

func (t *CalculateTool) Call(_ context.Context, params map[string]interface{}) (map[string]interface{}, error) {
	expr, err := stringParam(params, "expression")
	if err != nil {
		// Fall back to deriving an expression from a search-shaped
		// query parameter so the keyword reasoner's generic
		// {"query": content} candidate still produces a usable result.
		expr, err = stringParam(params, "query")
		if err != nil {
			return nil, fmt.Errorf("tool: calculate requires an %q or %q parameter", "expression", "query")
		}
	}

	// Pad the unambiguous operators with spaces so "2+2" tokenizes like
	// "2 + 2". "-" is left alone so a negative operand such as "-3" stays
	// one token.
	spaced := expr
	for _, o := range []string{"+", "*", "/"} {
		spaced = strings.ReplaceAll(spaced, o, " "+o+" ")
	}
	fields := strings.Fields(spaced)
	var nums []float64
	var op string
	for _, f := range fields {
		if n, convErr := strconv.ParseFloat(f, 64); convErr == nil {
			nums = append(nums, n)
			continue
		}
		switch f {
		case "+", "-", "*", "/":
			op = f
		}
	}
	if len(nums) < 2 || op == "" {
		return nil, fmt.Errorf("tool: calculate could not parse a binary expression from %q", expr)
	}

	var result float64
	switch op {
	case "+":
		result = nums[0] + nums[1]
	case "-":
		result = nums[0] - nums[1]
	case "*":
		result = nums[0] * nums[1]
	case "/":
		if nums[1] == 0 {
			return nil, fmt.Errorf("tool: division by zero in %q", expr)
		}
		result = nums[0] / nums[1]
	}

	return map[string]interface{}{
		"tool":       t.Name(),
		"expression": expr,
		"result":     result,
	}, nil
}

// SummarizeTool produces a deterministic extractive summary: the first
// sentence of the input text, truncated to a fixed length. It stands in
// for a real abstractive summarization model.
type SummarizeTool struct{}

func (t *SummarizeTool) Name() string { return "summarize" }

const summarizeMaxLen = 140

func (t *SummarizeTool) Call(_ context.Context, params map[string]interface{}) (map[string]interface{}, error) {
	text, err := stringParam(params, "text")
	if err != nil {
		text, err = stringParam(params, "query")
		if err != nil {
			return nil, fmt.Errorf("tool: summarize requires a %q or %q parameter", "text", "query")
		}
	}

	sentence := text
	if idx := strings.IndexAny(text, ".!?"); idx >= 0 {
		sentence = text[:idx+1]
	}
	sentence = strings.TrimSpace(sentence)
	if len(sentence) > summarizeMaxLen {
		sentence = sentence[:summarizeMaxLen] + "..."
	}

	return map[string]interface{}{
		"tool":    t.Name(),
		"summary": sentence,
	}, nil
}

// translationTable is a tiny fixed word-for-word dictionary, enough to
// demonstrate the translate action deterministically without calling a
// real translation service.
var translationTable = map[string]string{
	"hello": "hola",
	"world": "mundo",
	"thank": "gracias",
	"you":   "tú",
	"yes":   "sí",
	"no":    "no",
}

// TranslateTool performs a deterministic word-for-word substitution against
// a small fixed dictionary. Words absent from the dictionary pass through
// unchanged.
type TranslateTool struct{}

func (t *TranslateTool) Name() string { return "translate" }

func (t *TranslateTool) Call(_ context.Context, params map[string]interface{}) (map[string]interface{}, error) {
	text, err := stringParam(params, "text")
	if err != nil {
		text, err = stringParam(params, "query")
		if err != nil {
			return nil, fmt.Errorf("tool: translate requires a %q or %q parameter", "text", "query")
		}
	}

	words := strings.Fields(text)
	translated := make([]string, len(words))
	var unknown []string
	for i, w := range words {
		lower := strings.ToLower(strings.Trim(w, ".,!?"))
		if t, ok := translationTable[lower]; ok {
			translated[i] = t
		} else {
			translated[i] = w
			unknown = append(unknown, w)
		}
	}
	sort.Strings(unknown)

	return map[string]interface{}{
		"tool":           t.Name(),
		"translated":     strings.Join(translated, " "),
		"untranslatable": unknown,
	}, nil
}
