// Package schema validates candidate reasoning intents against a declarative
// JSON Schema instead of hand-rolled field checks, so the accepted shape of
// an intent lives in one document that can be read, diffed, and versioned
// independently of the Go code that enforces it.
package schema

import (
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// intentSchemaDoc is the JSON Schema every reasoning intent candidate must
// satisfy before the Reasoner will persist it and advance the conversation
// to IntentValidated. action is restricted to the tool registry's four
// supported names; widening that enum and widening the tool registry are
// two edits, not one, by design.
const intentSchemaDoc = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "title": "reasoning-intent",
  "type": "object",
  "required": ["intentId", "conversationId", "messageId", "action", "parameters", "confidence"],
  "additionalProperties": true,
  "properties": {
    "intentId": {"type": "string", "minLength": 1},
    "conversationId": {"type": "string", "minLength": 1},
    "messageId": {"type": "string", "minLength": 1},
    "action": {"type": "string", "enum": ["search", "calculate", "summarize", "translate"]},
    "parameters": {"type": "object"},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1}
  }
}`

// Cache compiles the intent schema once and reuses it for every validation
// call. A sync.RWMutex guards lazy initialization so concurrent Reasoner
// workers sharing a Cache never race on the first compile.
type Cache struct {
	mu     sync.RWMutex
	schema *gojsonschema.Schema
}

// NewCache returns a Cache with no schema compiled yet; the first call to
// Validate compiles and caches it.
func NewCache() *Cache {
	return &Cache{}
}

func (c *Cache) compiled() (*gojsonschema.Schema, error) {
	c.mu.RLock()
	s := c.schema
	c.mu.RUnlock()
	if s != nil {
		return s, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.schema != nil {
		return c.schema, nil
	}
	loader := gojsonschema.NewStringLoader(intentSchemaDoc)
	schema, err := gojsonschema.NewSchema(loader)
	if err != nil {
		return nil, fmt.Errorf("schema: compile intent schema: %w", err)
	}
	c.schema = schema
	return schema, nil
}

// Result is the outcome of validating one candidate intent.
type Result struct {
	Valid  bool
	Errors []string
}

// Reason joins all schema violations into the single human-readable string
// the pipeline records as a ReasoningIntent's rejection reason.
func (r Result) Reason() string {
	return strings.Join(r.Errors, "; ")
}

// Validate checks candidate — typically a decoded JSON payload — against the
// intent schema. A gojsonschema compile or evaluation failure is returned as
// an error; a structurally sound but schema-violating candidate is reported
// through Result, not an error, since producing an invalid intent is an
// expected, recoverable outcome of the reasoning step.
func (c *Cache) Validate(candidate map[string]interface{}) (Result, error) {
	schema, err := c.compiled()
	if err != nil {
		return Result{}, err
	}
	res, err := schema.Validate(gojsonschema.NewGoLoader(candidate))
	if err != nil {
		return Result{}, fmt.Errorf("schema: validate: %w", err)
	}
	if res.Valid() {
		return Result{Valid: true}, nil
	}
	errs := make([]string, 0, len(res.Errors()))
	for _, e := range res.Errors() {
		errs = append(errs, e.String())
	}
	return Result{Valid: false, Errors: errs}, nil
}
