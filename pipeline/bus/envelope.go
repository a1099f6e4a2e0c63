package bus

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrDecode marks a missing or undecodable envelope body. Handlers must
// treat it as poison: ack and do not retry.
var ErrDecode = errors.New("bus: envelope decode error")

// ErrPublish wraps a transport failure on the publish path.
var ErrPublish = errors.New("bus: publish failed")

// EventType discriminates the two event variants the pipeline's topics
// carry.
type EventType string

const (
	EventReasoningRequested EventType = "reasoning_requested"
	EventActionRequested    EventType = "action_requested"
)

// Envelope is the wire-format event carried on every pipeline topic.
// EventID, EventType, and ConversationID are also surfaced as transport
// attributes by Publish, for subscription filtering and operator
// inspection independent of decoding the body.
type Envelope struct {
	EventID        string                 `json:"eventId"`
	EventType      EventType              `json:"eventType"`
	ConversationID string                 `json:"conversationId"`
	MessageID      string                 `json:"messageId"`
	Timestamp      time.Time              `json:"timestamp"`
	Producer       string                 `json:"producer"`
	Payload        map[string]interface{} `json:"payload"`
}

// Attributes returns the transport-level attributes that must accompany
// every publish, independent of the JSON body.
func (e Envelope) Attributes() map[string]string {
	return map[string]string{
		"eventId":        e.EventID,
		"eventType":      string(e.EventType),
		"conversationId": e.ConversationID,
	}
}

// Encode serializes the envelope to its wire JSON form.
func (e Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("bus: encode envelope: %w", err)
	}
	return data, nil
}

// Decode parses the wire JSON form into an Envelope. A malformed or
// incomplete body (missing eventId, eventType, or payload) is reported as
// ErrDecode so the caller can ack-and-discard it.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if env.EventID == "" || env.EventType == "" || env.ConversationID == "" {
		return Envelope{}, fmt.Errorf("%w: missing required field", ErrDecode)
	}
	if env.EventType != EventReasoningRequested && env.EventType != EventActionRequested {
		return Envelope{}, fmt.Errorf("%w: unknown eventType %q", ErrDecode, env.EventType)
	}
	if env.Payload == nil {
		return Envelope{}, fmt.Errorf("%w: missing payload", ErrDecode)
	}
	return env, nil
}
