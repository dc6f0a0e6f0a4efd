package eventbus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tradegrid/tradegrid/util/uniqueid"
)

// Topic names are dot-separated domain strings shared across the fleet.
const (
	TopicSocialMessages         = "social.messages"
	TopicAgentCommands          = "agent.commands"
	TopicTradeRequests          = "trade.requests"
	TopicTradeCompleted         = "trade.completed"
	TopicBlockchainTransactions = "blockchain.transactions"
	TopicBlockchainResults      = "blockchain.results"
)

// ResponseTopic returns the outbound topic for a platform adapter
// (e.g. "discord.responses").
func ResponseTopic(platform string) string {
	return platform + ".responses"
}

// Event is the immutable envelope every message on the bus travels in.
// Ownership transfers from the producer to the bus to each consumer group
// independently; each group tracks its own ack state.
type Event struct {
	ID          string          `json:"id"`
	Timestamp   time.Time       `json:"timestamp"`
	Type        string          `json:"type"`
	Source      string          `json:"source"`
	Destination string          `json:"destination,omitempty"`
	Payload     json.RawMessage `json:"payload"`
}

// NewEvent builds an envelope around a JSON-serializable payload.
func NewEvent(eventType, source string, payload interface{}) (*Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload for %s event: %w", eventType, err)
	}
	return &Event{
		ID:        uniqueid.NewEventID(),
		Timestamp: time.Now(),
		Type:      eventType,
		Source:    source,
		Payload:   data,
	}, nil
}

// Decode unmarshals the payload into v.
func (e *Event) Decode(v interface{}) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s event %s: %w", e.Type, e.ID, err)
	}
	return nil
}

// toValues flattens the envelope into stream fields. Headers always carry the
// content type and a source identifier.
func (e *Event) toValues() map[string]interface{} {
	return map[string]interface{}{
		"id":           e.ID,
		"timestamp":    e.Timestamp.Format(time.RFC3339Nano),
		"type":         e.Type,
		"source":       e.Source,
		"destination":  e.Destination,
		"payload":      string(e.Payload),
		"content-type": "application/json",
	}
}

// eventFromValues rebuilds an envelope from stream fields.
func eventFromValues(values map[string]interface{}) (*Event, error) {
	str := func(field string) string {
		if v, ok := values[field].(string); ok {
			return v
		}
		return ""
	}

	e := &Event{
		ID:          str("id"),
		Type:        str("type"),
		Source:      str("source"),
		Destination: str("destination"),
		Payload:     json.RawMessage(str("payload")),
	}
	if e.ID == "" {
		return nil, fmt.Errorf("stream entry missing event id")
	}

	ts, err := time.Parse(time.RFC3339Nano, str("timestamp"))
	if err != nil {
		return nil, fmt.Errorf("stream entry %s has bad timestamp: %w", e.ID, err)
	}
	e.Timestamp = ts
	return e, nil
}
