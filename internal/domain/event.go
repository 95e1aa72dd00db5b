package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	EventStreamStatus     EventType = "stream.status"
	EventStreamDelta      EventType = "stream.delta"
	EventStreamReasoning  EventType = "stream.reasoning"
	EventStreamToolCall   EventType = "stream.tool_call"
	EventStreamToolOutput EventType = "stream.tool_output"
	EventStreamCompleted  EventType = "stream.completed"
	EventStreamError      EventType = "stream.error"
	EventMessageFinal     EventType = "message.final"
)

// Event is the envelope published on the event bus.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	RunID     string          `json:"run_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides a publish/subscribe mechanism for domain events.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for a specific event type.
	// Returns an unsubscribe function.
	Subscribe(eventType EventType, handler EventHandler) func()
	// SubscribeAll registers a handler that receives every event.
	// Returns an unsubscribe function.
	SubscribeAll(handler EventHandler) func()
	// Close drains in-flight handlers and prevents new publishes.
	Close()
}

// StreamStatusPayload is the payload for EventStreamStatus events.
type StreamStatusPayload struct {
	Status AgentStatus `json:"status"`
}

// StreamDeltaPayload is the payload for EventStreamDelta events.
// Published for each flushed batch of assistant text.
type StreamDeltaPayload struct {
	Content string `json:"content"`
}

// StreamToolCallPayload is the payload for EventStreamToolCall events.
type StreamToolCallPayload struct {
	Calls []ReconstructedToolCall `json:"calls"`
}

// StreamCompletedPayload is the payload for EventStreamCompleted events.
type StreamCompletedPayload struct {
	Status AgentStatus `json:"status"`
	Text   string      `json:"text"`
}

// StreamErrorPayload is the payload for EventStreamError events.
type StreamErrorPayload struct {
	Error string `json:"error"`
}
