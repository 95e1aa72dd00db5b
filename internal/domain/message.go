package domain

import "encoding/json"

// Message type constants for the wire protocol.
const (
	TypeAssistant = "assistant"
	TypeTool      = "tool"
	TypeStatus    = "status"
	TypeUser      = "user"
	TypeSystem    = "system"
)

// Message is the normalized unit produced for every frame that represents a
// durable event. Content and Metadata are each independently JSON-encoded
// strings; streaming chunks may carry either one incomplete.
type Message struct {
	Type      string `json:"type"`
	Content   string `json:"content,omitempty"`
	Metadata  string `json:"metadata,omitempty"`
	Sequence  int64  `json:"sequence"`
	MessageID string `json:"message_id,omitempty"`
	ThreadID  string `json:"thread_id,omitempty"`
	AgentID   string `json:"agent_id,omitempty"`
}

// DecodeContent unmarshals the JSON-encoded Content field into v.
func (m *Message) DecodeContent(v any) error {
	if m.Content == "" {
		return nil
	}
	return json.Unmarshal([]byte(m.Content), v)
}

// DecodeMetadata unmarshals the JSON-encoded Metadata field into v.
func (m *Message) DecodeMetadata(v any) error {
	if m.Metadata == "" {
		return nil
	}
	return json.Unmarshal([]byte(m.Metadata), v)
}

// ToolCallDelta is one incremental fragment of a streaming tool call.
// When IsDelta is true, ArgumentsDelta holds a fragment of the argument JSON
// text ordered by the carrying message's sequence number. When IsDelta is
// false, Arguments holds the full best-known argument text and replaces
// everything accumulated so far.
type ToolCallDelta struct {
	ToolCallID     string `json:"tool_call_id"`
	FunctionName   string `json:"function_name,omitempty"`
	Index          int    `json:"index,omitempty"`
	ArgumentsDelta string `json:"arguments_delta,omitempty"`
	Arguments      string `json:"arguments,omitempty"`
	IsDelta        bool   `json:"is_delta"`
}

// ReconstructedToolCall is the read-only, on-demand view of an accumulated
// tool call. Arguments is the concatenation of fragments in sequence order
// and may be invalid JSON until Completed is true.
type ReconstructedToolCall struct {
	ToolCallID   string   `json:"tool_call_id"`
	FunctionName string   `json:"function_name"`
	Index        int      `json:"index"`
	Arguments    string   `json:"arguments"`
	Completed    bool     `json:"completed"`
	ToolResult   *Message `json:"tool_result,omitempty"`
}

// TextChunk is an ordered fragment of assistant text. Joining chunks by
// ascending sequence yields the current visible transcript.
type TextChunk struct {
	Content  string `json:"content"`
	Sequence int64  `json:"sequence"`
}

// ToolOutput is a live output fragment from a running tool, passed through
// verbatim from the stream.
type ToolOutput struct {
	ToolCallID string `json:"tool_call_id"`
	ToolName   string `json:"tool_name"`
	Output     string `json:"output"`
	IsFinal    bool   `json:"is_final"`
}
