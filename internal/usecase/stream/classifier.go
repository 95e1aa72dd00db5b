package stream

import (
	"encoding/json"
	"regexp"
	"strings"

	"runwatch/internal/domain"
)

// Kind is the semantic classification of a frame payload.
type Kind string

const (
	KindTextChunk        Kind = "text_chunk"
	KindReasoningChunk   Kind = "reasoning_chunk"
	KindToolCallChunk    Kind = "tool_call_chunk"
	KindToolResult       Kind = "tool_result"
	KindMessageComplete  Kind = "message_complete"
	KindStatus           Kind = "status"
	KindError            Kind = "error"
	KindBillingError     Kind = "billing_error"
	KindPing             Kind = "ping"
	KindToolOutputStream Kind = "tool_output_stream"
	KindIgnore           Kind = "ignore"
)

// Processed is the classification result for one frame payload.
type Processed struct {
	Kind       Kind
	Text       string
	Sequence   int64
	Reasoning  string
	ToolCalls  []domain.ReconstructedToolCall
	ToolOutput *domain.ToolOutput
	Status     domain.AgentStatus

	// ErrorMessage is set for error and billing_error kinds, and for status
	// kinds whose message text matched the billing keyword set.
	ErrorMessage string
	// Billing marks a status frame that additionally carries billing-shaped
	// error text; CreditBalance holds the parsed balance when present.
	Billing       bool
	CreditBalance string

	// Raw carries the decoded message for frames the consumer may want to
	// persist: completed messages and ignored user/system messages.
	Raw *domain.Message
}

// stream_status values carried in assistant message metadata.
const (
	streamStatusChunk         = "chunk"
	streamStatusToolCallChunk = "tool_call_chunk"
	streamStatusComplete      = "complete"
)

// frameEnvelope is the superset of every JSON frame shape the stream emits.
// Domain messages and top-level status/control frames share one envelope.
type frameEnvelope struct {
	// Top-level status frames.
	Status  string `json:"status,omitempty"`
	Message string `json:"message,omitempty"`

	// Domain message fields.
	Type      string `json:"type,omitempty"`
	Content   string `json:"content,omitempty"`
	Metadata  string `json:"metadata,omitempty"`
	Sequence  int64  `json:"sequence,omitempty"`
	MessageID string `json:"message_id,omitempty"`
	ThreadID  string `json:"thread_id,omitempty"`
	AgentID   string `json:"agent_id,omitempty"`

	// tool_output_stream passthrough fields.
	ToolCallID string `json:"tool_call_id,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`
	Output     string `json:"output,omitempty"`
	IsFinal    bool   `json:"is_final,omitempty"`
}

func (e *frameEnvelope) message() *domain.Message {
	return &domain.Message{
		Type:      e.Type,
		Content:   e.Content,
		Metadata:  e.Metadata,
		Sequence:  e.Sequence,
		MessageID: e.MessageID,
		ThreadID:  e.ThreadID,
		AgentID:   e.AgentID,
	}
}

// assistantMetadata is the decoded metadata payload of an assistant message.
type assistantMetadata struct {
	StreamStatus     string                 `json:"stream_status,omitempty"`
	ToolCallChunks   []domain.ToolCallDelta `json:"tool_call_chunks,omitempty"`
	ReasoningContent string                 `json:"reasoning_content,omitempty"`
}

// assistantContent is the decoded content payload of an assistant message.
type assistantContent struct {
	Text             string `json:"text,omitempty"`
	ReasoningContent string `json:"reasoning_content,omitempty"`
}

// toolMetadata is the decoded metadata payload of a tool result message.
type toolMetadata struct {
	ToolCallID   string `json:"tool_call_id,omitempty"`
	FunctionName string `json:"function_name,omitempty"`
}

// statusDetail is the decoded payload of a domain status message.
type statusDetail struct {
	StatusType string `json:"status_type,omitempty"`
	Message    string `json:"message,omitempty"`
}

// billingKeywords is the fixed keyword set that routes error text to the
// billing handler instead of the generic error path.
var billingKeywords = []string{
	"insufficient credits",
	"out of credits",
	"no credits",
	"credit balance",
	"billing check failed",
	"credit",
	"balance",
}

var balancePattern = regexp.MustCompile(`(?i)balance\s+(?:is\s+)?(-?\d+(?:\.\d+)?)`)

// isBillingError reports whether the error text matches the billing keyword set.
func isBillingError(msg string) bool {
	lower := strings.ToLower(msg)
	for _, kw := range billingKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// extractBalance pulls the credit balance out of billing error text, if present.
func extractBalance(msg string) string {
	m := balancePattern.FindStringSubmatch(msg)
	if len(m) == 2 {
		return m[1]
	}
	return ""
}

// Classify decides the semantic kind of a preprocessed frame payload and
// extracts its normalized fields, feeding tool-call fragments into acc.
// Malformed payloads classify as ignore; they must never stop subsequent
// valid frames from processing.
func Classify(payload string, acc *Accumulator) Processed {
	if strings.TrimSpace(payload) == "" {
		return Processed{Kind: KindIgnore}
	}

	if IsCompletionSentinel(payload) {
		return Processed{Kind: KindStatus, Status: domain.StatusCompleted}
	}

	var env frameEnvelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		return Processed{Kind: KindIgnore}
	}

	// Top-level error frames have no domain type, only a status.
	if env.Status == "error" {
		if isBillingError(env.Message) {
			return Processed{
				Kind:          KindBillingError,
				ErrorMessage:  env.Message,
				Billing:       true,
				CreditBalance: extractBalance(env.Message),
			}
		}
		return Processed{Kind: KindError, ErrorMessage: env.Message}
	}

	// Top-level status frames carry a terminal status directly. Like the
	// error frames above, they may omit a domain type entirely.
	if (env.Type == domain.TypeStatus || env.Type == "") && env.Status != "" {
		switch env.Status {
		case "stopped":
			p := Processed{Kind: KindStatus, Status: domain.StatusStopped}
			if isBillingError(env.Message) {
				p.Billing = true
				p.ErrorMessage = env.Message
				p.CreditBalance = extractBalance(env.Message)
			}
			return p
		case "completed":
			return Processed{Kind: KindStatus, Status: domain.StatusCompleted}
		}
		return Processed{Kind: KindIgnore}
	}

	if env.Type == "tool_output_stream" {
		return Processed{
			Kind: KindToolOutputStream,
			ToolOutput: &domain.ToolOutput{
				ToolCallID: env.ToolCallID,
				ToolName:   env.ToolName,
				Output:     env.Output,
				IsFinal:    env.IsFinal,
			},
		}
	}

	if env.Type == "ping" && env.Content == "" {
		return Processed{Kind: KindPing}
	}

	switch env.Type {
	case domain.TypeAssistant:
		return classifyAssistant(&env, acc)
	case domain.TypeTool:
		return classifyTool(&env, acc)
	case domain.TypeStatus:
		return classifyDomainStatus(&env)
	case "llm_response_start", "llm_response_end":
		return Processed{Kind: KindIgnore}
	case domain.TypeUser, domain.TypeSystem:
		// Ignored by the state machine, but the raw message rides through so
		// the consumer can persist it.
		return Processed{Kind: KindIgnore, Raw: env.message()}
	}

	return Processed{Kind: KindIgnore}
}

func classifyAssistant(env *frameEnvelope, acc *Accumulator) Processed {
	msg := env.message()

	var meta assistantMetadata
	_ = msg.DecodeMetadata(&meta)
	var content assistantContent
	_ = msg.DecodeContent(&content)

	if meta.StreamStatus == streamStatusToolCallChunk && len(meta.ToolCallChunks) > 0 {
		acc.AccumulateDeltas(meta.ToolCallChunks, env.Sequence)
		return Processed{
			Kind:      KindToolCallChunk,
			Sequence:  env.Sequence,
			ToolCalls: acc.Reconstruct(),
			Reasoning: reasoningContent(meta, content),
			Raw:       msg,
		}
	}

	// Servers have relocated reasoning between metadata and content across
	// releases; metadata wins when both are present.
	if r := reasoningContent(meta, content); r != "" {
		return Processed{Kind: KindReasoningChunk, Reasoning: r, Sequence: env.Sequence}
	}

	switch {
	case meta.StreamStatus == streamStatusChunk && content.Text != "":
		return Processed{Kind: KindTextChunk, Text: content.Text, Sequence: env.Sequence}
	case meta.StreamStatus == streamStatusComplete:
		return Processed{Kind: KindMessageComplete, Sequence: env.Sequence, Raw: msg}
	case meta.StreamStatus == "" && env.MessageID != "":
		// A complete, non-streamed assistant message: no text chunk to show,
		// but the message itself is still emitted.
		return Processed{Kind: KindTextChunk, Sequence: env.Sequence, Raw: msg}
	}

	return Processed{Kind: KindIgnore}
}

func classifyTool(env *frameEnvelope, acc *Accumulator) Processed {
	msg := env.message()

	var meta toolMetadata
	_ = msg.DecodeMetadata(&meta)

	if meta.ToolCallID == "" || meta.FunctionName == "" {
		return Processed{Kind: KindIgnore}
	}

	acc.MarkCompleted(meta.ToolCallID, msg)
	return Processed{
		Kind:      KindToolResult,
		Sequence:  env.Sequence,
		ToolCalls: acc.Reconstruct(),
		Raw:       msg,
	}
}

func classifyDomainStatus(env *frameEnvelope) Processed {
	msg := env.message()

	var detail statusDetail
	_ = msg.DecodeMetadata(&detail)
	if detail.StatusType == "" {
		_ = msg.DecodeContent(&detail)
	}

	switch detail.StatusType {
	case "error":
		return Processed{Kind: KindError, ErrorMessage: detail.Message}
	case "finish", "tool_completed", "tool_failed", "tool_error", "thread_run_start":
		return Processed{Kind: KindIgnore}
	}
	return Processed{Kind: KindIgnore}
}

func reasoningContent(meta assistantMetadata, content assistantContent) string {
	if meta.ReasoningContent != "" {
		return meta.ReasoningContent
	}
	return content.ReasoningContent
}
