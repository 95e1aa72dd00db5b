package stream

import (
	"sort"
	"strings"

	"runwatch/internal/domain"
)

// argChunk is one sequenced fragment of a tool call's argument JSON text.
type argChunk struct {
	sequence int64
	delta    string
}

// accumulatedCall is the Accumulator's working state for a single tool call.
// Chunks are kept sorted by sequence at all times; concatenating their deltas
// in that order yields the current best-known argument text.
type accumulatedCall struct {
	id     string
	name   string
	index  int
	chunks []argChunk
}

// Accumulator reassembles fragmented tool-call arguments. Argument fragments
// may split mid-token, so reassembly is pure concatenation in sequence order;
// the text is intentionally not parsed as JSON until the call completes.
//
// The Accumulator is single-writer: only the orchestrator's frame-handling
// path mutates it.
type Accumulator struct {
	calls     map[string]*accumulatedCall
	order     []string // insertion order, tie-break for equal indices
	completed map[string]struct{}
	doneOrder []string // completion order, keeps synthesis deterministic
	results   map[string]*domain.Message
}

// NewAccumulator creates an empty accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{
		calls:     make(map[string]*accumulatedCall),
		completed: make(map[string]struct{}),
		results:   make(map[string]*domain.Message),
	}
}

// AccumulateDeltas merges a batch of deltas carried by a frame with the given
// sequence number. A delta at an already-seen sequence replaces the existing
// chunk (at-least-once redelivery); a non-delta full-arguments update replaces
// the entire chunk list.
func (a *Accumulator) AccumulateDeltas(deltas []domain.ToolCallDelta, sequence int64) {
	for _, d := range deltas {
		if d.ToolCallID == "" {
			continue
		}

		call, ok := a.calls[d.ToolCallID]
		if !ok {
			call = &accumulatedCall{id: d.ToolCallID}
			a.calls[d.ToolCallID] = call
			a.order = append(a.order, d.ToolCallID)
		}

		// Name and index arrive on the first fragment only for some
		// servers; never overwrite with empty values.
		if d.FunctionName != "" {
			call.name = d.FunctionName
		}
		if d.Index != 0 {
			call.index = d.Index
		}

		if d.IsDelta {
			call.upsertChunk(argChunk{sequence: sequence, delta: d.ArgumentsDelta})
		} else {
			// Whole-argument update: replaces everything accumulated.
			call.chunks = []argChunk{{sequence: sequence, delta: d.Arguments}}
		}
	}
}

// upsertChunk replaces the chunk at the same sequence if present, otherwise
// inserts, keeping chunks sorted by sequence ascending.
func (c *accumulatedCall) upsertChunk(ch argChunk) {
	for i := range c.chunks {
		if c.chunks[i].sequence == ch.sequence {
			c.chunks[i] = ch
			return
		}
	}
	c.chunks = append(c.chunks, ch)
	sort.Slice(c.chunks, func(i, j int) bool {
		return c.chunks[i].sequence < c.chunks[j].sequence
	})
}

// MarkCompleted marks a tool call completed and stores its result message.
// Idempotent; a later result for the same id overwrites the earlier one.
func (a *Accumulator) MarkCompleted(toolCallID string, result *domain.Message) {
	if toolCallID == "" {
		return
	}
	if _, ok := a.completed[toolCallID]; !ok {
		a.completed[toolCallID] = struct{}{}
		a.doneOrder = append(a.doneOrder, toolCallID)
	}
	if result != nil {
		a.results[toolCallID] = result
	}
}

// Reconstruct derives the read-only view of every accumulated call, sorted by
// index ascending with insertion order as the stable tie-break. Calls that
// have a result but were never seen as deltas are synthesized with empty
// arguments; that ordering should not occur under the protocol, but a buggy
// upstream has produced it.
func (a *Accumulator) Reconstruct() []domain.ReconstructedToolCall {
	out := make([]domain.ReconstructedToolCall, 0, len(a.order))

	seen := make(map[string]struct{}, len(a.order))
	for _, id := range a.order {
		call := a.calls[id]
		seen[id] = struct{}{}

		var args strings.Builder
		for _, ch := range call.chunks {
			args.WriteString(ch.delta)
		}

		_, done := a.completed[id]
		out = append(out, domain.ReconstructedToolCall{
			ToolCallID:   id,
			FunctionName: call.name,
			Index:        call.index,
			Arguments:    args.String(),
			Completed:    done,
			ToolResult:   a.results[id],
		})
	}

	// Result race: a tool result arrived before any delta frame.
	for _, id := range a.doneOrder {
		if _, ok := seen[id]; ok {
			continue
		}
		out = append(out, domain.ReconstructedToolCall{
			ToolCallID: id,
			Completed:  true,
			ToolResult: a.results[id],
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Index < out[j].Index
	})
	return out
}

// Clear resets all accumulated state. Called on stream reset and on
// message-complete boundaries so a new assistant turn starts clean.
func (a *Accumulator) Clear() {
	a.calls = make(map[string]*accumulatedCall)
	a.order = nil
	a.completed = make(map[string]struct{})
	a.doneOrder = nil
	a.results = make(map[string]*domain.Message)
}

// Len returns the number of tracked tool calls (deltas or result-only).
func (a *Accumulator) Len() int {
	n := len(a.calls)
	for id := range a.completed {
		if _, ok := a.calls[id]; !ok {
			n++
		}
	}
	return n
}
