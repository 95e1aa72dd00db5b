// Package stream turns the raw frames of a run's event stream into typed,
// ordered domain events: it classifies frame payloads, reassembles fragmented
// tool-call arguments, and drives the consumer-facing lifecycle state machine.
package stream

import "strings"

// framePrefix is the transport framing marker some servers prepend to each
// event payload.
const framePrefix = "data: "

// Preprocess strips the framing prefix if present and trims surrounding
// whitespace. Pure; no side effects.
func Preprocess(raw string) string {
	payload := strings.TrimPrefix(raw, framePrefix)
	return strings.TrimSpace(payload)
}

// completionSentinels are textual payloads that mean "the run is over" even
// though they are not valid JSON. Servers have been observed emitting bare
// sentinel strings instead of a status frame.
var completionSentinels = []string{
	"[DONE]",
	"[COMPLETE]",
	"done",
	"stream complete",
}

// IsCompletionSentinel reports whether payload matches one of the fixed
// completion patterns. Matching is case-insensitive for the word forms.
func IsCompletionSentinel(payload string) bool {
	p := strings.TrimSpace(payload)
	for _, s := range completionSentinels {
		if strings.EqualFold(p, s) {
			return true
		}
	}
	return false
}
