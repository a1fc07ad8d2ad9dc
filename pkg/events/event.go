// Package events provides the typed event model for the agent output stream.
package events

import (
	"time"
)

// Event is the unified event model for a single agent turn.
// Every NDJSON line the parser accepts produces zero or more Events, and
// downstream consumers (live sockets, TTS, persistence) see exactly this
// stream in line-arrival order.
//
// Design principles:
//   - Versioned and forward-compatible (add fields, don't rename/remove)
//   - Single Type discriminator with optional payload pointers
//   - Monotonic Sequence for ordering guarantees within a turn
type Event struct {
	// Version for forward compatibility. Current version: 1.
	Version int `json:"version"`

	// Type identifies the kind of event.
	Type Type `json:"type"`

	// Time is when the event was produced.
	Time time.Time `json:"time"`

	// Sequence is monotonic within a turn.
	Sequence uint64 `json:"seq"`

	// Exactly one payload is non-nil for a given Type.
	Session    *SessionPayload    `json:"session,omitempty"`
	Text       *TextPayload       `json:"text,omitempty"`
	Thinking   *ThinkingPayload   `json:"thinking,omitempty"`
	Tool       *ToolPayload       `json:"tool,omitempty"`
	Marker     *MarkerPayload     `json:"marker,omitempty"`
	ParseError *ParseErrorPayload `json:"parse_error,omitempty"`
}

// Type identifies the kind of stream event.
type Type string

const (
	// Session lifecycle
	TypeSessionID      Type = "session.id"
	TypeMessageStop    Type = "message.stop"
	TypeStreamComplete Type = "stream.complete"

	// Model output
	TypeTextChunk     Type = "text.chunk"
	TypeThinkingChunk Type = "thinking.chunk"

	// Tool execution
	TypeToolUseDetected Type = "tool.use_detected"
	TypeToolStart       Type = "tool.start"
	TypeToolResult      Type = "tool.result"

	// Structured directives discovered in tool output
	TypeChartDetected           Type = "marker.chart"
	TypeResearchDetected        Type = "marker.research"
	TypeSceneDetected           Type = "marker.scene"
	TypeComponentUpdateDetected Type = "marker.component_update"

	// Local faults
	TypeParseError Type = "parse.error"
)

// SessionPayload carries the external agent session id.
type SessionPayload struct {
	SessionID string `json:"session_id"`

	// Final is true when the id came from the authoritative result line
	// rather than the initial system line.
	Final bool `json:"final,omitempty"`
}

// TextPayload is an incremental chunk of visible assistant text.
type TextPayload struct {
	Delta string `json:"delta"`
}

// ThinkingPayload is an incremental chunk of reasoning text. Thinking is
// emitted as it arrives, never buffered to stream end.
type ThinkingPayload struct {
	Delta string `json:"delta"`
}

// ToolPayload describes tool invocations and their results.
// Input/Content are raw JSON/text to avoid coupling to tool schemas.
type ToolPayload struct {
	// UseID identifies this specific tool invocation.
	UseID string `json:"use_id,omitempty"`

	// Name is the tool name.
	Name string `json:"name,omitempty"`

	// InputJSON is the raw JSON input (for start events).
	InputJSON []byte `json:"input_json,omitempty"`

	// For result events:
	Content      string `json:"content,omitempty"`
	CleanContent string `json:"clean_content,omitempty"`
	IsError      bool   `json:"is_error,omitempty"`
}

// MarkerPayload is a structured directive extracted from tool output.
type MarkerPayload struct {
	// Tag is the raw bracket tag the marker was parsed from.
	Tag string `json:"tag"`

	// Data is the decoded JSON body.
	Data map[string]any `json:"data"`

	// RawJSON is the body exactly as it appeared in the text.
	RawJSON string `json:"raw_json"`
}

// ParseErrorPayload reports one unusable line. The stream continues.
type ParseErrorPayload struct {
	Message string `json:"message"`

	// Line is a truncated copy of the offending input.
	Line string `json:"line,omitempty"`
}
