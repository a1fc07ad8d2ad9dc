// Package agentstream turns an agent's raw NDJSON output into typed events.
//
// The agent runtime behind the gateway emits one JSON object per line in
// the Claude stream-json format. LineParser is the per-turn state machine
// that consumes those lines incrementally: it tracks the external session
// id, open tool calls, and thinking-tag spans, and produces events in
// strict line-arrival order. One bad line never aborts the turn.
package agentstream

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sherlocklabs/openclaw-bridge/internal/markers"
	"github.com/sherlocklabs/openclaw-bridge/pkg/events"
)

const (
	thinkingOpenTag  = "<thinking>"
	thinkingCloseTag = "</thinking>"

	// maxErrorLineExcerpt bounds how much of a bad line a ParseError carries.
	maxErrorLineExcerpt = 200
)

// openTool is one registered, not-yet-resolved tool invocation.
type openTool struct {
	name      string
	inputJSON []byte
}

// LineParser is the per-turn NDJSON state machine. It is not safe for
// concurrent use; a session owns exactly one parser and feeds it from a
// single goroutine.
type LineParser struct {
	logger   *slog.Logger
	detector *markers.Detector

	// passthrough lists tool names whose results are never scanned for
	// markers (raw file readers would false-positive on their own content).
	passthrough map[string]bool

	seq       uint64
	sessionID string

	raw      strings.Builder
	clean    strings.Builder
	thinking strings.Builder

	openTools  map[string]openTool
	inThinking bool

	// pendingTag buffers a partial thinking tag split across a line
	// boundary; it is completed or flushed by the next delta.
	pendingTag string
}

// Option configures a LineParser.
type Option func(*LineParser)

// WithDetector replaces the default marker detector.
func WithDetector(d *markers.Detector) Option {
	return func(p *LineParser) { p.detector = d }
}

// WithPassthroughTools sets the tool names whose results bypass marker
// scanning.
func WithPassthroughTools(names ...string) Option {
	return func(p *LineParser) {
		p.passthrough = make(map[string]bool, len(names))
		for _, n := range names {
			p.passthrough[n] = true
		}
	}
}

// NewLineParser creates a parser for one agent turn. If logger is nil,
// slog.Default() is used.
func NewLineParser(logger *slog.Logger, opts ...Option) *LineParser {
	if logger == nil {
		logger = slog.Default()
	}
	p := &LineParser{
		logger:      logger,
		detector:    markers.NewDetector(),
		passthrough: map[string]bool{"Read": true},
		openTools:   make(map[string]openTool),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// SessionID returns the last session id seen, or "".
func (p *LineParser) SessionID() string {
	return p.sessionID
}

// AccumulatedText returns all visible text received so far, thinking tags
// included.
func (p *LineParser) AccumulatedText() string {
	return p.raw.String()
}

// CleanText returns visible text with thinking spans and tags removed.
func (p *LineParser) CleanText() string {
	return p.clean.String()
}

// AccumulatedThinking returns all thinking text received so far.
func (p *LineParser) AccumulatedThinking() string {
	return p.thinking.String()
}

// Reset clears all per-turn state so the parser can be reused.
func (p *LineParser) Reset() {
	p.seq = 0
	p.sessionID = ""
	p.raw.Reset()
	p.clean.Reset()
	p.thinking.Reset()
	p.openTools = make(map[string]openTool)
	p.inThinking = false
	p.pendingTag = ""
}

// OpenToolCount reports how many tool invocations are still awaiting a
// result.
func (p *LineParser) OpenToolCount() int {
	return len(p.openTools)
}

// event builds the base event with sequence and timestamp populated.
func (p *LineParser) event(t events.Type) events.Event {
	p.seq++
	return events.Event{
		Version:  1,
		Type:     t,
		Time:     time.Now(),
		Sequence: p.seq,
	}
}

func (p *LineParser) parseError(msg string, line []byte) events.Event {
	excerpt := string(line)
	if len(excerpt) > maxErrorLineExcerpt {
		excerpt = excerpt[:maxErrorLineExcerpt]
	}
	ev := p.event(events.TypeParseError)
	ev.ParseError = &events.ParseErrorPayload{Message: msg, Line: excerpt}
	return ev
}

// envelope is the common top-level shape of a stream-json line.
type envelope struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id"`
	Event     json.RawMessage `json:"event"`
	Message   json.RawMessage `json:"message"`
}

// ProcessLine consumes one NDJSON line and returns the events it produced,
// possibly none. Unparsable lines yield exactly one ParseError event and
// leave parser state untouched.
func (p *LineParser) ProcessLine(line []byte) []events.Event {
	trimmed := strings.TrimSpace(string(line))
	if trimmed == "" {
		return nil
	}

	var env envelope
	if err := json.Unmarshal([]byte(trimmed), &env); err != nil {
		return []events.Event{p.parseError(fmt.Sprintf("unparsable line: %v", err), line)}
	}

	switch env.Type {
	case "system":
		return p.handleSystem(env)
	case "stream_event":
		return p.handleStreamEvent(env, line)
	case "assistant":
		return p.handleAssistant(env, line)
	case "user":
		return p.handleUser(env, line)
	case "result":
		return p.handleResult(env)
	case "":
		return []events.Event{p.parseError("line missing type field", line)}
	default:
		// Forward-compatible: unknown line types are logged and skipped.
		p.logger.Debug("skipping unknown line type", "line_type", env.Type)
		return nil
	}
}

func (p *LineParser) handleSystem(env envelope) []events.Event {
	if env.SessionID == "" {
		return nil
	}
	p.sessionID = env.SessionID
	ev := p.event(events.TypeSessionID)
	ev.Session = &events.SessionPayload{SessionID: env.SessionID}
	return []events.Event{ev}
}

// streamEvent is the nested payload of a stream_event line.
type streamEvent struct {
	Type         string `json:"type"`
	ContentBlock *struct {
		Type  string          `json:"type"`
		ID    string          `json:"id"`
		Name  string          `json:"name"`
		Input json.RawMessage `json:"input"`
	} `json:"content_block"`
	Delta *struct {
		Type     string `json:"type"`
		Text     string `json:"text"`
		Thinking string `json:"thinking"`
	} `json:"delta"`
}

func (p *LineParser) handleStreamEvent(env envelope, line []byte) []events.Event {
	if len(env.Event) == 0 {
		return []events.Event{p.parseError("stream_event line missing event", line)}
	}
	var se streamEvent
	if err := json.Unmarshal(env.Event, &se); err != nil {
		return []events.Event{p.parseError(fmt.Sprintf("unparsable stream event: %v", err), line)}
	}

	switch se.Type {
	case "content_block_delta":
		if se.Delta == nil {
			return nil
		}
		if se.Delta.Type == "thinking_delta" || se.Delta.Thinking != "" {
			// Native thinking blocks arrive pre-separated; no tag scan.
			p.thinking.WriteString(se.Delta.Thinking)
			ev := p.event(events.TypeThinkingChunk)
			ev.Thinking = &events.ThinkingPayload{Delta: se.Delta.Thinking}
			return []events.Event{ev}
		}
		return p.consumeText(se.Delta.Text)

	case "content_block_start":
		if se.ContentBlock == nil || se.ContentBlock.Type != "tool_use" {
			return nil
		}
		ev := p.event(events.TypeToolUseDetected)
		ev.Tool = &events.ToolPayload{
			UseID:     se.ContentBlock.ID,
			Name:      se.ContentBlock.Name,
			InputJSON: se.ContentBlock.Input,
		}
		return []events.Event{ev}

	case "message_stop":
		return []events.Event{p.event(events.TypeMessageStop)}

	default:
		return nil
	}
}

// assistantMessage is the message body of an assistant line.
type assistantMessage struct {
	Content []struct {
		Type  string          `json:"type"`
		ID    string          `json:"id"`
		Name  string          `json:"name"`
		Input json.RawMessage `json:"input"`
	} `json:"content"`
}

func (p *LineParser) handleAssistant(env envelope, line []byte) []events.Event {
	if len(env.Message) == 0 {
		return nil
	}
	var msg assistantMessage
	if err := json.Unmarshal(env.Message, &msg); err != nil {
		return []events.Event{p.parseError(fmt.Sprintf("unparsable assistant message: %v", err), line)}
	}

	var out []events.Event
	for _, block := range msg.Content {
		if block.Type != "tool_use" || block.ID == "" {
			// Text blocks repeat content already delivered as deltas.
			continue
		}
		p.openTools[block.ID] = openTool{name: block.Name, inputJSON: block.Input}
		ev := p.event(events.TypeToolStart)
		ev.Tool = &events.ToolPayload{
			UseID:     block.ID,
			Name:      block.Name,
			InputJSON: block.Input,
		}
		out = append(out, ev)
	}
	return out
}

// userMessage is the message body of a user line carrying tool results.
type userMessage struct {
	Content []struct {
		Type      string          `json:"type"`
		ToolUseID string          `json:"tool_use_id"`
		Content   json.RawMessage `json:"content"`
		IsError   bool            `json:"is_error"`
	} `json:"content"`
}

func (p *LineParser) handleUser(env envelope, line []byte) []events.Event {
	if len(env.Message) == 0 {
		return nil
	}
	var msg userMessage
	if err := json.Unmarshal(env.Message, &msg); err != nil {
		return []events.Event{p.parseError(fmt.Sprintf("unparsable user message: %v", err), line)}
	}

	var out []events.Event
	for _, block := range msg.Content {
		if block.Type != "tool_result" {
			continue
		}

		tool, ok := p.openTools[block.ToolUseID]
		if !ok {
			// A result for a tool we never saw start. Dropping it silently
			// would hide protocol bugs; inventing a placeholder name would
			// poison consumers keyed on tool names.
			out = append(out, p.parseError(
				fmt.Sprintf("tool_result for unregistered tool_use_id %q", block.ToolUseID), line))
			continue
		}
		delete(p.openTools, block.ToolUseID)

		content := flattenToolResultContent(block.Content)
		cleanContent := content

		if !p.passthrough[tool.name] && p.detector.HasMarkers(content) {
			found, cleaned := p.detector.Detect(content)
			cleanContent = cleaned
			for _, m := range found {
				out = append(out, p.markerEvent(m))
			}
		}

		ev := p.event(events.TypeToolResult)
		ev.Tool = &events.ToolPayload{
			UseID:        block.ToolUseID,
			Name:         tool.name,
			Content:      content,
			CleanContent: cleanContent,
			IsError:      block.IsError,
		}
		out = append(out, ev)
	}
	return out
}

func (p *LineParser) markerEvent(m markers.Marker) events.Event {
	var t events.Type
	switch m.Tag {
	case markers.TagChart:
		t = events.TypeChartDetected
	case markers.TagResearch:
		t = events.TypeResearchDetected
	case markers.TagScene:
		t = events.TypeSceneDetected
	case markers.TagComponentUpdate:
		t = events.TypeComponentUpdateDetected
	default:
		// Custom vocabulary tags ride the component-update variant.
		t = events.TypeComponentUpdateDetected
	}
	ev := p.event(t)
	ev.Marker = &events.MarkerPayload{Tag: m.Tag, Data: m.Data, RawJSON: m.RawJSON}
	return ev
}

func (p *LineParser) handleResult(env envelope) []events.Event {
	var out []events.Event
	if env.SessionID != "" {
		p.sessionID = env.SessionID
		ev := p.event(events.TypeSessionID)
		ev.Session = &events.SessionPayload{SessionID: env.SessionID, Final: true}
		out = append(out, ev)
	}
	out = append(out, p.event(events.TypeStreamComplete))
	return out
}

// Finalize flushes any buffered partial thinking tag at end of stream. A
// partial tag that never completed was literal text all along.
func (p *LineParser) Finalize() []events.Event {
	if p.pendingTag == "" {
		return nil
	}
	text := p.pendingTag
	p.pendingTag = ""
	return []events.Event{p.spanEvent(text)}
}

// flattenToolResultContent extracts the textual content of a tool_result
// block, which the runtime sends either as a bare string or as a list of
// typed text blocks.
func flattenToolResultContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var b strings.Builder
		for _, block := range blocks {
			if block.Type == "text" {
				b.WriteString(block.Text)
			}
		}
		return b.String()
	}

	return string(raw)
}
