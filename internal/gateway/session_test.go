package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sherlocklabs/openclaw-bridge/pkg/events"
)

// mockTransport is a channel-backed Transport.
type mockTransport struct {
	in chan []byte

	mu     sync.Mutex
	sent   [][]byte
	closed int
}

func newMockTransport(lines ...string) *mockTransport {
	t := &mockTransport{in: make(chan []byte, 64)}
	for _, line := range lines {
		t.in <- []byte(line)
	}
	close(t.in)
	return t
}

func (t *mockTransport) Receive(ctx context.Context) ([]byte, error) {
	select {
	case data, ok := <-t.in:
		if !ok {
			return nil, io.EOF
		}
		return data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *mockTransport) Send(ctx context.Context, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, data)
	return nil
}

func (t *mockTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed++
	return nil
}

func (t *mockTransport) sentFrames() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.sent))
	for i, data := range t.sent {
		out[i] = string(data)
	}
	return out
}

// collectEmitter records emitted events.
type collectEmitter struct {
	mu     sync.Mutex
	events []events.Event
}

func (e *collectEmitter) Emit(ctx context.Context, ev events.Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
	return nil
}

func (e *collectEmitter) types() []events.Type {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]events.Type, len(e.events))
	for i, ev := range e.events {
		out[i] = ev.Type
	}
	return out
}

const validInit = `{"type":"init","user_id":7,"session_id":"conv-1","ai_character_name":"sherlock","source":"web","tts_settings":null,"claude_session_id":null}`

func textLine(text string) string {
	line, _ := json.Marshal(map[string]any{
		"type": "stream_event",
		"event": map[string]any{
			"type":  "content_block_delta",
			"delta": map[string]any{"type": "text_delta", "text": text},
		},
	})
	return string(line)
}

func TestNewStreamSession_InvalidInitNeverStarts(t *testing.T) {
	emitter := &collectEmitter{}

	cases := []string{
		`not json`,
		`{"type":"chat","user_id":1,"session_id":"s","ai_character_name":"a"}`,
		`{"type":"init","user_id":0,"session_id":"s","ai_character_name":"a"}`,
		`{"type":"init","user_id":1,"session_id":"","ai_character_name":"a"}`,
		`{"type":"init","user_id":1,"session_id":"s","ai_character_name":""}`,
	}
	for _, initData := range cases {
		transport := newMockTransport()
		_, err := NewStreamSession([]byte(initData), transport, emitter, nil, nil, nil, SessionConfig{})
		if !errors.Is(err, ErrInvalidInit) {
			t.Fatalf("init %q: expected ErrInvalidInit, got %v", initData, err)
		}
		frames := transport.sentFrames()
		if len(frames) != 1 || !strings.Contains(frames[0], "invalid_init") {
			t.Fatalf("init %q: expected one closing error frame, got %v", initData, frames)
		}
	}

	if len(emitter.types()) != 0 {
		t.Fatal("emitter received events from a session that never started")
	}
}

func TestStreamSession_EmitsEventsInOrder(t *testing.T) {
	transport := newMockTransport(
		`{"type":"system","session_id":"abc-123"}`,
		textLine("Hello "),
		textLine("world"),
		`{"type":"result","session_id":"abc-123"}`,
	)
	emitter := &collectEmitter{}

	session, err := NewStreamSession([]byte(validInit), transport, emitter, nil, nil, nil, SessionConfig{})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if err := session.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	want := []events.Type{
		events.TypeSessionID,
		events.TypeTextChunk,
		events.TypeTextChunk,
		events.TypeSessionID,
		events.TypeStreamComplete,
	}
	got := emitter.types()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events = %v, want %v", got, want)
		}
	}
	if !session.Closed() {
		t.Fatal("session not closed after run")
	}
	if session.EventCount() != int64(len(want)) {
		t.Fatalf("event count = %d, want %d", session.EventCount(), len(want))
	}
}

func TestStreamSession_GatewayErrorFrameIsSanitized(t *testing.T) {
	raw := "ECONNREFUSED 10.0.0.3:9144 agent pod crashed OOM"
	transport := newMockTransport(
		textLine("partial"),
		`{"type":"error","code":"agent_crash","message":"`+raw+`"}`,
	)
	emitter := &collectEmitter{}

	session, err := NewStreamSession([]byte(validInit), transport, emitter, nil, nil, nil, SessionConfig{})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	runErr := session.Run(context.Background())
	if runErr == nil {
		t.Fatal("expected run error for gateway error frame")
	}

	frames := transport.sentFrames()
	if len(frames) != 1 {
		t.Fatalf("expected one outbound error frame, got %v", frames)
	}
	if strings.Contains(frames[0], "ECONNREFUSED") || strings.Contains(frames[0], "OOM") {
		t.Fatalf("raw upstream text leaked: %s", frames[0])
	}
	if !strings.Contains(frames[0], "agent_error") {
		t.Fatalf("expected stable error code in frame: %s", frames[0])
	}

	// The error frame bypassed the parser: no ParseError event for it.
	for _, typ := range emitter.types() {
		if typ == events.TypeParseError {
			t.Fatal("gateway error frame went through the parser")
		}
	}
}

func TestStreamSession_BackpressureFault(t *testing.T) {
	// A consumer stalled in the emitter plus a tiny queue must fault the
	// session, not hang it or grow memory.
	transport := &mockTransport{in: make(chan []byte, 64)}
	for i := 0; i < 20; i++ {
		transport.in <- []byte(textLine("x"))
	}

	stall := make(chan struct{})
	emitter := EmitterFunc(func(ctx context.Context, ev events.Event) error {
		select {
		case <-stall:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	session, err := NewStreamSession([]byte(validInit), transport, emitter, nil, nil, nil, SessionConfig{
		QueueCapacity: 2,
		EnqueueWait:   100 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- session.Run(context.Background()) }()

	select {
	case runErr := <-done:
		if !errors.Is(runErr, ErrBackpressure) {
			t.Fatalf("expected ErrBackpressure, got %v", runErr)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("session hung instead of faulting on backpressure")
	}
	close(stall)
}

func TestStreamSession_EOFFinalizesParser(t *testing.T) {
	// A dangling partial thinking tag at transport end must be flushed.
	transport := newMockTransport(textLine("tail <thin"))
	emitter := &collectEmitter{}

	session, err := NewStreamSession([]byte(validInit), transport, emitter, nil, nil, nil, SessionConfig{})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if err := session.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	var text strings.Builder
	emitter.mu.Lock()
	for _, ev := range emitter.events {
		if ev.Type == events.TypeTextChunk {
			text.WriteString(ev.Text.Delta)
		}
	}
	emitter.mu.Unlock()
	if text.String() != "tail <thin" {
		t.Fatalf("flushed text = %q", text.String())
	}
}

func TestStreamSession_ParseErrorDoesNotAbort(t *testing.T) {
	transport := newMockTransport(
		textLine("ok "),
		`{"broken`,
		textLine("still ok"),
		`{"type":"result","session_id":"s"}`,
	)
	emitter := &collectEmitter{}

	session, err := NewStreamSession([]byte(validInit), transport, emitter, nil, nil, nil, SessionConfig{})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if err := session.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	var parseErrors, texts int
	for _, typ := range emitter.types() {
		switch typ {
		case events.TypeParseError:
			parseErrors++
		case events.TypeTextChunk:
			texts++
		}
	}
	if parseErrors != 1 {
		t.Fatalf("parse errors = %d, want 1", parseErrors)
	}
	if texts != 2 {
		t.Fatalf("text chunks = %d, want 2", texts)
	}
}

func TestStreamSession_FramesAfterCompletionAreIgnored(t *testing.T) {
	transport := newMockTransport(
		textLine("body"),
		`{"type":"result","session_id":"s"}`,
		textLine("late one"),
		textLine("late two"),
	)
	emitter := &collectEmitter{}

	session, err := NewStreamSession([]byte(validInit), transport, emitter, nil, nil, nil, SessionConfig{})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if err := session.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !session.Closed() {
		t.Fatal("session not closed after run")
	}

	types := emitter.types()
	if types[len(types)-1] != events.TypeStreamComplete {
		t.Fatalf("stream did not end with completion: %v", types)
	}
	var texts int
	for _, typ := range types {
		if typ == events.TypeTextChunk {
			texts++
		}
	}
	if texts != 1 {
		t.Fatalf("post-completion frames leaked events: %v", types)
	}
}

func TestStreamSession_TransportClosedOnFinish(t *testing.T) {
	transport := newMockTransport(`{"type":"result","session_id":"s"}`)
	session, err := NewStreamSession([]byte(validInit), transport, &collectEmitter{}, nil, nil, nil, SessionConfig{})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if err := session.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	transport.mu.Lock()
	closed := transport.closed
	transport.mu.Unlock()
	if closed == 0 {
		t.Fatal("transport not closed on finish")
	}
}
