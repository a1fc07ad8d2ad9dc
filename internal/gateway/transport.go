// Package gateway hosts the per-turn streaming runtime: the session that
// pumps an agent's NDJSON output through the parser, and the manager that
// fans resulting payloads out to downstream consumer queues.
package gateway

import (
	"context"

	"github.com/sherlocklabs/openclaw-bridge/pkg/events"
)

// Transport is the bidirectional channel a stream session runs over. The
// concrete web framework stays outside this package; anything that can
// accept, send, receive, and close fits.
type Transport interface {
	// Receive blocks for the next inbound frame. io.EOF means the peer
	// finished cleanly.
	Receive(ctx context.Context) ([]byte, error)

	// Send writes one outbound frame.
	Send(ctx context.Context, data []byte) error

	// Close releases the channel. Must be safe to call more than once.
	Close() error
}

// Emitter receives parsed events in strict line-arrival order.
type Emitter interface {
	Emit(ctx context.Context, ev events.Event) error
}

// EmitterFunc adapts a function to the Emitter interface.
type EmitterFunc func(ctx context.Context, ev events.Event) error

// Emit implements Emitter.
func (f EmitterFunc) Emit(ctx context.Context, ev events.Event) error {
	return f(ctx, ev)
}
