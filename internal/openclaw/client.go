// Package openclaw implements the client side of the gateway frame
// protocol: correlated request/response RPC plus push events over a
// persistent websocket, with a challenge/response device handshake.
package openclaw

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/sherlocklabs/openclaw-bridge/internal/observability"
)

const (
	maxPayloadBytes = 1 << 20
	writeWait       = 10 * time.Second

	// Defaults; all overridable through Options.
	defaultConnectTimeout   = 10 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
	defaultRequestTimeout   = 30 * time.Second
)

// State is the client connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnected
	StateChallenged
	StateHandshaking
	StateReady
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateChallenged:
		return "challenged"
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	default:
		return "unknown"
	}
}

// Frame is the gateway wire frame. Requests go out with Params; responses
// and events come back with Payload.
type Frame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Event   string          `json:"event,omitempty"`
	OK      *bool           `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *FrameError     `json:"error,omitempty"`
	Seq     *int64          `json:"seq,omitempty"`
}

// FrameError is the error block of a failed response.
type FrameError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Handler receives connection lifecycle callbacks and push events. All
// methods are invoked from the client's receive loop; implementations
// must not block.
type Handler interface {
	// OnConnected is called once after a successful handshake with the
	// server's acknowledgement payload (which may carry a fresh device
	// token the caller should cache).
	OnConnected(payload json.RawMessage)

	// OnEvent is called for every push event not consumed internally.
	OnEvent(name string, payload json.RawMessage)

	// OnDisconnected is called exactly once when the connection ends,
	// whether by Close or by transport failure. It only notifies;
	// reconnect policy belongs to the caller.
	OnDisconnected(err error)
}

// Options configures a Client.
type Options struct {
	// URL is the gateway websocket endpoint.
	URL string

	// Handler receives callbacks; required.
	Handler Handler

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// ConnectTimeout bounds the wait for the connect.challenge event.
	ConnectTimeout time.Duration

	// HandshakeTimeout bounds the hello request.
	HandshakeTimeout time.Duration

	// RequestTimeout is the default per-request timeout.
	RequestTimeout time.Duration

	// Dialer defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer

	// Metrics is optional; when set the client counts its RPC outcomes.
	Metrics *observability.Metrics
}

// pendingResult is the single resolution of one correlated request.
type pendingResult struct {
	payload json.RawMessage
	err     error
}

// Client is a gateway protocol client. One goroutine (the receive loop)
// reads the socket; Request may be called from any goroutine.
type Client struct {
	opts   Options
	logger *slog.Logger

	mu        sync.Mutex
	state     State
	conn      *websocket.Conn
	pending   map[string]chan pendingResult
	challenge string
	lastTick  time.Time

	challengeCh    chan string
	loopDone       chan struct{}
	disconnectOnce *sync.Once

	writeMu sync.Mutex
}

// NewClient creates a client. It does not touch the network until Connect.
func NewClient(opts Options) *Client {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	return &Client{
		opts:    opts,
		logger:  opts.Logger,
		state:   StateDisconnected,
		pending: make(map[string]chan pendingResult),
	}
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect opens the transport and waits for the gateway's
// connect.challenge event. It returns the challenge nonce for the device
// signature. Connecting an already-connected client is a caller error.
func (c *Client) Connect(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return "", fmt.Errorf("%w (state %s)", ErrAlreadyConnected, c.state)
	}

	challengeCh := make(chan string, 1)
	c.challengeCh = challengeCh
	c.mu.Unlock()

	conn, _, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, nil)
	if err != nil {
		return "", fmt.Errorf("dialing gateway: %w", err)
	}
	conn.SetReadLimit(maxPayloadBytes)

	c.mu.Lock()
	c.conn = conn
	c.state = StateConnected
	c.loopDone = make(chan struct{})
	c.disconnectOnce = &sync.Once{}
	c.mu.Unlock()

	go c.receiveLoop(conn)

	timer := time.NewTimer(c.opts.ConnectTimeout)
	defer timer.Stop()

	select {
	case nonce := <-challengeCh:
		c.mu.Lock()
		c.state = StateChallenged
		c.challenge = nonce
		c.mu.Unlock()
		return nonce, nil
	case <-timer.C:
		c.Close()
		return "", ErrChallengeTimeout
	case <-ctx.Done():
		c.Close()
		return "", ctx.Err()
	}
}

// Handshake sends the correlated hello request. On success the client
// becomes Ready and the handler's OnConnected fires with the server
// acknowledgement. On rejection the client stays not-Ready. Calling
// Handshake before a challenge, or after it succeeded, is a caller error.
func (c *Client) Handshake(ctx context.Context, params any) (json.RawMessage, error) {
	c.mu.Lock()
	if c.state != StateChallenged {
		state := c.state
		c.mu.Unlock()
		return nil, fmt.Errorf("%w (state %s)", ErrHandshakeState, state)
	}
	c.state = StateHandshaking
	c.mu.Unlock()

	payload, err := c.do(ctx, "connect", params, c.opts.HandshakeTimeout)
	if err != nil {
		c.mu.Lock()
		if c.state == StateHandshaking {
			c.state = StateChallenged
		}
		c.mu.Unlock()
		var reqErr *RequestError
		if errors.As(err, &reqErr) {
			return nil, &HandshakeError{Code: reqErr.Code, Message: reqErr.Message}
		}
		return nil, err
	}

	c.mu.Lock()
	c.state = StateReady
	c.mu.Unlock()

	if c.opts.Handler != nil {
		c.opts.Handler.OnConnected(payload)
	}
	c.logger.Info("gateway handshake complete")
	return payload, nil
}

// Request sends a correlated request and waits for its response, the
// timeout, or cancellation. Zero timeout uses the configured default.
func (c *Client) Request(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	c.mu.Lock()
	if c.state != StateReady {
		state := c.state
		c.mu.Unlock()
		return nil, fmt.Errorf("%w (state %s)", ErrNotReady, state)
	}
	c.mu.Unlock()

	if timeout <= 0 {
		timeout = c.opts.RequestTimeout
	}
	return c.do(ctx, method, params, timeout)
}

// do registers a pending entry, writes the frame, and awaits exactly one
// resolution.
func (c *Client) do(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	var raw json.RawMessage
	if params != nil {
		encoded, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("encoding params for %s: %w", method, err)
		}
		raw = encoded
	}

	id := uuid.NewString()
	resultCh := make(chan pendingResult, 1)

	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	conn := c.conn
	c.pending[id] = resultCh
	c.mu.Unlock()

	frame := Frame{Type: "req", ID: id, Method: method, Params: raw}
	if err := c.writeFrame(conn, &frame); err != nil {
		c.removePending(id)
		return nil, fmt.Errorf("sending %s: %w", method, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case result := <-resultCh:
		if result.err != nil {
			var reqErr *RequestError
			if errors.As(result.err, &reqErr) {
				reqErr.Method = method
			}
			c.countRequest(method, "error")
			return nil, result.err
		}
		c.countRequest(method, "success")
		return result.payload, nil
	case <-timer.C:
		c.removePending(id)
		c.countRequest(method, "timeout")
		return nil, fmt.Errorf("%w: %s after %s", ErrRequestTimeout, method, timeout)
	case <-ctx.Done():
		c.removePending(id)
		c.countRequest(method, "error")
		return nil, ctx.Err()
	}
}

func (c *Client) countRequest(method, status string) {
	if c.opts.Metrics != nil {
		c.opts.Metrics.GatewayRequests.WithLabelValues(method, status).Inc()
	}
}

func (c *Client) removePending(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// PendingCount reports in-flight correlated requests.
func (c *Client) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// LastTick returns the time of the most recent liveness tick.
func (c *Client) LastTick() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastTick
}

// Close tears down the connection: the receive loop exits, every pending
// request resolves as cancelled, and state resets so the client can
// connect again. Close is idempotent.
func (c *Client) Close() {
	c.mu.Lock()
	conn := c.conn
	loopDone := c.loopDone
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if loopDone != nil {
		<-loopDone
	} else {
		// Never connected; nothing else to unwind.
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
	}
}

// receiveLoop is the sole transport reader: it resolves responses against
// the pending table and dispatches push events. It runs until the socket
// closes and then performs teardown exactly once.
func (c *Client) receiveLoop(conn *websocket.Conn) {
	var loopErr error
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			loopErr = err
			break
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.logger.Warn("dropping undecodable frame", "error", err)
			continue
		}

		switch frame.Type {
		case "res":
			c.resolveResponse(&frame)
		case "event":
			c.dispatchEvent(&frame)
		default:
			c.logger.Warn("dropping frame with unknown type", "frame_type", frame.Type)
		}
	}

	c.teardown(loopErr)
}

func (c *Client) resolveResponse(frame *Frame) {
	c.mu.Lock()
	resultCh, ok := c.pending[frame.ID]
	if ok {
		delete(c.pending, frame.ID)
	}
	c.mu.Unlock()

	if !ok {
		// Late response after timeout, or a server bug. Never fatal.
		c.logger.Warn("response for unknown request id", "id", frame.ID)
		return
	}

	if frame.OK != nil && *frame.OK {
		resultCh <- pendingResult{payload: frame.Payload}
		return
	}

	reqErr := &RequestError{Code: "error", Message: "request failed"}
	if frame.Error != nil {
		reqErr.Code = frame.Error.Code
		reqErr.Message = frame.Error.Message
	}
	resultCh <- pendingResult{err: reqErr}
}

func (c *Client) dispatchEvent(frame *Frame) {
	switch frame.Event {
	case "connect.challenge":
		var payload struct {
			Nonce string `json:"nonce"`
		}
		if err := json.Unmarshal(frame.Payload, &payload); err != nil || payload.Nonce == "" {
			c.logger.Warn("malformed connect.challenge event", "error", err)
			return
		}
		c.mu.Lock()
		ch := c.challengeCh
		c.mu.Unlock()
		if ch != nil {
			select {
			case ch <- payload.Nonce:
			default:
			}
		}
	case "tick":
		c.mu.Lock()
		c.lastTick = time.Now()
		c.mu.Unlock()
	default:
		if c.opts.Handler != nil {
			c.opts.Handler.OnEvent(frame.Event, frame.Payload)
		}
	}
}

// teardown cancels all pending requests and resets state for reconnect.
// The disconnect callback fires exactly once per connection.
func (c *Client) teardown(cause error) {
	c.mu.Lock()
	once := c.disconnectOnce
	conn := c.conn
	loopDone := c.loopDone

	pending := c.pending
	c.pending = make(map[string]chan pendingResult)
	c.conn = nil
	c.challengeCh = nil
	c.challenge = ""
	c.loopDone = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	for id, resultCh := range pending {
		resultCh <- pendingResult{err: fmt.Errorf("%w: request %s cancelled", ErrConnectionClosed, id)}
	}
	if loopDone != nil {
		close(loopDone)
	}

	if once != nil && c.opts.Handler != nil {
		once.Do(func() {
			c.opts.Handler.OnDisconnected(cause)
		})
	}
}

func (c *Client) writeFrame(conn *websocket.Conn, frame *Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
	return conn.WriteMessage(websocket.TextMessage, data)
}
