package openclaw

import (
	"errors"
	"fmt"
)

// Sentinel errors for out-of-order protocol use and lifecycle faults.
var (
	// ErrAlreadyConnected is returned by Connect on a live client.
	ErrAlreadyConnected = errors.New("client already connected")

	// ErrNotConnected is returned when an operation needs an open socket.
	ErrNotConnected = errors.New("client not connected")

	// ErrNotReady is returned by Request before a successful handshake.
	ErrNotReady = errors.New("client not ready: handshake not complete")

	// ErrHandshakeState is returned when Handshake is called before a
	// challenge was received, or after it already succeeded.
	ErrHandshakeState = errors.New("handshake not valid in current state")

	// ErrChallengeTimeout is returned when the gateway never sends its
	// connect.challenge event within the connect timeout.
	ErrChallengeTimeout = errors.New("timed out waiting for connect challenge")

	// ErrRequestTimeout is returned when a request's response does not
	// arrive in time. The pending entry is removed; a late response for
	// it is logged and dropped.
	ErrRequestTimeout = errors.New("request timed out")

	// ErrConnectionClosed resolves in-flight requests when the client is
	// closed or the transport drops. It is a cancellation, not a server
	// verdict.
	ErrConnectionClosed = errors.New("connection closed")
)

// retryableCodes is the fixed set of server error codes that indicate a
// transient condition. The client never retries on its own; the flag is
// advisory to the caller.
var retryableCodes = map[string]bool{
	"unavailable":   true,
	"agent_timeout": true,
	"overloaded":    true,
}

// RequestError is a server-reported request failure.
type RequestError struct {
	Method  string
	Code    string
	Message string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("request %s failed: %s: %s", e.Method, e.Code, e.Message)
}

// Retryable reports whether the error code is in the transient set.
func (e *RequestError) Retryable() bool {
	return retryableCodes[e.Code]
}

// HandshakeError is an application-level handshake rejection. The client
// stays not-Ready; the caller decides whether to refresh credentials and
// try again on a fresh connection.
type HandshakeError struct {
	Code    string
	Message string
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("handshake rejected: %s: %s", e.Code, e.Message)
}
