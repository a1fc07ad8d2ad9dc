package gateway

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// ErrTokenAlreadyIssued rejects a second completion token mint. One
// manager has one legitimate owner of completion.
var ErrTokenAlreadyIssued = errors.New("completion token already issued")

// CompletionOwnershipError rejects a completion attempt without the exact
// minted token. The manager never completes on a mismatch.
type CompletionOwnershipError struct {
	Reason string
}

func (e *CompletionOwnershipError) Error() string {
	return fmt.Sprintf("completion ownership: %s", e.Reason)
}

// QueueMode selects which consumer queues a payload reaches.
type QueueMode string

const (
	// ModeAll delivers to every registered queue plus the speech queue.
	ModeAll QueueMode = "all"

	// ModeFrontendOnly delivers to the last-registered queue plus speech.
	ModeFrontendOnly QueueMode = "frontend_only"

	// ModeTTSOnly delivers to the first-registered queue only.
	ModeTTSOnly QueueMode = "tts_only"
)

// EndOfStream is the sentinel pushed to every queue on completion.
type EndOfStream struct{}

// StreamingManager fans one generation's payloads out to N downstream
// consumer queues and guarantees exactly one completion signal reaches
// them, guarded by a single-use ownership token.
type StreamingManager struct {
	logger *slog.Logger

	mu       sync.Mutex
	queues   []chan any
	speech   chan any
	token    string
	complete bool

	// signalMu serializes completion delivery; delivered tracks how many
	// targets already hold the sentinel so a retry after a cancelled
	// attempt resumes instead of double-sending.
	signalMu  sync.Mutex
	delivered int
}

// NewStreamingManager creates a manager over the given consumer queues,
// in registration order. speech may be nil. If logger is nil,
// slog.Default() is used.
func NewStreamingManager(queues []chan any, speech chan any, logger *slog.Logger) *StreamingManager {
	if logger == nil {
		logger = slog.Default()
	}
	owned := make([]chan any, len(queues))
	copy(owned, queues)
	return &StreamingManager{
		logger: logger,
		queues: owned,
		speech: speech,
	}
}

// CreateCompletionToken mints the manager's single completion token. A
// second mint is an error: two owners of completion is always a bug.
func (m *StreamingManager) CreateCompletionToken() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.token != "" {
		return "", ErrTokenAlreadyIssued
	}
	m.token = uuid.NewString()
	return m.token, nil
}

// Complete reports whether the end sentinel was already delivered.
func (m *StreamingManager) Complete() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.complete
}

// SendToQueues fans a payload out according to mode. Sending after
// completion is a warned no-op, not an error.
func (m *StreamingManager) SendToQueues(ctx context.Context, payload any, mode QueueMode) error {
	m.mu.Lock()
	if m.complete {
		m.mu.Unlock()
		m.logger.Warn("send after stream completion dropped", "mode", string(mode))
		return nil
	}
	targets, err := m.targetsLocked(mode)
	m.mu.Unlock()
	if err != nil {
		return err
	}

	for _, q := range targets {
		select {
		case q <- payload:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// targetsLocked resolves the destination queues for a mode. Callers hold
// the mutex.
func (m *StreamingManager) targetsLocked(mode QueueMode) ([]chan any, error) {
	switch mode {
	case ModeAll:
		targets := make([]chan any, 0, len(m.queues)+1)
		targets = append(targets, m.queues...)
		if m.speech != nil {
			targets = append(targets, m.speech)
		}
		return targets, nil
	case ModeFrontendOnly:
		var targets []chan any
		if len(m.queues) > 0 {
			targets = append(targets, m.queues[len(m.queues)-1])
		}
		if m.speech != nil {
			targets = append(targets, m.speech)
		}
		return targets, nil
	case ModeTTSOnly:
		if len(m.queues) == 0 {
			return nil, nil
		}
		return []chan any{m.queues[0]}, nil
	default:
		return nil, fmt.Errorf("unknown queue mode %q", mode)
	}
}

// SignalCompletion delivers the end-of-stream sentinel to every queue,
// including speech. The caller must present the exact minted token; any
// mismatch is a completion-ownership error and the manager stays
// incomplete. The manager is only marked complete once every queue holds
// the sentinel; if delivery is cancelled partway, a retry with the same
// token finishes the remaining queues.
func (m *StreamingManager) SignalCompletion(ctx context.Context, token string) error {
	m.signalMu.Lock()
	defer m.signalMu.Unlock()

	m.mu.Lock()
	switch {
	case m.token == "":
		m.mu.Unlock()
		return &CompletionOwnershipError{Reason: "no completion token was created"}
	case token == "":
		m.mu.Unlock()
		return &CompletionOwnershipError{Reason: "empty completion token"}
	case subtle.ConstantTimeCompare([]byte(token), []byte(m.token)) != 1:
		m.mu.Unlock()
		return &CompletionOwnershipError{Reason: "completion token mismatch"}
	case m.complete:
		m.mu.Unlock()
		m.logger.Warn("duplicate completion signal dropped")
		return nil
	}

	targets := make([]chan any, 0, len(m.queues)+1)
	targets = append(targets, m.queues...)
	if m.speech != nil {
		targets = append(targets, m.speech)
	}
	start := m.delivered
	m.mu.Unlock()

	for i := start; i < len(targets); i++ {
		select {
		case targets[i] <- EndOfStream{}:
			m.mu.Lock()
			m.delivered = i + 1
			m.mu.Unlock()
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	m.mu.Lock()
	m.complete = true
	m.mu.Unlock()
	return nil
}
