package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/sherlocklabs/openclaw-bridge/internal/agentstream"
	"github.com/sherlocklabs/openclaw-bridge/internal/observability"
	"github.com/sherlocklabs/openclaw-bridge/pkg/events"
)

const (
	// defaultQueueCapacity bounds the producer/consumer FIFO. Producers
	// fault rather than grow it.
	defaultQueueCapacity = 256

	// defaultEnqueueWait is how long a producer waits on a full queue
	// before declaring a backpressure fault.
	defaultEnqueueWait = 5 * time.Second

	// userFacingErrorMessage is the only error text a session transport
	// ever carries outward. Raw upstream errors stay in the logs.
	userFacingErrorMessage = "The assistant ran into a problem. Please try again."
)

// ErrBackpressure terminates a session whose consumer cannot keep up.
var ErrBackpressure = errors.New("backpressure: event queue full")

// queueItem is one unit on the producer/consumer FIFO. Exactly one field
// is meaningful.
type queueItem struct {
	line       []byte
	gatewayErr *gatewayErrorFrame
	eof        bool
}

// gatewayErrorFrame is an explicit error frame from the agent gateway. It
// bypasses the parser entirely.
type gatewayErrorFrame struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// SessionConfig tunes a StreamSession.
type SessionConfig struct {
	QueueCapacity int
	EnqueueWait   time.Duration
}

// StreamSession is the per-turn runtime between an agent output transport
// and an event emitter. Construction validates the initiation payload
// before any I/O starts; Run drives the producer/consumer pair to
// completion. A session is single-use.
type StreamSession struct {
	id        string
	init      *InitPayload
	transport Transport
	emitter   Emitter
	parser    *agentstream.LineParser
	logger    *slog.Logger
	metrics   *observability.Metrics

	queueCap    int
	enqueueWait time.Duration

	closed    atomic.Bool
	closeOnce sync.Once

	start        time.Time
	firstContent time.Time
	eventCount   atomic.Int64
}

// NewStreamSession validates the initiation payload and builds the
// session. A malformed payload aborts immediately: one closing error
// frame goes out and no producer or consumer ever starts.
func NewStreamSession(initData []byte, transport Transport, emitter Emitter, parser *agentstream.LineParser, logger *slog.Logger, metrics *observability.Metrics, cfg SessionConfig) (*StreamSession, error) {
	if logger == nil {
		logger = slog.Default()
	}

	init, err := ParseInitPayload(initData)
	if err != nil {
		sendErrorFrame(transport, "invalid_init", "Session could not be started.")
		_ = transport.Close()
		return nil, err
	}

	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = defaultQueueCapacity
	}
	if cfg.EnqueueWait <= 0 {
		cfg.EnqueueWait = defaultEnqueueWait
	}
	if parser == nil {
		parser = agentstream.NewLineParser(logger)
	}

	id := uuid.NewString()
	return &StreamSession{
		id:        id,
		init:      init,
		transport: transport,
		emitter:   emitter,
		parser:    parser,
		logger: logger.With(
			"stream_session_id", id,
			"session_id", init.SessionID,
			"user_id", init.UserID,
		),
		metrics:     metrics,
		queueCap:    cfg.QueueCapacity,
		enqueueWait: cfg.EnqueueWait,
	}, nil
}

// ID returns the session's internal id.
func (s *StreamSession) ID() string {
	return s.id
}

// Init returns the validated initiation payload.
func (s *StreamSession) Init() *InitPayload {
	return s.init
}

// EventCount reports events forwarded to the emitter so far.
func (s *StreamSession) EventCount() int64 {
	return s.eventCount.Load()
}

// Closed reports whether the session reached its terminal state.
func (s *StreamSession) Closed() bool {
	return s.closed.Load()
}

// Run pumps the transport through the parser until stream completion,
// transport end, cancellation, or a fault. It blocks until both producer
// and consumer finish and always leaves the session closed.
func (s *StreamSession) Run(ctx context.Context) error {
	s.start = time.Now()
	if s.metrics != nil {
		s.metrics.ActiveSessions.Inc()
		defer s.metrics.ActiveSessions.Dec()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	queue := make(chan queueItem, s.queueCap)
	errCh := make(chan error, 2)

	go func() { errCh <- s.produce(ctx, queue) }()
	go func() { errCh <- s.consume(ctx, queue) }()

	// Whichever side finishes first cancels the other; a backpressure
	// fault in the producer must not leave the consumer blocked in a slow
	// emitter, and a consumer fault must not leave the producer reading.
	var runErr error
	for i := 0; i < 2; i++ {
		err := <-errCh
		if runErr == nil && err != nil && !errors.Is(err, context.Canceled) {
			runErr = err
		}
		cancel()
	}

	s.finish(runErr)
	return runErr
}

// produce reads frames from the transport onto the bounded queue. A full
// queue is a fault, not a wait: the producer gives the consumer one
// bounded grace period and then terminates the session.
func (s *StreamSession) produce(ctx context.Context, queue chan<- queueItem) error {
	defer close(queue)

	for {
		data, err := s.transport.Receive(ctx)
		if errors.Is(err, io.EOF) {
			s.enqueue(ctx, queue, queueItem{eof: true})
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("transport receive: %w", err)
		}

		item := queueItem{line: data}
		if frame := decodeGatewayError(data); frame != nil {
			item = queueItem{gatewayErr: frame}
		}

		if err := s.enqueue(ctx, queue, item); err != nil {
			return err
		}
		if item.gatewayErr != nil {
			return nil
		}
	}
}

func (s *StreamSession) enqueue(ctx context.Context, queue chan<- queueItem, item queueItem) error {
	select {
	case queue <- item:
		return nil
	default:
	}

	// Queue full: bounded wait, then fault.
	timer := time.NewTimer(s.enqueueWait)
	defer timer.Stop()
	select {
	case queue <- item:
		return nil
	case <-timer.C:
		if s.metrics != nil {
			s.metrics.BackpressureFaults.Inc()
		}
		return fmt.Errorf("%w after %s (capacity %d)", ErrBackpressure, s.enqueueWait, s.queueCap)
	case <-ctx.Done():
		return nil
	}
}

// consume drains the queue through the parser and forwards events in
// order. It returns nil on normal completion.
func (s *StreamSession) consume(ctx context.Context, queue <-chan queueItem) error {
	for {
		var item queueItem
		var ok bool
		select {
		case item, ok = <-queue:
		case <-ctx.Done():
			return ctx.Err()
		}
		if !ok {
			// Producer ended without a sentinel (fault path); the
			// producer's error is authoritative.
			return nil
		}

		// Terminal-once: the first terminal item returns, so anything the
		// producer enqueued after it is never consumed.
		switch {
		case item.eof:
			return s.finalizeParser(ctx)

		case item.gatewayErr != nil:
			s.logger.Error("gateway error frame",
				"code", item.gatewayErr.Code,
				"upstream_message", item.gatewayErr.Message,
			)
			sendErrorFrame(s.transport, "agent_error", userFacingErrorMessage)
			return fmt.Errorf("gateway error: %s", item.gatewayErr.Code)

		default:
			complete, err := s.processLine(ctx, item.line)
			if err != nil {
				return err
			}
			if complete {
				return nil
			}
		}
	}
}

// processLine feeds one NDJSON line through the parser and emits the
// resulting events. It reports whether the stream completed.
func (s *StreamSession) processLine(ctx context.Context, line []byte) (bool, error) {
	complete := false
	for _, ev := range s.parser.ProcessLine(line) {
		if err := s.emit(ctx, ev); err != nil {
			return false, err
		}
		if ev.Type == events.TypeStreamComplete {
			complete = true
		}
	}
	return complete, nil
}

func (s *StreamSession) finalizeParser(ctx context.Context) error {
	for _, ev := range s.parser.Finalize() {
		if err := s.emit(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

func (s *StreamSession) emit(ctx context.Context, ev events.Event) error {
	if s.firstContent.IsZero() && (ev.Type == events.TypeTextChunk || ev.Type == events.TypeThinkingChunk) {
		s.firstContent = time.Now()
		if s.metrics != nil {
			s.metrics.TimeToFirstContent.Observe(s.firstContent.Sub(s.start).Seconds())
		}
	}
	if s.metrics != nil {
		s.metrics.StreamEvents.WithLabelValues(string(ev.Type)).Inc()
		if ev.Type == events.TypeParseError {
			s.metrics.ParseErrors.Inc()
		}
	}

	if err := s.emitter.Emit(ctx, ev); err != nil {
		return fmt.Errorf("emitting %s event: %w", ev.Type, err)
	}
	s.eventCount.Add(1)
	return nil
}

// finish closes the session exactly once and writes the single
// completion or error log for its lifetime.
func (s *StreamSession) finish(runErr error) {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		_ = s.transport.Close()

		elapsed := time.Since(s.start)
		outcome := "complete"
		if runErr != nil {
			outcome = "error"
		}
		if s.metrics != nil {
			s.metrics.SessionDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
		}

		ttfc := time.Duration(0)
		if !s.firstContent.IsZero() {
			ttfc = s.firstContent.Sub(s.start)
		}

		if runErr != nil {
			s.logger.Error("stream session failed",
				"error", runErr,
				"duration_ms", elapsed.Milliseconds(),
				"time_to_first_content_ms", ttfc.Milliseconds(),
				"event_count", s.eventCount.Load(),
			)
			return
		}
		s.logger.Info("stream session complete",
			"duration_ms", elapsed.Milliseconds(),
			"time_to_first_content_ms", ttfc.Milliseconds(),
			"event_count", s.eventCount.Load(),
		)
	})
}

// decodeGatewayError returns the frame if data is an explicit gateway
// error frame, nil otherwise.
func decodeGatewayError(data []byte) *gatewayErrorFrame {
	var frame gatewayErrorFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil
	}
	if frame.Type != "error" {
		return nil
	}
	return &frame
}

// sendErrorFrame writes one sanitized closing error frame. Best effort;
// the transport may already be gone.
func sendErrorFrame(transport Transport, code, message string) {
	frame, err := json.Marshal(map[string]string{
		"type":    "error",
		"code":    code,
		"message": message,
	})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = transport.Send(ctx, frame)
}
