// Package gateway is the HTTP surface: the SSE delivery stream for turns,
// the frame query API, and the compaction entry points.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/strandlabs/strand/internal/observability"
	"github.com/strandlabs/strand/pkg/models"
)

const (
	// initialHeartbeat keeps proxies from timing out while the first
	// backend event is still pending.
	initialHeartbeat = 2 * time.Second

	// steadyHeartbeat is the interval once events are flowing.
	steadyHeartbeat = 15 * time.Second
)

// StreamWriter delivers one turn's events over SSE. It owns a cancellation
// token decoupled from the request lifecycle: client disconnect cancels the
// turn exactly once, and nothing is written after cancellation. Implements
// agent.Emitter.
type StreamWriter struct {
	mu        sync.Mutex
	w         http.ResponseWriter
	flusher   http.Flusher
	closed    bool
	seenEvent bool

	ctx        context.Context
	cancelFunc context.CancelFunc
	cancelOnce sync.Once
	done       chan struct{}
	doneOnce   sync.Once

	logger  *observability.Logger
	metrics *observability.Metrics

	initialBeat time.Duration
	steadyBeat  time.Duration
}

// NewStreamWriter prepares w for SSE and starts heartbeats. The returned
// writer's Context is cancelled when the client disconnects or Cancel is
// called; the caller runs the turn under that context, not the request's.
func NewStreamWriter(w http.ResponseWriter, r *http.Request, logger *observability.Logger, metrics *observability.Metrics) (*StreamWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support streaming")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx, cancel := context.WithCancel(context.Background())
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}

	s := &StreamWriter{
		w:           w,
		flusher:     flusher,
		ctx:         ctx,
		cancelFunc:  cancel,
		done:        make(chan struct{}),
		logger:      logger,
		metrics:     metrics,
		initialBeat: initialHeartbeat,
		steadyBeat:  steadyHeartbeat,
	}
	if metrics != nil {
		metrics.StreamOpened()
	}

	go s.watchDisconnect(r.Context())
	go s.heartbeatLoop()
	return s, nil
}

// Context is the turn's cancellation scope.
func (s *StreamWriter) Context() context.Context { return s.ctx }

// Emit writes one event and flushes. Events arriving after cancellation or
// after a terminal event are dropped. A terminal event closes the stream
// with a final flush.
func (s *StreamWriter) Emit(event *models.StreamEvent) {
	if event == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.seenEvent = true

	data, err := json.Marshal(event)
	if err != nil {
		s.logger.Error(s.ctx, "stream event marshal failed", "error", err)
		return
	}
	fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event.Type, data)
	s.flusher.Flush()

	if s.metrics != nil {
		s.metrics.RecordStreamEvent(string(event.Type))
	}
	if event.Type.Terminal() {
		s.closed = true
		s.flusher.Flush()
		s.stop()
	}
}

// Cancel aborts the turn. Safe to call from any goroutine and more than
// once; only the first call has effect.
func (s *StreamWriter) Cancel() {
	s.cancelOnce.Do(func() {
		s.cancelFunc()
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.stop()
	})
}

// Close releases the writer. Emitting a terminal event already closes the
// stream; Close covers the handler's defer path.
func (s *StreamWriter) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.stop()
	s.cancelOnce.Do(s.cancelFunc)
	if s.metrics != nil {
		s.metrics.StreamClosed()
	}
}

func (s *StreamWriter) stop() {
	s.doneOnce.Do(func() { close(s.done) })
}

func (s *StreamWriter) watchDisconnect(requestCtx context.Context) {
	select {
	case <-requestCtx.Done():
		s.Cancel()
	case <-s.done:
	}
}

// heartbeatLoop writes SSE comments so intermediaries keep the connection
// open. The interval is short until the first real event arrives.
func (s *StreamWriter) heartbeatLoop() {
	for {
		s.mu.Lock()
		interval := s.initialBeat
		if s.seenEvent {
			interval = s.steadyBeat
		}
		s.mu.Unlock()

		select {
		case <-s.done:
			return
		case <-time.After(interval):
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		fmt.Fprint(s.w, ": heartbeat\n\n")
		s.flusher.Flush()
		s.mu.Unlock()
	}
}
