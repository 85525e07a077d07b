// Package audit records bargaining decision events as structured JSON lines.
// Recording is fire-and-forget: the pipeline never blocks on, and never fails
// because of, the audit path.
package audit

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// EventKind categorizes a decision event.
type EventKind string

const (
	KindRound     EventKind = "ROUND"
	KindAccept    EventKind = "ACCEPT"
	KindViolation EventKind = "VIOLATION"
	KindPromo     EventKind = "PROMO"
	KindPolicy    EventKind = "POLICY"
	KindSystem    EventKind = "SYSTEM"
)

// Event is one structured audit record.
type Event struct {
	ID        string                 `json:"id"`
	SessionID string                 `json:"session_id,omitempty"`
	Kind      EventKind              `json:"kind"`
	Action    string                 `json:"action"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Sink accepts decision events.
type Sink interface {
	Record(ctx context.Context, kind EventKind, action, sessionID string, metadata map[string]interface{})
}

// AsyncSink buffers events on a bounded queue and writes them from a single
// worker goroutine. A full queue drops the event and bumps a counter; the
// decision path is never backpressured by auditing.
type AsyncSink struct {
	queue   chan Event
	writer  io.Writer
	logger  *slog.Logger
	dropped atomic.Int64
	closed  atomic.Bool

	closeOnce sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// NewAsyncSink starts a sink writing JSON lines to w (os.Stdout when nil).
func NewAsyncSink(w io.Writer, depth int, logger *slog.Logger) *AsyncSink {
	if w == nil {
		w = os.Stdout
	}
	if depth <= 0 {
		depth = 1024
	}
	s := &AsyncSink{
		queue:  make(chan Event, depth),
		writer: w,
		logger: logger.With("component", "audit_sink"),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go s.drain()
	return s
}

// Record enqueues an event. Never blocks, and stays safe for requests still
// in flight while the sink shuts down: those events count as dropped.
func (s *AsyncSink) Record(_ context.Context, kind EventKind, action, sessionID string, metadata map[string]interface{}) {
	if s.closed.Load() {
		s.dropped.Add(1)
		return
	}
	event := Event{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Kind:      kind,
		Action:    action,
		Timestamp: time.Now().UTC(),
		Metadata:  metadata,
	}
	select {
	case s.queue <- event:
	default:
		if s.dropped.Add(1)%1000 == 1 {
			s.logger.Warn("audit queue full, dropping events", "dropped_total", s.dropped.Load())
		}
	}
}

// Dropped reports how many events were discarded due to a full queue.
func (s *AsyncSink) Dropped() int64 { return s.dropped.Load() }

// Close flushes the queue and stops the worker. The queue channel itself is
// never closed so a concurrent Record can never panic.
func (s *AsyncSink) Close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.stop)
		<-s.done
	})
}

func (s *AsyncSink) drain() {
	defer close(s.done)
	for {
		select {
		case event := <-s.queue:
			s.write(event)
		case <-s.stop:
			for {
				select {
				case event := <-s.queue:
					s.write(event)
				default:
					return
				}
			}
		}
	}
}

func (s *AsyncSink) write(event Event) {
	line, err := json.Marshal(event)
	if err != nil {
		return
	}
	if _, err := s.writer.Write(append(append([]byte("AUDIT: "), line...), '\n')); err != nil {
		s.logger.Warn("audit write failed", "error", err)
	}
}

// NopSink discards everything. Test convenience.
type NopSink struct{}

func (NopSink) Record(context.Context, EventKind, string, string, map[string]interface{}) {}
