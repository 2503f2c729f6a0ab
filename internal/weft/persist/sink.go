package persist

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// LogSink decouples the engine's hot path from execution-log writes: appends
// go into a buffered channel drained by a single goroutine, which keeps the
// log linear per execution. Close flushes everything still queued.
type LogSink struct {
	store Store
	log   zerolog.Logger

	mu     sync.Mutex
	closed bool
	ch     chan LogEntry
	done   chan struct{}
}

// NewLogSink starts the drain goroutine. buffer <= 0 picks a sane default.
func NewLogSink(store Store, buffer int, log zerolog.Logger) *LogSink {
	if buffer <= 0 {
		buffer = 256
	}
	s := &LogSink{
		store: store,
		log:   log,
		ch:    make(chan LogEntry, buffer),
		done:  make(chan struct{}),
	}
	go s.drain()
	return s
}

func (s *LogSink) drain() {
	defer close(s.done)
	for e := range s.ch {
		if err := s.store.AppendExecutionLog(context.Background(), e); err != nil {
			s.log.Warn().Err(err).Str("execution_id", e.ExecutionID).Msg("execution log append failed")
		}
	}
}

// Append enqueues one entry. Appends after Close are dropped. The send blocks
// when the buffer is full, which preserves ordering under load.
func (s *LogSink) Append(e LogEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if e.TS.IsZero() {
		e.TS = time.Now().UTC()
	}
	s.ch <- e
}

// Close stops intake, waits for the queue to flush, and returns.
func (s *LogSink) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.done
		return
	}
	s.closed = true
	close(s.ch)
	s.mu.Unlock()
	<-s.done
}
