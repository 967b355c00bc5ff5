// Package logsink persists per-request disposition records off the
// request path. Writes are best-effort: a full buffer drops the record and
// a store failure is logged, never surfaced to the client.
package logsink

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"api-guard/internal/common/logging"
	"api-guard/internal/storage"
)

const writeTimeout = 5 * time.Second

// Sink buffers request log records and writes them from a background
// worker.
type Sink struct {
	storage storage.Storage
	logger  logging.Logger

	mu      sync.RWMutex
	closed  bool
	records chan *storage.RequestLog
	wg      sync.WaitGroup
	dropped uint64
}

// NewSink creates a sink with the given buffer size and starts its worker.
func NewSink(store storage.Storage, bufferSize int) *Sink {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	s := &Sink{
		storage: store,
		logger:  logging.GetGlobalLogger().WithFields(logging.String("component", "logsink")),
		records: make(chan *storage.RequestLog, bufferSize),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

func (s *Sink) run() {
	defer s.wg.Done()
	for record := range s.records {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		if err := s.storage.CreateRequestLog(ctx, record); err != nil {
			s.logger.Warn("failed to persist request log",
				logging.String("request_id", record.ID), logging.Err(err))
		}
		cancel()
	}
}

// Write enqueues a record without blocking. Records are dropped when the
// buffer is full or the sink is closed.
func (s *Sink) Write(record *storage.RequestLog) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		atomic.AddUint64(&s.dropped, 1)
		return
	}
	select {
	case s.records <- record:
	default:
		atomic.AddUint64(&s.dropped, 1)
	}
}

// Dropped returns the number of records lost to overflow or shutdown.
func (s *Sink) Dropped() uint64 {
	return atomic.LoadUint64(&s.dropped)
}

// Close stops accepting records and drains the buffer.
func (s *Sink) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.records)
	s.mu.Unlock()
	s.wg.Wait()
}
