// Package batch provides a dynamic flush scheduler that coalesces single-item
// writes into size- and time-bounded batches.
//
// The scheduler is the write-side buffer for the event repository: callers add
// items and return immediately; a background flush delivers accumulated items
// to a callback either when the batch size threshold is reached or when the
// flush interval has elapsed since the oldest un-flushed item.
package batch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Sentinel errors for the flush scheduler.
var (
	// ErrFlusherClosed is returned when adding to a closed flusher.
	ErrFlusherClosed = errors.New("flusher is closed")

	// ErrInvalidBatchSize is returned when the batch size is not positive.
	ErrInvalidBatchSize = errors.New("batch size must be greater than zero")

	// ErrInvalidFlushInterval is returned when the flush interval is not positive.
	ErrInvalidFlushInterval = errors.New("flush interval must be greater than zero")
)

// Callback receives one flushed batch. A non-nil error causes the batch to be
// logged and discarded; the scheduler never retries. Durability-sensitive
// callers bypass the scheduler and write immediately.
type Callback[T any] func(ctx context.Context, items []T) error

// Flusher coalesces items into batches delivered to a single callback.
//
// Concurrency contract:
//   - Add is safe for concurrent use and returns without blocking on the callback.
//   - Items within a flushed batch preserve insertion order across callers.
//   - At most one callback runs at a time. If a trigger fires while a flush is
//     in flight, the flush is deferred until the previous callback returns;
//     items keep accumulating with no drop.
//   - The buffer mutex is never held across the callback.
type Flusher[T any] struct {
	batchSize     int
	flushInterval time.Duration
	callback      Callback[T]
	logger        *slog.Logger

	mu       sync.Mutex
	items    []T
	timer    *time.Timer // armed when the buffer goes non-empty
	flushing bool        // a callback is in flight
	pending  bool        // a trigger fired during an in-flight flush
	closed   bool

	wg sync.WaitGroup
}

// NewFlusher creates a flush scheduler delivering batches to callback.
//
// batchSize bounds the number of items per callback invocation;
// flushInterval bounds how long an item can sit un-flushed.
func NewFlusher[T any](
	batchSize int,
	flushInterval time.Duration,
	callback Callback[T],
	logger *slog.Logger,
) (*Flusher[T], error) {
	if batchSize <= 0 {
		return nil, ErrInvalidBatchSize
	}

	if flushInterval <= 0 {
		return nil, ErrInvalidFlushInterval
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Flusher[T]{
		batchSize:     batchSize,
		flushInterval: flushInterval,
		callback:      callback,
		logger:        logger,
	}, nil
}

// Add appends one or more items to the active batch and returns immediately.
// Returns ErrFlusherClosed after Close.
func (f *Flusher[T]) Add(items ...T) error {
	if len(items) == 0 {
		return nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrFlusherClosed
	}

	wasEmpty := len(f.items) == 0
	f.items = append(f.items, items...)

	if wasEmpty {
		// Interval is measured from the oldest un-flushed item: arm the timer
		// only on the empty -> non-empty transition, never reset it per add.
		f.timer = time.AfterFunc(f.flushInterval, f.onTimer)
	}

	if len(f.items) >= f.batchSize {
		f.triggerLocked()
	}

	return nil
}

// Close flushes any outstanding items, waits for in-flight callbacks to
// finish, and rejects subsequent adds. Safe to call once.
func (f *Flusher[T]) Close() error {
	f.mu.Lock()

	if f.closed {
		f.mu.Unlock()

		return nil
	}

	f.closed = true

	if f.timer != nil {
		f.timer.Stop()
		f.timer = nil
	}

	if len(f.items) > 0 {
		f.triggerLocked()
	}

	f.mu.Unlock()

	f.wg.Wait()

	return nil
}

// onTimer fires when the flush interval elapses for the oldest item.
func (f *Flusher[T]) onTimer() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.items) == 0 {
		return
	}

	f.triggerLocked()
}

// triggerLocked starts a flush, or records a pending trigger when a callback
// is already in flight. Caller must hold f.mu.
func (f *Flusher[T]) triggerLocked() {
	if f.flushing {
		f.pending = true

		return
	}

	f.startFlushLocked()
}

// startFlushLocked atomically swaps out the active buffer and hands it to the
// flush goroutine. Caller must hold f.mu.
func (f *Flusher[T]) startFlushLocked() {
	batch := f.items
	f.items = nil
	f.flushing = true
	f.pending = false

	if f.timer != nil {
		f.timer.Stop()
		f.timer = nil
	}

	f.wg.Add(1)

	go f.flush(batch)
}

// flush delivers the batch in chunks of at most batchSize, then re-arms the
// scheduler for whatever accumulated in the meantime.
func (f *Flusher[T]) flush(batch []T) {
	defer f.wg.Done()

	ctx := context.Background()

	for start := 0; start < len(batch); start += f.batchSize {
		end := min(start+f.batchSize, len(batch))

		chunk := batch[start:end]
		if err := f.callback(ctx, chunk); err != nil {
			// Best-effort delivery: a failed batch is logged and discarded.
			f.logger.Error("batch flush failed, discarding batch",
				slog.Int("batch_size", len(chunk)),
				slog.Any("error", err))
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.flushing = false

	switch {
	case f.pending || len(f.items) >= f.batchSize:
		f.startFlushLocked()
	case len(f.items) > 0 && !f.closed:
		f.timer = time.AfterFunc(f.flushInterval, f.onTimer)
	case len(f.items) > 0 && f.closed:
		f.startFlushLocked()
	}
}
