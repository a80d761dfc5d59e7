// Package retrievallog provides the append-only Retrieval Attempt Log
// writer: a buffered, batched inserter that accumulates log rows in memory
// and flushes them to storage on a size or time trigger. Writes are
// fire-and-forget from the pipeline's perspective — logging failures never
// propagate to a retrieval caller.
package retrievallog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/satori/internal/model"
	"github.com/ashita-ai/satori/internal/telemetry"
)

// maxBufferCapacity is the hard upper limit on buffered rows to prevent OOM.
// Append applies backpressure by returning an error once reached.
const maxBufferCapacity = 100_000

var (
	// ErrBufferDraining indicates shutdown is in progress and no new rows are accepted.
	ErrBufferDraining = errors.New("retrievallog: buffer is draining")
	// ErrBufferAtCapacity indicates the in-memory buffer hit its hard cap.
	ErrBufferAtCapacity = errors.New("retrievallog: buffer at capacity")
)

// inserter is the storage dependency: a batched COPY-style insert of log
// rows. Narrowed to a single method so this package doesn't depend on the
// full storage.DB surface.
type inserter interface {
	BatchInsertRetrievalLogs(ctx context.Context, logs []model.RetrievalAttemptLog) error
}

// Buffer accumulates Retrieval Attempt Log rows in memory and flushes to
// storage in batches when either the buffer size or flush timeout is
// reached. Append-only: rows are never read back through this type (case
// linkage and outcome stamping happen directly against storage once a row
// has been durably flushed).
type Buffer struct {
	db           inserter
	logger       *slog.Logger
	maxSize      int
	flushTimeout time.Duration

	mu   sync.Mutex
	rows []model.RetrievalAttemptLog

	droppedRows atomic.Int64
	draining    atomic.Bool

	started    atomic.Bool
	drainOnce  sync.Once
	flushCh    chan struct{}
	done       chan struct{}
	cancelLoop context.CancelFunc
	drainCh    chan context.Context
}

// NewBuffer creates a new Retrieval Attempt Log buffer.
func NewBuffer(db inserter, logger *slog.Logger, maxSize int, flushTimeout time.Duration) *Buffer {
	return &Buffer{
		db:           db,
		logger:       logger,
		maxSize:      maxSize,
		flushTimeout: flushTimeout,
		flushCh:      make(chan struct{}, 1),
		done:         make(chan struct{}),
		drainCh:      make(chan context.Context, 1),
	}
}

// Start begins the background flush loop and registers OTEL metrics. Call
// Drain to stop. Safe to call only once; subsequent calls are no-ops.
func (b *Buffer) Start(ctx context.Context) {
	if !b.started.CompareAndSwap(false, true) {
		b.logger.Warn("retrievallog: buffer Start called more than once, ignoring")
		return
	}
	b.registerMetrics()

	loopCtx, cancel := context.WithCancel(ctx)
	b.cancelLoop = cancel
	go b.flushLoop(loopCtx)
}

// Append queues log rows for the next flush. Returns an error if the
// buffer is at capacity or draining (backpressure); callers should treat
// this as a logging failure to be swallowed, never propagated to the
// retrieval caller.
func (b *Buffer) Append(rows []model.RetrievalAttemptLog) error {
	if b.draining.Load() {
		b.droppedRows.Add(int64(len(rows)))
		return fmt.Errorf("%w: rejecting %d new rows", ErrBufferDraining, len(rows))
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.rows)+len(rows) > maxBufferCapacity {
		b.droppedRows.Add(int64(len(rows)))
		return fmt.Errorf("%w (%d rows), try again later", ErrBufferAtCapacity, len(b.rows))
	}

	b.rows = append(b.rows, rows...)

	if len(b.rows) >= b.maxSize {
		select {
		case b.flushCh <- struct{}{}:
		default:
		}
	}
	return nil
}

func (b *Buffer) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(b.flushTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			var drainCtx context.Context
			select {
			case drainCtx = <-b.drainCh:
			default:
			}
			if drainCtx != nil {
				if err := b.flushUntilEmpty(drainCtx); err != nil {
					b.logger.Warn("retrievallog: final drain flush incomplete", "error", err, "remaining", b.Len())
				}
			} else {
				fallbackCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				if err := b.flushUntilEmpty(fallbackCtx); err != nil {
					b.logger.Warn("retrievallog: fallback final flush incomplete", "error", err, "remaining", b.Len())
				}
				cancel()
			}
			close(b.done)
			return
		case <-ticker.C:
			b.flush(ctx)
		case <-b.flushCh:
			b.flush(ctx)
		}
	}
}

func (b *Buffer) flush(ctx context.Context) {
	_, _ = b.flushOnce(ctx)
}

// FlushNow blocks until buffered rows are durably written or ctx expires.
func (b *Buffer) FlushNow(ctx context.Context) error {
	return b.flushUntilEmpty(ctx)
}

func (b *Buffer) flushUntilEmpty(ctx context.Context) error {
	const maxBackoff = 2 * time.Second
	backoff := 50 * time.Millisecond

	for {
		flushed, err := b.flushOnce(ctx)
		if err == nil {
			if !flushed {
				return nil
			}
			backoff = 50 * time.Millisecond
			continue
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("retrievallog: flush incomplete before deadline: %w", ctx.Err())
		case <-time.After(backoff):
		}
		if backoff < maxBackoff {
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}
}

func (b *Buffer) flushOnce(ctx context.Context) (bool, error) {
	b.mu.Lock()
	if len(b.rows) == 0 {
		b.mu.Unlock()
		return false, nil
	}
	batch := make([]model.RetrievalAttemptLog, len(b.rows))
	copy(batch, b.rows)
	b.mu.Unlock()

	start := time.Now()
	err := b.db.BatchInsertRetrievalLogs(ctx, batch)
	duration := time.Since(start)

	if err != nil {
		b.logger.Error("retrievallog: flush failed", "error", err, "batch_size", len(batch))
		return false, err
	}

	b.mu.Lock()
	if len(b.rows) >= len(batch) {
		b.rows = b.rows[len(batch):]
	} else {
		b.rows = nil
	}
	b.mu.Unlock()

	b.logger.Info("retrievallog: batch flushed", "batch_size", len(batch), "flush_duration_ms", duration.Milliseconds())
	return true, nil
}

// Drain signals the background flush loop to stop, waits for its final
// flush, and returns. Idempotent.
func (b *Buffer) Drain(ctx context.Context) {
	b.drainOnce.Do(func() {
		b.draining.Store(true)
		sendCtx, sendCancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		select {
		case b.drainCh <- ctx:
		case <-sendCtx.Done():
			b.logger.Warn("retrievallog: drain context channel busy, flush will use fallback timeout")
		}
		sendCancel()
		if b.cancelLoop != nil {
			b.cancelLoop()
		}
	})
	select {
	case <-b.done:
	case <-ctx.Done():
		b.logger.Warn("retrievallog: drain timed out waiting for flush loop")
	}
}

func (b *Buffer) registerMetrics() {
	meter := telemetry.Meter("satori/retrievallog")

	_, _ = meter.Int64ObservableGauge("satori.retrievallog.buffer_depth",
		metric.WithDescription("Current number of retrieval log rows in the write buffer"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(b.Len()))
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("satori.retrievallog.dropped_total",
		metric.WithDescription("Total rows rejected at ingress due to capacity or shutdown draining"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(b.DroppedRows())
			return nil
		}),
	)
}

// Len returns the current number of buffered rows.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.rows)
}

// Capacity returns the hard upper limit on buffered rows.
func (b *Buffer) Capacity() int {
	return maxBufferCapacity
}

// DroppedRows returns the total number of rows rejected at ingress.
func (b *Buffer) DroppedRows() int64 {
	return b.droppedRows.Load()
}
