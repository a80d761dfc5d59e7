package retrievallog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/ashita-ai/satori/internal/model"
)

// fakeInserter is an in-memory stand-in for storage.DB's
// BatchInsertRetrievalLogs, letting these tests exercise the buffer's
// concurrency and flush-trigger behavior without a live Postgres instance.
type fakeInserter struct {
	mu       sync.Mutex
	inserted []model.RetrievalAttemptLog
	failNext bool
}

func (f *fakeInserter) BatchInsertRetrievalLogs(ctx context.Context, logs []model.RetrievalAttemptLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return errors.New("fakeInserter: simulated failure")
	}
	f.inserted = append(f.inserted, logs...)
	return nil
}

func (f *fakeInserter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.inserted)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func makeRows(n int) []model.RetrievalAttemptLog {
	rows := make([]model.RetrievalAttemptLog, n)
	for i := range rows {
		rows[i] = model.RetrievalAttemptLog{
			AttemptNo:   1,
			QueryText:   fmt.Sprintf("query %d", i),
			ExecutionID: fmt.Sprintf("exec-%d", i),
		}
	}
	return rows
}

func TestBufferDoubleStartIsNoop(t *testing.T) {
	buf := NewBuffer(&fakeInserter{}, testLogger(), 100, 50*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	buf.Start(ctx)
	buf.Start(ctx)

	if !buf.started.Load() {
		t.Fatal("expected started to be true after Start()")
	}

	cancel()
	drainCtx, drainCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer drainCancel()
	buf.Drain(drainCtx)
}

func TestBuffer_FlushOnBatchSize(t *testing.T) {
	ins := &fakeInserter{}
	buf := NewBuffer(ins, testLogger(), 5, 10*time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	buf.Start(ctx)

	if err := buf.Append(makeRows(5)); err != nil {
		t.Fatalf("append: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for ins.count() != 5 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := ins.count(); got != 5 {
		t.Fatalf("expected 5 rows flushed via batch-size trigger, got %d", got)
	}

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer drainCancel()
	buf.Drain(drainCtx)
}

func TestBuffer_FlushOnInterval(t *testing.T) {
	ins := &fakeInserter{}
	buf := NewBuffer(ins, testLogger(), 1000, 50*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	buf.Start(ctx)

	if err := buf.Append(makeRows(2)); err != nil {
		t.Fatalf("append: %v", err)
	}

	deadline := time.Now().Add(1 * time.Second)
	for ins.count() != 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := ins.count(); got != 2 {
		t.Fatalf("expected 2 rows flushed by interval timer, got %d", got)
	}

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer drainCancel()
	buf.Drain(drainCtx)
}

func TestBuffer_DrainFlushesPending(t *testing.T) {
	ins := &fakeInserter{}
	buf := NewBuffer(ins, testLogger(), 1000, 10*time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	buf.Start(ctx)

	if err := buf.Append(makeRows(4)); err != nil {
		t.Fatalf("append: %v", err)
	}

	if buf.Len() != 4 {
		t.Fatalf("expected 4 rows buffered before drain, got %d", buf.Len())
	}

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer drainCancel()
	buf.Drain(drainCtx)

	if got := ins.count(); got != 4 {
		t.Fatalf("expected drain to flush all 4 rows, got %d", got)
	}
}

func TestBuffer_DrainTimeout(t *testing.T) {
	ins := &fakeInserter{}
	buf := NewBuffer(ins, testLogger(), 1000, 10*time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	buf.Start(ctx)

	if err := buf.Append(makeRows(3)); err != nil {
		t.Fatalf("append: %v", err)
	}

	drainCtx, drainCancel := context.WithCancel(context.Background())
	drainCancel()

	start := time.Now()
	buf.Drain(drainCtx)
	elapsed := time.Since(start)

	if elapsed > 500*time.Millisecond {
		t.Fatalf("drain with an already-cancelled context should return immediately, took %v", elapsed)
	}

	time.Sleep(200 * time.Millisecond)
}

func TestBuffer_AppendAfterDrain(t *testing.T) {
	ins := &fakeInserter{}
	buf := NewBuffer(ins, testLogger(), 1000, 100*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	buf.Start(ctx)

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer drainCancel()
	buf.Drain(drainCtx)

	err := buf.Append(makeRows(2))
	if err == nil {
		t.Fatal("append after drain should fail")
	}
	if buf.DroppedRows() != 2 {
		t.Errorf("expected 2 dropped rows, got %d", buf.DroppedRows())
	}
	if buf.Len() != 0 {
		t.Errorf("expected empty buffer after rejected append, got %d", buf.Len())
	}
	if got := ins.count(); got != 0 {
		t.Errorf("nothing should reach storage after drain, got %d rows", got)
	}
}

func TestBuffer_ConcurrentAppend(t *testing.T) {
	const (
		goroutines    = 10
		rowsPerGo     = 10
		totalExpected = goroutines * rowsPerGo
	)

	ins := &fakeInserter{}
	buf := NewBuffer(ins, testLogger(), totalExpected+1, 10*time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	buf.Start(ctx)

	var wg sync.WaitGroup
	errCh := make(chan error, goroutines)

	for g := range goroutines {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			if err := buf.Append(makeRows(rowsPerGo)); err != nil {
				errCh <- fmt.Errorf("goroutine %d: %w", g, err)
			}
		}(g)
	}
	wg.Wait()
	close(errCh)

	for err := range errCh {
		t.Errorf("concurrent append error: %v", err)
	}

	if buf.Len() != totalExpected {
		t.Fatalf("expected buffer to hold all %d rows, got %d", totalExpected, buf.Len())
	}

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer drainCancel()
	buf.Drain(drainCtx)

	if got := ins.count(); got != totalExpected {
		t.Fatalf("expected all %d concurrently-appended rows in storage after drain, got %d", totalExpected, got)
	}
}

func TestBuffer_CapacityReportsHardLimit(t *testing.T) {
	ins := &fakeInserter{}
	buf := NewBuffer(ins, testLogger(), 1000, 10*time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	buf.Start(ctx)
	defer func() {
		drainCtx, drainCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer drainCancel()
		buf.Drain(drainCtx)
	}()

	if buf.Capacity() != maxBufferCapacity {
		t.Fatalf("expected capacity %d, got %d", maxBufferCapacity, buf.Capacity())
	}
}
