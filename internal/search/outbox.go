package search

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/satori/internal/model"
	"github.com/ashita-ai/satori/internal/telemetry"
)

// outboxEntry represents a single row from the corpus_outbox table.
type outboxEntry struct {
	ID        int64
	Key       model.CorpusKey
	Operation string
	Attempts  int
}

// corpusEntryForIndex holds the fields needed to build a Qdrant point.
// Populated by the outbox worker from Postgres.
type corpusEntryForIndex struct {
	Key        model.CorpusKey
	Category   string
	Confidence float32
	UsageCount int
	UpdatedAt  time.Time
	Embedding  []float32
}

// OutboxWorker polls the corpus_outbox table and syncs changes to Qdrant so
// the ANN index stays eventually consistent with Postgres (the Corpus
// Store is the only authority for entry state; Qdrant is a derived index).
type OutboxWorker struct {
	pool         *pgxpool.Pool
	index        *QdrantIndex
	logger       *slog.Logger
	pollInterval time.Duration
	batchSize    int

	started     atomic.Bool
	cancelLoop  context.CancelFunc
	done        chan struct{}
	once        sync.Once
	drainOnce   sync.Once
	lastCleanup time.Time
	drainCh     chan context.Context
}

// NewOutboxWorker creates a new outbox worker.
func NewOutboxWorker(pool *pgxpool.Pool, index *QdrantIndex, logger *slog.Logger, pollInterval time.Duration, batchSize int) *OutboxWorker {
	return &OutboxWorker{
		pool:         pool,
		index:        index,
		logger:       logger,
		pollInterval: pollInterval,
		batchSize:    batchSize,
		done:         make(chan struct{}),
		drainCh:      make(chan context.Context, 1),
	}
}

// Start begins the background poll loop. Safe to call only once; subsequent
// calls are no-ops and log a warning.
func (w *OutboxWorker) Start(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		w.logger.Warn("corpus outbox: Start called more than once, ignoring")
		return
	}
	w.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	w.cancelLoop = cancel
	go w.pollLoop(loopCtx)
}

// Drain signals the poll loop to stop, processes remaining entries, and
// blocks until done or the context expires. Safe to call multiple times;
// only the first call triggers the drain.
func (w *OutboxWorker) Drain(ctx context.Context) {
	w.drainOnce.Do(func() {
		sendCtx, sendCancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		select {
		case w.drainCh <- ctx:
		case <-sendCtx.Done():
			w.logger.Warn("corpus outbox: drain context channel busy, final poll will use fallback timeout")
		}
		sendCancel()
		if w.cancelLoop != nil {
			w.cancelLoop()
		}
	})
	select {
	case <-w.done:
	case <-ctx.Done():
		w.logger.Warn("corpus outbox: drain timed out")
	}
}

func (w *OutboxWorker) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			var drainCtx context.Context
			select {
			case drainCtx = <-w.drainCh:
			default:
			}
			if drainCtx != nil {
				w.processBatch(drainCtx)
			} else {
				fallbackCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				w.processBatch(fallbackCtx)
				cancel()
			}
			w.once.Do(func() { close(w.done) })
			return
		case <-ticker.C:
			batchCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			w.processBatch(batchCtx)
			cancel()
		}
	}
}

// maxOutboxAttempts caps retries before an entry is dead-lettered.
const maxOutboxAttempts = 10

func (w *OutboxWorker) processBatch(ctx context.Context) {
	if w.pool == nil || w.index == nil {
		return
	}

	tx, err := w.pool.Begin(ctx)
	if err != nil {
		w.logger.Error("corpus outbox: begin tx", "error", err)
		return
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx,
		`SELECT id, source_kind, source_id, op, attempts
		 FROM corpus_outbox
		 WHERE (locked_until IS NULL OR locked_until < now())
		   AND attempts < $1
		 ORDER BY created_at ASC
		 LIMIT $2
		 FOR UPDATE SKIP LOCKED`,
		maxOutboxAttempts, w.batchSize,
	)
	if err != nil {
		w.logger.Error("corpus outbox: select pending", "error", err)
		return
	}

	entries, err := scanOutboxEntries(rows)
	if err != nil {
		w.logger.Error("corpus outbox: scan entries", "error", err)
		return
	}
	if len(entries) == 0 {
		return
	}

	entryIDs := make([]int64, len(entries))
	for i, e := range entries {
		entryIDs[i] = e.ID
	}
	if _, err := tx.Exec(ctx,
		`UPDATE corpus_outbox SET locked_until = now() + interval '60 seconds' WHERE id = ANY($1)`,
		entryIDs,
	); err != nil {
		w.logger.Error("corpus outbox: lock entries", "error", err)
		return
	}

	if err := tx.Commit(ctx); err != nil {
		w.logger.Error("corpus outbox: commit lock", "error", err)
		return
	}

	var upserts, deletes []outboxEntry
	for _, e := range entries {
		switch e.Operation {
		case "upsert":
			upserts = append(upserts, e)
		case "delete":
			deletes = append(deletes, e)
		}
	}

	if len(upserts) > 0 {
		w.processUpserts(ctx, upserts)
	}
	if len(deletes) > 0 {
		w.processDeletes(ctx, deletes)
	}

	if time.Since(w.lastCleanup) > time.Hour {
		w.cleanupDeadLetters(ctx)
		w.lastCleanup = time.Now()
	}
}

func (w *OutboxWorker) cleanupDeadLetters(ctx context.Context) {
	tx, err := w.pool.Begin(ctx)
	if err != nil {
		w.logger.Error("corpus outbox: begin dead-letter cleanup tx failed", "error", err)
		return
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`WITH candidates AS (
		    SELECT id, source_kind, source_id, op, last_error
		    FROM corpus_outbox
		    WHERE attempts >= $1
		      AND (locked_until IS NULL OR locked_until < now())
		      AND created_at < now() - interval '7 days'
		    FOR UPDATE SKIP LOCKED
		)
		INSERT INTO corpus_outbox_dead_letter (id, source_kind, source_id, op, last_error)
		SELECT id, source_kind, source_id, op, last_error FROM candidates
		ON CONFLICT (id) DO NOTHING`,
		maxOutboxAttempts,
	); err != nil {
		w.logger.Error("corpus outbox: archive dead-letters failed", "error", err)
		return
	}

	tag, err := tx.Exec(ctx,
		`DELETE FROM corpus_outbox o
		 WHERE o.attempts >= $1
		   AND (o.locked_until IS NULL OR o.locked_until < now())
		   AND o.created_at < now() - interval '7 days'
		   AND EXISTS (SELECT 1 FROM corpus_outbox_dead_letter d WHERE d.id = o.id)`,
		maxOutboxAttempts,
	)
	if err != nil {
		w.logger.Error("corpus outbox: delete archived dead-letters failed", "error", err)
		return
	}

	if err := tx.Commit(ctx); err != nil {
		w.logger.Error("corpus outbox: commit dead-letter cleanup failed", "error", err)
		return
	}

	if tag.RowsAffected() > 0 {
		w.logger.Info("corpus outbox: archived and cleaned dead-letter entries", "deleted", tag.RowsAffected())
	}
}

func (w *OutboxWorker) processUpserts(ctx context.Context, entries []outboxEntry) {
	keys := make([]model.CorpusKey, len(entries))
	for i, e := range entries {
		keys[i] = e.Key
	}

	found, err := w.fetchCorpusEntriesForIndex(ctx, keys)
	if err != nil {
		w.logger.Error("corpus outbox: fetch corpus entries", "error", err, "count", len(keys))
		w.failEntries(ctx, entries, err.Error())
		return
	}

	readyEntries, readyHits, pendingEntries := partitionUpsertEntries(entries, found)

	if len(readyEntries) > 0 {
		points := make([]Point, 0, len(readyHits))
		for _, h := range readyHits {
			points = append(points, Point{
				Key:        h.Key,
				Category:   h.Category,
				Confidence: h.Confidence,
				UsageCount: h.UsageCount,
				UpdatedAt:  h.UpdatedAt,
				Embedding:  h.Embedding,
			})
		}

		if err := w.index.Upsert(ctx, points); err != nil {
			w.logger.Error("corpus outbox: qdrant upsert", "error", err, "count", len(points))
			w.failEntries(ctx, readyEntries, err.Error())
		} else {
			w.succeedEntries(ctx, readyEntries)
			w.logger.Info("corpus outbox: upserted", "count", len(points))
		}
	}

	if len(pendingEntries) > 0 {
		var toDefer, toFail []outboxEntry
		for _, e := range pendingEntries {
			if e.Attempts >= maxOutboxAttempts-1 {
				toFail = append(toFail, e)
			} else {
				toDefer = append(toDefer, e)
			}
		}
		if len(toFail) > 0 {
			w.failEntries(ctx, toFail, "corpus entry not ready after max defer cycles (missing embedding or not found)")
		}
		if len(toDefer) > 0 {
			w.deferPendingEntries(ctx, toDefer, "corpus entry not ready for indexing (missing embedding or not found)")
		}
	}
}

func (w *OutboxWorker) processDeletes(ctx context.Context, entries []outboxEntry) {
	keys := make([]model.CorpusKey, len(entries))
	for i, e := range entries {
		keys[i] = e.Key
	}

	if err := w.index.DeleteByKeys(ctx, keys); err != nil {
		w.logger.Error("corpus outbox: qdrant delete", "error", err, "count", len(keys))
		w.failEntries(ctx, entries, err.Error())
		return
	}

	w.succeedEntries(ctx, entries)
	w.logger.Info("corpus outbox: deleted", "count", len(keys))
}

func (w *OutboxWorker) succeedEntries(ctx context.Context, entries []outboxEntry) {
	ids := make([]int64, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	if _, err := w.pool.Exec(ctx, `DELETE FROM corpus_outbox WHERE id = ANY($1)`, ids); err != nil {
		w.logger.Error("corpus outbox: delete completed entries", "error", err)
	}
}

func (w *OutboxWorker) deferPendingEntries(ctx context.Context, entries []outboxEntry, errMsg string) {
	ids := make([]int64, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	if _, err := w.pool.Exec(ctx,
		`UPDATE corpus_outbox SET attempts = attempts + 1, last_error = $1, locked_until = now() + interval '30 minutes'
		 WHERE id = ANY($2)`,
		errMsg, ids,
	); err != nil {
		w.logger.Error("corpus outbox: defer pending entries", "error", err)
	}
}

func (w *OutboxWorker) failEntries(ctx context.Context, entries []outboxEntry, errMsg string) {
	ids := make([]int64, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	if _, err := w.pool.Exec(ctx,
		`UPDATE corpus_outbox
		 SET attempts = attempts + 1,
		     last_error = $1,
		     locked_until = now() + LEAST(POWER(2, attempts + 1), 300) * interval '1 second'
		 WHERE id = ANY($2)`,
		errMsg, ids,
	); err != nil {
		w.logger.Error("corpus outbox: update failed entries", "error", err)
	}

	for _, e := range entries {
		if e.Attempts+1 >= maxOutboxAttempts {
			w.logger.Warn("corpus outbox: dead-letter entry",
				"outbox_id", e.ID, "source_kind", e.Key.SourceKind, "source_id", e.Key.SourceID,
				"operation", e.Operation, "attempts", e.Attempts+1,
			)
		}
	}
}

func (w *OutboxWorker) fetchCorpusEntriesForIndex(ctx context.Context, keys []model.CorpusKey) ([]corpusEntryForIndex, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	sourceKinds := make([]string, len(keys))
	sourceIDs := make([]string, len(keys))
	for i, k := range keys {
		sourceKinds[i] = string(k.SourceKind)
		sourceIDs[i] = k.SourceID
	}

	rows, err := w.pool.Query(ctx,
		`SELECT c.source_kind, c.source_id, COALESCE(c.category, ''), c.confidence, c.usage_count, c.updated_at, c.embedding
		 FROM corpus_entries c
		 JOIN unnest($1::text[], $2::text[]) AS pair(kind, id)
		   ON c.source_kind = pair.kind AND c.source_id = pair.id
		 WHERE c.embedding IS NOT NULL`,
		sourceKinds, sourceIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("corpus outbox: query corpus entries: %w", err)
	}
	defer rows.Close()

	var results []corpusEntryForIndex
	for rows.Next() {
		var c corpusEntryForIndex
		var kind string
		var emb pgvector.Vector
		if err := rows.Scan(&kind, &c.Key.SourceID, &c.Category, &c.Confidence, &c.UsageCount, &c.UpdatedAt, &emb); err != nil {
			return nil, fmt.Errorf("corpus outbox: scan corpus entry: %w", err)
		}
		c.Key.SourceKind = model.SourceKind(kind)
		c.Embedding = emb.Slice()
		results = append(results, c)
	}
	return results, rows.Err()
}

// registerMetrics registers observable OTEL gauges for outbox health monitoring.
func (w *OutboxWorker) registerMetrics() {
	meter := telemetry.Meter("satori/outbox")

	_, _ = meter.Int64ObservableGauge("satori.outbox.depth",
		metric.WithDescription("Estimated pending entries in the corpus outbox (via pg_class.reltuples)"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			var estimate float64
			err := w.pool.QueryRow(ctx,
				`SELECT reltuples FROM pg_class WHERE relname = 'corpus_outbox'`,
			).Scan(&estimate)
			if err != nil {
				return nil
			}
			if estimate < 0 {
				estimate = 0
			}
			o.Observe(int64(estimate))
			return nil
		}),
	)
}

func scanOutboxEntries(rows pgx.Rows) ([]outboxEntry, error) {
	defer rows.Close()
	var entries []outboxEntry
	for rows.Next() {
		var e outboxEntry
		var kind string
		if err := rows.Scan(&e.ID, &kind, &e.Key.SourceID, &e.Operation, &e.Attempts); err != nil {
			return nil, fmt.Errorf("corpus outbox: scan entry: %w", err)
		}
		e.Key.SourceKind = model.SourceKind(kind)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// partitionUpsertEntries splits outbox entries by whether the backing corpus
// entry is ready for indexing.
func partitionUpsertEntries(entries []outboxEntry, found []corpusEntryForIndex) ([]outboxEntry, []corpusEntryForIndex, []outboxEntry) {
	byKey := make(map[model.CorpusKey]corpusEntryForIndex, len(found))
	for _, c := range found {
		byKey[c.Key] = c
	}

	readyEntries := make([]outboxEntry, 0, len(entries))
	readyHits := make([]corpusEntryForIndex, 0, len(entries))
	pendingEntries := make([]outboxEntry, 0)
	for _, e := range entries {
		c, ok := byKey[e.Key]
		if !ok {
			pendingEntries = append(pendingEntries, e)
			continue
		}
		readyEntries = append(readyEntries, e)
		readyHits = append(readyHits, c)
	}
	return readyEntries, readyHits, pendingEntries
}
