package writer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/rickgao/site-monitor/internal/connstate"
	"github.com/rickgao/site-monitor/internal/eventbus"
	"github.com/rickgao/site-monitor/internal/tracker"
)

// BatchSender sends a pgx batch. *pgxpool.Pool implements it.
type BatchSender interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// SummaryFunc returns the current tracker summary.
type SummaryFunc func() tracker.Summary

// HistoryWriter consumes connection events from the bus and writes them to
// the history tables.
type HistoryWriter struct {
	cfg     WriterConfig
	logger  *slog.Logger
	bus     *eventbus.Bus
	summary SummaryFunc

	// Input from bus handlers. Handlers never block.
	input chan historyRow

	// Database
	db BatchSender

	// Batching
	batch          []historyRow
	batchMu        sync.Mutex
	flushTicker    *time.Ticker
	snapshotTicker *time.Ticker

	// Lifecycle
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	unsubscribe []func()

	// Metrics
	metrics WriterMetrics
}

// NewHistoryWriter creates a new HistoryWriter. summary may be nil to skip
// snapshots.
func NewHistoryWriter(
	cfg WriterConfig,
	bus *eventbus.Bus,
	db BatchSender,
	summary SummaryFunc,
	logger *slog.Logger,
) *HistoryWriter {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultWriterConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaults.FlushInterval
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaults.BufferSize
	}
	return &HistoryWriter{
		cfg:     cfg,
		bus:     bus,
		db:      db,
		summary: summary,
		logger:  logger.With("component", "history_writer"),
		input:   make(chan historyRow, cfg.BufferSize),
		batch:   make([]historyRow, 0, cfg.BatchSize),
	}
}

// Start subscribes to the bus and begins writing to the database.
func (w *HistoryWriter) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.flushTicker = time.NewTicker(w.cfg.FlushInterval)

	w.unsubscribe = append(w.unsubscribe,
		eventbus.Subscribe(w.bus, eventbus.StateChanged, w.onStateChange),
		eventbus.Subscribe(w.bus, eventbus.ReconnectFailed, w.onReconnectFailed),
	)

	// Consumer goroutine
	w.wg.Add(1)
	go w.consumeLoop()

	// Flush ticker goroutine
	w.wg.Add(1)
	go w.flushLoop()

	if w.summary != nil && w.cfg.SnapshotInterval > 0 {
		w.snapshotTicker = time.NewTicker(w.cfg.SnapshotInterval)
		w.wg.Add(1)
		go w.snapshotLoop()
	}

	w.logger.Info("history writer started",
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.cfg.FlushInterval,
		"snapshot_interval", w.cfg.SnapshotInterval,
	)
	return nil
}

// Stop unsubscribes, drains pending events and flushes them within ctx.
func (w *HistoryWriter) Stop(ctx context.Context) error {
	w.logger.Info("stopping history writer")

	for _, unsub := range w.unsubscribe {
		unsub()
	}
	w.unsubscribe = nil

	if w.cancel != nil {
		w.cancel()
	}

	if w.flushTicker != nil {
		w.flushTicker.Stop()
	}
	if w.snapshotTicker != nil {
		w.snapshotTicker.Stop()
	}

	// Wait for goroutines
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("history writer stopped")
	case <-ctx.Done():
		w.logger.Warn("history writer stop timed out")
	}

	w.drain()

	// Final flush
	w.flush(ctx)

	return nil
}

// Stats returns current metrics.
func (w *HistoryWriter) Stats() WriterMetrics {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	return w.metrics
}

func (w *HistoryWriter) onStateChange(evt eventbus.StateChange) {
	w.enqueue(transformTransition(evt))
}

func (w *HistoryWriter) onReconnectFailed(evt eventbus.ReconnectFailure) {
	row := failureRow{
		ID:         uuid.New(),
		SiteID:     evt.SiteID,
		Attempts:   evt.Attempts,
		OccurredAt: time.Now(),
	}
	if evt.Err != nil {
		msg := evt.Err.Error()
		row.Error = &msg
	}
	w.enqueue(row)
}

func (w *HistoryWriter) enqueue(row historyRow) {
	select {
	case w.input <- row:
	default:
		w.batchMu.Lock()
		w.metrics.Dropped++
		w.batchMu.Unlock()
	}
}

// consumeLoop reads from the input channel and accumulates batches.
func (w *HistoryWriter) consumeLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		case row := <-w.input:
			w.handleRow(row)
		}
	}
}

// flushLoop periodically flushes the batch.
func (w *HistoryWriter) flushLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.flushTicker.C:
			w.flush(w.ctx)
		}
	}
}

// snapshotLoop periodically records the tracker summary.
func (w *HistoryWriter) snapshotLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.snapshotTicker.C:
			w.snapshot()
		}
	}
}

func (w *HistoryWriter) snapshot() {
	s := w.summary()
	w.handleRow(snapshotRow{
		ID:             uuid.New(),
		InstanceID:     w.cfg.InstanceID,
		TotalSites:     s.Total,
		ConnectedSites: s.Connected,
		AverageScore:   s.AverageScore,
		Quality:        s.Quality,
		TakenAt:        time.Now(),
	})

	w.batchMu.Lock()
	w.metrics.Snapshots++
	w.batchMu.Unlock()
}

// drain moves everything left in the input channel into the batch.
func (w *HistoryWriter) drain() {
	for {
		select {
		case row := <-w.input:
			w.batchMu.Lock()
			w.batch = append(w.batch, row)
			w.batchMu.Unlock()
		default:
			return
		}
	}
}

// handleRow adds a row to the batch, flushing when full.
func (w *HistoryWriter) handleRow(row historyRow) {
	w.batchMu.Lock()
	w.batch = append(w.batch, row)
	shouldFlush := len(w.batch) >= w.cfg.BatchSize
	w.batchMu.Unlock()

	if shouldFlush {
		w.flush(w.ctx)
	}
}

// transformTransition converts a state change into a row. Latency and close
// code are taken from the transition metadata when present.
func transformTransition(evt eventbus.StateChange) transitionRow {
	row := transitionRow{
		ID:         uuid.New(),
		SiteID:     evt.SiteID,
		From:       string(evt.From),
		To:         string(evt.To),
		OccurredAt: evt.At,
	}
	if row.OccurredAt.IsZero() {
		row.OccurredAt = time.Now()
	}
	if reason, ok := evt.Metadata[connstate.MetaReason].(string); ok && reason != "" {
		row.Reason = &reason
	}
	if latency, ok := evt.Metadata[connstate.MetaLatency].(time.Duration); ok {
		ms := latency.Milliseconds()
		row.LatencyMs = &ms
	}
	if code, ok := evt.Metadata[connstate.MetaCloseCode].(int); ok {
		row.CloseCode = &code
	}
	return row
}

// flush writes the current batch to the database.
func (w *HistoryWriter) flush(ctx context.Context) {
	w.batchMu.Lock()
	if len(w.batch) == 0 {
		w.batchMu.Unlock()
		return
	}

	// Take ownership of current batch
	batch := w.batch
	w.batch = make([]historyRow, 0, w.cfg.BatchSize)
	w.batchMu.Unlock()

	if w.db == nil {
		return
	}

	start := time.Now()

	if err := w.batchInsert(ctx, batch); err != nil {
		w.logger.Error("batch insert failed", "error", err, "count", len(batch))
		w.batchMu.Lock()
		w.metrics.Errors++
		w.batchMu.Unlock()
		return
	}

	w.batchMu.Lock()
	w.metrics.Inserts += int64(len(batch))
	w.metrics.Flushes++
	w.batchMu.Unlock()

	w.logger.Debug("flushed history",
		"count", len(batch),
		"duration", time.Since(start),
	)
}

// batchInsert inserts rows using a single pgx.Batch.
func (w *HistoryWriter) batchInsert(ctx context.Context, rows []historyRow) error {
	batch := &pgx.Batch{}
	for _, r := range rows {
		r.queue(batch)
	}

	results := w.db.SendBatch(ctx, batch)
	defer results.Close()

	for range rows {
		if _, err := results.Exec(); err != nil {
			return err
		}
	}

	return nil
}
