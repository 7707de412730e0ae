package storage

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/steveyegge/thermal/internal/config"
	"github.com/steveyegge/thermal/internal/events"
	"github.com/steveyegge/thermal/internal/storage/sqlite"
	"github.com/steveyegge/thermal/internal/types"
)

const (
	defaultWriterBuffer = 256
	pruneBatchSize      = 500
	writeTimeout        = 5 * time.Second
)

type record struct {
	snap  *types.Snapshot
	alert *events.Alert
}

// Writer persists snapshots and alerts off the scheduler goroutine.
// It satisfies events.Sink and the engine's snapshot publisher. When the
// buffer is full, records are dropped and counted rather than blocking a tick.
type Writer struct {
	store     Store
	retention config.RetentionConfig
	logger    *slog.Logger
	now       func() time.Time

	ch      chan record
	dropped atomic.Int64
	written atomic.Int64

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopped bool
}

// NewWriter creates a writer. Call Start before publishing.
func NewWriter(store Store, retention config.RetentionConfig, logger *slog.Logger, buffer int) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	if buffer <= 0 {
		buffer = defaultWriterBuffer
	}
	return &Writer{
		store:     store,
		retention: retention,
		logger:    logger,
		now:       time.Now,
		ch:        make(chan record, buffer),
	}
}

// Publish queues a snapshot for storage
func (w *Writer) Publish(s types.Snapshot) {
	w.enqueue(record{snap: &s})
}

// Emit queues an alert for storage
func (w *Writer) Emit(a events.Alert) {
	w.enqueue(record{alert: &a})
}

func (w *Writer) enqueue(r record) {
	select {
	case w.ch <- r:
	default:
		if w.dropped.Add(1)%100 == 1 {
			w.logger.Warn("history writer behind, dropping records", "dropped", w.dropped.Load())
		}
	}
}

// Dropped returns how many records were discarded
func (w *Writer) Dropped() int64 { return w.dropped.Load() }

// Written returns how many records were stored
func (w *Writer) Written() int64 { return w.written.Load() }

// Start launches the write loop and, when enabled, the retention loop
func (w *Writer) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	w.wg.Add(1)
	go w.writeLoop(ctx)

	if w.retention.CleanupEnabled {
		w.wg.Add(1)
		go w.cleanupLoop(ctx)
	}
}

// Stop halts the loops after draining queued records
func (w *Writer) Stop() {
	w.mu.Lock()
	if w.stopped || w.cancel == nil {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	cancel := w.cancel
	w.mu.Unlock()

	cancel()
	w.wg.Wait()
}

func (w *Writer) writeLoop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case r := <-w.ch:
			w.write(r)
		case <-ctx.Done():
			w.drain()
			return
		}
	}
}

func (w *Writer) drain() {
	for {
		select {
		case r := <-w.ch:
			w.write(r)
		default:
			return
		}
	}
}

func (w *Writer) write(r record) {
	// detached from the loop context so the final drain still lands
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	var err error
	switch {
	case r.snap != nil:
		err = w.store.RecordSnapshot(ctx, r.snap)
	case r.alert != nil:
		err = w.store.RecordAlert(ctx, r.alert)
	}
	if err != nil {
		w.logger.Warn("failed to persist record", "error", err)
		return
	}
	w.written.Add(1)
}

func (w *Writer) cleanupLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.retention.CleanupInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := w.Prune(ctx); err != nil && ctx.Err() == nil {
				w.logger.Warn("history cleanup failed", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Prune applies the retention policy once
func (w *Writer) Prune(ctx context.Context) (sqlite.PruneCounts, error) {
	now := w.now()
	counts, err := w.store.PruneBefore(ctx,
		now.Add(-w.retention.SnapshotRetention()),
		now.Add(-w.retention.AlertRetention()),
		now.Add(-w.retention.CriticalAlertRetention()),
		pruneBatchSize,
	)
	if err != nil {
		return counts, err
	}
	if counts.Total() > 0 {
		w.logger.Info("pruned history",
			"snapshots", counts.Snapshots,
			"alerts", counts.Alerts,
			"critical_alerts", counts.CriticalAlerts)
	}
	return counts, nil
}
