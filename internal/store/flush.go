package store

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tickwatch/tickwatch/internal/metrics"
)

// Encoder produces the current snapshot bytes for a user id. Implemented
// by the session registry. An error means the session cannot be encoded
// (usually: no longer resident); the dirty mark is dropped and the next
// mutation re-marks it.
type Encoder interface {
	EncodeSnapshot(ctx context.Context, userID string) ([]byte, error)
}

// FlushConfig holds write-behind settings.
type FlushConfig struct {
	Interval     time.Duration // maximum snapshot staleness
	SaveTimeout  time.Duration // per-save deadline
	ErrorLogOnly bool          // suppress retries (tests)
}

// DefaultFlushConfig returns the standard write-behind settings.
func DefaultFlushConfig() FlushConfig {
	return FlushConfig{
		Interval:    5 * time.Second,
		SaveTimeout: 3 * time.Second,
	}
}

// FlushMetrics counts flush worker activity.
type FlushMetrics struct {
	Cycles       int64
	Writes       int64
	Bytes        int64
	EncodeErrors int64
	SaveErrors   int64
}

// FlushWorker coalesces dirty sessions and writes their snapshots in the
// background. Foreground mutations only ever set a map key.
type FlushWorker struct {
	cfg    FlushConfig
	store  SnapshotStore
	enc    Encoder
	prom   *metrics.Registry
	logger *slog.Logger

	dirtyMu sync.Mutex
	dirty   map[string]struct{}

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	metricsMu sync.Mutex
	metrics   FlushMetrics
}

// NewFlushWorker creates a write-behind worker over the given store. The
// prom registry may be nil.
func NewFlushWorker(cfg FlushConfig, st SnapshotStore, enc Encoder, prom *metrics.Registry, logger *slog.Logger) *FlushWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &FlushWorker{
		cfg:    cfg,
		store:  st,
		enc:    enc,
		prom:   prom,
		logger: logger.With("component", "flush_worker"),
		dirty:  make(map[string]struct{}),
	}
}

// MarkDirty schedules a snapshot write for the user. Never blocks.
func (w *FlushWorker) MarkDirty(userID string) {
	w.dirtyMu.Lock()
	w.dirty[userID] = struct{}{}
	w.dirtyMu.Unlock()
}

// Start begins the periodic flush loop.
func (w *FlushWorker) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)

	w.wg.Add(1)
	go w.flushLoop()

	w.logger.Info("flush worker started", "interval", w.cfg.Interval)
	return nil
}

// Stop drains the loop and performs a final flush.
func (w *FlushWorker) Stop(ctx context.Context) error {
	if w.cancel != nil {
		w.cancel()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		w.logger.Warn("flush worker stop timed out")
	}

	// Final flush with the caller's deadline
	if err := w.Flush(ctx); err != nil {
		return err
	}
	w.logger.Info("flush worker stopped")
	return nil
}

// Stats returns a copy of the current metrics.
func (w *FlushWorker) Stats() FlushMetrics {
	w.metricsMu.Lock()
	defer w.metricsMu.Unlock()
	return w.metrics
}

func (w *FlushWorker) flushLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			if err := w.Flush(context.Background()); err != nil {
				w.logger.Error("flush cycle failed", "error", err)
			}
		}
	}
}

// Flush runs one synchronous write cycle over the current dirty set.
// Save failures re-mark the user so the next cycle retries the latest
// snapshot; encode failures drop the mark.
func (w *FlushWorker) Flush(ctx context.Context) error {
	w.dirtyMu.Lock()
	if len(w.dirty) == 0 {
		w.dirtyMu.Unlock()
		return nil
	}
	// Take ownership of the current dirty set
	batch := w.dirty
	w.dirty = make(map[string]struct{})
	w.dirtyMu.Unlock()

	start := time.Now()
	var written, failed int

	for userID := range batch {
		data, err := w.enc.EncodeSnapshot(ctx, userID)
		if err != nil {
			w.logger.Warn("encode snapshot failed", "user_id", userID, "error", err)
			w.countEncodeError()
			continue
		}

		saveCtx := ctx
		var cancel context.CancelFunc
		if w.cfg.SaveTimeout > 0 {
			saveCtx, cancel = context.WithTimeout(ctx, w.cfg.SaveTimeout)
		}
		err = w.store.Save(saveCtx, userID, data)
		if cancel != nil {
			cancel()
		}

		if err != nil {
			w.logger.Error("save snapshot failed", "user_id", userID, "error", err)
			w.countSaveError()
			failed++
			if !w.cfg.ErrorLogOnly {
				w.MarkDirty(userID)
			}
			continue
		}

		w.countWrite(len(data))
		written++
	}

	w.metricsMu.Lock()
	w.metrics.Cycles++
	w.metricsMu.Unlock()

	if written > 0 || failed > 0 {
		w.logger.Debug("flushed snapshots",
			"written", written,
			"failed", failed,
			"duration", time.Since(start),
		)
	}
	return nil
}

func (w *FlushWorker) countWrite(n int) {
	w.metricsMu.Lock()
	w.metrics.Writes++
	w.metrics.Bytes += int64(n)
	w.metricsMu.Unlock()
	if w.prom != nil {
		w.prom.SnapshotsWritten.Inc()
	}
}

func (w *FlushWorker) countEncodeError() {
	w.metricsMu.Lock()
	w.metrics.EncodeErrors++
	w.metricsMu.Unlock()
}

func (w *FlushWorker) countSaveError() {
	w.metricsMu.Lock()
	w.metrics.SaveErrors++
	w.metricsMu.Unlock()
	if w.prom != nil {
		w.prom.SnapshotErrors.Inc()
	}
}
