package orchestrator

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/crispinlab/cc-proxy/internal/history"
)

// historyJob is one deferred history-row mutation. It is queued so the
// request path never blocks the response to a client on a disk write.
type historyJob func(ctx context.Context, store *history.Store) error

// historyWriter drains queued history mutations on a small fixed worker
// pool, per §5's "worker pool for the history store's disk writes". Queue
// depth is reported through onDepth after every enqueue and dequeue so the
// metrics registry can expose it as a gauge.
type historyWriter struct {
	store   *history.Store
	jobs    chan historyJob
	depth   atomic.Int64
	logger  *slog.Logger
	onDepth func(int)
}

func newHistoryWriter(store *history.Store, workers, buffer int, logger *slog.Logger, onDepth func(int)) *historyWriter {
	w := &historyWriter{
		store:   store,
		jobs:    make(chan historyJob, buffer),
		logger:  logger,
		onDepth: onDepth,
	}

	for i := 0; i < workers; i++ {
		go w.run()
	}

	return w
}

func (w *historyWriter) run() {
	for job := range w.jobs {
		w.depth.Add(-1)
		w.reportDepth()

		if err := job(context.Background(), w.store); err != nil {
			w.logger.Error("history write failed", "error", err)
		}
	}
}

func (w *historyWriter) reportDepth() {
	if w.onDepth != nil {
		w.onDepth(int(w.depth.Load()))
	}
}

// enqueue never blocks the caller on the write itself, only (briefly) on a
// full buffer — a back-pressure signal that the disk is falling behind.
func (w *historyWriter) enqueue(job historyJob) {
	w.depth.Add(1)
	w.reportDepth()
	w.jobs <- job
}

func (w *historyWriter) close() {
	close(w.jobs)
}
