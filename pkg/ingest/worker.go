package ingest

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"github.com/stackwatch/stackwatch/pkg/log"
	"github.com/stackwatch/stackwatch/pkg/storage"
)

const defaultQueueSize = 256

// Worker drains a queue of archived webhook event ids through the engine.
// Intake stays fast: the HTTP handler archives and enqueues, the worker
// does the transactional heavy lifting off the request path.
type Worker struct {
	engine      *Engine
	store       *storage.Store
	concurrency int
	queue       chan int64
	logger      zerolog.Logger

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewWorker creates a worker pool over the ingestion engine. Concurrency
// values below 1 fall back to 1.
func NewWorker(engine *Engine, store *storage.Store, concurrency int) *Worker {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Worker{
		engine:      engine,
		store:       store,
		concurrency: concurrency,
		queue:       make(chan int64, defaultQueueSize),
		logger:      log.WithComponent("ingest-worker"),
	}
}

// Start launches the worker goroutines. Calling Start twice is a no-op.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return
	}
	w.started = true

	ctx, w.cancel = context.WithCancel(ctx)
	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.run(ctx)
	}
	w.logger.Info().Int("concurrency", w.concurrency).Msg("ingestion workers started")
}

// Stop cancels the workers and waits for in-flight payloads to finish
// their database transaction.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return
	}
	w.started = false
	cancel := w.cancel
	w.mu.Unlock()

	cancel()
	w.wg.Wait()
	w.logger.Info().Msg("ingestion workers stopped")
}

// Enqueue hands a raw event id to the worker pool without blocking. When
// the queue is full the row simply stays pending and is picked up by a
// later replay; the webhook has already been acknowledged.
func (w *Worker) Enqueue(rawID int64) bool {
	select {
	case w.queue <- rawID:
		return true
	default:
		w.logger.Warn().Int64("raw_id", rawID).Msg("ingestion queue full, leaving raw event pending")
		return false
	}
}

// Replay re-queues a previously failed or stuck raw event. The row is
// flipped back to pending first so a crash between the flip and the
// enqueue still leaves it replayable.
func (w *Worker) Replay(ctx context.Context, rawID int64) error {
	ok, err := w.store.MarkRawPending(ctx, rawID)
	if err != nil {
		return err
	}
	if !ok {
		return storage.ErrNotFound
	}
	w.Enqueue(rawID)
	return nil
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case rawID := <-w.queue:
			if err := w.engine.ProcessRaw(ctx, rawID); err != nil {
				w.logger.Error().Err(err).Int64("raw_id", rawID).Msg("ingestion failed")
			}
		}
	}
}
