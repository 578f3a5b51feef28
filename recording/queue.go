package recording

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"esp32-cam-relay/events"
)

var (
	ErrQueueFull   = errors.New("conversion queue full")
	ErrQueueClosed = errors.New("conversion queue closed")
)

// Queue runs conversions on a fixed pool of workers
type Queue struct {
	conv    Converter
	emitter events.Emitter
	workers int
	logger  *zap.Logger

	jobs   chan string
	mu     sync.RWMutex
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	enqueued  atomic.Uint64
	converted atomic.Uint64
	skipped   atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
}

// NewQueue creates a queue holding at most size pending jobs
func NewQueue(conv Converter, emitter events.Emitter, workers, size int, logger *zap.Logger) *Queue {
	if workers <= 0 {
		workers = 1
	}
	if size <= 0 {
		size = 1
	}
	if emitter == nil {
		emitter = events.NopEmitter{}
	}

	return &Queue{
		conv:    conv,
		emitter: emitter,
		workers: workers,
		logger:  logger.With(zap.String("component", "convert-queue")),
		jobs:    make(chan string, size),
	}
}

// Start launches the workers. They run until Stop or ctx is cancelled;
// cancellation abandons pending jobs and counts them as dropped.
func (q *Queue) Start(ctx context.Context) {
	q.ctx, q.cancel = context.WithCancel(ctx)

	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(i)
	}

	q.logger.Info("Conversion queue started",
		zap.Int("workers", q.workers),
		zap.Int("capacity", cap(q.jobs)))
}

// Enqueue schedules path for conversion without blocking
func (q *Queue) Enqueue(path string) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return ErrQueueClosed
	}

	select {
	case q.jobs <- path:
		q.enqueued.Add(1)
		return nil
	default:
		q.dropped.Add(1)
		q.logger.Warn("Conversion queue full, dropping job", zap.String("path", path))
		return ErrQueueFull
	}
}

func (q *Queue) worker(id int) {
	defer q.wg.Done()

	logger := q.logger.With(zap.Int("worker", id))

	for {
		select {
		case <-q.ctx.Done():
			q.abandon(logger)
			return
		case path, ok := <-q.jobs:
			if !ok {
				return
			}
			if q.ctx.Err() != nil {
				q.drop(logger, path)
				continue
			}
			q.process(logger, path)
		}
	}
}

// abandon drops whatever is still buffered
func (q *Queue) abandon(logger *zap.Logger) {
	for {
		select {
		case path, ok := <-q.jobs:
			if !ok {
				return
			}
			q.drop(logger, path)
		default:
			return
		}
	}
}

func (q *Queue) drop(logger *zap.Logger, path string) {
	q.dropped.Add(1)
	logger.Warn("Conversion cancelled, dropping job", zap.String("path", path))
}

func (q *Queue) process(logger *zap.Logger, path string) {
	out, err := q.conv.Convert(q.ctx, path)
	switch {
	case q.ctx.Err() != nil && errors.Is(err, context.Canceled):
		q.drop(logger, path)
		return
	case errors.Is(err, ErrSkipped):
		q.skipped.Add(1)
		return
	case err != nil:
		q.failed.Add(1)
		logger.Error("Conversion failed", zap.String("path", path), zap.Error(err))
		return
	}

	q.converted.Add(1)

	ev := events.New(events.RecordingConverted, map[string]string{
		"source": filepath.Base(path),
		"output": filepath.Base(out),
	})
	if err := q.emitter.Emit(context.WithoutCancel(q.ctx), ev); err != nil {
		logger.Debug("Failed to emit conversion event", zap.Error(err))
	}
}

// Stop rejects new jobs, drains pending ones and waits for the workers
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.jobs)
	q.mu.Unlock()

	q.wg.Wait()
	if q.cancel != nil {
		q.cancel()
	}

	q.logger.Info("Conversion queue stopped")
}

// Pending returns the number of queued jobs
func (q *Queue) Pending() int {
	return len(q.jobs)
}

// GetStats returns queue statistics
func (q *Queue) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"workers":   q.workers,
		"pending":   len(q.jobs),
		"capacity":  cap(q.jobs),
		"enqueued":  q.enqueued.Load(),
		"converted": q.converted.Load(),
		"skipped":   q.skipped.Load(),
		"failed":    q.failed.Load(),
		"dropped":   q.dropped.Load(),
	}
}
