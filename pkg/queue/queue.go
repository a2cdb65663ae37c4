// Package queue hands run ids to a bounded pool of workers.
package queue

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/Ruscigno/feedpulse/pkg/errors"
	"github.com/Ruscigno/feedpulse/pkg/orchestrator"
)

// Runner executes one run. *orchestrator.Orchestrator satisfies it.
type Runner interface {
	Run(ctx context.Context, runID uuid.UUID) (orchestrator.RunResult, error)
}

// Enqueuer accepts run ids for asynchronous execution.
type Enqueuer interface {
	Enqueue(ctx context.Context, runID uuid.UUID) error
}

var ErrQueueFull = apperrors.NewAppError(apperrors.ErrCodeConflict, "run queue is full")

// WorkQueue is an in-process queue. A run id that is already queued or
// executing is not accepted twice, so each run executes at most once at a
// time.
type WorkQueue struct {
	jobs    chan uuid.UUID
	workers []*Worker
	logger  *zap.Logger

	mu       sync.Mutex
	inflight map[uuid.UUID]struct{}
	stopped  bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWorkQueue creates a queue holding up to size pending runs and starts
// numWorkers workers that pass them to runner.
func NewWorkQueue(numWorkers, size int, runner Runner, logger *zap.Logger) *WorkQueue {
	if numWorkers <= 0 {
		numWorkers = 1
	}
	if size <= 0 {
		size = 100
	}
	ctx, cancel := context.WithCancel(context.Background())
	wq := &WorkQueue{
		jobs:     make(chan uuid.UUID, size),
		workers:  make([]*Worker, numWorkers),
		logger:   logger,
		inflight: make(map[uuid.UUID]struct{}),
		cancel:   cancel,
	}
	for i := 0; i < numWorkers; i++ {
		wq.workers[i] = NewWorker(i, wq.jobs, runner, wq.done, logger)
		wq.wg.Add(1)
		go func(w *Worker) {
			defer wq.wg.Done()
			w.Start(ctx)
		}(wq.workers[i])
	}
	return wq
}

func (wq *WorkQueue) Enqueue(ctx context.Context, runID uuid.UUID) error {
	wq.mu.Lock()
	defer wq.mu.Unlock()

	if wq.stopped {
		return apperrors.NewAppError(apperrors.ErrCodeConflict, "run queue is stopped")
	}
	if _, ok := wq.inflight[runID]; ok {
		wq.logger.Debug("Run already queued", zap.String("run_id", runID.String()))
		return nil
	}

	select {
	case wq.jobs <- runID:
		wq.inflight[runID] = struct{}{}
		wq.logger.Debug("Run enqueued", zap.String("run_id", runID.String()))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fmt.Errorf("failed to enqueue run %s: %w", runID, ErrQueueFull)
	}
}

// Pending reports whether runID is queued or executing.
func (wq *WorkQueue) Pending(runID uuid.UUID) bool {
	wq.mu.Lock()
	defer wq.mu.Unlock()
	_, ok := wq.inflight[runID]
	return ok
}

func (wq *WorkQueue) done(runID uuid.UUID) {
	wq.mu.Lock()
	delete(wq.inflight, runID)
	wq.mu.Unlock()
}

// Stop stops accepting runs, lets workers drain what is already queued and
// waits for them. Cancelling ctx aborts runs still executing.
func (wq *WorkQueue) Stop(ctx context.Context) error {
	wq.mu.Lock()
	if !wq.stopped {
		wq.stopped = true
		close(wq.jobs)
	}
	wq.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		wq.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		wq.cancel()
		return nil
	case <-ctx.Done():
		wq.cancel()
		<-finished
		return ctx.Err()
	}
}
