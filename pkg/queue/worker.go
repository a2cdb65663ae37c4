package queue

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Worker executes runs taken from a WorkQueue one at a time.
type Worker struct {
	id     int
	jobs   <-chan uuid.UUID
	runner Runner
	done   func(uuid.UUID)
	logger *zap.Logger
}

// NewWorker creates a worker reading jobs. done is called after every run,
// whatever its outcome.
func NewWorker(id int, jobs <-chan uuid.UUID, runner Runner, done func(uuid.UUID), logger *zap.Logger) *Worker {
	return &Worker{id: id, jobs: jobs, runner: runner, done: done, logger: logger}
}

// Start processes runs until the job channel is closed.
func (w *Worker) Start(ctx context.Context) {
	for runID := range w.jobs {
		w.process(ctx, runID)
	}
}

func (w *Worker) process(ctx context.Context, runID uuid.UUID) {
	defer w.done(runID)

	res, err := w.runner.Run(ctx, runID)
	if err != nil {
		w.logger.Error("Worker failed to process run",
			zap.Int("worker", w.id),
			zap.String("run_id", runID.String()),
			zap.Error(err))
		return
	}
	w.logger.Info("Worker processed run",
		zap.Int("worker", w.id),
		zap.String("run_id", runID.String()),
		zap.String("status", string(res.Status)),
		zap.Bool("skipped", res.Skipped))
}
