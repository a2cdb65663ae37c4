// Package scheduler periodically creates and enqueues runs for outdated
// feeds.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	apperrors "github.com/Ruscigno/feedpulse/pkg/errors"
	"github.com/Ruscigno/feedpulse/pkg/pipeline"
	"github.com/Ruscigno/feedpulse/pkg/timeseries"
)

// Planner is the slice of service.Service the scheduler drives.
type Planner interface {
	ListOutdatedFeeds(ctx context.Context, activeOnly bool) ([]timeseries.Feed, error)
	PipelinesForFeed(ctx context.Context, feedID uuid.UUID) ([]pipeline.Pipeline, error)
	LatestRun(ctx context.Context, pipelineID uuid.UUID) (*pipeline.Run, error)
	CreateRun(ctx context.Context, pipelineID uuid.UUID) (*pipeline.Run, error)
	EnqueueRun(ctx context.Context, runID uuid.UUID) error
}

type Config struct {
	// Spec is a robfig/cron schedule, e.g. "@every 15m" or "*/5 * * * *".
	Spec    string
	LockTTL time.Duration
	// RequeueAfter is how old a never-started run must be before a tick
	// hands it to the queue again. Zero disables requeueing.
	RequeueAfter time.Duration
}

type Scheduler struct {
	planner Planner
	locker  Locker
	cfg     Config
	logger  *zap.Logger
	now     func() time.Time

	mu   sync.Mutex
	cron *cron.Cron
	ctx  context.Context
	stop context.CancelFunc
}

// New creates a Scheduler. An empty Spec ticks every 15 minutes and a nil
// locker falls back to a MemoryLocker.
func New(planner Planner, locker Locker, cfg Config, logger *zap.Logger) *Scheduler {
	if cfg.Spec == "" {
		cfg.Spec = "@every 15m"
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Minute
	}
	if locker == nil {
		locker = NewMemoryLocker()
	}
	return &Scheduler{planner: planner, locker: locker, cfg: cfg, logger: logger, now: time.Now}
}

// Start registers Tick on the cron schedule and starts the cron runner.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return apperrors.NewAppError(apperrors.ErrCodeConflict, "scheduler already started")
	}

	l := cronLogger{s.logger.Sugar()}
	c := cron.New(
		cron.WithLogger(l),
		cron.WithChain(cron.Recover(l), cron.SkipIfStillRunning(l)),
	)
	s.ctx, s.stop = context.WithCancel(ctx)
	_, err := c.AddFunc(s.cfg.Spec, func() {
		if _, err := s.Tick(s.ctx); err != nil {
			s.logger.Error("Scheduler tick failed", zap.Error(err))
		}
	})
	if err != nil {
		s.stop()
		return apperrors.WrapError(err, apperrors.ErrCodeConfiguration, "invalid schedule "+s.cfg.Spec)
	}
	c.Start()
	s.cron = c
	s.logger.Info("Scheduler started", zap.String("schedule", s.cfg.Spec))
	return nil
}

// Stop cancels an executing tick and waits for it to return or for ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return nil
	}

	s.stop()
	select {
	case <-c.Stop().Done():
		s.logger.Info("Scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Tick plans one round and returns the number of runs handed to the queue.
// Failures for one feed are logged and do not stop the others.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	feeds, err := s.planner.ListOutdatedFeeds(ctx, true)
	if err != nil {
		return 0, err
	}

	enqueued := 0
	for _, f := range feeds {
		if ctx.Err() != nil {
			return enqueued, ctx.Err()
		}
		n, err := s.scheduleFeed(ctx, f)
		if err != nil {
			s.logger.Error("Failed to schedule feed",
				zap.String("ticker", f.Ticker),
				zap.String("feed_id", f.ID.String()),
				zap.Error(err))
		}
		enqueued += n
	}

	s.logger.Info("Scheduler tick completed",
		zap.Int("outdated_feeds", len(feeds)),
		zap.Int("enqueued", enqueued))
	return enqueued, nil
}

func (s *Scheduler) scheduleFeed(ctx context.Context, f timeseries.Feed) (int, error) {
	key := "feed:" + f.ID.String()
	ok, err := s.locker.Acquire(ctx, key, s.cfg.LockTTL)
	if err != nil {
		return 0, err
	}
	if !ok {
		s.logger.Debug("Feed is locked by another scheduler", zap.String("ticker", f.Ticker))
		return 0, nil
	}
	defer func() {
		if err := s.locker.Release(context.WithoutCancel(ctx), key); err != nil {
			s.logger.Warn("Failed to release feed lock", zap.String("ticker", f.Ticker), zap.Error(err))
		}
	}()

	pipelines, err := s.planner.PipelinesForFeed(ctx, f.ID)
	if err != nil {
		return 0, err
	}

	enqueued := 0
	for _, p := range pipelines {
		if !p.Active {
			continue
		}
		runID, err := s.nextRun(ctx, p)
		if err != nil {
			return enqueued, err
		}
		if runID == uuid.Nil {
			continue
		}
		if err := s.planner.EnqueueRun(ctx, runID); err != nil {
			return enqueued, err
		}
		enqueued++
	}
	return enqueued, nil
}

// nextRun picks the run to enqueue for p, or uuid.Nil when the latest run is
// still in flight.
func (s *Scheduler) nextRun(ctx context.Context, p pipeline.Pipeline) (uuid.UUID, error) {
	latest, err := s.planner.LatestRun(ctx, p.ID)
	if err != nil {
		return uuid.Nil, err
	}

	switch {
	case latest == nil || latest.Terminal():
	case latest.CanRun() && s.cfg.RequeueAfter > 0 && s.now().Sub(latest.CreatedAt) >= s.cfg.RequeueAfter:
		s.logger.Warn("Requeueing run that never started",
			zap.String("pipeline_id", p.ID.String()),
			zap.String("run_id", latest.ID.String()))
		return latest.ID, nil
	default:
		s.logger.Debug("Pipeline has a run in flight",
			zap.String("pipeline_id", p.ID.String()),
			zap.String("run_id", latest.ID.String()),
			zap.String("status", string(latest.Status)))
		return uuid.Nil, nil
	}

	run, err := s.planner.CreateRun(ctx, p.ID)
	if apperrors.HasCode(err, apperrors.ErrCodeConflict) {
		return uuid.Nil, nil
	}
	if err != nil {
		return uuid.Nil, err
	}
	return run.ID, nil
}

// cronLogger routes robfig/cron's logging through zap.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
