package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Ruscigno/feedpulse/pkg/config"
	apperrors "github.com/Ruscigno/feedpulse/pkg/errors"
	"github.com/Ruscigno/feedpulse/pkg/metrics"
	"github.com/Ruscigno/feedpulse/pkg/pipeline"
	"github.com/Ruscigno/feedpulse/pkg/queue"
	"github.com/Ruscigno/feedpulse/pkg/repository"
	"github.com/Ruscigno/feedpulse/pkg/runlog"
	"github.com/Ruscigno/feedpulse/pkg/staleness"
	"github.com/Ruscigno/feedpulse/pkg/strategy"
	"github.com/Ruscigno/feedpulse/pkg/timeseries"
)

// SeedResult reports what SeedFeeds wrote
type SeedResult struct {
	Feeds     int `json:"feeds"`
	Pipelines int `json:"pipelines"`
}

// RunLogsResponse is a run with its log entries
type RunLogsResponse struct {
	Run     pipeline.Run   `json:"run"`
	Entries []runlog.Entry `json:"entries"`
}

// DueResponse answers whether a run's feed is outdated
type DueResponse struct {
	RunID  uuid.UUID  `json:"run_id"`
	FeedID uuid.UUID  `json:"feed_id"`
	Ticker string     `json:"ticker"`
	Latest *time.Time `json:"latest,omitempty"`
	Due    bool       `json:"due"`
}

// FeedView is a feed with its freshness and pipelines
type FeedView struct {
	Feed      timeseries.Feed     `json:"feed"`
	Latest    *time.Time          `json:"latest,omitempty"`
	UpToDate  bool                `json:"up_to_date"`
	Pipelines []pipeline.Pipeline `json:"pipelines"`
}

// Service defines the pipeline administration interface
type Service interface {
	// ListOutdatedFeeds returns feeds whose newest observation is older than
	// their timeframe allows, optionally only feeds with an active pipeline.
	ListOutdatedFeeds(ctx context.Context, activeOnly bool) ([]timeseries.Feed, error)
	// IsRunDue reports whether the feed behind a run still needs a refresh.
	IsRunDue(ctx context.Context, runID uuid.UUID) (DueResponse, error)
	FeedByTicker(ctx context.Context, ticker string) (FeedView, error)
	PipelinesForFeed(ctx context.Context, feedID uuid.UUID) ([]pipeline.Pipeline, error)
	// LatestRun returns nil when the pipeline never ran.
	LatestRun(ctx context.Context, pipelineID uuid.UUID) (*pipeline.Run, error)
	// CreateRun creates a PENDING run. It refuses while the pipeline's
	// latest run is still queued or executing.
	CreateRun(ctx context.Context, pipelineID uuid.UUID) (*pipeline.Run, error)
	EnqueueRun(ctx context.Context, runID uuid.UUID) error
	ResetRun(ctx context.Context, runID uuid.UUID) (*pipeline.Run, error)
	StopRun(ctx context.Context, runID uuid.UUID) (*pipeline.Run, error)
	PipelineStatus(ctx context.Context, pipelineID uuid.UUID) (pipeline.StatusView, error)
	// ListRuns returns a pipeline's runs, newest first.
	ListRuns(ctx context.Context, pipelineID uuid.UUID, limit int) ([]pipeline.Run, error)
	RunLogs(ctx context.Context, runID uuid.UUID) (RunLogsResponse, error)
	SeedFeeds(ctx context.Context, seeds []config.FeedSeed) (SeedResult, error)
}

// ChainResolver is satisfied by *strategy.Registry.
type ChainResolver interface {
	Resolve(chain string) (strategy.Strategy, error)
}

// service implements the Service interface
type service struct {
	repo    repository.Repository
	queue   queue.Enqueuer
	chains  ChainResolver
	logger  *zap.Logger
	metrics *metrics.ApplicationMetrics
	now     func() time.Time
}

// NewService creates a new pipeline administration service
func NewService(repo repository.Repository, q queue.Enqueuer, chains ChainResolver, logger *zap.Logger, m *metrics.ApplicationMetrics) Service {
	return &service{
		repo:    repo,
		queue:   q,
		chains:  chains,
		logger:  logger,
		metrics: m,
		now:     time.Now,
	}
}

func (s *service) ListOutdatedFeeds(ctx context.Context, activeOnly bool) ([]timeseries.Feed, error) {
	feeds, err := s.repo.ListFeeds(ctx)
	if err != nil {
		return nil, err
	}
	latest, err := s.repo.LatestObservations(ctx)
	if err != nil {
		return nil, err
	}

	var active map[uuid.UUID]bool
	if activeOnly {
		pipelines, err := s.repo.ListPipelines(ctx, true)
		if err != nil {
			return nil, err
		}
		active = make(map[uuid.UUID]bool, len(pipelines))
		for _, p := range pipelines {
			active[p.FeedID] = true
		}
	}

	now := s.now()
	outdated := make([]timeseries.Feed, 0)
	for _, f := range feeds {
		if activeOnly && !active[f.ID] {
			continue
		}
		var ts *time.Time
		if t, ok := latest[f.ID]; ok {
			ts = &t
		}
		if !staleness.IsUpToDate(ts, f.Timeframe, now) {
			outdated = append(outdated, f)
		}
	}

	s.metrics.SetOutdatedFeeds(len(outdated))
	s.logger.Debug("Outdated feeds listed",
		zap.Int("feeds", len(feeds)),
		zap.Int("outdated", len(outdated)),
		zap.Bool("active_only", activeOnly))
	return outdated, nil
}

func (s *service) IsRunDue(ctx context.Context, runID uuid.UUID) (DueResponse, error) {
	run, err := s.repo.GetRun(ctx, runID)
	if err != nil {
		return DueResponse{}, err
	}
	p, err := s.repo.GetPipeline(ctx, run.PipelineID)
	if err != nil {
		return DueResponse{}, err
	}
	f, err := s.repo.GetFeed(ctx, p.FeedID)
	if err != nil {
		return DueResponse{}, err
	}
	latest, err := s.repo.LatestObservations(ctx)
	if err != nil {
		return DueResponse{}, err
	}

	resp := DueResponse{RunID: run.ID, FeedID: f.ID, Ticker: f.Ticker}
	if t, ok := latest[f.ID]; ok {
		resp.Latest = &t
	}
	resp.Due = !staleness.IsUpToDate(resp.Latest, f.Timeframe, s.now())
	return resp, nil
}

func (s *service) FeedByTicker(ctx context.Context, ticker string) (FeedView, error) {
	f, err := s.repo.GetFeedByTicker(ctx, strings.TrimSpace(ticker))
	if err != nil {
		return FeedView{}, err
	}
	pipelines, err := s.repo.PipelinesForFeed(ctx, f.ID)
	if err != nil {
		return FeedView{}, err
	}
	latest, err := s.repo.LatestObservations(ctx)
	if err != nil {
		return FeedView{}, err
	}

	view := FeedView{Feed: *f, Pipelines: pipelines}
	if view.Pipelines == nil {
		view.Pipelines = []pipeline.Pipeline{}
	}
	if t, ok := latest[f.ID]; ok {
		view.Latest = &t
	}
	view.UpToDate = staleness.IsUpToDate(view.Latest, f.Timeframe, s.now())
	return view, nil
}

func (s *service) PipelinesForFeed(ctx context.Context, feedID uuid.UUID) ([]pipeline.Pipeline, error) {
	return s.repo.PipelinesForFeed(ctx, feedID)
}

func (s *service) LatestRun(ctx context.Context, pipelineID uuid.UUID) (*pipeline.Run, error) {
	return s.repo.LatestRun(ctx, pipelineID)
}

func (s *service) CreateRun(ctx context.Context, pipelineID uuid.UUID) (*pipeline.Run, error) {
	p, err := s.repo.GetPipeline(ctx, pipelineID)
	if err != nil {
		return nil, err
	}
	latest, err := s.repo.LatestRun(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	if latest != nil && latest.InFlight() {
		return nil, apperrors.Newf(apperrors.ErrCodeConflict,
			"pipeline %s already has run %s in %s", p.ID, latest.ID, latest.Status).
			WithMetadata("run_id", latest.ID.String())
	}

	run := pipeline.NewRun(p.ID, s.now())
	if err := s.repo.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	s.logger.Info("Run created",
		zap.String("pipeline_id", p.ID.String()),
		zap.String("run_id", run.ID.String()),
		zap.String("chain", p.Chain))
	return run, nil
}

func (s *service) EnqueueRun(ctx context.Context, runID uuid.UUID) error {
	run, err := s.repo.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if !run.CanRun() {
		return apperrors.Newf(apperrors.ErrCodeInvalidState,
			"run %s is %s/%s; reset it before enqueueing", run.ID, run.Status, run.Stage)
	}
	if err := s.queue.Enqueue(ctx, run.ID); err != nil {
		return err
	}
	s.logger.Info("Run enqueued", zap.String("run_id", run.ID.String()))
	return nil
}

// ResetRun returns a run to (PENDING, START) from any state so that it can
// be enqueued again.
func (s *service) ResetRun(ctx context.Context, runID uuid.UUID) (*pipeline.Run, error) {
	run, err := s.repo.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	previous := run.Status
	run.Reset(s.now())
	if err := s.repo.UpdateRun(ctx, run); err != nil {
		return nil, err
	}
	if previous == pipeline.StatusWorking {
		s.logger.Warn("Reset a run that was still working", zap.String("run_id", run.ID.String()))
	}
	s.appendLog(ctx, run.ID, runlog.LevelInfo, fmt.Sprintf("Run reset from %s", previous))
	return run, nil
}

// StopRun asks a working run to stop before its next stage. Only the status
// is written, so progress recorded by the worker in the meantime is kept.
func (s *service) StopRun(ctx context.Context, runID uuid.UUID) (*pipeline.Run, error) {
	run, err := s.repo.RequestStop(ctx, runID, s.now())
	if err != nil {
		return nil, err
	}
	s.appendLog(ctx, run.ID, runlog.LevelWarn, "Stop requested")
	return run, nil
}

func (s *service) PipelineStatus(ctx context.Context, pipelineID uuid.UUID) (pipeline.StatusView, error) {
	if _, err := s.repo.GetPipeline(ctx, pipelineID); err != nil {
		return pipeline.StatusView{}, err
	}
	latest, err := s.repo.LatestRun(ctx, pipelineID)
	if err != nil {
		return pipeline.StatusView{}, err
	}
	return pipeline.ViewOf(pipelineID, latest), nil
}

func (s *service) ListRuns(ctx context.Context, pipelineID uuid.UUID, limit int) ([]pipeline.Run, error) {
	if _, err := s.repo.GetPipeline(ctx, pipelineID); err != nil {
		return nil, err
	}
	runs, err := s.repo.ListRuns(ctx, pipelineID, limit)
	if err != nil {
		return nil, err
	}
	if runs == nil {
		runs = []pipeline.Run{}
	}
	return runs, nil
}

func (s *service) RunLogs(ctx context.Context, runID uuid.UUID) (RunLogsResponse, error) {
	run, err := s.repo.GetRun(ctx, runID)
	if err != nil {
		return RunLogsResponse{}, err
	}
	entries, err := s.repo.ListLogs(ctx, runID)
	if err != nil {
		return RunLogsResponse{}, err
	}
	if entries == nil {
		entries = []runlog.Entry{}
	}
	return RunLogsResponse{Run: *run, Entries: entries}, nil
}

// SeedFeeds upserts the declared feeds and their pipelines. Every chain must
// be registered; nothing is written otherwise.
func (s *service) SeedFeeds(ctx context.Context, seeds []config.FeedSeed) (SeedResult, error) {
	feeds := make([]timeseries.Feed, len(seeds))
	for i, seed := range seeds {
		tf, err := timeseries.ParseTimeframe(seed.Timeframe)
		if err != nil {
			return SeedResult{}, err
		}
		kind, err := timeseries.ParseKind(seed.Kind)
		if err != nil {
			return SeedResult{}, err
		}
		if _, err := s.chains.Resolve(seed.Chain); err != nil {
			return SeedResult{}, err
		}
		feeds[i] = timeseries.Feed{
			Ticker:      seed.Ticker,
			Timeframe:   tf,
			Source:      seed.Source,
			Kind:        kind,
			Description: seed.Description,
		}
		if err := feeds[i].Validate(); err != nil {
			return SeedResult{}, err
		}
	}

	var res SeedResult
	for i, seed := range seeds {
		f := feeds[i]
		if err := s.repo.UpsertFeed(ctx, &f); err != nil {
			return res, err
		}
		res.Feeds++
		p := &pipeline.Pipeline{FeedID: f.ID, Chain: seed.Chain, Active: seed.IsActive()}
		if err := s.repo.UpsertPipeline(ctx, p); err != nil {
			return res, err
		}
		res.Pipelines++
	}

	s.logger.Info("Feeds seeded", zap.Int("feeds", res.Feeds), zap.Int("pipelines", res.Pipelines))
	return res, nil
}

func (s *service) appendLog(ctx context.Context, runID uuid.UUID, level runlog.Level, msg string) {
	entry := runlog.Entry{ID: uuid.New(), RunID: runID, Level: level, Message: msg, CreatedAt: s.now()}
	if err := s.repo.AppendLog(ctx, entry); err != nil {
		s.logger.Warn("Failed to append run log entry", zap.Error(err))
	}
}
