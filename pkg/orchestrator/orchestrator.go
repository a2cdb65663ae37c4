// Package orchestrator drives a single pipeline run through its stages.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/Ruscigno/feedpulse/pkg/errors"
	"github.com/Ruscigno/feedpulse/pkg/feed"
	"github.com/Ruscigno/feedpulse/pkg/importer"
	"github.com/Ruscigno/feedpulse/pkg/metrics"
	"github.com/Ruscigno/feedpulse/pkg/pipeline"
	"github.com/Ruscigno/feedpulse/pkg/runlog"
	"github.com/Ruscigno/feedpulse/pkg/strategy"
	"github.com/Ruscigno/feedpulse/pkg/timeseries"
)

// Store is the persistence the orchestrator needs.
type Store interface {
	GetRun(ctx context.Context, id uuid.UUID) (*pipeline.Run, error)
	UpdateRun(ctx context.Context, run *pipeline.Run) error
	UpdateRunFrom(ctx context.Context, run *pipeline.Run, from pipeline.Status) error
	GetPipeline(ctx context.Context, id uuid.UUID) (*pipeline.Pipeline, error)
	GetFeed(ctx context.Context, id uuid.UUID) (*timeseries.Feed, error)
	runlog.Appender
}

// Resolver is satisfied by *strategy.Registry.
type Resolver interface {
	Resolve(chain string) (strategy.Strategy, error)
}

// Deps are the collaborators of an Orchestrator. Store and Strategies are
// required; the rest fall back to defaults in New.
type Deps struct {
	Store         Store
	Strategies    Resolver
	Logger        *zap.Logger
	Metrics       *metrics.ApplicationMetrics
	DownloadRoot  string
	ImportOptions importer.Options
	Now           func() time.Time
}

// RunResult summarises one Run call.
type RunResult struct {
	RunID       uuid.UUID       `json:"run_id"`
	Status      pipeline.Status `json:"status"`
	Stage       pipeline.Stage  `json:"stage"`
	NSuccessful int             `json:"n_successful"`
	NFailed     int             `json:"n_failed"`
	NSkipped    int             `json:"n_skipped"`
	// Skipped is set when the run was not runnable and nothing happened.
	Skipped bool            `json:"skipped"`
	Stopped bool            `json:"stopped"`
	Import  importer.Result `json:"import"`
}

func resultOf(run *pipeline.Run) RunResult {
	return RunResult{
		RunID:       run.ID,
		Status:      run.Status,
		Stage:       run.Stage,
		NSuccessful: run.NSuccessful,
		NFailed:     run.NFailed,
		NSkipped:    run.NSkipped,
	}
}

type Orchestrator struct {
	deps Deps

	// Strategies are bound to a pipeline on its first run and reused after.
	mu       sync.Mutex
	bindings map[uuid.UUID]strategy.Strategy
}

// New creates an Orchestrator, filling in a no-op logger, the wall clock and
// the default import options where deps leaves them unset.
func New(deps Deps) *Orchestrator {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.ImportOptions.BatchSize <= 0 {
		deps.ImportOptions = importer.DefaultOptions()
	}
	return &Orchestrator{deps: deps, bindings: make(map[uuid.UUID]strategy.Strategy)}
}

var (
	// errStopped ends a run that was asked to stop between stages.
	errStopped = apperrors.NewAppError(apperrors.ErrCodeInvalidState, "run stopped on request")
	// errClaimed means another worker started the run first.
	errClaimed = apperrors.NewAppError(apperrors.ErrCodeConflict, "run claimed by another worker")
)

// execution carries the state of one Run call.
type execution struct {
	run      *pipeline.Run
	pipeline *pipeline.Pipeline
	feed     *timeseries.Feed
	rec      *runlog.Recorder
	logger   *zap.Logger
	artifact feed.Artifact
	imported importer.Result
}

// Run executes the run end to end. A run that is not in (PENDING, START) is
// left untouched, as is one another worker starts first. Failures finalise
// the run as FAILED and are returned; a stop request finalises it as FAILED
// without an error.
func (o *Orchestrator) Run(ctx context.Context, runID uuid.UUID) (result RunResult, err error) {
	run, err := o.deps.Store.GetRun(ctx, runID)
	if err != nil {
		return RunResult{RunID: runID}, err
	}
	if !run.CanRun() {
		o.deps.Logger.Info("Run is not runnable, skipping",
			zap.String("run_id", run.ID.String()),
			zap.String("status", string(run.Status)),
			zap.String("stage", string(run.Stage)))
		res := resultOf(run)
		res.Skipped = true
		return res, nil
	}

	ex := &execution{
		run:    run,
		logger: o.deps.Logger.With(zap.String("run_id", run.ID.String())),
		rec:    runlog.NewRecorder(run.ID, o.deps.Store, o.deps.Logger),
	}
	started := o.deps.Now()
	chain := "unknown"

	o.deps.Metrics.IncInflight()
	defer o.deps.Metrics.DecInflight()

	defer func() {
		if r := recover(); r != nil {
			err = apperrors.Newf(apperrors.ErrCodeInternal, "run panicked: %v", r)
		}
		if err == errClaimed {
			ex.logger.Info("Run was started by another worker, skipping")
			result = resultOf(ex.run)
			result.Skipped = true
			err = nil
			return
		}
		stopped := err == errStopped
		switch {
		case stopped:
			err = nil
			o.finalise(ctx, ex, "Run stopped on request", true)
		case err != nil:
			o.finalise(ctx, ex, fmt.Sprintf("Run failed in stage %s: %v", ex.run.Stage, err), false)
		}
		o.cleanup(ex)

		result = resultOf(ex.run)
		result.Import = ex.imported
		result.Stopped = stopped
		o.deps.Metrics.RecordRun(chain, string(ex.run.Status), o.deps.Now().Sub(started))
	}()

	ex.pipeline, err = o.deps.Store.GetPipeline(ctx, run.PipelineID)
	if err != nil {
		return RunResult{}, err
	}
	chain = ex.pipeline.Chain

	s, err := o.bind(ex.pipeline)
	if err != nil {
		return RunResult{}, err
	}

	ex.feed, err = o.deps.Store.GetFeed(ctx, ex.pipeline.FeedID)
	if err != nil {
		return RunResult{}, err
	}

	if err := o.transition(ctx, ex, func(r *pipeline.Run, now time.Time) error { return r.Start(now) }); err != nil {
		return RunResult{}, err
	}
	ex.rec.Info(ctx, fmt.Sprintf("Run started for %s using %s", ex.feed.Ticker, s.Name()))

	ex.artifact, err = s.Fetch(ctx, *ex.feed)
	if err != nil {
		if !apperrors.HasCode(err, apperrors.ErrCodeConfiguration) && !apperrors.HasCode(err, apperrors.ErrCodeTransport) {
			err = apperrors.Transport(err, "download failed")
		}
		return RunResult{}, err
	}
	ex.rec.Info(ctx, "Downloaded "+ex.artifact.Path)

	if err := o.transition(ctx, ex, advance(pipeline.StageTransform)); err != nil {
		return RunResult{}, err
	}
	rows, err := s.Parse(ctx, ex.artifact)
	if err != nil {
		return RunResult{}, err
	}

	if err := o.transition(ctx, ex, advance(pipeline.StageImport)); err != nil {
		rows.Close()
		return RunResult{}, err
	}
	res, err := s.Import(ctx, *ex.feed, rows, o.deps.ImportOptions)
	ex.imported = res
	if cerr := ex.run.AddCounters(res.Imported, res.Errors, res.Skipped); cerr != nil {
		return RunResult{}, cerr
	}
	if err != nil {
		return RunResult{}, err
	}
	ex.rec.Info(ctx, fmt.Sprintf("Imported %d, updated %d, skipped %d, errors %d of %d rows",
		res.Imported, res.Updated, res.Skipped, res.Errors, res.TotalRows))
	for _, d := range res.ErrorDetails {
		ex.rec.Warn(ctx, fmt.Sprintf("Row %d: %s", d.Row, d.Message))
	}
	if res.Aborted {
		return RunResult{}, apperrors.Newf(apperrors.ErrCodeErrorBudget,
			"error budget exceeded after %d row errors", res.Errors)
	}

	if err := o.transition(ctx, ex, advance(pipeline.StagePostProcessing)); err != nil {
		return RunResult{}, err
	}
	if err := o.transition(ctx, ex, func(r *pipeline.Run, now time.Time) error { return r.Complete(now) }); err != nil {
		return RunResult{}, err
	}
	ex.rec.Info(ctx, "Run completed")
	return RunResult{}, nil
}

func advance(stage pipeline.Stage) func(*pipeline.Run, time.Time) error {
	return func(r *pipeline.Run, now time.Time) error { return r.Advance(stage, now) }
}

// bind resolves the pipeline's strategy once and keeps it for later runs.
func (o *Orchestrator) bind(p *pipeline.Pipeline) (strategy.Strategy, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if s, ok := o.bindings[p.ID]; ok && s.Name() == p.Chain {
		return s, nil
	}
	s, err := o.deps.Strategies.Resolve(p.Chain)
	if err != nil {
		return nil, err
	}
	o.bindings[p.ID] = s
	return s, nil
}

// transition applies fn to a copy of the run and persists it only while the
// stored status is unchanged. A stop request recorded since the last write
// wins over the transition and leaves the run as it was.
func (o *Orchestrator) transition(ctx context.Context, ex *execution, fn func(*pipeline.Run, time.Time) error) error {
	from := ex.run.Status
	next := *ex.run
	if err := fn(&next, o.deps.Now()); err != nil {
		return err
	}

	err := o.deps.Store.UpdateRunFrom(ctx, &next, from)
	if errors.Is(err, apperrors.ErrStaleWrite) {
		stored, gerr := o.deps.Store.GetRun(ctx, ex.run.ID)
		switch {
		case gerr != nil:
			return gerr
		case stored.Status == pipeline.StatusScheduledStop:
			return errStopped
		case from == pipeline.StatusPending:
			return errClaimed
		}
		return err
	}
	if err != nil {
		return apperrors.WrapError(err, apperrors.ErrCodeDatabaseError, "failed to persist run")
	}

	*ex.run = next
	ex.logger.Debug("Run transitioned",
		zap.String("status", string(ex.run.Status)),
		zap.String("stage", string(ex.run.Stage)))
	return nil
}

// finalise marks the run FAILED and writes the reason to the run log. A
// cancelled context must not keep the failure from being recorded.
func (o *Orchestrator) finalise(ctx context.Context, ex *execution, msg string, stopped bool) {
	ctx = context.WithoutCancel(ctx)
	ex.run.Fail(o.deps.Now())
	if err := o.deps.Store.UpdateRun(ctx, ex.run); err != nil {
		ex.logger.Error("Failed to persist failed run", zap.Error(err))
	}
	if stopped {
		ex.rec.Warn(ctx, msg)
		return
	}
	ex.rec.Error(ctx, msg)
}

func (o *Orchestrator) cleanup(ex *execution) {
	if ex.artifact.Path == "" {
		return
	}
	if err := feed.Prune(ex.artifact.Path, o.deps.DownloadRoot); err != nil {
		ex.logger.Warn("Failed to clean up artifact", zap.String("path", ex.artifact.Path), zap.Error(err))
		return
	}
	ex.logger.Debug("Artifact cleaned up", zap.String("path", ex.artifact.Path))
}
