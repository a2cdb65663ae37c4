package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	apperrors "github.com/Ruscigno/feedpulse/pkg/errors"
	"github.com/Ruscigno/feedpulse/pkg/feed"
	"github.com/Ruscigno/feedpulse/pkg/importer"
	"github.com/Ruscigno/feedpulse/pkg/pipeline"
	"github.com/Ruscigno/feedpulse/pkg/repository/memory"
	"github.com/Ruscigno/feedpulse/pkg/runlog"
	"github.com/Ruscigno/feedpulse/pkg/strategy"
	"github.com/Ruscigno/feedpulse/pkg/timeseries"
)

type rows struct {
	data []map[string]string
	i    int
}

func (r *rows) Next() bool           { r.i++; return r.i <= len(r.data) }
func (r *rows) Row() importer.RawRow { return importer.RawRow{Fields: r.data[r.i-1]} }
func (r *rows) Err() error           { return nil }
func (r *rows) Close() error         { return nil }

type fakeDownloader struct {
	root  string
	err   error
	hook  func()
	calls int
}

func (d *fakeDownloader) Download(ctx context.Context, f timeseries.Feed) (feed.Artifact, error) {
	d.calls++
	if d.hook != nil {
		d.hook()
	}
	if d.err != nil {
		return feed.Artifact{}, d.err
	}
	p := filepath.Join(d.root, "local", f.Ticker, "artifact.csv")
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return feed.Artifact{}, err
	}
	if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
		return feed.Artifact{}, err
	}
	return feed.Artifact{Path: p, Source: "local", Ticker: f.Ticker}, nil
}

type fakeParser struct {
	data  []map[string]string
	panic bool
}

func (p fakeParser) Open(context.Context, feed.Artifact) (importer.RowIterator, error) {
	if p.panic {
		panic("corrupt artifact")
	}
	return &rows{data: p.data}, nil
}

func ohlc(date string, high, low float64) map[string]string {
	return map[string]string{
		"date":  date,
		"open":  "10",
		"high":  fmt.Sprint(high),
		"low":   fmt.Sprint(low),
		"close": "10",
	}
}

type fixture struct {
	store      *memory.Store
	downloader *fakeDownloader
	root       string
	run        *pipeline.Run
	orch       *Orchestrator
	logs       *observer.ObservedLogs
}

func newFixture(t *testing.T, chain string, parser fakeParser) *fixture {
	t.Helper()
	ctx := context.Background()
	store := memory.New()
	root := t.TempDir()

	f := &timeseries.Feed{Ticker: "SPX", Timeframe: timeseries.D1, Source: "local", Kind: timeseries.KindAggregate}
	require.NoError(t, store.UpsertFeed(ctx, f))
	p := &pipeline.Pipeline{FeedID: f.ID, Chain: chain, Active: true}
	require.NoError(t, store.UpsertPipeline(ctx, p))
	run := pipeline.NewRun(p.ID, time.Now())
	require.NoError(t, store.CreateRun(ctx, run))

	d := &fakeDownloader{root: root}
	engine := importer.NewEngine(store, zap.NewNop(), nil)
	reg, err := strategy.NewRegistry(strategy.NewChain("test_chain", d, parser, engine, importer.Format{}))
	require.NoError(t, err)

	core, logs := observer.New(zap.DebugLevel)
	opts := importer.DefaultOptions()
	opts.ErrorThreshold = 1

	return &fixture{
		store:      store,
		downloader: d,
		root:       root,
		run:        run,
		logs:       logs,
		orch: New(Deps{
			Store:         store,
			Strategies:    reg,
			Logger:        zap.New(core),
			DownloadRoot:  root,
			ImportOptions: opts,
		}),
	}
}

func (fx *fixture) stored(t *testing.T) *pipeline.Run {
	t.Helper()
	r, err := fx.store.GetRun(context.Background(), fx.run.ID)
	require.NoError(t, err)
	return r
}

func (fx *fixture) logLevels(t *testing.T) map[runlog.Level][]string {
	t.Helper()
	entries, err := fx.store.ListLogs(context.Background(), fx.run.ID)
	require.NoError(t, err)
	out := map[runlog.Level][]string{}
	for _, e := range entries {
		out[e.Level] = append(out[e.Level], e.Message)
	}
	return out
}

func TestRunCompletesAndCountsRows(t *testing.T) {
	fx := newFixture(t, "test_chain", fakeParser{data: []map[string]string{
		ohlc("2025-08-12", 11, 9),
		ohlc("2025-08-13", 9, 11),
		ohlc("2025-08-14", 12, 8),
	}})

	res, err := fx.orch.Run(context.Background(), fx.run.ID)
	require.NoError(t, err)

	assert.Equal(t, pipeline.StatusCompleted, res.Status)
	assert.Equal(t, pipeline.StageFinish, res.Stage)
	assert.Equal(t, 2, res.NSuccessful)
	assert.Equal(t, 1, res.NFailed)
	assert.Equal(t, 0, res.NSkipped)

	stored := fx.stored(t)
	assert.Equal(t, pipeline.StatusCompleted, stored.Status)
	assert.NotNil(t, stored.FinishedAt)
	assert.Len(t, fx.store.Points("SPX"), 2)

	_, statErr := os.Stat(filepath.Join(fx.root, "local"))
	assert.True(t, os.IsNotExist(statErr), "artifact directories should be pruned")
	_, statErr = os.Stat(fx.root)
	assert.NoError(t, statErr)

	assert.Contains(t, fx.logLevels(t)[runlog.LevelInfo], "Run completed")
}

func TestRunIsNoOpWhenNotRunnable(t *testing.T) {
	fx := newFixture(t, "test_chain", fakeParser{})
	_, err := fx.orch.Run(context.Background(), fx.run.ID)
	require.NoError(t, err)
	before := fx.stored(t)

	res, err := fx.orch.Run(context.Background(), fx.run.ID)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Equal(t, before, fx.stored(t))
	assert.Equal(t, 1, fx.downloader.calls)
}

func TestRunFailsOnDownloadError(t *testing.T) {
	fx := newFixture(t, "test_chain", fakeParser{})
	fx.downloader.err = errors.New("connection refused")

	res, err := fx.orch.Run(context.Background(), fx.run.ID)
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeTransport))
	assert.Equal(t, pipeline.StatusFailed, res.Status)
	assert.Equal(t, pipeline.StageFetch, res.Stage)

	stored := fx.stored(t)
	assert.Equal(t, pipeline.StatusFailed, stored.Status)
	assert.False(t, stored.CanRun())
	assert.Len(t, fx.logLevels(t)[runlog.LevelError], 1)
	assert.Empty(t, fx.store.Points("SPX"))
}

func TestRunFailsOnUnknownChainBeforeIO(t *testing.T) {
	fx := newFixture(t, "no_such_chain", fakeParser{})

	res, err := fx.orch.Run(context.Background(), fx.run.ID)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeConfiguration))
	assert.Equal(t, pipeline.StatusFailed, res.Status)
	assert.Equal(t, pipeline.StageStart, res.Stage)
	assert.Zero(t, fx.downloader.calls)
}

func TestRunHonoursStopRequestAtNextStage(t *testing.T) {
	fx := newFixture(t, "test_chain", fakeParser{data: []map[string]string{ohlc("2025-08-12", 11, 9)}})
	fx.downloader.hook = func() {
		r := fx.stored(t)
		require.NoError(t, r.RequestStop(time.Now()))
		require.NoError(t, fx.store.UpdateRun(context.Background(), r))
	}

	res, err := fx.orch.Run(context.Background(), fx.run.ID)
	require.NoError(t, err)
	assert.True(t, res.Stopped)
	assert.Equal(t, pipeline.StatusFailed, res.Status)
	assert.Equal(t, pipeline.StageFetch, res.Stage)
	assert.Empty(t, fx.store.Points("SPX"))
	assert.Contains(t, fx.logLevels(t)[runlog.LevelWarn], "Run stopped on request")

	_, statErr := os.Stat(filepath.Join(fx.root, "local"))
	assert.True(t, os.IsNotExist(statErr))
}

// racingStore lets another writer change the run right before the write
// that moves it to stage.
type racingStore struct {
	*memory.Store
	stage pipeline.Stage
	race  func(*pipeline.Run)
	fired bool
}

func (s *racingStore) UpdateRunFrom(ctx context.Context, run *pipeline.Run, from pipeline.Status) error {
	if !s.fired && run.Stage == s.stage {
		s.fired = true
		stored, err := s.Store.GetRun(ctx, run.ID)
		if err != nil {
			return err
		}
		s.race(stored)
		if err := s.Store.UpdateRun(ctx, stored); err != nil {
			return err
		}
	}
	return s.Store.UpdateRunFrom(ctx, run, from)
}

func (fx *fixture) withStore(store Store) *Orchestrator {
	deps := fx.orch.deps
	deps.Store = store
	return New(deps)
}

func TestRunStopRequestedDuringTransitionWins(t *testing.T) {
	fx := newFixture(t, "test_chain", fakeParser{data: []map[string]string{ohlc("2025-08-12", 11, 9)}})
	store := &racingStore{Store: fx.store, stage: pipeline.StageTransform, race: func(r *pipeline.Run) {
		_ = r.RequestStop(time.Now())
	}}

	res, err := fx.withStore(store).Run(context.Background(), fx.run.ID)
	require.NoError(t, err)
	assert.True(t, store.fired)
	assert.True(t, res.Stopped)
	assert.Equal(t, pipeline.StatusFailed, res.Status)
	assert.Equal(t, pipeline.StageFetch, res.Stage)
	assert.Empty(t, fx.store.Points("SPX"))

	stored := fx.stored(t)
	assert.Equal(t, pipeline.StatusFailed, stored.Status)
	assert.Equal(t, pipeline.StageFetch, stored.Stage)
	assert.Contains(t, fx.logLevels(t)[runlog.LevelWarn], "Run stopped on request")
}

func TestRunClaimedByAnotherWorkerIsSkipped(t *testing.T) {
	fx := newFixture(t, "test_chain", fakeParser{data: []map[string]string{ohlc("2025-08-12", 11, 9)}})
	store := &racingStore{Store: fx.store, stage: pipeline.StageFetch, race: func(r *pipeline.Run) {
		_ = r.Start(time.Now())
	}}

	res, err := fx.withStore(store).Run(context.Background(), fx.run.ID)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Zero(t, fx.downloader.calls)

	stored := fx.stored(t)
	assert.Equal(t, pipeline.StatusWorking, stored.Status)
	assert.Equal(t, pipeline.StageFetch, stored.Stage)
	assert.Empty(t, fx.logLevels(t)[runlog.LevelError])
}

func TestRunRecoversFromPanic(t *testing.T) {
	fx := newFixture(t, "test_chain", fakeParser{panic: true})

	res, err := fx.orch.Run(context.Background(), fx.run.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "corrupt artifact")
	assert.Equal(t, pipeline.StatusFailed, res.Status)
	assert.Equal(t, pipeline.StageTransform, res.Stage)
	assert.Equal(t, 1, fx.logs.FilterMessage("Run failed in stage TRANSFORM: INTERNAL_ERROR: run panicked: corrupt artifact").Len())
}

func TestRunFailsWhenErrorBudgetIsExceeded(t *testing.T) {
	fx := newFixture(t, "test_chain", fakeParser{data: []map[string]string{
		ohlc("2025-08-11", 11, 9),
		ohlc("2025-08-12", 9, 11),
		ohlc("2025-08-13", 9, 11),
		ohlc("2025-08-14", 11, 9),
	}})

	res, err := fx.orch.Run(context.Background(), fx.run.ID)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeErrorBudget))
	assert.Equal(t, pipeline.StatusFailed, res.Status)
	assert.Equal(t, pipeline.StageImport, res.Stage)
	assert.Equal(t, 1, res.NSuccessful)
	assert.Equal(t, 2, res.NFailed)
	assert.True(t, res.Import.Aborted)
}

func TestResetRunCanExecuteAgain(t *testing.T) {
	fx := newFixture(t, "test_chain", fakeParser{data: []map[string]string{ohlc("2025-08-12", 11, 9)}})
	fx.downloader.err = errors.New("timeout")
	_, err := fx.orch.Run(context.Background(), fx.run.ID)
	require.Error(t, err)

	r := fx.stored(t)
	r.Reset(time.Now())
	require.NoError(t, fx.store.UpdateRun(context.Background(), r))
	fx.downloader.err = nil

	res, err := fx.orch.Run(context.Background(), fx.run.ID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusCompleted, res.Status)
	assert.Equal(t, 1, res.NSuccessful)
}
