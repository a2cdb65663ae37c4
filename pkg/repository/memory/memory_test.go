package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/Ruscigno/feedpulse/pkg/errors"
	"github.com/Ruscigno/feedpulse/pkg/pipeline"
	"github.com/Ruscigno/feedpulse/pkg/timeseries"
)

func newRun(t *testing.T, s *Store, now time.Time) *pipeline.Run {
	t.Helper()
	ctx := context.Background()
	f := &timeseries.Feed{Ticker: "DGS10", Timeframe: timeseries.D1, Source: "fred", Kind: timeseries.KindSingle}
	require.NoError(t, s.UpsertFeed(ctx, f))
	p := &pipeline.Pipeline{FeedID: f.ID, Chain: "fred_csv", Active: true}
	require.NoError(t, s.UpsertPipeline(ctx, p))
	run := pipeline.NewRun(p.ID, now)
	require.NoError(t, s.CreateRun(ctx, run))
	return run
}

func TestUpdateRunFromRejectsChangedStatus(t *testing.T) {
	ctx := context.Background()
	s := New()
	now := time.Date(2025, 8, 15, 12, 0, 0, 0, time.UTC)
	run := newRun(t, s, now)

	working := *run
	require.NoError(t, working.Start(now))
	require.NoError(t, s.UpdateRunFrom(ctx, &working, pipeline.StatusPending))

	_, err := s.RequestStop(ctx, run.ID, now)
	require.NoError(t, err)

	next := working
	require.NoError(t, next.Advance(pipeline.StageTransform, now))
	err = s.UpdateRunFrom(ctx, &next, pipeline.StatusWorking)
	assert.True(t, errors.Is(err, apperrors.ErrStaleWrite))

	stored, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusScheduledStop, stored.Status)
	assert.Equal(t, pipeline.StageFetch, stored.Stage)

	err = s.UpdateRunFrom(ctx, &pipeline.Run{ID: uuid.New()}, pipeline.StatusPending)
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))
}

func TestRequestStopOnlyFromWorking(t *testing.T) {
	ctx := context.Background()
	s := New()
	now := time.Date(2025, 8, 15, 12, 0, 0, 0, time.UTC)
	run := newRun(t, s, now)

	_, err := s.RequestStop(ctx, run.ID, now)
	assert.True(t, errors.Is(err, apperrors.ErrInvalidState))

	require.NoError(t, run.Start(now))
	require.NoError(t, run.AddCounters(4, 1, 0))
	require.NoError(t, s.UpdateRun(ctx, run))

	later := now.Add(time.Minute)
	stopped, err := s.RequestStop(ctx, run.ID, later)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusScheduledStop, stopped.Status)
	assert.Equal(t, pipeline.StageFetch, stopped.Stage)
	assert.Equal(t, 4, stopped.NSuccessful)
	assert.Equal(t, later, stopped.UpdatedAt)

	_, err = s.RequestStop(ctx, uuid.New(), now)
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))
}
