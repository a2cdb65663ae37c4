package importer_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	apperrors "github.com/Ruscigno/feedpulse/pkg/errors"
	"github.com/Ruscigno/feedpulse/pkg/importer"
	"github.com/Ruscigno/feedpulse/pkg/repository/memory"
	"github.com/Ruscigno/feedpulse/pkg/timeseries"
)

// sliceRows iterates over in-memory rows.
type sliceRows struct {
	rows   []importer.RawRow
	i      int
	err    error
	closed bool
}

func (s *sliceRows) Next() bool {
	if s.i >= len(s.rows) {
		return false
	}
	s.i++
	return true
}
func (s *sliceRows) Row() importer.RawRow { return s.rows[s.i-1] }
func (s *sliceRows) Err() error           { return s.err }
func (s *sliceRows) Close() error         { s.closed = true; return nil }

// csvRows builds rows from "k=v;k=v" strings.
func csvRows(lines ...string) *sliceRows {
	out := &sliceRows{}
	for _, l := range lines {
		fields := map[string]string{}
		for _, kv := range strings.Split(l, ";") {
			parts := strings.SplitN(kv, "=", 2)
			fields[parts[0]] = parts[1]
		}
		out.rows = append(out.rows, importer.RawRow{Fields: fields})
	}
	return out
}

var (
	spx = timeseries.Feed{Ticker: "SPX", Timeframe: timeseries.D1, Source: "local", Kind: timeseries.KindAggregate}
	dgs = timeseries.Feed{Ticker: "DGS10", Timeframe: timeseries.D1, Source: "fred", Kind: timeseries.KindSingle}
)

func newEngine(store importer.Store) *importer.Engine {
	return importer.NewEngine(store, zap.NewNop(), nil)
}

func TestImportThreeRowsWithInvalidSecondRow(t *testing.T) {
	store := memory.New()
	rows := csvRows(
		"date=2025-01-02;open=1;high=2;low=0.5;close=1.5;volume=10",
		"date=2025-01-03;open=1;high=1;low=2;close=1.5;volume=10",
		"date=2025-01-06;open=1;high=3;low=1;close=2;volume=10",
	)

	res, err := newEngine(store).Import(context.Background(), spx, rows, importer.DefaultOptions())
	require.NoError(t, err)

	assert.Equal(t, 3, res.TotalRows)
	assert.Equal(t, 2, res.Imported)
	assert.Equal(t, 1, res.Errors)
	require.Len(t, res.ErrorDetails, 1)
	assert.Equal(t, 2, res.ErrorDetails[0].Row)
	assert.Len(t, store.Points("SPX"), 2)
	assert.True(t, rows.closed)
}

func TestImportIsIdempotent(t *testing.T) {
	for _, update := range []bool{false, true} {
		t.Run(fmt.Sprintf("update_existing=%v", update), func(t *testing.T) {
			store := memory.New()
			opts := importer.DefaultOptions()
			opts.UpdateExisting = update
			lines := []string{
				"date=2025-01-02;close=1",
				"date=2025-01-03;close=2",
			}

			first, err := newEngine(store).Import(context.Background(), spx, csvRows(lines...), opts)
			require.NoError(t, err)
			assert.Equal(t, 2, first.Imported)

			second, err := newEngine(store).Import(context.Background(), spx, csvRows(lines...), opts)
			require.NoError(t, err)
			assert.Zero(t, second.Imported)
			assert.Zero(t, second.Updated)
			assert.Equal(t, 2, second.Skipped)
		})
	}
}

func TestImportRejectsNonFiniteValues(t *testing.T) {
	store := memory.New()
	opts := importer.DefaultOptions()
	opts.UpdateExisting = true
	lines := []string{
		"date=2025-01-01;dgs10=NaN",
		"date=2025-01-02;dgs10=+Inf",
		"date=2025-01-03;dgs10=4.2",
	}

	first, err := newEngine(store).Import(context.Background(), dgs, csvRows(lines...), opts)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Imported)
	assert.Equal(t, 2, first.Errors)

	second, err := newEngine(store).Import(context.Background(), dgs, csvRows(lines...), opts)
	require.NoError(t, err)
	assert.Zero(t, second.Updated)
	assert.Equal(t, 1, second.Skipped)
}

func TestImportDetectsChangedValue(t *testing.T) {
	store := memory.New()
	opts := importer.DefaultOptions()
	opts.UpdateExisting = true

	_, err := newEngine(store).Import(context.Background(), spx,
		csvRows("date=2025-01-02;close=1", "date=2025-01-03;close=2"), opts)
	require.NoError(t, err)

	res, err := newEngine(store).Import(context.Background(), spx,
		csvRows("date=2025-01-02;close=1", "date=2025-01-03;close=2.5"), opts)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Updated)
	assert.Equal(t, 1, res.Skipped)
	assert.Zero(t, res.Imported)
	assert.Equal(t, 2.5, *store.Points("SPX")[1].Close)
}

func TestImportWithoutUpdateKeepsStoredValue(t *testing.T) {
	store := memory.New()
	opts := importer.DefaultOptions()

	_, err := newEngine(store).Import(context.Background(), spx, csvRows("date=2025-01-02;close=1"), opts)
	require.NoError(t, err)

	res, err := newEngine(store).Import(context.Background(), spx, csvRows("date=2025-01-02;close=9"), opts)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 1.0, *store.Points("SPX")[0].Close)
}

func TestImportErrorBudgetStopsEarly(t *testing.T) {
	store := memory.New()
	opts := importer.DefaultOptions()
	opts.ErrorThreshold = 2

	var lines []string
	for i := 0; i < 10; i++ {
		lines = append(lines, "date=not-a-date;close=1")
	}
	rows := csvRows(lines...)

	res, err := newEngine(store).Import(context.Background(), spx, rows, opts)
	require.NoError(t, err)
	assert.True(t, res.Aborted)
	assert.Equal(t, 3, res.Errors)
	assert.Equal(t, 3, res.TotalRows)
	assert.Equal(t, 3, rows.i)
}

func TestImportKeepsFlushedBatchesOnAbort(t *testing.T) {
	store := memory.New()
	opts := importer.DefaultOptions()
	opts.BatchSize = 2
	opts.ErrorThreshold = 0

	rows := csvRows(
		"date=2025-01-02;close=1",
		"date=2025-01-03;close=1",
		"date=2025-01-06;close=1",
		"date=bad;close=1",
		"date=2025-01-07;close=1",
	)
	res, err := newEngine(store).Import(context.Background(), spx, rows, opts)
	require.NoError(t, err)
	assert.True(t, res.Aborted)
	assert.Equal(t, 3, res.Imported)
	assert.Len(t, store.Points("SPX"), 3)
}

func TestImportErrorDetailsAreBounded(t *testing.T) {
	opts := importer.DefaultOptions()
	opts.MaxErrorDetails = 2

	res, err := newEngine(memory.New()).Import(context.Background(), spx,
		csvRows("date=x", "date=y", "date=z"), opts)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Errors)
	assert.Len(t, res.ErrorDetails, 2)
}

func TestImportDateFilter(t *testing.T) {
	store := memory.New()
	opts := importer.DefaultOptions()
	from := time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC)
	to := time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC)
	opts.From, opts.To = &from, &to

	res, err := newEngine(store).Import(context.Background(), spx, csvRows(
		"date=2025-01-02;close=1",
		"date=2025-01-03;close=1",
		"date=2025-01-06;close=1",
		"date=2025-01-07;close=1",
	), opts)
	require.NoError(t, err)
	assert.Equal(t, 4, res.TotalRows)
	assert.Equal(t, 2, res.Imported)
	assert.Zero(t, res.Skipped)
	assert.Zero(t, res.Errors)
}

func TestImportSingleValueSentinel(t *testing.T) {
	store := memory.New()
	opts := importer.DefaultOptions()
	opts.Format = importer.Format{DateFields: []string{"observation_date"}, Missing: "."}

	res, err := newEngine(store).Import(context.Background(), dgs, csvRows(
		"observation_date=2025-01-02;dgs10=4.57",
		"observation_date=2025-01-03;dgs10=.",
	), opts)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Imported)

	points := store.Points("DGS10")
	require.Len(t, points, 2)
	assert.Equal(t, 4.57, *points[0].Main)
	assert.Nil(t, points[1].Main)
}

// racingStore reports a conflict on the bulk insert, as if another writer
// inserted one of the keys between lookup and flush.
type racingStore struct {
	*memory.Store
	raced timeseries.Point
}

func (s *racingStore) InsertPoints(ctx context.Context, points []timeseries.Point) (int, error) {
	if err := s.Store.InsertPoint(ctx, s.raced); err != nil {
		return 0, err
	}
	return s.Store.InsertPoints(ctx, points)
}

func TestImportFallsBackToRowInserts(t *testing.T) {
	ts := time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC)
	store := &racingStore{
		Store: memory.New(),
		raced: timeseries.Point{Kind: timeseries.KindAggregate, Timeframe: timeseries.D1, Ticker: "SPX", Ts: ts, Close: timeseries.Float(7)},
	}

	res, err := newEngine(store).Import(context.Background(), spx, csvRows(
		"date=2025-01-02;close=1",
		"date=2025-01-03;close=1",
		"date=2025-01-06;close=1",
	), importer.DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Imported)
	assert.Equal(t, 1, res.Skipped)
	assert.Len(t, store.Points("SPX"), 3)
}

func TestImportDuplicateRowsInOneFile(t *testing.T) {
	store := memory.New()
	res, err := newEngine(store).Import(context.Background(), spx, csvRows(
		"date=2025-01-02;close=1",
		"date=2025-01-02;close=1",
	), importer.DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Imported)
	assert.Equal(t, 1, res.Skipped)
}

type brokenStore struct{ *memory.Store }

func (brokenStore) FindPoint(context.Context, timeseries.Key) (*timeseries.Point, error) {
	return nil, errors.New("connection refused")
}

func TestImportStorageFailureIsReturned(t *testing.T) {
	_, err := newEngine(brokenStore{memory.New()}).Import(context.Background(), spx,
		csvRows("date=2025-01-02;close=1"), importer.DefaultOptions())
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeDatabaseError))
}

func TestImportStreamErrorIsReturned(t *testing.T) {
	rows := csvRows("date=2025-01-02;close=1")
	rows.err = errors.New("unexpected EOF")

	res, err := newEngine(memory.New()).Import(context.Background(), spx, rows, importer.DefaultOptions())
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeParse))
	assert.Equal(t, 1, res.Imported)
}
