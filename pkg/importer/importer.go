// Package importer turns a stream of raw rows into stored data points with
// dedup, change detection, batching and a per-run error budget.
package importer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/Ruscigno/feedpulse/pkg/errors"
	"github.com/Ruscigno/feedpulse/pkg/metrics"
	"github.com/Ruscigno/feedpulse/pkg/timeseries"
)

const (
	DefaultBatchSize       = 1000
	DefaultErrorThreshold  = 100
	DefaultMaxErrorDetails = 20
)

// RowIterator is a lazily consumed stream of raw rows.
type RowIterator interface {
	Next() bool
	Row() RawRow
	Err() error
	Close() error
}

// Store persists data points. InsertPoints is all-or-nothing and reports a
// natural-key conflict as apperrors.ErrDuplicateKey.
type Store interface {
	FindPoint(ctx context.Context, key timeseries.Key) (*timeseries.Point, error)
	InsertPoints(ctx context.Context, points []timeseries.Point) (int, error)
	InsertPoint(ctx context.Context, point timeseries.Point) error
	UpdatePoint(ctx context.Context, point timeseries.Point) error
}

// Options control a single import.
type Options struct {
	From           *time.Time
	To             *time.Time
	BatchSize      int
	UpdateExisting bool
	// ErrorThreshold is the number of row errors tolerated; one more stops
	// the import.
	ErrorThreshold  int
	MaxErrorDetails int
	Format          Format
}

// DefaultOptions returns the batch size and error budget used when a caller
// sets nothing else.
func DefaultOptions() Options {
	return Options{
		BatchSize:       DefaultBatchSize,
		ErrorThreshold:  DefaultErrorThreshold,
		MaxErrorDetails: DefaultMaxErrorDetails,
	}
}

func (o Options) inRange(ts time.Time) bool {
	if o.From != nil && ts.Before(*o.From) {
		return false
	}
	if o.To != nil && ts.After(*o.To) {
		return false
	}
	return true
}

// RowError describes a contained per-row failure.
type RowError struct {
	Row     int    `json:"row"`
	Message string `json:"message"`
}

// Result summarises an import.
type Result struct {
	TotalRows    int        `json:"total_rows"`
	Imported     int        `json:"imported"`
	Updated      int        `json:"updated"`
	Skipped      int        `json:"skipped"`
	Errors       int        `json:"errors"`
	ErrorDetails []RowError `json:"error_details,omitempty"`
	// Aborted is set when the error budget stopped the import early.
	Aborted bool `json:"aborted"`
}

type pendingPoint struct {
	row   int
	point timeseries.Point
}

// Engine imports rows into a Store.
type Engine struct {
	store   Store
	logger  *zap.Logger
	metrics *metrics.ApplicationMetrics
}

// NewEngine creates an Engine writing to store. m may be nil.
func NewEngine(store Store, logger *zap.Logger, m *metrics.ApplicationMetrics) *Engine {
	return &Engine{store: store, logger: logger, metrics: m}
}

// Import consumes rows until exhausted, cancelled, or the error budget is
// spent. Row-level problems are counted in the result; the returned error is
// reserved for storage and stream failures. Batches flushed before a failure
// stay committed.
func (e *Engine) Import(ctx context.Context, feed timeseries.Feed, rows RowIterator, opts Options) (Result, error) {
	defer rows.Close()

	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.MaxErrorDetails <= 0 {
		opts.MaxErrorDetails = DefaultMaxErrorDetails
	}

	var (
		res   Result
		batch = make([]pendingPoint, 0, opts.BatchSize)
		pos   int
	)

	for rows.Next() {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		pos++
		res.TotalRows++

		point, err := opts.Format.Decode(feed, rows.Row())
		if err != nil {
			if e.rowError(&res, pos, err, opts) {
				break
			}
			continue
		}
		if !opts.inRange(point.Ts) {
			continue
		}

		existing, err := e.store.FindPoint(ctx, point.Key())
		if err != nil {
			return res, apperrors.WrapError(err, apperrors.ErrCodeDatabaseError, "failed to look up data point")
		}

		switch {
		case existing == nil:
			batch = append(batch, pendingPoint{row: pos, point: point})
			if len(batch) >= opts.BatchSize {
				if err := e.flush(ctx, feed, batch, &res, opts); err != nil {
					return res, err
				}
				batch = batch[:0]
			}
		case !opts.UpdateExisting || existing.SameValues(point):
			res.Skipped++
		default:
			err := e.store.UpdatePoint(ctx, point)
			switch {
			case err == nil:
				res.Updated++
			case errors.Is(err, apperrors.ErrConstraint):
				e.rowError(&res, pos, err, opts)
			default:
				return res, apperrors.WrapError(err, apperrors.ErrCodeDatabaseError, "failed to update data point")
			}
		}
		if res.Aborted {
			break
		}
	}

	if err := e.flush(ctx, feed, batch, &res, opts); err != nil {
		return res, err
	}
	if !res.Aborted {
		if err := rows.Err(); err != nil {
			return res, apperrors.WrapError(err, apperrors.ErrCodeParse, "failed to read rows")
		}
	}

	e.metrics.RecordRows(feed.Ticker, "imported", res.Imported)
	e.metrics.RecordRows(feed.Ticker, "updated", res.Updated)
	e.metrics.RecordRows(feed.Ticker, "skipped", res.Skipped)
	e.metrics.RecordRows(feed.Ticker, "error", res.Errors)

	e.logger.Info("Import finished",
		zap.String("ticker", feed.Ticker),
		zap.Int("total_rows", res.TotalRows),
		zap.Int("imported", res.Imported),
		zap.Int("updated", res.Updated),
		zap.Int("skipped", res.Skipped),
		zap.Int("errors", res.Errors),
		zap.Bool("aborted", res.Aborted))

	return res, nil
}

// rowError records a contained error and reports whether the budget is spent.
func (e *Engine) rowError(res *Result, row int, err error, opts Options) bool {
	res.Errors++
	if len(res.ErrorDetails) < opts.MaxErrorDetails {
		res.ErrorDetails = append(res.ErrorDetails, RowError{Row: row, Message: err.Error()})
	}
	e.logger.Debug("Row rejected", zap.Int("row", row), zap.Error(err))

	if res.Errors > opts.ErrorThreshold {
		res.Aborted = true
		e.logger.Warn("Error budget exhausted, stopping import",
			zap.Int("errors", res.Errors),
			zap.Int("threshold", opts.ErrorThreshold))
	}
	return res.Aborted
}

// flush bulk-inserts a batch. A key conflict means another writer got there
// first; the batch is then replayed row by row and only rows that land count.
func (e *Engine) flush(ctx context.Context, feed timeseries.Feed, batch []pendingPoint, res *Result, opts Options) error {
	if len(batch) == 0 {
		return nil
	}
	points := make([]timeseries.Point, len(batch))
	for i, b := range batch {
		points[i] = b.point
	}

	n, err := e.store.InsertPoints(ctx, points)
	if err == nil {
		res.Imported += n
		return nil
	}
	if !errors.Is(err, apperrors.ErrDuplicateKey) && !errors.Is(err, apperrors.ErrConstraint) {
		return apperrors.WrapError(err, apperrors.ErrCodeDatabaseError, fmt.Sprintf("failed to insert batch of %d points", len(batch)))
	}

	e.metrics.RecordBatchFallback(feed.Ticker)
	e.logger.Warn("Batch insert conflicted, retrying row by row",
		zap.String("ticker", feed.Ticker),
		zap.Int("batch_size", len(batch)),
		zap.Error(err))

	for _, b := range batch {
		err := e.store.InsertPoint(ctx, b.point)
		switch {
		case err == nil:
			res.Imported++
		case errors.Is(err, apperrors.ErrDuplicateKey):
			res.Skipped++
		case errors.Is(err, apperrors.ErrConstraint):
			e.rowError(res, b.row, err, opts)
		default:
			return apperrors.WrapError(err, apperrors.ErrCodeDatabaseError, "failed to insert data point")
		}
	}
	return nil
}
