package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/Ruscigno/feedpulse/pkg/timeseries"
)

type singleRow struct {
	Ticker string    `db:"ticker"`
	Ts     time.Time `db:"ts"`
	Main   *float64  `db:"main"`
}

type aggregateRow struct {
	Timeframe string    `db:"timeframe"`
	Ticker    string    `db:"ticker"`
	Ts        time.Time `db:"ts"`
	Open      *float64  `db:"open"`
	High      *float64  `db:"high"`
	Low       *float64  `db:"low"`
	Close     *float64  `db:"close"`
	AdjClose  *float64  `db:"adjusted_close"`
	Volume    *float64  `db:"volume"`
}

func toSingleRow(p timeseries.Point) singleRow {
	return singleRow{Ticker: p.Ticker, Ts: p.Ts.UTC(), Main: p.Main}
}

func toAggregateRow(p timeseries.Point) aggregateRow {
	return aggregateRow{
		Timeframe: string(p.Timeframe),
		Ticker:    p.Ticker,
		Ts:        p.Ts.UTC(),
		Open:      p.Open,
		High:      p.High,
		Low:       p.Low,
		Close:     p.Close,
		AdjClose:  p.AdjClose,
		Volume:    p.Volume,
	}
}

func (row singleRow) point() timeseries.Point {
	return timeseries.Point{Kind: timeseries.KindSingle, Ticker: row.Ticker, Ts: row.Ts.UTC(), Main: row.Main}
}

func (row aggregateRow) point() timeseries.Point {
	return timeseries.Point{
		Kind:      timeseries.KindAggregate,
		Timeframe: timeseries.Timeframe(row.Timeframe),
		Ticker:    row.Ticker,
		Ts:        row.Ts.UTC(),
		Open:      row.Open,
		High:      row.High,
		Low:       row.Low,
		Close:     row.Close,
		AdjClose:  row.AdjClose,
		Volume:    row.Volume,
	}
}

const (
	insertSingle = `
		INSERT INTO single_points (ticker, ts, main)
		VALUES (:ticker, :ts, :main)`

	insertAggregate = `
		INSERT INTO aggregate_points (timeframe, ticker, ts, open, high, low, close, adjusted_close, volume)
		VALUES (:timeframe, :ticker, :ts, :open, :high, :low, :close, :adjusted_close, :volume)`
)

// FindPoint looks a point up by its natural key; nil when absent.
func (r *postgresRepository) FindPoint(ctx context.Context, key timeseries.Key) (*timeseries.Point, error) {
	var (
		p   timeseries.Point
		err error
	)
	if key.Kind == timeseries.KindSingle {
		var row singleRow
		err = r.db.GetContext(ctx, &row,
			`SELECT ticker, ts, main FROM single_points WHERE ticker = $1 AND ts = $2`, key.Ticker, key.Ts)
		p = row.point()
	} else {
		var row aggregateRow
		err = r.db.GetContext(ctx, &row,
			`SELECT timeframe, ticker, ts, open, high, low, close, adjusted_close, volume
			FROM aggregate_points WHERE timeframe = $1 AND ticker = $2 AND ts = $3`,
			string(key.Timeframe), key.Ticker, key.Ts)
		p = row.point()
	}
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find point %s: %w", key, err)
	}
	return &p, nil
}

// InsertPoints bulk-inserts points in one transaction. Any natural-key
// conflict rolls the whole batch back and surfaces as ErrDuplicateKey.
func (r *postgresRepository) InsertPoints(ctx context.Context, points []timeseries.Point) (int, error) {
	if len(points) == 0 {
		return 0, nil
	}

	var singles []singleRow
	var aggregates []aggregateRow
	for _, p := range points {
		if p.Kind == timeseries.KindSingle {
			singles = append(singles, toSingleRow(p))
		} else {
			aggregates = append(aggregates, toAggregateRow(p))
		}
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := bulkInsert(ctx, tx, singles, aggregates); err != nil {
		_ = tx.Rollback()
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, classify(err, "failed to commit batch")
	}
	return len(points), nil
}

func bulkInsert(ctx context.Context, tx *sqlx.Tx, singles []singleRow, aggregates []aggregateRow) error {
	if len(singles) > 0 {
		if _, err := tx.NamedExecContext(ctx, insertSingle, singles); err != nil {
			return classify(err, "failed to insert single-value batch")
		}
	}
	if len(aggregates) > 0 {
		if _, err := tx.NamedExecContext(ctx, insertAggregate, aggregates); err != nil {
			return classify(err, "failed to insert aggregate batch")
		}
	}
	return nil
}

func (r *postgresRepository) InsertPoint(ctx context.Context, p timeseries.Point) error {
	var err error
	if p.Kind == timeseries.KindSingle {
		_, err = r.db.NamedExecContext(ctx, insertSingle, toSingleRow(p))
	} else {
		_, err = r.db.NamedExecContext(ctx, insertAggregate, toAggregateRow(p))
	}
	return classify(err, "failed to insert point")
}

// UpdatePoint overwrites the value columns of the point with p's key.
func (r *postgresRepository) UpdatePoint(ctx context.Context, p timeseries.Point) error {
	var (
		result sql.Result
		err    error
	)
	if p.Kind == timeseries.KindSingle {
		result, err = r.db.NamedExecContext(ctx,
			`UPDATE single_points SET main = :main WHERE ticker = :ticker AND ts = :ts`, toSingleRow(p))
	} else {
		result, err = r.db.NamedExecContext(ctx,
			`UPDATE aggregate_points SET
				open = :open, high = :high, low = :low, close = :close,
				adjusted_close = :adjusted_close, volume = :volume
			WHERE timeframe = :timeframe AND ticker = :ticker AND ts = :ts`, toAggregateRow(p))
	}
	if err != nil {
		return classify(err, "failed to update point")
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return notFound("point", p.Key())
	}
	return nil
}
