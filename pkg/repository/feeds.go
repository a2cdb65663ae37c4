package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Ruscigno/feedpulse/pkg/pipeline"
	"github.com/Ruscigno/feedpulse/pkg/timeseries"
)

// UpsertFeed creates a feed or refreshes the descriptive columns of the feed
// with the same ticker. The ticker itself never changes.
func (r *postgresRepository) UpsertFeed(ctx context.Context, feed *timeseries.Feed) error {
	if feed.ID == uuid.Nil {
		feed.ID = uuid.New()
	}

	query := `
		INSERT INTO feeds (id, ticker, timeframe, source, kind, description)
		VALUES (:id, :ticker, :timeframe, :source, :kind, :description)
		ON CONFLICT (ticker) DO UPDATE SET
			timeframe = EXCLUDED.timeframe,
			source = EXCLUDED.source,
			kind = EXCLUDED.kind,
			description = EXCLUDED.description,
			updated_at = NOW()
		RETURNING id, created_at, updated_at`

	rows, err := r.db.NamedQueryContext(ctx, query, feed)
	if err != nil {
		r.logger.Error("Failed to upsert feed", zap.Error(err), zap.String("ticker", feed.Ticker))
		return classify(err, "failed to upsert feed")
	}
	defer rows.Close()

	if rows.Next() {
		if err := rows.Scan(&feed.ID, &feed.CreatedAt, &feed.UpdatedAt); err != nil {
			return fmt.Errorf("failed to scan feed: %w", err)
		}
	}
	return rows.Err()
}

// GetFeed retrieves a feed by its ID
func (r *postgresRepository) GetFeed(ctx context.Context, id uuid.UUID) (*timeseries.Feed, error) {
	var feed timeseries.Feed
	err := r.db.GetContext(ctx, &feed, `SELECT * FROM feeds WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("feed", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get feed: %w", err)
	}
	return &feed, nil
}

// GetFeedByTicker retrieves a feed by its ticker
func (r *postgresRepository) GetFeedByTicker(ctx context.Context, ticker string) (*timeseries.Feed, error) {
	var feed timeseries.Feed
	err := r.db.GetContext(ctx, &feed, `SELECT * FROM feeds WHERE ticker = $1`, ticker)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("feed", ticker)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get feed: %w", err)
	}
	return &feed, nil
}

func (r *postgresRepository) ListFeeds(ctx context.Context) ([]timeseries.Feed, error) {
	var feeds []timeseries.Feed
	if err := r.db.SelectContext(ctx, &feeds, `SELECT * FROM feeds ORDER BY ticker`); err != nil {
		return nil, fmt.Errorf("failed to list feeds: %w", err)
	}
	return feeds, nil
}

// LatestObservations reads MAX(ts) per feed in a single round trip, using
// the natural-key indexes of both point tables.
func (r *postgresRepository) LatestObservations(ctx context.Context) (map[uuid.UUID]time.Time, error) {
	query := `
		SELECT f.id AS feed_id,
			CASE WHEN f.kind = 'single'
				THEN (SELECT MAX(s.ts) FROM single_points s WHERE s.ticker = f.ticker)
				ELSE (SELECT MAX(a.ts) FROM aggregate_points a WHERE a.ticker = f.ticker AND a.timeframe = f.timeframe)
			END AS latest
		FROM feeds f`

	var rows []struct {
		FeedID uuid.UUID  `db:"feed_id"`
		Latest *time.Time `db:"latest"`
	}
	if err := r.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("failed to read latest observations: %w", err)
	}

	latest := make(map[uuid.UUID]time.Time, len(rows))
	for _, row := range rows {
		if row.Latest != nil {
			latest[row.FeedID] = *row.Latest
		}
	}
	return latest, nil
}

// UpsertPipeline inserts or reactivates the pipeline binding a feed to a chain
func (r *postgresRepository) UpsertPipeline(ctx context.Context, p *pipeline.Pipeline) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}

	query := `
		INSERT INTO pipelines (id, feed_id, chain, active)
		VALUES (:id, :feed_id, :chain, :active)
		ON CONFLICT (feed_id, chain) DO UPDATE SET
			active = EXCLUDED.active,
			updated_at = NOW()
		RETURNING id, created_at, updated_at`

	rows, err := r.db.NamedQueryContext(ctx, query, p)
	if err != nil {
		r.logger.Error("Failed to upsert pipeline", zap.Error(err), zap.String("chain", p.Chain))
		return classify(err, "failed to upsert pipeline")
	}
	defer rows.Close()

	if rows.Next() {
		if err := rows.Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return fmt.Errorf("failed to scan pipeline: %w", err)
		}
	}
	return rows.Err()
}

// GetPipeline retrieves a pipeline by its ID
func (r *postgresRepository) GetPipeline(ctx context.Context, id uuid.UUID) (*pipeline.Pipeline, error) {
	var p pipeline.Pipeline
	err := r.db.GetContext(ctx, &p, `SELECT * FROM pipelines WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("pipeline", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pipeline: %w", err)
	}
	return &p, nil
}

func (r *postgresRepository) ListPipelines(ctx context.Context, activeOnly bool) ([]pipeline.Pipeline, error) {
	query := `SELECT * FROM pipelines`
	if activeOnly {
		query += ` WHERE active`
	}
	query += ` ORDER BY created_at`

	var pipelines []pipeline.Pipeline
	if err := r.db.SelectContext(ctx, &pipelines, query); err != nil {
		return nil, fmt.Errorf("failed to list pipelines: %w", err)
	}
	return pipelines, nil
}

func (r *postgresRepository) PipelinesForFeed(ctx context.Context, feedID uuid.UUID) ([]pipeline.Pipeline, error) {
	var pipelines []pipeline.Pipeline
	err := r.db.SelectContext(ctx, &pipelines,
		`SELECT * FROM pipelines WHERE feed_id = $1 ORDER BY created_at`, feedID)
	if err != nil {
		return nil, fmt.Errorf("failed to list pipelines for feed: %w", err)
	}
	return pipelines, nil
}
