package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.uber.org/zap"

	apperrors "github.com/Ruscigno/feedpulse/pkg/errors"
	"github.com/Ruscigno/feedpulse/pkg/importer"
	"github.com/Ruscigno/feedpulse/pkg/pipeline"
	"github.com/Ruscigno/feedpulse/pkg/runlog"
	"github.com/Ruscigno/feedpulse/pkg/timeseries"
)

// FeedRepository defines the interface for feed data access
type FeedRepository interface {
	// UpsertFeed inserts a feed or updates the one with the same ticker,
	// filling in feed.ID.
	UpsertFeed(ctx context.Context, feed *timeseries.Feed) error
	GetFeed(ctx context.Context, id uuid.UUID) (*timeseries.Feed, error)
	GetFeedByTicker(ctx context.Context, ticker string) (*timeseries.Feed, error)
	ListFeeds(ctx context.Context) ([]timeseries.Feed, error)
	// LatestObservations returns the newest stored point per feed. Feeds
	// without observations are absent from the map.
	LatestObservations(ctx context.Context) (map[uuid.UUID]time.Time, error)
}

// PipelineRepository defines the interface for pipeline data access
type PipelineRepository interface {
	// UpsertPipeline inserts or updates the pipeline for (feed, chain).
	UpsertPipeline(ctx context.Context, p *pipeline.Pipeline) error
	GetPipeline(ctx context.Context, id uuid.UUID) (*pipeline.Pipeline, error)
	ListPipelines(ctx context.Context, activeOnly bool) ([]pipeline.Pipeline, error)
	PipelinesForFeed(ctx context.Context, feedID uuid.UUID) ([]pipeline.Pipeline, error)
}

// RunRepository defines the interface for pipeline run data access
type RunRepository interface {
	CreateRun(ctx context.Context, run *pipeline.Run) error
	GetRun(ctx context.Context, id uuid.UUID) (*pipeline.Run, error)
	UpdateRun(ctx context.Context, run *pipeline.Run) error
	// UpdateRunFrom writes run only while the stored status is still from.
	// Otherwise it returns an error matching apperrors.ErrStaleWrite.
	UpdateRunFrom(ctx context.Context, run *pipeline.Run, from pipeline.Status) error
	// RequestStop moves a WORKING run to SCHEDULED_STOP and touches nothing else.
	RequestStop(ctx context.Context, id uuid.UUID, now time.Time) (*pipeline.Run, error)
	// LatestRun returns nil when the pipeline never ran.
	LatestRun(ctx context.Context, pipelineID uuid.UUID) (*pipeline.Run, error)
	ListRuns(ctx context.Context, pipelineID uuid.UUID, limit int) ([]pipeline.Run, error)
}

// RunLogRepository stores run log entries
type RunLogRepository interface {
	runlog.Appender
	ListLogs(ctx context.Context, runID uuid.UUID) ([]runlog.Entry, error)
}

// Repository is the full storage surface used by the service.
type Repository interface {
	FeedRepository
	PipelineRepository
	RunRepository
	RunLogRepository
	importer.Store
	Health(ctx context.Context) error
}

// postgresRepository implements Repository on top of sqlx
type postgresRepository struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewPostgres creates a repository backed by PostgreSQL
func NewPostgres(db *sqlx.DB, logger *zap.Logger) Repository {
	return &postgresRepository{db: db, logger: logger}
}

func (r *postgresRepository) Health(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// SQLSTATE codes mapped onto the error taxonomy.
const (
	sqlStateUniqueViolation = "23505"
	sqlStateCheckViolation  = "23514"
	sqlStateNotNull         = "23502"
)

// classify maps driver errors from lib/pq or pgx onto DuplicateKey and
// Constraint errors; anything else is returned wrapped as-is.
func classify(err error, message string) error {
	if err == nil {
		return nil
	}

	code := ""
	var pqErr *pq.Error
	var pgErr *pgconn.PgError
	switch {
	case errors.As(err, &pqErr):
		code = string(pqErr.Code)
	case errors.As(err, &pgErr):
		code = pgErr.Code
	}

	switch code {
	case sqlStateUniqueViolation:
		return apperrors.WrapError(err, apperrors.ErrCodeDuplicateKey, message)
	case sqlStateCheckViolation, sqlStateNotNull:
		return apperrors.WrapError(err, apperrors.ErrCodeConstraint, message)
	}
	return fmt.Errorf("%s: %w", message, err)
}

func staleRun(id uuid.UUID, from pipeline.Status) error {
	return apperrors.WrapError(apperrors.ErrStaleWrite, apperrors.ErrCodeConflict,
		fmt.Sprintf("run %s is no longer %s", id, from))
}

func notFound(kind string, id interface{}) error {
	return apperrors.WrapError(apperrors.ErrNotFound, apperrors.ErrCodeNotFound, fmt.Sprintf("%s not found: %v", kind, id))
}
