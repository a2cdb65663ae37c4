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
	"github.com/Ruscigno/feedpulse/pkg/runlog"
)

// CreateRun creates a new pipeline run
func (r *postgresRepository) CreateRun(ctx context.Context, run *pipeline.Run) error {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}

	query := `
		INSERT INTO pipeline_runs (
			id, pipeline_id, status, stage, n_successful, n_failed, n_skipped,
			created_at, started_at, finished_at, updated_at
		) VALUES (
			:id, :pipeline_id, :status, :stage, :n_successful, :n_failed, :n_skipped,
			:created_at, :started_at, :finished_at, :updated_at
		)`

	if _, err := r.db.NamedExecContext(ctx, query, run); err != nil {
		r.logger.Error("Failed to create run", zap.Error(err), zap.String("pipeline_id", run.PipelineID.String()))
		return classify(err, "failed to create run")
	}

	r.logger.Debug("Run created", zap.String("id", run.ID.String()))
	return nil
}

// GetRun retrieves a run by its ID
func (r *postgresRepository) GetRun(ctx context.Context, id uuid.UUID) (*pipeline.Run, error) {
	var run pipeline.Run
	err := r.db.GetContext(ctx, &run, `SELECT * FROM pipeline_runs WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("run", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return &run, nil
}

// UpdateRun persists status, stage, counters and timestamps of a run
func (r *postgresRepository) UpdateRun(ctx context.Context, run *pipeline.Run) error {
	query := `
		UPDATE pipeline_runs SET
			status = :status,
			stage = :stage,
			n_successful = :n_successful,
			n_failed = :n_failed,
			n_skipped = :n_skipped,
			started_at = :started_at,
			finished_at = :finished_at,
			updated_at = :updated_at
		WHERE id = :id`

	result, err := r.db.NamedExecContext(ctx, query, run)
	if err != nil {
		r.logger.Error("Failed to update run", zap.Error(err), zap.String("id", run.ID.String()))
		return classify(err, "failed to update run")
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return notFound("run", run.ID)
	}
	return nil
}

// UpdateRunFrom persists the run only if its stored status is still from
func (r *postgresRepository) UpdateRunFrom(ctx context.Context, run *pipeline.Run, from pipeline.Status) error {
	query := `
		UPDATE pipeline_runs SET
			status = $3,
			stage = $4,
			n_successful = $5,
			n_failed = $6,
			n_skipped = $7,
			started_at = $8,
			finished_at = $9,
			updated_at = $10
		WHERE id = $1 AND status = $2`

	result, err := r.db.ExecContext(ctx, query,
		run.ID, from, run.Status, run.Stage, run.NSuccessful, run.NFailed, run.NSkipped,
		run.StartedAt, run.FinishedAt, run.UpdatedAt)
	if err != nil {
		r.logger.Error("Failed to update run", zap.Error(err), zap.String("id", run.ID.String()))
		return classify(err, "failed to update run")
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected > 0 {
		return nil
	}
	if _, err := r.GetRun(ctx, run.ID); err != nil {
		return err
	}
	return staleRun(run.ID, from)
}

// RequestStop flags a WORKING run for stopping in a single statement
func (r *postgresRepository) RequestStop(ctx context.Context, id uuid.UUID, now time.Time) (*pipeline.Run, error) {
	query := `
		UPDATE pipeline_runs SET status = $2, updated_at = $3
		WHERE id = $1 AND status = $4
		RETURNING *`

	var run pipeline.Run
	err := r.db.GetContext(ctx, &run, query, id, pipeline.StatusScheduledStop, now, pipeline.StatusWorking)
	if errors.Is(err, sql.ErrNoRows) {
		current, gerr := r.GetRun(ctx, id)
		if gerr != nil {
			return nil, gerr
		}
		if serr := current.RequestStop(now); serr != nil {
			return nil, serr
		}
		return nil, staleRun(id, pipeline.StatusWorking)
	}
	if err != nil {
		r.logger.Error("Failed to request stop", zap.Error(err), zap.String("id", id.String()))
		return nil, classify(err, "failed to request stop")
	}

	r.logger.Debug("Stop requested", zap.String("id", id.String()))
	return &run, nil
}

func (r *postgresRepository) LatestRun(ctx context.Context, pipelineID uuid.UUID) (*pipeline.Run, error) {
	var run pipeline.Run
	err := r.db.GetContext(ctx, &run,
		`SELECT * FROM pipeline_runs WHERE pipeline_id = $1 ORDER BY created_at DESC LIMIT 1`, pipelineID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest run: %w", err)
	}
	return &run, nil
}

func (r *postgresRepository) ListRuns(ctx context.Context, pipelineID uuid.UUID, limit int) ([]pipeline.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	var runs []pipeline.Run
	err := r.db.SelectContext(ctx, &runs,
		`SELECT * FROM pipeline_runs WHERE pipeline_id = $1 ORDER BY created_at DESC LIMIT $2`, pipelineID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return runs, nil
}

// AppendLog appends an entry to a run's log
func (r *postgresRepository) AppendLog(ctx context.Context, entry runlog.Entry) error {
	query := `
		INSERT INTO run_logs (id, run_id, level, message, created_at)
		VALUES (:id, :run_id, :level, :message, :created_at)`

	if _, err := r.db.NamedExecContext(ctx, query, entry); err != nil {
		return fmt.Errorf("failed to append run log: %w", err)
	}
	return nil
}

func (r *postgresRepository) ListLogs(ctx context.Context, runID uuid.UUID) ([]runlog.Entry, error) {
	var entries []runlog.Entry
	err := r.db.SelectContext(ctx, &entries,
		`SELECT * FROM run_logs WHERE run_id = $1 ORDER BY created_at, id`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list run logs: %w", err)
	}
	return entries, nil
}
