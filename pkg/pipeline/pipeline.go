// Package pipeline models a feed's ingestion pipeline and the state machine
// of its individual runs.
package pipeline

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/Ruscigno/feedpulse/pkg/errors"
)

// Status is the lifecycle status of a run.
type Status string

const (
	StatusPending       Status = "PENDING"
	StatusWorking       Status = "WORKING"
	StatusScheduledStop Status = "SCHEDULED_STOP"
	StatusCompleted     Status = "COMPLETED"
	StatusFailed        Status = "FAILED"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusWorking, StatusScheduledStop, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Stage is the position of a run within the ingestion sequence.
type Stage string

const (
	StageStart          Stage = "START"
	StageFetch          Stage = "FETCH"
	StageTransform      Stage = "TRANSFORM"
	StageImport         Stage = "IMPORT"
	StagePostProcessing Stage = "POST_PROCESSING"
	StageFinish         Stage = "FINISH"
)

var stageOrder = map[Stage]int{
	StageStart:          0,
	StageFetch:          1,
	StageTransform:      2,
	StageImport:         3,
	StagePostProcessing: 4,
	StageFinish:         5,
}

func (s Stage) Valid() bool {
	_, ok := stageOrder[s]
	return ok
}

// Before reports whether s precedes o in the stage sequence.
func (s Stage) Before(o Stage) bool {
	return stageOrder[s] < stageOrder[o]
}

// Pipeline binds a feed to the chain that ingests it.
type Pipeline struct {
	ID        uuid.UUID `json:"id" db:"id"`
	FeedID    uuid.UUID `json:"feed_id" db:"feed_id"`
	Chain     string    `json:"chain" db:"chain"`
	Active    bool      `json:"active" db:"active"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Run is one execution attempt of a pipeline.
type Run struct {
	ID          uuid.UUID  `json:"id" db:"id"`
	PipelineID  uuid.UUID  `json:"pipeline_id" db:"pipeline_id"`
	Status      Status     `json:"status" db:"status"`
	Stage       Stage      `json:"stage" db:"stage"`
	NSuccessful int        `json:"n_successful" db:"n_successful"`
	NFailed     int        `json:"n_failed" db:"n_failed"`
	NSkipped    int        `json:"n_skipped" db:"n_skipped"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty" db:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty" db:"finished_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
}

// NewRun returns a fresh run in (PENDING, START) with zero counters.
func NewRun(pipelineID uuid.UUID, now time.Time) *Run {
	return &Run{
		ID:         uuid.New(),
		PipelineID: pipelineID,
		Status:     StatusPending,
		Stage:      StageStart,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// CanRun reports whether the run may be executed. Only a never-started run
// qualifies; re-delivery of a started run is a no-op.
func (r *Run) CanRun() bool {
	return r.Status == StatusPending && r.Stage == StageStart
}

// Terminal reports whether the run has finished, successfully or not.
func (r *Run) Terminal() bool {
	return r.Status == StatusCompleted || r.Status == StatusFailed
}

// InFlight reports whether the run is queued or executing.
func (r *Run) InFlight() bool {
	return r.Status == StatusPending || r.Status == StatusWorking || r.Status == StatusScheduledStop
}

// Reset returns the run to (PENDING, START) with zero counters from any state.
func (r *Run) Reset(now time.Time) {
	r.Status = StatusPending
	r.Stage = StageStart
	r.NSuccessful, r.NFailed, r.NSkipped = 0, 0, 0
	r.StartedAt = nil
	r.FinishedAt = nil
	r.UpdatedAt = now
}

// Start moves a runnable run into (WORKING, FETCH).
func (r *Run) Start(now time.Time) error {
	if !r.CanRun() {
		return r.transitionError("start")
	}
	r.Status = StatusWorking
	r.Stage = StageFetch
	r.StartedAt = &now
	r.UpdatedAt = now
	return nil
}

// Advance moves a working run strictly forward to stage.
func (r *Run) Advance(stage Stage, now time.Time) error {
	if r.Status != StatusWorking {
		return r.transitionError("advance to " + string(stage))
	}
	if !stage.Valid() || !r.Stage.Before(stage) {
		return apperrors.WrapError(apperrors.ErrInvalidState, apperrors.ErrCodeInvalidState,
			fmt.Sprintf("stage cannot move from %s to %s", r.Stage, stage))
	}
	r.Stage = stage
	r.UpdatedAt = now
	return nil
}

// Complete finalises a working run as (COMPLETED, FINISH).
func (r *Run) Complete(now time.Time) error {
	if r.Status != StatusWorking {
		return r.transitionError("complete")
	}
	r.Status = StatusCompleted
	r.Stage = StageFinish
	r.FinishedAt = &now
	r.UpdatedAt = now
	return nil
}

// Fail marks the run as FAILED, keeping the stage it failed in.
func (r *Run) Fail(now time.Time) {
	r.Status = StatusFailed
	r.FinishedAt = &now
	r.UpdatedAt = now
}

// RequestStop asks a working run to stop at its next stage boundary.
func (r *Run) RequestStop(now time.Time) error {
	if r.Status != StatusWorking {
		return r.transitionError("request stop")
	}
	r.Status = StatusScheduledStop
	r.UpdatedAt = now
	return nil
}

// AddCounters adds row outcomes to the run totals.
func (r *Run) AddCounters(successful, failed, skipped int) error {
	if successful < 0 || failed < 0 || skipped < 0 {
		return apperrors.Validation("run counters cannot decrease")
	}
	r.NSuccessful += successful
	r.NFailed += failed
	r.NSkipped += skipped
	return nil
}

func (r *Run) transitionError(action string) error {
	return apperrors.WrapError(apperrors.ErrInvalidState, apperrors.ErrCodeInvalidState,
		fmt.Sprintf("cannot %s run %s in (%s, %s)", action, r.ID, r.Status, r.Stage))
}

// StatusView is a pipeline's status as seen through its latest run.
type StatusView struct {
	PipelineID  uuid.UUID  `json:"pipeline_id"`
	RunID       *uuid.UUID `json:"run_id,omitempty"`
	Status      Status     `json:"status"`
	Stage       Stage      `json:"stage"`
	NSuccessful int        `json:"n_successful"`
	NFailed     int        `json:"n_failed"`
	NSkipped    int        `json:"n_skipped"`
}

// ViewOf builds the view for a pipeline. A pipeline without runs reads as
// PENDING/START with zero counters.
func ViewOf(pipelineID uuid.UUID, latest *Run) StatusView {
	v := StatusView{PipelineID: pipelineID, Status: StatusPending, Stage: StageStart}
	if latest == nil {
		return v
	}
	id := latest.ID
	v.RunID = &id
	v.Status = latest.Status
	v.Stage = latest.Stage
	v.NSuccessful = latest.NSuccessful
	v.NFailed = latest.NFailed
	v.NSkipped = latest.NSkipped
	return v
}
