// Package runlog records the human-readable history of a pipeline run.
package runlog

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Entry is one append-only log line attached to a run.
type Entry struct {
	ID        uuid.UUID `json:"id" db:"id"`
	RunID     uuid.UUID `json:"run_id" db:"run_id"`
	Level     Level     `json:"level" db:"level"`
	Message   string    `json:"message" db:"message"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Appender persists entries.
type Appender interface {
	AppendLog(ctx context.Context, entry Entry) error
}

// Recorder writes entries for one run and mirrors them to the process log.
type Recorder struct {
	runID    uuid.UUID
	appender Appender
	logger   *zap.Logger
	now      func() time.Time
}

// NewRecorder creates a Recorder for runID that persists through appender
// and tags every process log line with the run id.
func NewRecorder(runID uuid.UUID, appender Appender, logger *zap.Logger) *Recorder {
	return &Recorder{
		runID:    runID,
		appender: appender,
		logger:   logger.With(zap.String("run_id", runID.String())),
		now:      time.Now,
	}
}

// Info records msg at info level.
func (r *Recorder) Info(ctx context.Context, msg string, fields ...zap.Field) {
	r.logger.Info(msg, fields...)
	r.append(ctx, LevelInfo, msg)
}

// Warn records msg at warn level.
func (r *Recorder) Warn(ctx context.Context, msg string, fields ...zap.Field) {
	r.logger.Warn(msg, fields...)
	r.append(ctx, LevelWarn, msg)
}

// Error records msg at error level. The run itself is not failed.
func (r *Recorder) Error(ctx context.Context, msg string, fields ...zap.Field) {
	r.logger.Error(msg, fields...)
	r.append(ctx, LevelError, msg)
}

// A failed append is never fatal to the run.
func (r *Recorder) append(ctx context.Context, level Level, msg string) {
	entry := Entry{
		ID:        uuid.New(),
		RunID:     r.runID,
		Level:     level,
		Message:   msg,
		CreatedAt: r.now(),
	}
	if err := r.appender.AppendLog(ctx, entry); err != nil {
		r.logger.Warn("Failed to append run log entry", zap.Error(err))
	}
}

// MemoryAppender keeps entries in memory.
type MemoryAppender struct {
	mu      sync.Mutex
	entries []Entry
}

func (m *MemoryAppender) AppendLog(_ context.Context, entry Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	return nil
}

// Entries returns a copy of the entries recorded for runID, oldest first.
func (m *MemoryAppender) Entries(runID uuid.UUID) []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Entry
	for _, e := range m.entries {
		if e.RunID == runID {
			out = append(out, e)
		}
	}
	return out
}
