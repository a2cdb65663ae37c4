// Package memory is an in-process implementation of the repository
// interfaces. It enforces the same natural-key uniqueness as the SQL schema.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/Ruscigno/feedpulse/pkg/errors"
	"github.com/Ruscigno/feedpulse/pkg/pipeline"
	"github.com/Ruscigno/feedpulse/pkg/repository"
	"github.com/Ruscigno/feedpulse/pkg/runlog"
	"github.com/Ruscigno/feedpulse/pkg/timeseries"
)

var _ repository.Repository = (*Store)(nil)

type Store struct {
	mu        sync.RWMutex
	feeds     map[uuid.UUID]timeseries.Feed
	pipelines map[uuid.UUID]pipeline.Pipeline
	runs      map[uuid.UUID]pipeline.Run
	logs      map[uuid.UUID][]runlog.Entry
	points    map[timeseries.Key]timeseries.Point
	now       func() time.Time
}

func New() *Store {
	return &Store{
		feeds:     make(map[uuid.UUID]timeseries.Feed),
		pipelines: make(map[uuid.UUID]pipeline.Pipeline),
		runs:      make(map[uuid.UUID]pipeline.Run),
		logs:      make(map[uuid.UUID][]runlog.Entry),
		points:    make(map[timeseries.Key]timeseries.Point),
		now:       time.Now,
	}
}

func (s *Store) Health(context.Context) error { return nil }

func notFound(kind string, id interface{}) error {
	return apperrors.WrapError(apperrors.ErrNotFound, apperrors.ErrCodeNotFound, fmt.Sprintf("%s not found: %v", kind, id))
}

// Feeds

func (s *Store) UpsertFeed(_ context.Context, feed *timeseries.Feed) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for id, existing := range s.feeds {
		if existing.Ticker == feed.Ticker {
			feed.ID = id
			feed.CreatedAt = existing.CreatedAt
			feed.UpdatedAt = now
			s.feeds[id] = *feed
			return nil
		}
	}
	if feed.ID == uuid.Nil {
		feed.ID = uuid.New()
	}
	feed.CreatedAt, feed.UpdatedAt = now, now
	s.feeds[feed.ID] = *feed
	return nil
}

func (s *Store) GetFeed(_ context.Context, id uuid.UUID) (*timeseries.Feed, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.feeds[id]
	if !ok {
		return nil, notFound("feed", id)
	}
	return &f, nil
}

func (s *Store) GetFeedByTicker(_ context.Context, ticker string) (*timeseries.Feed, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, f := range s.feeds {
		if f.Ticker == ticker {
			f := f
			return &f, nil
		}
	}
	return nil, notFound("feed", ticker)
}

func (s *Store) ListFeeds(context.Context) ([]timeseries.Feed, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]timeseries.Feed, 0, len(s.feeds))
	for _, f := range s.feeds {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ticker < out[j].Ticker })
	return out, nil
}

func (s *Store) LatestObservations(context.Context) (map[uuid.UUID]time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	latest := make(map[uuid.UUID]time.Time)
	for _, f := range s.feeds {
		for k := range s.points {
			if k.Ticker != f.Ticker || k.Kind != f.Kind {
				continue
			}
			if f.Kind == timeseries.KindAggregate && k.Timeframe != f.Timeframe {
				continue
			}
			if cur, ok := latest[f.ID]; !ok || k.Ts.After(cur) {
				latest[f.ID] = k.Ts
			}
		}
	}
	return latest, nil
}

// Pipelines

func (s *Store) UpsertPipeline(_ context.Context, p *pipeline.Pipeline) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.feeds[p.FeedID]; !ok {
		return notFound("feed", p.FeedID)
	}
	now := s.now()
	for id, existing := range s.pipelines {
		if existing.FeedID == p.FeedID && existing.Chain == p.Chain {
			p.ID = id
			p.CreatedAt = existing.CreatedAt
			p.UpdatedAt = now
			s.pipelines[id] = *p
			return nil
		}
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.CreatedAt, p.UpdatedAt = now, now
	s.pipelines[p.ID] = *p
	return nil
}

func (s *Store) GetPipeline(_ context.Context, id uuid.UUID) (*pipeline.Pipeline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pipelines[id]
	if !ok {
		return nil, notFound("pipeline", id)
	}
	return &p, nil
}

func (s *Store) ListPipelines(_ context.Context, activeOnly bool) ([]pipeline.Pipeline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []pipeline.Pipeline
	for _, p := range s.pipelines {
		if activeOnly && !p.Active {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) PipelinesForFeed(_ context.Context, feedID uuid.UUID) ([]pipeline.Pipeline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []pipeline.Pipeline
	for _, p := range s.pipelines {
		if p.FeedID == feedID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Runs

func (s *Store) CreateRun(_ context.Context, run *pipeline.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pipelines[run.PipelineID]; !ok {
		return notFound("pipeline", run.PipelineID)
	}
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	if _, ok := s.runs[run.ID]; ok {
		return apperrors.WrapError(apperrors.ErrDuplicateKey, apperrors.ErrCodeDuplicateKey, "run already exists")
	}
	s.runs[run.ID] = *run
	return nil
}

func (s *Store) GetRun(_ context.Context, id uuid.UUID) (*pipeline.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, notFound("run", id)
	}
	return &r, nil
}

func (s *Store) UpdateRun(_ context.Context, run *pipeline.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; !ok {
		return notFound("run", run.ID)
	}
	s.runs[run.ID] = *run
	return nil
}

func (s *Store) UpdateRunFrom(_ context.Context, run *pipeline.Run, from pipeline.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.runs[run.ID]
	if !ok {
		return notFound("run", run.ID)
	}
	if current.Status != from {
		return apperrors.WrapError(apperrors.ErrStaleWrite, apperrors.ErrCodeConflict,
			fmt.Sprintf("run %s is no longer %s", run.ID, from))
	}
	s.runs[run.ID] = *run
	return nil
}

func (s *Store) RequestStop(_ context.Context, id uuid.UUID, now time.Time) (*pipeline.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, notFound("run", id)
	}
	if err := r.RequestStop(now); err != nil {
		return nil, err
	}
	s.runs[id] = r
	return &r, nil
}

func (s *Store) LatestRun(ctx context.Context, pipelineID uuid.UUID) (*pipeline.Run, error) {
	runs, _ := s.ListRuns(ctx, pipelineID, 1)
	if len(runs) == 0 {
		return nil, nil
	}
	return &runs[0], nil
}

func (s *Store) ListRuns(_ context.Context, pipelineID uuid.UUID, limit int) ([]pipeline.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []pipeline.Run
	for _, r := range s.runs {
		if r.PipelineID == pipelineID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Run logs

func (s *Store) AppendLog(_ context.Context, entry runlog.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs[entry.RunID] = append(s.logs[entry.RunID], entry)
	return nil
}

func (s *Store) ListLogs(_ context.Context, runID uuid.UUID) ([]runlog.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]runlog.Entry(nil), s.logs[runID]...), nil
}

// Points

func (s *Store) FindPoint(_ context.Context, key timeseries.Key) (*timeseries.Point, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.points[normalize(key)]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

// InsertPoints is all-or-nothing, like the transactional SQL bulk insert.
func (s *Store) InsertPoints(_ context.Context, points []timeseries.Point) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[timeseries.Key]bool, len(points))
	for _, p := range points {
		k := normalize(p.Key())
		if _, ok := s.points[k]; ok || seen[k] {
			return 0, duplicate(k)
		}
		if err := p.Validate(); err != nil {
			return 0, apperrors.WrapError(err, apperrors.ErrCodeConstraint, "point violates a check constraint")
		}
		seen[k] = true
	}
	for _, p := range points {
		s.points[normalize(p.Key())] = p
	}
	return len(points), nil
}

func (s *Store) InsertPoint(_ context.Context, p timeseries.Point) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := normalize(p.Key())
	if _, ok := s.points[k]; ok {
		return duplicate(k)
	}
	if err := p.Validate(); err != nil {
		return apperrors.WrapError(err, apperrors.ErrCodeConstraint, "point violates a check constraint")
	}
	s.points[k] = p
	return nil
}

func (s *Store) UpdatePoint(_ context.Context, p timeseries.Point) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := normalize(p.Key())
	if _, ok := s.points[k]; !ok {
		return notFound("point", k)
	}
	if err := p.Validate(); err != nil {
		return apperrors.WrapError(err, apperrors.ErrCodeConstraint, "point violates a check constraint")
	}
	s.points[k] = p
	return nil
}

// Points returns every stored point of ticker ordered by timestamp.
func (s *Store) Points(ticker string) []timeseries.Point {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []timeseries.Point
	for _, p := range s.points {
		if p.Ticker == ticker {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ts.Before(out[j].Ts) })
	return out
}

// time.Time values with different locations must map to one key.
func normalize(k timeseries.Key) timeseries.Key {
	k.Ts = k.Ts.UTC()
	return k
}

func duplicate(k timeseries.Key) error {
	return apperrors.WrapError(apperrors.ErrDuplicateKey, apperrors.ErrCodeDuplicateKey, "duplicate key "+k.String())
}
