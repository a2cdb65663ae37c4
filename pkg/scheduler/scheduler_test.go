package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Ruscigno/feedpulse/pkg/pipeline"
	"github.com/Ruscigno/feedpulse/pkg/repository/memory"
	"github.com/Ruscigno/feedpulse/pkg/service"
	"github.com/Ruscigno/feedpulse/pkg/timeseries"
)

type recordingQueue struct {
	mu  sync.Mutex
	ids []uuid.UUID
}

func (q *recordingQueue) Enqueue(_ context.Context, id uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ids = append(q.ids, id)
	return nil
}

func (q *recordingQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ids)
}

type fixture struct {
	store *memory.Store
	queue *recordingQueue
	sched *Scheduler
	pipe  *pipeline.Pipeline
}

func newFixture(t *testing.T, locker Locker) *fixture {
	t.Helper()
	ctx := context.Background()
	store := memory.New()
	f := &timeseries.Feed{Ticker: "DGS10", Timeframe: timeseries.D1, Source: "fred", Kind: timeseries.KindSingle}
	require.NoError(t, store.UpsertFeed(ctx, f))
	p := &pipeline.Pipeline{FeedID: f.ID, Chain: "fred_csv", Active: true}
	require.NoError(t, store.UpsertPipeline(ctx, p))

	q := &recordingQueue{}
	svc := service.NewService(store, q, nil, zap.NewNop(), nil)
	return &fixture{
		store: store,
		queue: q,
		pipe:  p,
		sched: New(svc, locker, Config{RequeueAfter: time.Hour}, zap.NewNop()),
	}
}

func TestTickEnqueuesOutdatedFeedOnce(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := context.Background()

	n, err := fx.sched.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// The first run has not started yet.
	n, err = fx.sched.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 1, fx.queue.len())
}

func TestTickCreatesNewRunAfterTerminal(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := context.Background()

	_, err := fx.sched.Tick(ctx)
	require.NoError(t, err)
	run, err := fx.store.GetRun(ctx, fx.queue.ids[0])
	require.NoError(t, err)
	run.Fail(time.Now())
	require.NoError(t, fx.store.UpdateRun(ctx, run))

	n, err := fx.sched.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NotEqual(t, fx.queue.ids[0], fx.queue.ids[1])
}

func TestTickSkipsWorkingRun(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := context.Background()

	run := pipeline.NewRun(fx.pipe.ID, time.Now().Add(-2*time.Hour))
	require.NoError(t, run.Start(time.Now()))
	require.NoError(t, fx.store.CreateRun(ctx, run))

	n, err := fx.sched.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestTickRequeuesOldPendingRun(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := context.Background()

	run := pipeline.NewRun(fx.pipe.ID, time.Now().Add(-2*time.Hour))
	require.NoError(t, fx.store.CreateRun(ctx, run))

	n, err := fx.sched.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []uuid.UUID{run.ID}, fx.queue.ids)
}

func TestTickSkipsLockedFeed(t *testing.T) {
	locker := NewMemoryLocker()
	fx := newFixture(t, locker)
	ctx := context.Background()

	ok, err := locker.Acquire(ctx, "feed:"+fx.pipe.FeedID.String(), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	n, err := fx.sched.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, locker.Release(ctx, "feed:"+fx.pipe.FeedID.String()))
	n, err = fx.sched.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMemoryLockerExpires(t *testing.T) {
	l := NewMemoryLocker()
	clock := time.Now()
	l.now = func() time.Time { return clock }
	ctx := context.Background()

	ok, _ := l.Acquire(ctx, "k", time.Minute)
	assert.True(t, ok)
	ok, _ = l.Acquire(ctx, "k", time.Minute)
	assert.False(t, ok)

	clock = clock.Add(2 * time.Minute)
	ok, _ = l.Acquire(ctx, "k", time.Minute)
	assert.True(t, ok)
}

type fakeLockClient struct {
	keys map[string]string
}

func (f *fakeLockClient) SetNX(ctx context.Context, key string, value interface{}, _ time.Duration) *redis.BoolCmd {
	cmd := redis.NewBoolCmd(ctx)
	if _, ok := f.keys[key]; ok {
		cmd.SetVal(false)
		return cmd
	}
	f.keys[key] = value.(string)
	cmd.SetVal(true)
	return cmd
}

func (f *fakeLockClient) Eval(ctx context.Context, _ string, keys []string, args ...interface{}) *redis.Cmd {
	cmd := redis.NewCmd(ctx)
	if f.keys[keys[0]] != args[0] {
		cmd.SetVal(int64(0))
		return cmd
	}
	delete(f.keys, keys[0])
	cmd.SetVal(int64(1))
	return cmd
}

func TestRedisLockerPrefixesKeys(t *testing.T) {
	client := &fakeLockClient{keys: map[string]string{}}
	l := NewRedisLocker(client, "feedpulse:lock:")
	ctx := context.Background()

	ok, err := l.Acquire(ctx, "feed:1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NotEmpty(t, client.keys["feedpulse:lock:feed:1"])

	ok, err = l.Acquire(ctx, "feed:1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, l.Release(ctx, "feed:1"))
	assert.Empty(t, client.keys)
}

func TestRedisLockerKeepsLockTakenOverByAnotherHolder(t *testing.T) {
	client := &fakeLockClient{keys: map[string]string{}}
	first := NewRedisLocker(client, "feedpulse:lock:")
	second := NewRedisLocker(client, "feedpulse:lock:")
	ctx := context.Background()

	ok, err := first.Acquire(ctx, "feed:1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// The first lock expires and another replica takes the key.
	delete(client.keys, "feedpulse:lock:feed:1")
	ok, err = second.Acquire(ctx, "feed:1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	held := client.keys["feedpulse:lock:feed:1"]

	require.NoError(t, first.Release(ctx, "feed:1"))
	assert.Equal(t, held, client.keys["feedpulse:lock:feed:1"])

	require.NoError(t, second.Release(ctx, "feed:1"))
	assert.Empty(t, client.keys)
}

func TestRedisLockerReleaseWithoutAcquireIsNoop(t *testing.T) {
	client := &fakeLockClient{keys: map[string]string{"feedpulse:lock:feed:1": "someone-else"}}
	l := NewRedisLocker(client, "feedpulse:lock:")

	require.NoError(t, l.Release(context.Background(), "feed:1"))
	assert.Equal(t, "someone-else", client.keys["feedpulse:lock:feed:1"])
}

func TestStartRejectsBadSchedule(t *testing.T) {
	s := New(nil, nil, Config{Spec: "every now and then"}, zap.NewNop())
	assert.Error(t, s.Start(context.Background()))
	assert.NoError(t, s.Stop(context.Background()))
}

func TestStartStop(t *testing.T) {
	fx := newFixture(t, nil)
	fx.sched.cfg.Spec = "@every 10ms"

	require.NoError(t, fx.sched.Start(context.Background()))
	assert.Error(t, fx.sched.Start(context.Background()))
	require.Eventually(t, func() bool { return fx.queue.len() == 1 }, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, fx.sched.Stop(ctx))
}
