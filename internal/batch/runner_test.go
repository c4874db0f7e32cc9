package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autoclaim/internal/leader"
)

type memRepo struct {
	ents      []string
	streamErr error

	mu        sync.Mutex
	persisted []string
	streamed  int
}

func (m *memRepo) Stream(ctx context.Context) (Cursor[string], error) {
	m.mu.Lock()
	m.streamed++
	m.mu.Unlock()
	if m.streamErr != nil {
		return nil, m.streamErr
	}
	return NewSliceCursor(m.ents), nil
}

func (m *memRepo) Persist(ctx context.Context, e string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.persisted = append(m.persisted, e)
	return nil
}

func entities(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("E%d", i+1)
	}
	return out
}

// recordingSleeper notes how many jobs had finished at each pacing delay.
type recordingSleeper struct {
	mu       sync.Mutex
	finished *atomic.Int32
	at       []int32
	delays   []time.Duration
}

func (s *recordingSleeper) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.at = append(s.at, s.finished.Load())
	s.delays = append(s.delays, d)
	return nil
}

func TestRun_BatchesIsolationAndPersist(t *testing.T) {
	repo := &memRepo{ents: entities(10)}
	var active, maxActive, finished atomic.Int32
	slp := &recordingSleeper{finished: &finished}

	job := func(ctx context.Context, e string) error {
		n := active.Add(1)
		for {
			m := maxActive.Load()
			if n <= m || maxActive.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		active.Add(-1)
		finished.Add(1)
		if e == "E4" {
			return errors.New("upstream said no")
		}
		return nil
	}

	r := New(Config[string]{Name: "daily-claims", BatchSize: 3, Delay: 2 * time.Second}, repo, job,
		WithSleeper(slp.sleep))
	s, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 10, s.Total)
	assert.Equal(t, 9, s.Succeeded)
	assert.Equal(t, 1, s.Failed)
	assert.Equal(t, 4, s.Batches)
	require.Len(t, s.Failures, 1)
	assert.Equal(t, "E4", s.Failures[0].Key)
	assert.NotEmpty(t, s.RunID)

	// Three pacing delays, each after a full batch: 3,3,3 then 1.
	assert.Equal(t, []int32{3, 6, 9}, slp.at)
	assert.Equal(t, []time.Duration{2 * time.Second, 2 * time.Second, 2 * time.Second}, slp.delays)
	assert.Equal(t, int32(3), maxActive.Load())

	assert.ElementsMatch(t, entities(10), repo.persisted)

	last, ok := r.Last()
	require.True(t, ok)
	assert.Equal(t, s.RunID, last.RunID)
}

func TestRun_PanicIsIsolated(t *testing.T) {
	repo := &memRepo{ents: entities(4)}
	r := New(Config[string]{Name: "job", BatchSize: 4}, repo, func(ctx context.Context, e string) error {
		if e == "E2" {
			panic("nil map")
		}
		return nil
	}, WithSleeper(func(context.Context, time.Duration) error { return nil }))

	s, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, s.Succeeded)
	assert.Equal(t, 1, s.Failed)
	assert.Contains(t, s.Failures[0].Err.Error(), "panicked")
	assert.Len(t, repo.persisted, 4)
}

func TestRun_RejectsOverlap(t *testing.T) {
	repo := &memRepo{ents: entities(1)}
	started := make(chan struct{})
	release := make(chan struct{})
	r := New(Config[string]{Name: "job", BatchSize: 1}, repo, func(ctx context.Context, e string) error {
		close(started)
		<-release
		return nil
	})

	done := make(chan error, 1)
	go func() {
		_, err := r.Run(context.Background())
		done <- err
	}()
	<-started
	assert.True(t, r.Running())
	_, err := r.Run(context.Background())
	assert.ErrorIs(t, err, ErrRunInProgress)

	close(release)
	require.NoError(t, <-done)
	assert.False(t, r.Running())
}

func TestStart_ClaimsSlotSynchronously(t *testing.T) {
	repo := &memRepo{ents: entities(2)}
	release := make(chan struct{})
	r := New(Config[string]{Name: "job", BatchSize: 2}, repo, func(ctx context.Context, e string) error {
		<-release
		return nil
	})

	require.NoError(t, r.Start(context.Background()))
	assert.ErrorIs(t, r.Start(context.Background()), ErrRunInProgress)
	_, err := r.Run(context.Background())
	assert.ErrorIs(t, err, ErrRunInProgress)

	close(release)
	require.Eventually(t, func() bool { return !r.Running() }, time.Second, 5*time.Millisecond)
	s, ok := r.Last()
	require.True(t, ok)
	assert.Equal(t, 2, s.Succeeded)

	follower := New(Config[string]{Name: "job"}, repo, func(context.Context, string) error { return nil },
		WithGate(leader.ReplicaIndex(1)))
	assert.ErrorIs(t, follower.Start(context.Background()), ErrNotLeader)
	assert.False(t, follower.Running())
}

func TestStart_LeaseHeldForWholeRun(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	ttl := 150 * time.Millisecond

	var active, peak atomic.Int32
	release := make(chan struct{})
	job := func(ctx context.Context, e string) error {
		n := active.Add(1)
		defer active.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		return nil
	}
	cfg := Config[string]{Name: "daily-claims", BatchSize: 1}
	a := New(cfg, &memRepo{ents: entities(1)}, job, WithGate(leader.NewRedisLock(rdb, "lk", ttl, nil)))
	b := New(cfg, &memRepo{ents: entities(1)}, job, WithGate(leader.NewRedisLock(rdb, "lk", ttl, nil)))

	require.NoError(t, a.Start(context.Background()))
	// The run outlives several TTLs; miniredis expires keys only on FastForward.
	for i := 0; i < 5; i++ {
		time.Sleep(2 * ttl / 3)
		mr.FastForward(2 * ttl / 3)
	}
	assert.ErrorIs(t, b.Start(context.Background()), ErrNotLeader)
	assert.True(t, a.Running())

	close(release)
	require.Eventually(t, func() bool { return !a.Running() }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), peak.Load())
}

func TestRun_NotLeaderDoesNothing(t *testing.T) {
	repo := &memRepo{ents: entities(3)}
	var calls atomic.Int32
	r := New(Config[string]{Name: "job", BatchSize: 3}, repo, func(ctx context.Context, e string) error {
		calls.Add(1)
		return nil
	}, WithGate(leader.ReplicaIndex(1)))

	_, err := r.Run(context.Background())
	assert.ErrorIs(t, err, ErrNotLeader)
	assert.Zero(t, calls.Load())
	assert.Zero(t, repo.streamed)
	_, ok := r.Last()
	assert.False(t, ok)
}

func TestRun_StreamFailure(t *testing.T) {
	repo := &memRepo{streamErr: errors.New("connection refused")}
	r := New(Config[string]{Name: "job", BatchSize: 3}, repo, func(ctx context.Context, e string) error { return nil })

	s, err := r.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, s.Err, "connection refused")
	assert.Zero(t, s.Total)
}

func TestRun_CancelledDuringPacing(t *testing.T) {
	repo := &memRepo{ents: entities(5)}
	ctx, cancel := context.WithCancel(context.Background())
	r := New(Config[string]{Name: "job", BatchSize: 2, Delay: time.Hour}, repo,
		func(ctx context.Context, e string) error { return nil },
		WithSleeper(func(ctx context.Context, d time.Duration) error {
			cancel()
			return ctx.Err()
		}))

	s, err := r.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 2, s.Total)
	assert.Len(t, repo.persisted, 2)
}

func TestRun_EmptyRepository(t *testing.T) {
	r := New(Config[string]{Name: "job", BatchSize: 5}, &memRepo{}, func(ctx context.Context, e string) error { return nil })
	s, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, s.Total)
	assert.Zero(t, s.Batches)
}
