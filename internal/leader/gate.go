// Package leader decides which replica performs network side effects for a
// given job. Timers run on every replica; only the leader acts on a tick.
package leader

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"autoclaim/pkg/logger"
)

type Gate interface {
	IsLeader(ctx context.Context, job string) bool
}

// Keeper is a Gate whose leadership lapses unless it is renewed. Work that
// may outlast one lease holds it with Keep and calls stop when done.
type Keeper interface {
	Gate
	Keep(ctx context.Context, job string) (stop func())
}

// GateFunc adapts a plain predicate.
type GateFunc func(ctx context.Context, job string) bool

func (f GateFunc) IsLeader(ctx context.Context, job string) bool { return f(ctx, job) }

// Always is the single-process gate.
func Always() Gate {
	return GateFunc(func(context.Context, string) bool { return true })
}

// ReplicaIndex admits only replica 0, for deployments that number their
// replicas (shards, stateful set ordinals).
func ReplicaIndex(idx int) Gate {
	return GateFunc(func(context.Context, string) bool { return idx == 0 })
}

// renew extends the lease only if we still hold it.
var renew = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

// release deletes the lease only if we still hold it.
var release = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// RedisLock holds a per-job lease in redis. A replica that cannot reach
// redis is not leader. Leases won through IsLeader are remembered and kept
// alive by Heartbeat, so a job that ticks less often than the lease TTL
// does not change hands between ticks.
type RedisLock struct {
	rdb    redis.Cmdable
	prefix string
	holder string
	ttl    time.Duration
	log    *zap.SugaredLogger

	mu   sync.Mutex
	held map[string]bool
}

func NewRedisLock(rdb redis.Cmdable, prefix string, ttl time.Duration, log *zap.SugaredLogger) *RedisLock {
	if log == nil {
		log = logger.Nop()
	}
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &RedisLock{rdb: rdb, prefix: prefix, holder: uuid.NewString(), ttl: ttl, log: log, held: map[string]bool{}}
}

func (l *RedisLock) Holder() string { return l.holder }

func (l *RedisLock) key(job string) string { return l.prefix + ":" + job }

func (l *RedisLock) IsLeader(ctx context.Context, job string) bool {
	leading := l.acquire(ctx, job)
	l.mu.Lock()
	if leading {
		l.held[job] = true
	} else {
		delete(l.held, job)
	}
	l.mu.Unlock()
	return leading
}

func (l *RedisLock) acquire(ctx context.Context, job string) bool {
	ok, err := l.rdb.SetNX(ctx, l.key(job), l.holder, l.ttl).Result()
	if err != nil {
		l.log.Warnw("leader lease acquire failed", "job", job, "err", err)
		return false
	}
	if ok {
		l.log.Infow("leader lease acquired", "job", job, "holder", l.holder)
		return true
	}
	return l.renew(ctx, job)
}

func (l *RedisLock) renew(ctx context.Context, job string) bool {
	n, err := renew.Run(ctx, l.rdb, []string{l.key(job)}, l.holder, l.ttl.Milliseconds()).Int64()
	if err != nil {
		l.log.Warnw("leader lease renew failed", "job", job, "err", err)
		return false
	}
	return n == 1
}

// Renew extends every lease this replica holds and forgets the ones it lost.
func (l *RedisLock) Renew(ctx context.Context) {
	l.mu.Lock()
	jobs := make([]string, 0, len(l.held))
	for job := range l.held {
		jobs = append(jobs, job)
	}
	l.mu.Unlock()
	for _, job := range jobs {
		if l.renew(ctx, job) {
			continue
		}
		l.mu.Lock()
		delete(l.held, job)
		l.mu.Unlock()
		l.log.Warnw("leader lease lost", "job", job)
	}
}

func (l *RedisLock) beat() time.Duration {
	if d := l.ttl / 3; d > time.Millisecond {
		return d
	}
	return time.Millisecond
}

// Heartbeat renews held leases every third of the TTL until ctx is done.
func (l *RedisLock) Heartbeat(ctx context.Context) {
	t := time.NewTicker(l.beat())
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			l.Renew(ctx)
		}
	}
}

// Keep renews the lease on job every third of the TTL until stop is called,
// independently of Heartbeat.
func (l *RedisLock) Keep(ctx context.Context, job string) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		t := time.NewTicker(l.beat())
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if !l.renew(ctx, job) && ctx.Err() == nil {
					l.log.Warnw("leader lease lost while working", "job", job)
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// Release gives the lease up so another replica can take over immediately.
func (l *RedisLock) Release(ctx context.Context, job string) error {
	l.mu.Lock()
	delete(l.held, job)
	l.mu.Unlock()
	return release.Run(ctx, l.rdb, []string{l.key(job)}, l.holder).Err()
}
