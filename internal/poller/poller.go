// Package poller turns a feed that can only be read as a whole snapshot into
// a stream of new/edited items, delivered at a bounded pace.
//
// A poller starts Cold. Its first leader tick is the warm pass: the snapshot
// seeds the dedup cache and nothing is emitted. Every later tick classifies
// the snapshot, prunes, enriches and delivers.
package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"autoclaim/internal/dedup"
	"autoclaim/internal/leader"
	"autoclaim/internal/schedule"
	"autoclaim/pkg/logger"
	"autoclaim/pkg/metrics"
)

var (
	ErrUpstreamUnavailable = errors.New("poller: upstream unavailable")
	ErrTickInProgress      = errors.New("poller: tick already in progress")
)

type State int32

const (
	Cold State = iota
	Warming
	Steady
)

func (s State) String() string {
	switch s {
	case Warming:
		return "warming"
	case Steady:
		return "steady"
	default:
		return "cold"
	}
}

type Change[T any] struct {
	Kind dedup.Kind
	Item T
}

type ChangeSet[T any] []Change[T]

type Config[T any] struct {
	Name        string
	Identity    func(T) string
	Fingerprint func(T) string

	// Fetch returns the current snapshot. Seed, when set, is used for the
	// warm pass instead (feeds that seed from a deeper page).
	Fetch func(ctx context.Context) ([]T, error)
	Seed  func(ctx context.Context) ([]T, error)

	// Enrich may fill in secondary data on the changes before delivery.
	Enrich func(ctx context.Context, cs ChangeSet[T]) ChangeSet[T]
	// Deliver hands one change to the notification boundary.
	Deliver func(ctx context.Context, c Change[T]) error

	DeliveryCap   int
	DeliveryDelay time.Duration
}

type TickReport[T any] struct {
	Feed      string
	State     State
	Leader    bool
	Warm      bool
	Fetched   int
	Changes   ChangeSet[T]
	Pruned    int
	Delivered int
	Failed    int
	Dropped   int
	Err       error
}

type Poller[T any] struct {
	cfg   Config[T]
	cache *dedup.Cache
	o     options

	state   atomic.Int32
	running atomic.Bool

	mu       sync.Mutex
	lastTick time.Time
}

type options struct {
	gate  leader.Gate
	sleep schedule.Sleeper
	now   func() time.Time
	log   *zap.SugaredLogger
	m     *metrics.Metrics
}

type Option func(*options)

func WithGate(g leader.Gate) Option          { return func(o *options) { o.gate = g } }
func WithSleeper(s schedule.Sleeper) Option  { return func(o *options) { o.sleep = s } }
func WithClock(now func() time.Time) Option  { return func(o *options) { o.now = now } }
func WithLogger(l *zap.SugaredLogger) Option { return func(o *options) { o.log = l } }
func WithMetrics(m *metrics.Metrics) Option  { return func(o *options) { o.m = m } }

// New builds a poller over cache; the cache must not be shared with another poller.
func New[T any](cfg Config[T], cache *dedup.Cache, opts ...Option) *Poller[T] {
	o := options{
		gate:  leader.Always(),
		sleep: schedule.Sleep,
		now:   time.Now,
		log:   logger.Nop(),
		m:     metrics.Nop(),
	}
	for _, fn := range opts {
		fn(&o)
	}
	if cfg.Seed == nil {
		cfg.Seed = cfg.Fetch
	}
	o.log = o.log.Named(cfg.Name)
	return &Poller[T]{cfg: cfg, cache: cache, o: o}
}

func (p *Poller[T]) Name() string { return p.cfg.Name }

func (p *Poller[T]) State() State { return State(p.state.Load()) }

func (p *Poller[T]) LastTick() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastTick
}

// Tick runs one poll cycle. Failures are reported, never panicked; the
// returned error is the report's Err.
func (p *Poller[T]) Tick(ctx context.Context) (rep TickReport[T], err error) {
	rep.Feed = p.cfg.Name
	if !p.running.CompareAndSwap(false, true) {
		rep.Err = ErrTickInProgress
		return rep, rep.Err
	}
	defer p.running.Store(false)
	defer func() {
		if r := recover(); r != nil {
			rep.Err = fmt.Errorf("poller %s: tick panicked: %v", p.cfg.Name, r)
			err = rep.Err
			p.o.log.Errorw("tick panicked", "panic", r)
		}
		rep.State = p.State()
		p.o.m.PollTicks.WithLabelValues(p.cfg.Name, metrics.Outcome(rep.Err)).Inc()
		p.mu.Lock()
		p.lastTick = p.o.now()
		p.mu.Unlock()
	}()

	rep.Leader = p.o.gate.IsLeader(ctx, p.cfg.Name)
	p.o.m.LeaderDecisions.WithLabelValues(p.cfg.Name, fmt.Sprint(rep.Leader)).Inc()
	if !rep.Leader {
		// A replica that loses the lease re-warms before it emits again.
		p.state.Store(int32(Cold))
		return rep, nil
	}

	if p.State() != Steady {
		rep.Warm = true
		rep.Err = p.warm(ctx, &rep)
		return rep, rep.Err
	}

	items, ferr := p.cfg.Fetch(ctx)
	if ferr != nil {
		rep.Err = fmt.Errorf("%w: %s: %v", ErrUpstreamUnavailable, p.cfg.Name, ferr)
		p.o.log.Errorw("fetch failed, skipping tick", "err", ferr)
		return rep, rep.Err
	}
	rep.Fetched = len(items)

	for _, it := range items {
		switch k := p.cache.Classify(p.cfg.Identity(it), p.cfg.Fingerprint(it)); k {
		case dedup.KindNew, dedup.KindEdited:
			rep.Changes = append(rep.Changes, Change[T]{Kind: k, Item: it})
			p.o.m.PollChanges.WithLabelValues(p.cfg.Name, k.String()).Inc()
		}
	}
	rep.Pruned = p.cache.Prune()
	p.o.m.DedupEntries.WithLabelValues(p.cfg.Name).Set(float64(p.cache.Len()))

	if len(rep.Changes) == 0 {
		return rep, nil
	}
	if p.cfg.Enrich != nil {
		rep.Changes = p.cfg.Enrich(ctx, rep.Changes)
	}
	p.deliver(ctx, &rep)
	p.o.log.Infow("tick delivered", "fetched", rep.Fetched, "changes", len(rep.Changes),
		"delivered", rep.Delivered, "failed", rep.Failed, "dropped", rep.Dropped)
	return rep, nil
}

func (p *Poller[T]) warm(ctx context.Context, rep *TickReport[T]) error {
	p.state.Store(int32(Warming))
	items, err := p.cfg.Seed(ctx)
	if err != nil {
		p.state.Store(int32(Cold))
		p.o.log.Errorw("warm pass failed, retrying next tick", "err", err)
		return fmt.Errorf("%w: %s warm: %v", ErrUpstreamUnavailable, p.cfg.Name, err)
	}
	for _, it := range items {
		p.cache.Classify(p.cfg.Identity(it), p.cfg.Fingerprint(it))
	}
	rep.Fetched = len(items)
	rep.Pruned = p.cache.Prune()
	p.o.m.DedupEntries.WithLabelValues(p.cfg.Name).Set(float64(p.cache.Len()))
	p.state.Store(int32(Steady))
	p.o.log.Infow("warm pass complete", "seeded", len(items), "cached", p.cache.Len())
	return nil
}

// deliver hands changes over one at a time with a fixed gap, at most
// DeliveryCap per tick. Delivery failures are logged and counted only.
func (p *Poller[T]) deliver(ctx context.Context, rep *TickReport[T]) {
	if p.cfg.Deliver == nil {
		return
	}
	n := len(rep.Changes)
	if p.cfg.DeliveryCap > 0 && n > p.cfg.DeliveryCap {
		rep.Dropped = n - p.cfg.DeliveryCap
		n = p.cfg.DeliveryCap
		p.o.log.Warnw("delivery cap reached", "cap", p.cfg.DeliveryCap, "dropped", rep.Dropped)
	}
	for i := 0; i < n; i++ {
		if i > 0 {
			if err := p.o.sleep(ctx, p.cfg.DeliveryDelay); err != nil {
				rep.Dropped += n - i
				return
			}
		}
		c := rep.Changes[i]
		err := p.cfg.Deliver(ctx, c)
		p.o.m.Deliveries.WithLabelValues(p.cfg.Name, metrics.Outcome(err)).Inc()
		if err != nil {
			rep.Failed++
			p.o.log.Warnw("delivery failed", "item", p.cfg.Identity(c.Item), "err", err)
			continue
		}
		rep.Delivered++
	}
}

// EnrichByKey resolves one lookup per distinct key across the change set and
// applies the result to every change sharing that key. Items whose lookup
// fails are left as they are.
func EnrichByKey[T, V any](ctx context.Context, cs ChangeSet[T], key func(T) string,
	lookup func(ctx context.Context, key string) (V, error), apply func(T, V) T) ChangeSet[T] {
	type res struct {
		v   V
		err error
	}
	seen := map[string]res{}
	out := make(ChangeSet[T], len(cs))
	for i, c := range cs {
		out[i] = c
		k := key(c.Item)
		if k == "" {
			continue
		}
		r, ok := seen[k]
		if !ok {
			v, err := lookup(ctx, k)
			r = res{v: v, err: err}
			seen[k] = r
		}
		if r.err == nil {
			out[i].Item = apply(c.Item, r.v)
		}
	}
	return out
}
