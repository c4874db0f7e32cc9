// Package batch runs a per-entity job over every qualifying entity in the
// repository, in fixed-size concurrent batches separated by a pacing delay.
package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"autoclaim/internal/leader"
	"autoclaim/internal/schedule"
	"autoclaim/pkg/logger"
	"autoclaim/pkg/metrics"
)

var (
	ErrRunInProgress = errors.New("batch: run already in progress")
	ErrNotLeader     = errors.New("batch: not leader")
)

// Cursor streams entities one at a time, in the manner of pgx.Rows.
type Cursor[E any] interface {
	Next() bool
	Entity() E
	Err() error
	Close()
}

type Repository[E any] interface {
	Stream(ctx context.Context) (Cursor[E], error)
	// Persist is called once per entity after its job, whatever the outcome.
	Persist(ctx context.Context, e E) error
}

type Job[E any] func(ctx context.Context, e E) error

type Result struct {
	Key        string
	Err        error
	PersistErr error
}

type Summary struct {
	RunID     string    `json:"run_id"`
	Job       string    `json:"job"`
	Total     int       `json:"total"`
	Succeeded int       `json:"succeeded"`
	Failed    int       `json:"failed"`
	Batches   int       `json:"batches"`
	Started   time.Time `json:"started"`
	Finished  time.Time `json:"finished"`
	Failures  []Result  `json:"-"`
	Err       string    `json:"error,omitempty"`
}

type Config[E any] struct {
	Name      string
	BatchSize int
	Delay     time.Duration
	// Key names an entity in logs and results.
	Key func(E) string
}

type Runner[E any] struct {
	cfg  Config[E]
	repo Repository[E]
	job  Job[E]
	o    options

	running atomic.Bool
	mu      sync.Mutex
	last    *Summary
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

func New[E any](cfg Config[E], repo Repository[E], job Job[E], opts ...Option) *Runner[E] {
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
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if cfg.Key == nil {
		cfg.Key = func(e E) string { return fmt.Sprint(e) }
	}
	o.log = o.log.Named(cfg.Name)
	return &Runner[E]{cfg: cfg, repo: repo, job: job, o: o}
}

func (r *Runner[E]) Name() string { return r.cfg.Name }

func (r *Runner[E]) Running() bool { return r.running.Load() }

// Last returns the summary of the most recent completed run.
func (r *Runner[E]) Last() (Summary, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.last == nil {
		return Summary{}, false
	}
	return *r.last, true
}

// Run streams every entity through the job. Scheduled and manual triggers
// both land here; a second call while one is active gets ErrRunInProgress.
// Per-entity failures are counted in the summary, never returned.
func (r *Runner[E]) Run(ctx context.Context) (Summary, error) {
	if !r.running.CompareAndSwap(false, true) {
		return Summary{}, ErrRunInProgress
	}
	defer r.running.Store(false)
	if err := r.lead(ctx); err != nil {
		return Summary{}, err
	}
	return r.execute(ctx)
}

// Start claims the run slot and checks leadership synchronously, then runs in
// the background. ctx must outlive the caller's request.
func (r *Runner[E]) Start(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		return ErrRunInProgress
	}
	if err := r.lead(ctx); err != nil {
		r.running.Store(false)
		return err
	}
	go func() {
		defer r.running.Store(false)
		_, _ = r.execute(ctx)
	}()
	return nil
}

func (r *Runner[E]) lead(ctx context.Context) error {
	leading := r.o.gate.IsLeader(ctx, r.cfg.Name)
	r.o.m.LeaderDecisions.WithLabelValues(r.cfg.Name, fmt.Sprint(leading)).Inc()
	if !leading {
		return ErrNotLeader
	}
	return nil
}

func (r *Runner[E]) execute(ctx context.Context) (Summary, error) {
	// A run can outlast the lease it was admitted under.
	if k, ok := r.o.gate.(leader.Keeper); ok {
		defer k.Keep(ctx, r.cfg.Name)()
	}
	s := Summary{RunID: uuid.NewString(), Job: r.cfg.Name, Started: r.o.now()}
	log := r.o.log.With("run_id", s.RunID)
	r.o.m.BatchRuns.WithLabelValues(r.cfg.Name).Inc()
	log.Infow("batch run started", "batch_size", r.cfg.BatchSize, "delay", r.cfg.Delay)

	err := r.run(ctx, log, &s)
	s.Finished = r.o.now()
	if err != nil {
		s.Err = err.Error()
		log.Errorw("batch run aborted", "err", err, "completed", s.Total)
	} else {
		log.Infow("batch run finished", "total", s.Total, "succeeded", s.Succeeded, "failed", s.Failed, "batches", s.Batches)
	}
	r.o.m.BatchDuration.WithLabelValues(r.cfg.Name).Observe(s.Finished.Sub(s.Started).Seconds())

	r.mu.Lock()
	snap := s
	r.last = &snap
	r.mu.Unlock()
	return s, err
}

func (r *Runner[E]) run(ctx context.Context, log *zap.SugaredLogger, s *Summary) error {
	cur, err := r.repo.Stream(ctx)
	if err != nil {
		return fmt.Errorf("stream entities: %w", err)
	}
	defer cur.Close()

	buf := make([]E, 0, r.cfg.BatchSize)
	for {
		buf = buf[:0]
		for len(buf) < r.cfg.BatchSize && cur.Next() {
			buf = append(buf, cur.Entity())
		}
		if len(buf) == 0 {
			break
		}
		if s.Batches > 0 {
			if err := r.o.sleep(ctx, r.cfg.Delay); err != nil {
				return fmt.Errorf("pacing: %w", err)
			}
		}
		s.Batches++
		for _, res := range r.runBatch(ctx, log, buf) {
			s.Total++
			if res.Err != nil {
				s.Failed++
				s.Failures = append(s.Failures, res)
			} else {
				s.Succeeded++
			}
		}
		if len(buf) < r.cfg.BatchSize {
			break
		}
	}
	if err := cur.Err(); err != nil {
		return fmt.Errorf("stream entities: %w", err)
	}
	return nil
}

// runBatch starts every job in the batch and waits for all of them.
func (r *Runner[E]) runBatch(ctx context.Context, log *zap.SugaredLogger, batch []E) []Result {
	results := make([]Result, len(batch))
	var g errgroup.Group
	for i, e := range batch {
		i, e := i, e
		g.Go(func() error {
			key := r.cfg.Key(e)
			err := r.safeJob(ctx, e)
			perr := r.repo.Persist(ctx, e)
			if err != nil {
				log.Warnw("entity job failed", "entity", key, "err", err)
			}
			if perr != nil {
				log.Warnw("persist failed", "entity", key, "err", perr)
			}
			r.o.m.BatchEntities.WithLabelValues(r.cfg.Name, metrics.Outcome(err)).Inc()
			results[i] = Result{Key: key, Err: err, PersistErr: perr}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (r *Runner[E]) safeJob(ctx context.Context, e E) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("job panicked: %v", p)
		}
	}()
	return r.job(ctx, e)
}

// SliceCursor walks an in-memory slice.
type SliceCursor[E any] struct {
	items []E
	pos   int
}

func NewSliceCursor[E any](items []E) *SliceCursor[E] {
	return &SliceCursor[E]{items: items, pos: -1}
}

func (c *SliceCursor[E]) Next() bool {
	if c.pos+1 >= len(c.items) {
		return false
	}
	c.pos++
	return true
}

func (c *SliceCursor[E]) Entity() E  { return c.items[c.pos] }
func (c *SliceCursor[E]) Err() error { return nil }
func (c *SliceCursor[E]) Close()     {}
