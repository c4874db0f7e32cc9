// Package schedule holds the timer adapters that drive pollers and batch
// runs. The adapters only decide when to call; the work itself lives in the
// tick/run functions they are handed, which tests invoke directly.
package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"autoclaim/pkg/logger"
)

// Sleeper waits for d or until ctx is done. Pacing delays go through one so
// tests can observe them without waiting.
type Sleeper func(ctx context.Context, d time.Duration) error

func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Every calls fn immediately and then once per interval until ctx is done.
// A panic in fn is logged and the loop keeps going.
func Every(ctx context.Context, name string, interval time.Duration, log *zap.SugaredLogger, fn func(context.Context)) {
	if log == nil {
		log = logger.Nop()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		safeCall(ctx, name, log, fn)
		select {
		case <-ctx.Done():
			log.Infow("interval stopped", "job", name)
			return
		case <-t.C:
		}
	}
}

func safeCall(ctx context.Context, name string, log *zap.SugaredLogger, fn func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorw("scheduled job panicked", "job", name, "panic", r)
		}
	}()
	fn(ctx)
}

// Daily runs jobs once a day at a fixed wall-clock time in a named zone.
type Daily struct {
	c    *cron.Cron
	spec string
	loc  *time.Location
	log  *zap.SugaredLogger
}

func NewDaily(hour, minute int, tz string, log *zap.SugaredLogger) (*Daily, error) {
	if log == nil {
		log = logger.Nop()
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return nil, fmt.Errorf("schedule: invalid time %02d:%02d", hour, minute)
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("schedule: time zone %q: %w", tz, err)
	}
	cl := cronLogger{log}
	return &Daily{
		c:    cron.New(cron.WithLocation(loc), cron.WithChain(cron.Recover(cl)), cron.WithLogger(cl)),
		spec: fmt.Sprintf("%d %d * * *", minute, hour),
		loc:  loc,
		log:  log,
	}, nil
}

// Add registers fn under name. fn receives ctx on every firing.
func (d *Daily) Add(ctx context.Context, name string, fn func(context.Context)) error {
	_, err := d.c.AddFunc(d.spec, func() {
		d.log.Infow("daily job firing", "job", name)
		fn(ctx)
	})
	if err != nil {
		return fmt.Errorf("schedule: add %s: %w", name, err)
	}
	return nil
}

// Next reports the next firing after now.
func (d *Daily) Next(now time.Time) time.Time {
	sched, err := cron.ParseStandard(d.spec)
	if err != nil {
		return time.Time{}
	}
	return sched.Next(now.In(d.loc))
}

func (d *Daily) Start() { d.c.Start() }

// Stop halts the scheduler and waits for running jobs or ctx, whichever is first.
func (d *Daily) Stop(ctx context.Context) {
	done := d.c.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

// cronLogger adapts zap to cron's logger.
type cronLogger struct{ log *zap.SugaredLogger }

func (l cronLogger) Info(msg string, kv ...interface{}) { l.log.Debugw("cron: "+msg, kv...) }

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.log.Errorw("cron: "+msg, append(kv, "err", err)...)
}
