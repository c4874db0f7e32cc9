// Package claims is the per-claimant daily job: HoYoLAB and Endfield
// check-ins, last-claim bookkeeping and the optional results notification.
package claims

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"autoclaim/internal/batch"
	"autoclaim/internal/notify"
	"autoclaim/internal/store"
	"autoclaim/internal/upstream/hoyolab"
	"autoclaim/internal/upstream/skport"
	"autoclaim/pkg/config"
	"autoclaim/pkg/logger"
)

// ErrAllFailed marks a claimant whose every attempted check-in failed.
var ErrAllFailed = errors.New("claims: every check-in failed")

const resultsColor = 0x00ff00

type Hoyolab interface {
	ClaimAll(ctx context.Context, token string, enabled map[string]bool) []hoyolab.Result
}

type Endfield interface {
	Claim(ctx context.Context, a skport.Account) (skport.Result, error)
}

type Job struct {
	hoyolab  Hoyolab
	endfield Endfield
	notifier notify.Notifier
	now      func() time.Time
	log      *zap.SugaredLogger
}

type Option func(*Job)

func WithClock(now func() time.Time) Option    { return func(j *Job) { j.now = now } }
func WithLogger(log *zap.SugaredLogger) Option { return func(j *Job) { j.log = log } }

func NewJob(h Hoyolab, e Endfield, n notify.Notifier, opts ...Option) *Job {
	j := &Job{hoyolab: h, endfield: e, notifier: n, now: time.Now, log: logger.Nop()}
	for _, o := range opts {
		o(j)
	}
	return j
}

// Run claims every linked account of c and records the outcome on c. The
// batch runner persists c afterwards whatever Run returns.
func (j *Job) Run(ctx context.Context, c *store.Claimant) error {
	log := j.log.With("discord_id", c.DiscordID)
	var sections []string
	attempted, failed := 0, 0

	if c.HasHoyolab() {
		rs := j.hoyolab.ClaimAll(ctx, c.Hoyolab.Token, c.Hoyolab.Games)
		text := hoyolab.FormatResults(rs)
		now := j.now()
		c.Hoyolab.LastClaim = &now
		c.Hoyolab.LastClaimResult = text
		sections = append(sections, "**Hoyolab**\n"+text)
		for _, r := range rs {
			attempted++
			if !r.Success {
				failed++
			}
		}
	}

	if c.HasEndfield() {
		attempted++
		res, err := j.endfield.Claim(ctx, skport.Account{
			Cred:          c.Endfield.CredKey,
			TokenCacheKey: c.Endfield.TokenCacheKey,
			GameID:        c.Endfield.GameID,
			Server:        c.Endfield.Server,
		})
		switch {
		case err != nil:
			failed++
			log.Warnw("endfield claim error", "err", err)
			sections = append(sections, "**SKPORT/Endfield**\n❌ Error: "+err.Error())
		default:
			if !res.Success {
				failed++
			}
			text := res.Summary()
			now := j.now()
			c.Endfield.LastClaim = &now
			c.Endfield.LastClaimResult = text
			sections = append(sections, "**SKPORT/Endfield**\n"+text)
		}
	}

	if c.NotifyOnClaim && c.NotifyURL != "" && len(sections) > 0 {
		j.notify(ctx, log, c, sections)
	}

	if attempted > 0 && failed == attempted {
		return fmt.Errorf("%w: %d of %d", ErrAllFailed, failed, attempted)
	}
	return nil
}

// notify is best effort; the claimant may have removed the webhook.
func (j *Job) notify(ctx context.Context, log *zap.SugaredLogger, c *store.Claimant, sections []string) {
	msg := notify.Message{Embeds: []notify.Embed{{
		Title:       "📋 Daily Claim Results",
		Description: strings.Join(sections, "\n\n"),
		Color:       resultsColor,
		Timestamp:   j.now().UTC().Format(time.RFC3339),
	}}}
	if err := j.notifier.Deliver(ctx, c.NotifyURL, msg); err != nil {
		log.Warnw("claim results undeliverable", "err", err)
	}
}

// NewRunner wires the job into a batch runner over the store's claimants.
func NewRunner(cfg config.ClaimsConfig, st store.Store, job *Job, opts ...batch.Option) *batch.Runner[*store.Claimant] {
	return batch.New(batch.Config[*store.Claimant]{
		Name:      "daily-claims",
		BatchSize: cfg.BatchSize,
		Delay:     cfg.BatchDelay,
		Key:       func(c *store.Claimant) string { return c.DiscordID },
	}, st, job.Run, opts...)
}
