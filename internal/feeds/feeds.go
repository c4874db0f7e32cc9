// Package feeds binds the upstream feed clients to pollers and fans each
// change out to the subscribed guild webhooks.
package feeds

import (
	"context"
	"fmt"
	"regexp"
	"sync"

	"go.uber.org/zap"

	"autoclaim/internal/notify"
	"autoclaim/internal/store"
	"autoclaim/pkg/logger"
)

type Subscriptions interface {
	ListFeedSubscriptions(ctx context.Context, feed string) ([]store.FeedSubscription, error)
}

// Sinks is where a feed's changes go.
type Sinks struct {
	Subs     Subscriptions
	Notifier notify.Notifier
	Log      *zap.SugaredLogger
}

// fanout delivers one message to every subscription whose title filter
// matches.
type fanout struct {
	feed    string
	sinks   Sinks
	compile func(expr string) (*regexp.Regexp, error)
	log     *zap.SugaredLogger

	mu      sync.Mutex
	filters map[string]*regexp.Regexp
}

func newFanout(feed string, sinks Sinks, compile func(string) (*regexp.Regexp, error)) *fanout {
	log := sinks.Log
	if log == nil {
		log = logger.Nop()
	}
	return &fanout{
		feed:    feed,
		sinks:   sinks,
		compile: compile,
		log:     log.Named(feed),
		filters: map[string]*regexp.Regexp{},
	}
}

func (f *fanout) deliver(ctx context.Context, title string, msg notify.Message) error {
	subs, err := f.sinks.Subs.ListFeedSubscriptions(ctx, f.feed)
	if err != nil {
		return fmt.Errorf("feeds %s: subscriptions: %w", f.feed, err)
	}
	var recipients []string
	for _, s := range subs {
		re, err := f.filter(s.Filter)
		if err != nil {
			f.log.Warnw("subscription filter invalid, skipping", "guild_id", s.GuildID, "err", err)
			continue
		}
		if re == nil || re.MatchString(title) {
			recipients = append(recipients, s.WebhookURL)
		}
	}
	if len(recipients) == 0 {
		return nil
	}
	_, err = notify.Broadcast(ctx, f.sinks.Notifier, recipients, msg, f.log)
	return err
}

// filter compiles each distinct expression once. A nil regexp matches all.
func (f *fanout) filter(expr string) (*regexp.Regexp, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if re, ok := f.filters[expr]; ok {
		return re, nil
	}
	re, err := f.compile(expr)
	if err != nil {
		return nil, err
	}
	f.filters[expr] = re
	return re, nil
}

// optionalFilter matches everything when expr is empty.
func optionalFilter(expr string) (*regexp.Regexp, error) {
	if expr == "" {
		return nil, nil
	}
	return regexp.Compile("(?i)" + expr)
}

func truncate(s string, n int, suffix string) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + suffix
}
