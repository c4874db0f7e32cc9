// Package tokencache holds short-lived named credentials and amortizes the
// login calls that mint them across every periodic job in the process.
//
// Each name has its own refresher, expiry and single-flight lock: concurrent
// callers asking for an expired or missing credential share one refresh.
// A failed refresh is never cached and the expired value is never served.
package tokencache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"autoclaim/pkg/logger"
	"autoclaim/pkg/metrics"
)

const (
	DefaultSafetyMargin   = 30 * time.Second
	DefaultRefreshTimeout = 30 * time.Second
)

var (
	// ErrAuthFailure is matched by every refresh failure.
	ErrAuthFailure = errors.New("tokencache: credential refresh failed")
	// ErrUnknownCredential is returned for names without a registered refresher.
	ErrUnknownCredential = errors.New("tokencache: unknown credential")
)

// Credential is owned by the cache; callers get copies.
type Credential struct {
	Name        string
	Secret      string // material used to mint AccessValue, if any
	AccessValue string
	IssuedAt    time.Time
	ExpiresAt   time.Time
}

// RefreshFunc performs the login/handshake for one credential name.
type RefreshFunc func(ctx context.Context, name string) (Credential, error)

// RefreshError wraps the refresher's failure with the credential name.
type RefreshError struct {
	Name string
	Err  error
}

func (e *RefreshError) Error() string {
	return fmt.Sprintf("tokencache: refresh %q: %v", e.Name, e.Err)
}

func (e *RefreshError) Unwrap() []error { return []error{ErrAuthFailure, e.Err} }

type entry struct {
	cred Credential
	ok   bool
	gen  uint64
}

type Cache struct {
	mu         sync.Mutex
	entries    map[string]*entry
	refreshers map[string]RefreshFunc
	group      singleflight.Group

	margin  time.Duration
	timeout time.Duration
	now     func() time.Time
	log     *zap.SugaredLogger
	metrics *metrics.Metrics
}

type Option func(*Cache)

func WithSafetyMargin(d time.Duration) Option   { return func(c *Cache) { c.margin = d } }
func WithRefreshTimeout(d time.Duration) Option { return func(c *Cache) { c.timeout = d } }
func WithClock(now func() time.Time) Option     { return func(c *Cache) { c.now = now } }
func WithLogger(log *zap.SugaredLogger) Option  { return func(c *Cache) { c.log = log } }
func WithMetrics(m *metrics.Metrics) Option     { return func(c *Cache) { c.metrics = m } }

func New(opts ...Option) *Cache {
	c := &Cache{
		entries:    map[string]*entry{},
		refreshers: map[string]RefreshFunc{},
		margin:     DefaultSafetyMargin,
		timeout:    DefaultRefreshTimeout,
		now:        time.Now,
		log:        logger.Nop(),
		metrics:    metrics.Nop(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Register binds a refresher to a credential name. Re-registering replaces
// the refresher and drops any cached value.
func (c *Cache) Register(name string, fn RefreshFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refreshers[name] = fn
	c.bumpLocked(name)
}

// Get returns a credential valid for at least the safety margin, refreshing
// it first if needed.
func (c *Cache) Get(ctx context.Context, name string) (Credential, error) {
	c.mu.Lock()
	fn, registered := c.refreshers[name]
	cred, fresh := c.validLocked(name)
	c.mu.Unlock()
	if !registered {
		return Credential{}, fmt.Errorf("%w: %q", ErrUnknownCredential, name)
	}
	if fresh {
		return cred, nil
	}

	ch := c.group.DoChan(name, func() (any, error) {
		return c.refresh(ctx, name, fn)
	})
	select {
	case <-ctx.Done():
		return Credential{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Credential{}, res.Err
		}
		return res.Val.(Credential), nil
	}
}

// Invalidate evicts the credential; an in-flight refresh for it will not be
// stored.
func (c *Cache) Invalidate(name string) {
	c.mu.Lock()
	c.bumpLocked(name)
	c.mu.Unlock()
	c.group.Forget(name)
}

// Close evicts every credential.
func (c *Cache) Close() {
	c.mu.Lock()
	names := make([]string, 0, len(c.entries))
	for name := range c.entries {
		c.bumpLocked(name)
		names = append(names, name)
	}
	c.mu.Unlock()
	for _, name := range names {
		c.group.Forget(name)
	}
}

func (c *Cache) refresh(ctx context.Context, name string, fn RefreshFunc) (Credential, error) {
	c.mu.Lock()
	if cred, ok := c.validLocked(name); ok {
		c.mu.Unlock()
		return cred, nil
	}
	gen := c.bumpLocked(name)
	c.mu.Unlock()

	// The flight is shared; one caller going away must not fail the others.
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
	defer cancel()

	cred, err := fn(rctx, name)
	if err == nil && !c.usable(cred) {
		err = fmt.Errorf("credential expires at %s, inside the %s safety margin", cred.ExpiresAt.Format(time.RFC3339), c.margin)
	}
	c.metrics.TokenRefreshes.WithLabelValues(name, metrics.Outcome(err)).Inc()
	if err != nil {
		c.log.Warnw("credential refresh failed", "name", name, "err", err)
		return Credential{}, &RefreshError{Name: name, Err: err}
	}
	cred.Name = name
	if cred.IssuedAt.IsZero() {
		cred.IssuedAt = c.now()
	}

	c.mu.Lock()
	if e := c.entries[name]; e != nil && e.gen == gen {
		e.cred, e.ok = cred, true
	}
	c.mu.Unlock()
	c.log.Debugw("credential refreshed", "name", name, "expires_at", cred.ExpiresAt)
	return cred, nil
}

func (c *Cache) usable(cred Credential) bool {
	return c.now().Add(c.margin).Before(cred.ExpiresAt)
}

func (c *Cache) validLocked(name string) (Credential, bool) {
	e := c.entries[name]
	if e == nil || !e.ok || !c.usable(e.cred) {
		return Credential{}, false
	}
	return e.cred, true
}

// bumpLocked discards the stored value and starts a new generation.
func (c *Cache) bumpLocked(name string) uint64 {
	e := c.entries[name]
	if e == nil {
		e = &entry{}
		c.entries[name] = e
	}
	e.gen++
	e.cred, e.ok = Credential{}, false
	return e.gen
}
