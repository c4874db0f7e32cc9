// Package dedup turns repeated polls of a feed's current state into
// new/edited events. Entries are evicted oldest-inserted first once the
// cache grows past its capacity; access does not refresh an entry's position.
package dedup

import (
	"container/list"
	"sync"
	"time"
)

const DefaultCapacity = 500

type Kind int

const (
	KindUnchanged Kind = iota
	KindNew
	KindEdited
)

func (k Kind) String() string {
	switch k {
	case KindNew:
		return "new"
	case KindEdited:
		return "edited"
	default:
		return "unchanged"
	}
}

type Entry struct {
	Identity    string
	Fingerprint string
	LastSeenAt  time.Time
}

type Cache struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	now      func() time.Time
	order    *list.List // of *Entry, front = oldest insert
	items    map[string]*list.Element
}

type Option func(*Cache)

// WithTTL also evicts entries not seen for d during Prune.
func WithTTL(d time.Duration) Option { return func(c *Cache) { c.ttl = d } }

func WithClock(now func() time.Time) Option { return func(c *Cache) { c.now = now } }

func New(capacity int, opts ...Option) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	c := &Cache{
		capacity: capacity,
		now:      time.Now,
		order:    list.New(),
		items:    map[string]*list.Element{},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Classify records the sighting and reports what changed since the last one.
func (c *Cache) Classify(identity, fingerprint string) Kind {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if el, ok := c.items[identity]; ok {
		e := el.Value.(*Entry)
		e.LastSeenAt = now
		if e.Fingerprint == fingerprint {
			return KindUnchanged
		}
		e.Fingerprint = fingerprint
		return KindEdited
	}
	c.items[identity] = c.order.PushBack(&Entry{Identity: identity, Fingerprint: fingerprint, LastSeenAt: now})
	return KindNew
}

// Prune evicts oldest-inserted entries until the cache is within capacity,
// plus any entry older than the TTL when one is set. It returns the number
// of entries removed.
func (c *Cache) Prune() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	if c.ttl > 0 {
		cutoff := c.now().Add(-c.ttl)
		for el := c.order.Front(); el != nil; {
			next := el.Next()
			if e := el.Value.(*Entry); e.LastSeenAt.Before(cutoff) {
				c.removeLocked(el)
				removed++
			}
			el = next
		}
	}
	for c.order.Len() > c.capacity {
		c.removeLocked(c.order.Front())
		removed++
	}
	return removed
}

func (c *Cache) Get(identity string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[identity]; ok {
		return *el.Value.(*Entry), true
	}
	return Entry{}, false
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *Cache) Capacity() int { return c.capacity }

// Identities lists the held identities, oldest insert first.
func (c *Cache) Identities() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, c.order.Len())
	for el := c.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*Entry).Identity)
	}
	return out
}

func (c *Cache) removeLocked(el *list.Element) {
	e := c.order.Remove(el).(*Entry)
	delete(c.items, e.Identity)
}
