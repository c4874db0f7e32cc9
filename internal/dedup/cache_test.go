package dedup

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	c := New(10)

	assert.Equal(t, KindNew, c.Classify("a", "v1"))
	assert.Equal(t, KindUnchanged, c.Classify("a", "v1"))
	assert.Equal(t, KindUnchanged, c.Classify("a", "v1"))
	assert.Equal(t, KindEdited, c.Classify("a", "v2"))
	assert.Equal(t, KindUnchanged, c.Classify("a", "v2"))
	assert.Equal(t, KindEdited, c.Classify("a", "v1"))

	e, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, "v1", e.Fingerprint)
	assert.Equal(t, 1, c.Len())
}

func TestPrune_OldestInsertedFirst(t *testing.T) {
	c := New(3)
	for i := 0; i < 5; i++ {
		c.Classify(fmt.Sprintf("id-%d", i), "x")
	}
	// Editing an old entry must not move it to the back.
	assert.Equal(t, KindEdited, c.Classify("id-0", "y"))

	removed := c.Prune()

	assert.Equal(t, 2, removed)
	assert.Equal(t, 3, c.Len())
	assert.Equal(t, []string{"id-2", "id-3", "id-4"}, c.Identities())
	_, ok := c.Get("id-0")
	assert.False(t, ok)

	// An evicted identity comes back as new.
	assert.Equal(t, KindNew, c.Classify("id-0", "y"))
}

func TestPrune_WithinCapacityIsNoop(t *testing.T) {
	c := New(3)
	c.Classify("a", "1")
	c.Classify("b", "1")
	assert.Equal(t, 0, c.Prune())
	assert.Equal(t, 2, c.Len())
}

func TestPrune_NeverExceedsCapacity(t *testing.T) {
	c := New(50)
	for round := 0; round < 10; round++ {
		for i := 0; i < 37; i++ {
			c.Classify(fmt.Sprintf("r%d-%d", round, i), "fp")
		}
		c.Prune()
		assert.LessOrEqual(t, c.Len(), c.Capacity())
	}
}

func TestPrune_TTL(t *testing.T) {
	now := time.Unix(1700000000, 0)
	c := New(10, WithTTL(time.Hour), WithClock(func() time.Time { return now }))
	c.Classify("stale", "1")
	now = now.Add(30 * time.Minute)
	c.Classify("fresh", "1")
	now = now.Add(45 * time.Minute)

	assert.Equal(t, 1, c.Prune())
	assert.Equal(t, []string{"fresh"}, c.Identities())
}

func TestNew_DefaultCapacity(t *testing.T) {
	assert.Equal(t, DefaultCapacity, New(0).Capacity())
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "new", KindNew.String())
	assert.Equal(t, "edited", KindEdited.String())
	assert.Equal(t, "unchanged", KindUnchanged.String())
}
