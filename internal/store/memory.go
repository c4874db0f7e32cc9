package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"autoclaim/internal/batch"
	"autoclaim/pkg/logger"
)

// Seed is the SEED_JSON document for the memory store.
type Seed struct {
	Claimants     []Claimant         `json:"claimants"`
	Subscriptions []FeedSubscription `json:"subscriptions"`
}

type Memory struct {
	mu   sync.RWMutex
	log  *zap.SugaredLogger
	byID map[string]*Claimant
	subs map[string]FeedSubscription // key: guild:feed
}

func NewMemory(log *zap.SugaredLogger) *Memory {
	if log == nil {
		log = logger.Nop()
	}
	return &Memory{log: log, byID: map[string]*Claimant{}, subs: map[string]FeedSubscription{}}
}

// NewMemoryFromSeed loads a SEED_JSON document; an empty seed gives an empty store.
func NewMemoryFromSeed(seed string, log *zap.SugaredLogger) (*Memory, error) {
	m := NewMemory(log)
	if seed == "" {
		return m, nil
	}
	var s Seed
	if err := json.Unmarshal([]byte(seed), &s); err != nil {
		return nil, fmt.Errorf("store: seed: %w", err)
	}
	for i := range s.Claimants {
		c := s.Claimants[i]
		m.byID[c.DiscordID] = c.Clone()
	}
	for _, sub := range s.Subscriptions {
		m.subs[subKey(sub)] = sub
	}
	m.log.Infow("memory store seeded", "claimants", len(m.byID), "subscriptions", len(m.subs))
	return m, nil
}

func subKey(s FeedSubscription) string { return s.GuildID + ":" + s.Feed }

func (m *Memory) Stream(ctx context.Context) (batch.Cursor[*Claimant], error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.byID))
	for id, c := range m.byID {
		if c.Qualifies() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	out := make([]*Claimant, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.byID[id].Clone())
	}
	return batch.NewSliceCursor(out), nil
}

func (m *Memory) Persist(ctx context.Context, c *Claimant) error {
	if c == nil || c.DiscordID == "" {
		return fmt.Errorf("store: persist: missing discord id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[c.DiscordID] = c.Clone()
	return nil
}

func (m *Memory) GetClaimant(ctx context.Context, discordID string) (*Claimant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.byID[discordID]
	if !ok {
		return nil, ErrNotFound
	}
	return c.Clone(), nil
}

func (m *Memory) ListFeedSubscriptions(ctx context.Context, feed string) ([]FeedSubscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []FeedSubscription
	for _, s := range m.subs {
		if s.Feed == feed && s.Enabled && s.WebhookURL != "" {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GuildID < out[j].GuildID })
	return out, nil
}

func (m *Memory) SaveFeedSubscription(ctx context.Context, s FeedSubscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[subKey(s)] = s
	return nil
}
