// Package store is the repository boundary: claimants for the daily batch
// run and feed subscriptions for the pollers.
package store

import (
	"context"
	"errors"

	"autoclaim/internal/batch"
)

var ErrNotFound = errors.New("store: not found")

type Store interface {
	// Stream yields qualifying claimants one at a time, ordered by DiscordID.
	Stream(ctx context.Context) (batch.Cursor[*Claimant], error)
	// Persist upserts the claimant, including its last-claim fields.
	Persist(ctx context.Context, c *Claimant) error
	GetClaimant(ctx context.Context, discordID string) (*Claimant, error)
	// ListFeedSubscriptions returns the enabled subscriptions to feed.
	ListFeedSubscriptions(ctx context.Context, feed string) ([]FeedSubscription, error)
	SaveFeedSubscription(ctx context.Context, s FeedSubscription) error
}

var _ batch.Repository[*Claimant] = Store(nil)

var (
	_ Store = (*Memory)(nil)
	_ Store = (*Postgres)(nil)
)
