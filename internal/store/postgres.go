package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"autoclaim/internal/batch"
	"autoclaim/pkg/logger"
)

// Postgres implements Store backed by PostgreSQL. Linked accounts are
// stored as jsonb so the catalog of games can grow without migrations.
type Postgres struct {
	dbPool *pgxpool.Pool
	log    *zap.SugaredLogger
}

func NewPostgres(dbPool *pgxpool.Pool, log *zap.SugaredLogger) *Postgres {
	if log == nil {
		log = logger.Nop()
	}
	return &Postgres{dbPool: dbPool, log: log}
}

// EnsureSchema creates the tables if they do not exist. Safe to call repeatedly.
func EnsureSchema(ctx context.Context, dbPool *pgxpool.Pool) error {
	_, err := dbPool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS claimants (
  discord_id text PRIMARY KEY,
  username text NOT NULL DEFAULT '',
  hoyolab jsonb,
  endfield jsonb,
  notify_on_claim boolean NOT NULL DEFAULT true,
  notify_url text NOT NULL DEFAULT '',
  created_at timestamptz NOT NULL DEFAULT NOW(),
  updated_at timestamptz NOT NULL DEFAULT NOW()
);
CREATE TABLE IF NOT EXISTS feed_subscriptions (
  guild_id text NOT NULL,
  feed text NOT NULL,
  webhook_url text NOT NULL,
  filter text NOT NULL DEFAULT '',
  enabled boolean NOT NULL DEFAULT true,
  updated_at timestamptz NOT NULL DEFAULT NOW(),
  PRIMARY KEY (guild_id, feed)
);
CREATE INDEX IF NOT EXISTS feed_subscriptions_feed_idx ON feed_subscriptions(feed) WHERE enabled;
`)
	return err
}

// SeedFromJSON upserts a SEED_JSON document, the same format the memory store reads.
func SeedFromJSON(ctx context.Context, p *Postgres, seed string) error {
	if seed == "" {
		return nil
	}
	var s Seed
	if err := json.Unmarshal([]byte(seed), &s); err != nil {
		return fmt.Errorf("store: seed: %w", err)
	}
	for i := range s.Claimants {
		if err := p.Persist(ctx, &s.Claimants[i]); err != nil {
			return err
		}
	}
	for _, sub := range s.Subscriptions {
		if err := p.SaveFeedSubscription(ctx, sub); err != nil {
			return err
		}
	}
	return nil
}

const claimantCols = `discord_id, username, hoyolab, endfield, notify_on_claim, notify_url`

func (p *Postgres) Stream(ctx context.Context) (batch.Cursor[*Claimant], error) {
	rows, err := p.dbPool.Query(ctx, `SELECT `+claimantCols+` FROM claimants
WHERE COALESCE(hoyolab->>'token','') <> ''
   OR (COALESCE(endfield->>'cred_key','') <> '' AND COALESCE(endfield->>'token_cache_key','') <> '')
ORDER BY discord_id`)
	if err != nil {
		return nil, fmt.Errorf("store: stream claimants: %w", err)
	}
	return &rowCursor{rows: rows}, nil
}

// rowCursor decodes one claimant per row; a decode error ends the stream.
type rowCursor struct {
	rows pgx.Rows
	cur  *Claimant
	err  error
}

func (c *rowCursor) Next() bool {
	if c.err != nil || !c.rows.Next() {
		return false
	}
	cl, err := scanClaimant(c.rows)
	if err != nil {
		c.err = err
		return false
	}
	c.cur = cl
	return true
}

func (c *rowCursor) Entity() *Claimant { return c.cur }

func (c *rowCursor) Err() error {
	if c.err != nil {
		return c.err
	}
	return c.rows.Err()
}

func (c *rowCursor) Close() { c.rows.Close() }

func scanClaimant(row pgx.Row) (*Claimant, error) {
	var c Claimant
	var hoy, endf []byte
	if err := row.Scan(&c.DiscordID, &c.Username, &hoy, &endf, &c.NotifyOnClaim, &c.NotifyURL); err != nil {
		return nil, err
	}
	if err := decodeAccounts(&c, hoy, endf); err != nil {
		return nil, fmt.Errorf("store: claimant %s: %w", c.DiscordID, err)
	}
	return &c, nil
}

func decodeAccounts(c *Claimant, hoy, endf []byte) error {
	if len(hoy) > 0 && string(hoy) != "null" {
		c.Hoyolab = &HoyolabAccount{}
		if err := json.Unmarshal(hoy, c.Hoyolab); err != nil {
			return fmt.Errorf("hoyolab: %w", err)
		}
	}
	if len(endf) > 0 && string(endf) != "null" {
		c.Endfield = &EndfieldAccount{}
		if err := json.Unmarshal(endf, c.Endfield); err != nil {
			return fmt.Errorf("endfield: %w", err)
		}
	}
	return nil
}

// encodeAccount returns nil for an unlinked account so the column stays NULL.
func encodeAccount(v any, linked bool) ([]byte, error) {
	if !linked {
		return nil, nil
	}
	return json.Marshal(v)
}

func (p *Postgres) Persist(ctx context.Context, c *Claimant) error {
	if c == nil || c.DiscordID == "" {
		return errors.New("store: persist: missing discord id")
	}
	hoy, err := encodeAccount(c.Hoyolab, c.Hoyolab != nil)
	if err != nil {
		return err
	}
	endf, err := encodeAccount(c.Endfield, c.Endfield != nil)
	if err != nil {
		return err
	}
	_, err = p.dbPool.Exec(ctx, `INSERT INTO claimants(`+claimantCols+`)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (discord_id) DO UPDATE SET username=EXCLUDED.username, hoyolab=EXCLUDED.hoyolab,
  endfield=EXCLUDED.endfield, notify_on_claim=EXCLUDED.notify_on_claim, notify_url=EXCLUDED.notify_url,
  updated_at=NOW()`,
		c.DiscordID, c.Username, hoy, endf, c.NotifyOnClaim, c.NotifyURL)
	if err != nil {
		return fmt.Errorf("store: persist %s: %w", c.DiscordID, err)
	}
	return nil
}

func (p *Postgres) GetClaimant(ctx context.Context, discordID string) (*Claimant, error) {
	row := p.dbPool.QueryRow(ctx, `SELECT `+claimantCols+` FROM claimants WHERE discord_id=$1`, discordID)
	c, err := scanClaimant(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

func (p *Postgres) ListFeedSubscriptions(ctx context.Context, feed string) ([]FeedSubscription, error) {
	rows, err := p.dbPool.Query(ctx, `SELECT guild_id, feed, webhook_url, filter, enabled
FROM feed_subscriptions WHERE feed=$1 AND enabled AND webhook_url <> '' ORDER BY guild_id`, feed)
	if err != nil {
		return nil, fmt.Errorf("store: list subscriptions: %w", err)
	}
	defer rows.Close()
	var out []FeedSubscription
	for rows.Next() {
		var s FeedSubscription
		if err := rows.Scan(&s.GuildID, &s.Feed, &s.WebhookURL, &s.Filter, &s.Enabled); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Postgres) SaveFeedSubscription(ctx context.Context, s FeedSubscription) error {
	_, err := p.dbPool.Exec(ctx, `INSERT INTO feed_subscriptions(guild_id, feed, webhook_url, filter, enabled)
VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (guild_id, feed) DO UPDATE SET webhook_url=EXCLUDED.webhook_url, filter=EXCLUDED.filter,
  enabled=EXCLUDED.enabled, updated_at=NOW()`,
		s.GuildID, s.Feed, s.WebhookURL, s.Filter, s.Enabled)
	return err
}
