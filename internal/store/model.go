package store

import "time"

// Claimant is a user with linked game accounts whose daily rewards are
// claimed on their behalf.
type Claimant struct {
	DiscordID     string           `json:"discord_id"`
	Username      string           `json:"username"`
	Hoyolab       *HoyolabAccount  `json:"hoyolab,omitempty"`
	Endfield      *EndfieldAccount `json:"endfield,omitempty"`
	NotifyOnClaim bool             `json:"notify_on_claim"`
	// NotifyURL is the webhook claim results are sent to.
	NotifyURL string `json:"notify_url,omitempty"`
}

type HoyolabAccount struct {
	Token       string `json:"token"`
	AccountName string `json:"account_name,omitempty"`
	// Games maps catalog keys (genshin, starRail, ...) to enabled.
	Games           map[string]bool `json:"games"`
	LastClaim       *time.Time      `json:"last_claim,omitempty"`
	LastClaimResult string          `json:"last_claim_result,omitempty"`
}

type EndfieldAccount struct {
	CredKey         string     `json:"cred_key"`
	TokenCacheKey   string     `json:"token_cache_key"`
	GameID          string     `json:"game_id"`
	Server          string     `json:"server"`
	AccountName     string     `json:"account_name,omitempty"`
	LastClaim       *time.Time `json:"last_claim,omitempty"`
	LastClaimResult string     `json:"last_claim_result,omitempty"`
}

func (c *Claimant) HasHoyolab() bool { return c.Hoyolab != nil && c.Hoyolab.Token != "" }

func (c *Claimant) HasEndfield() bool {
	return c.Endfield != nil && c.Endfield.CredKey != "" && c.Endfield.TokenCacheKey != ""
}

// Qualifies reports whether the daily run has anything to claim.
func (c *Claimant) Qualifies() bool { return c.HasHoyolab() || c.HasEndfield() }

// Clone deep-copies so a job can mutate its entity without racing the store.
func (c *Claimant) Clone() *Claimant {
	out := *c
	if c.Hoyolab != nil {
		h := *c.Hoyolab
		h.Games = make(map[string]bool, len(c.Hoyolab.Games))
		for k, v := range c.Hoyolab.Games {
			h.Games[k] = v
		}
		h.LastClaim = cloneTime(c.Hoyolab.LastClaim)
		out.Hoyolab = &h
	}
	if c.Endfield != nil {
		e := *c.Endfield
		e.LastClaim = cloneTime(c.Endfield.LastClaim)
		out.Endfield = &e
	}
	return &out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

const (
	FeedCrunchyroll = "crunchyroll"
	FeedU2          = "u2"
)

// FeedSubscription routes a feed's changes to one guild webhook.
type FeedSubscription struct {
	GuildID    string `json:"guild_id"`
	Feed       string `json:"feed"`
	WebhookURL string `json:"webhook_url"`
	// Filter is a case-insensitive title regexp; empty means the feed default.
	Filter  string `json:"filter,omitempty"`
	Enabled bool   `json:"enabled"`
}
