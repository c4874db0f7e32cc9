package feeds

import (
	"context"
	"time"

	"autoclaim/internal/dedup"
	"autoclaim/internal/notify"
	"autoclaim/internal/poller"
	"autoclaim/internal/store"
	"autoclaim/internal/upstream/u2"
	"autoclaim/pkg/config"
)

const (
	u2Color = 0x09a3cc
	u2Icon  = "https://i.imgur.com/lNorPYS.png"
	u2Site  = "https://u2.dmhy.org"
)

type U2Source interface {
	Fetch(ctx context.Context) ([]u2.Item, error)
}

func NewU2(cfg config.U2Config, src U2Source, cache *dedup.Cache, sinks Sinks, opts ...poller.Option) *poller.Poller[u2.Item] {
	out := newFanout(store.FeedU2, sinks, u2.CompileFilter)
	return poller.New(poller.Config[u2.Item]{
		Name:        store.FeedU2,
		Identity:    u2.Item.Identity,
		Fingerprint: func(it u2.Item) string { return it.Title },
		Fetch:       src.Fetch,
		Deliver: func(ctx context.Context, c poller.Change[u2.Item]) error {
			return out.deliver(ctx, c.Item.CleanTitle(), ItemMessage(c.Item, c.Kind == dedup.KindEdited))
		},
		DeliveryCap:   cfg.DeliveryCap,
		DeliveryDelay: cfg.DeliveryDelay,
	}, cache, opts...)
}

// ItemMessage renders one torrent as a webhook embed.
func ItemMessage(it u2.Item, edited bool) notify.Message {
	category := it.Category
	if category == "" {
		category = "-"
	}
	footer := "U2 BDMV"
	if edited {
		footer = "📝 Edited · U2 BDMV"
	}
	title := it.CleanTitle()
	if len([]rune(title)) > 256 {
		title = truncate(title, 250, "...")
	}
	em := notify.Embed{
		Author: &notify.Author{Name: it.Uploader(), URL: u2Site, IconURL: u2Icon},
		Title:  title,
		URL:    it.Link,
		Color:  u2Color,
		Fields: []notify.Field{
			{Name: "Category", Value: category, Inline: true},
			{Name: "Size", Value: it.Size(), Inline: true},
		},
		Footer: &notify.Footer{Text: footer},
	}
	if !it.Published.IsZero() {
		em.Timestamp = it.Published.UTC().Format(time.RFC3339)
	}
	if img := it.Image(); img != "" {
		em.Image = &notify.Image{URL: img}
	}
	return notify.Message{Embeds: []notify.Embed{em}}
}
