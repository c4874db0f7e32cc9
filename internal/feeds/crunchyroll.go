package feeds

import (
	"context"
	"strconv"
	"time"

	"autoclaim/internal/dedup"
	"autoclaim/internal/notify"
	"autoclaim/internal/poller"
	"autoclaim/internal/store"
	"autoclaim/internal/upstream/crunchyroll"
	"autoclaim/pkg/config"
)

const (
	crunchyrollColor = 0xf47521
	crunchyrollIcon  = "https://www.crunchyroll.com/favicons/favicon-32x32.png"
)

type CrunchyrollSource interface {
	Browse(ctx context.Context, n int) ([]crunchyroll.Episode, error)
	SeriesPoster(ctx context.Context, seriesID string) (string, error)
}

// Episode is a browse entry plus its series poster, when one was found.
type Episode struct {
	crunchyroll.Episode
	Poster string
}

func NewCrunchyroll(cfg config.CrunchyrollConfig, src CrunchyrollSource, cache *dedup.Cache, sinks Sinks, opts ...poller.Option) *poller.Poller[Episode] {
	out := newFanout(store.FeedCrunchyroll, sinks, optionalFilter)
	browse := func(n int) func(context.Context) ([]Episode, error) {
		return func(ctx context.Context) ([]Episode, error) {
			eps, err := src.Browse(ctx, n)
			if err != nil {
				return nil, err
			}
			items := make([]Episode, len(eps))
			for i, ep := range eps {
				items[i] = Episode{Episode: ep}
			}
			return items, nil
		}
	}
	return poller.New(poller.Config[Episode]{
		Name:        store.FeedCrunchyroll,
		Identity:    func(e Episode) string { return e.ID },
		Fingerprint: func(e Episode) string { return e.Title },
		Fetch:       browse(cfg.FetchCount),
		Seed:        browse(cfg.SeedCount),
		Enrich: func(ctx context.Context, cs poller.ChangeSet[Episode]) poller.ChangeSet[Episode] {
			return poller.EnrichByKey(ctx, cs,
				func(e Episode) string { return e.Metadata.SeriesID },
				src.SeriesPoster,
				func(e Episode, poster string) Episode {
					e.Poster = poster
					return e
				})
		},
		Deliver: func(ctx context.Context, c poller.Change[Episode]) error {
			return out.deliver(ctx, c.Item.DisplayTitle(), EpisodeMessage(c.Item, c.Kind == dedup.KindEdited))
		},
		DeliveryCap:   cfg.DeliveryCap,
		DeliveryDelay: cfg.DeliveryDelay,
	}, cache, opts...)
}

// EpisodeMessage renders one episode as a webhook embed. Edited episodes
// are re-announced with a marked author and footer.
func EpisodeMessage(e Episode, edited bool) notify.Message {
	desc := e.Description
	if desc == "" {
		desc = "No description"
	}
	author, footer := "Crunchyroll New Video", "Hidup CR!"
	if edited {
		author, footer = "📝 Crunchyroll Video Edited", "📝 Edited · Hidup CR!"
	}
	m := e.Metadata
	em := notify.Embed{
		Author:      &notify.Author{Name: author, IconURL: crunchyrollIcon},
		Title:       e.DisplayTitle(),
		URL:         e.URL(),
		Description: truncate(desc, 200, "..."),
		Color:       crunchyrollColor,
		Fields: []notify.Field{
			{Name: "Episode ID", Value: e.ID, Inline: true},
			{Name: "Season ID", Value: m.SeasonID, Inline: true},
			{Name: "Series ID", Value: m.SeriesID, Inline: true},
			{Name: "Version", Value: crunchyroll.Language(m.AudioLocale), Inline: true},
			{Name: "IsDub", Value: strconv.FormatBool(e.IsDub()), Inline: true},
			{Name: "Duration", Value: e.Duration(), Inline: true},
			{Name: "Subtitles", Value: e.Subtitles()},
		},
		Footer: &notify.Footer{Text: footer},
	}
	if t := e.ReleasedAt(); !t.IsZero() {
		em.Timestamp = t.UTC().Format(time.RFC3339)
	}
	if thumb := e.Thumbnail(); thumb != "" {
		em.Image = &notify.Image{URL: thumb}
	}
	if e.Poster != "" {
		em.Thumbnail = &notify.Image{URL: e.Poster}
	}
	return notify.Message{Embeds: []notify.Embed{em}}
}
