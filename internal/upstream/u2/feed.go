// Package u2 reads the U2 (u2.dmhy.org) torrent RSS feed.
package u2

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
)

const (
	// DefaultFilter matches BDMV releases; applied case-insensitively.
	DefaultFilter = `BDMV|Blu-ray|BD-BOX`

	siteURL   = "https://u2.dmhy.org/"
	userAgent = "Mozilla/5.0 (compatible; AutoClaimBot/1.0)"
)

type Item struct {
	GUID        string
	Title       string
	Link        string
	Description string
	Author      string
	Category    string
	DownloadURL string
	SizeBytes   int64
	Published   time.Time
}

// Identity falls back to the link for feeds without guids.
func (it Item) Identity() string {
	if it.GUID != "" {
		return it.GUID
	}
	return it.Link
}

type Client struct {
	parser  *gofeed.Parser
	feedURL string
}

func New(hc *http.Client, feedURL string) *Client {
	p := gofeed.NewParser()
	p.Client = hc
	p.UserAgent = userAgent
	return &Client{parser: p, feedURL: feedURL}
}

// Fetch returns the feed items in document order.
func (c *Client) Fetch(ctx context.Context) ([]Item, error) {
	feed, err := c.parser.ParseURLWithContext(c.feedURL, ctx)
	if err != nil {
		return nil, fmt.Errorf("u2: fetch: %w", err)
	}
	items := make([]Item, 0, len(feed.Items))
	for _, fi := range feed.Items {
		items = append(items, fromFeed(fi))
	}
	return items, nil
}

func fromFeed(fi *gofeed.Item) Item {
	it := Item{
		GUID:        strings.TrimSpace(fi.GUID),
		Title:       strings.TrimSpace(fi.Title),
		Link:        strings.TrimSpace(fi.Link),
		Description: fi.Description,
	}
	if fi.Author != nil {
		it.Author = joinPerson(fi.Author.Name, fi.Author.Email)
	}
	if len(fi.Categories) > 0 {
		it.Category = fi.Categories[0]
	}
	if len(fi.Enclosures) > 0 {
		it.DownloadURL = fi.Enclosures[0].URL
		it.SizeBytes, _ = strconv.ParseInt(fi.Enclosures[0].Length, 10, 64)
	}
	if fi.PublishedParsed != nil {
		it.Published = *fi.PublishedParsed
	}
	return it
}

// joinPerson restores the "email (name)" form the feed carries.
func joinPerson(name, email string) string {
	switch {
	case name != "" && email != "":
		return email + " (" + name + ")"
	case email != "":
		return email
	}
	return name
}

var (
	tagRe       = regexp.MustCompile(`<[^>]+>`)
	parenRe     = regexp.MustCompile(`\(([^)]+)\)`)
	localPartRe = regexp.MustCompile(`^([^@]+)@`)
	imgSrcRe    = regexp.MustCompile(`(?i)src=['"]([^'"]+\.(?:jpg|jpeg|png|gif|webp))`)
	imageURLRe  = regexp.MustCompile(`(?i)(?:https?:)?//[a-zA-Z0-9@:%._+~#=-]{2,256}\.[a-z]{2,6}\b[-a-zA-Z0-9@:%_+.~#?&/=]*\.(?:jpg|jpeg|png|gif|webp)`)
	attachRe    = regexp.MustCompile(`(?i)^attachments/\d{6}/`)
)

// CleanTitle strips HTML tags.
func (it Item) CleanTitle() string {
	return strings.TrimSpace(tagRe.ReplaceAllString(it.Title, ""))
}

// Uploader is the parenthesized name in the author field, else the part
// before the @.
func (it Item) Uploader() string {
	cleaned := tagRe.ReplaceAllString(it.Author, "")
	if m := parenRe.FindStringSubmatch(cleaned); m != nil && strings.TrimSpace(m[1]) != "" {
		return strings.TrimSpace(m[1])
	}
	if m := localPartRe.FindStringSubmatch(cleaned); m != nil && strings.TrimSpace(m[1]) != "" {
		return strings.TrimSpace(m[1])
	}
	if s := strings.TrimSpace(cleaned); s != "" {
		return s
	}
	return "Unknown"
}

// Size renders SizeBytes with binary units.
func (it Item) Size() string {
	if it.SizeBytes <= 0 {
		return "Unknown"
	}
	units := []string{"B", "KiB", "MiB", "GiB", "TiB"}
	size, i := float64(it.SizeBytes), 0
	for size >= 1024 && i < len(units)-1 {
		size /= 1024
		i++
	}
	return fmt.Sprintf("%.2f %s", size, units[i])
}

// Image returns the first usable image in the description, made absolute.
func (it Item) Image() string {
	for _, m := range imgSrcRe.FindAllStringSubmatch(it.Description, -1) {
		u := m[1]
		// relative placeholders such as pic/trans.gif
		if !strings.HasPrefix(u, "http") && !strings.HasPrefix(u, "//") && !attachRe.MatchString(u) {
			continue
		}
		return absolute(u)
	}
	if u := imageURLRe.FindString(it.Description); u != "" {
		return absolute(u)
	}
	return ""
}

func absolute(u string) string {
	switch {
	case attachRe.MatchString(u):
		return siteURL + u
	case strings.HasPrefix(u, "//"):
		return "https:" + u
	}
	return u
}

// CompileFilter builds a case-insensitive title filter; empty means
// DefaultFilter.
func CompileFilter(expr string) (*regexp.Regexp, error) {
	if expr == "" {
		expr = DefaultFilter
	}
	re, err := regexp.Compile("(?i)" + expr)
	if err != nil {
		return nil, fmt.Errorf("u2: filter %q: %w", expr, err)
	}
	return re, nil
}
