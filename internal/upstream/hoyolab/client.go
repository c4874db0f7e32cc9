// Package hoyolab claims HoYoLAB daily check-in rewards with a user's
// cookie token.
package hoyolab

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"autoclaim/internal/schedule"
)

//go:embed games.yaml
var catalogYAML []byte

const (
	retcodeAlreadySigned = -5003
	DefaultGameDelay     = time.Second
)

type Game struct {
	Key     string            `yaml:"key"`
	Name    string            `yaml:"name"`
	URL     string            `yaml:"url"`
	ActID   string            `yaml:"act_id"`
	Biz     string            `yaml:"biz"`
	Headers map[string]string `yaml:"headers"`
}

// LoadCatalog parses a game catalog document.
func LoadCatalog(data []byte) ([]Game, error) {
	var games []Game
	if err := yaml.Unmarshal(data, &games); err != nil {
		return nil, fmt.Errorf("hoyolab: catalog: %w", err)
	}
	for _, g := range games {
		if g.Key == "" || g.URL == "" || g.ActID == "" {
			return nil, fmt.Errorf("hoyolab: catalog: incomplete entry %q", g.Key)
		}
	}
	return games, nil
}

// DefaultCatalog is the embedded catalog.
func DefaultCatalog() []Game {
	games, err := LoadCatalog(catalogYAML)
	if err != nil {
		panic(err)
	}
	return games
}

type Result struct {
	Key            string
	Game           string
	Success        bool
	AlreadyClaimed bool
	Message        string
}

func (r Result) Line() string {
	icon := "❌"
	if r.Success {
		icon = "✅"
		if r.AlreadyClaimed {
			icon = "🔄"
		}
	}
	return fmt.Sprintf("%s **%s**: %s", icon, r.Game, r.Message)
}

// FormatResults renders one line per game.
func FormatResults(rs []Result) string {
	if len(rs) == 0 {
		return "No games configured for claiming"
	}
	lines := make([]string, len(rs))
	for i, r := range rs {
		lines[i] = r.Line()
	}
	return strings.Join(lines, "\n")
}

type Client struct {
	http    *http.Client
	games   []Game
	byKey   map[string]Game
	delay   time.Duration
	sleep   schedule.Sleeper
	headers map[string]string
}

type Option func(*Client)

func WithCatalog(games []Game) Option       { return func(c *Client) { c.games = games } }
func WithGameDelay(d time.Duration) Option  { return func(c *Client) { c.delay = d } }
func WithSleeper(s schedule.Sleeper) Option { return func(c *Client) { c.sleep = s } }

func New(hc *http.Client, opts ...Option) *Client {
	if hc == nil {
		hc = http.DefaultClient
	}
	c := &Client{
		http:  hc,
		delay: DefaultGameDelay,
		sleep: schedule.Sleep,
		headers: map[string]string{
			"Accept":            "application/json, text/plain, */*",
			"x-rpc-app_version": "2.34.1",
			"x-rpc-client_type": "4",
			"User-Agent":        "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
			"Referer":           "https://act.hoyolab.com/",
			"Origin":            "https://act.hoyolab.com",
		},
	}
	for _, o := range opts {
		o(c)
	}
	if c.games == nil {
		c.games = DefaultCatalog()
	}
	c.byKey = make(map[string]Game, len(c.games))
	for _, g := range c.games {
		c.byKey[g.Key] = g
	}
	return c
}

func (c *Client) Games() []Game { return c.games }

type signResp struct {
	Retcode int    `json:"retcode"`
	Message string `json:"message"`
	Data    *struct {
		GTResult *struct {
			IsRisk bool `json:"is_risk"`
		} `json:"gt_result"`
	} `json:"data"`
}

// ClaimGame signs in to one game. Every outcome, including transport
// failures, is reported in the Result.
func (c *Client) ClaimGame(ctx context.Context, token, key string) Result {
	g, ok := c.byKey[key]
	if !ok {
		return Result{Key: key, Game: key, Message: "Unknown game"}
	}
	res := Result{Key: key, Game: g.Name}

	u := g.URL + "?" + url.Values{"lang": {"en-us"}, "act_id": {g.ActID}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, nil)
	if err != nil {
		res.Message = err.Error()
		return res
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	for k, v := range g.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Cookie", token)

	resp, err := c.http.Do(req)
	if err != nil {
		res.Message = "Request failed: " + err.Error()
		return res
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	var sr signResp
	if err := json.Unmarshal(body, &sr); err != nil {
		res.Message = fmt.Sprintf("HTTP %d: unreadable response", resp.StatusCode)
		return res
	}

	switch {
	case sr.Retcode == 0 || sr.Message == "OK":
		res.Success = true
		res.Message = "Claimed successfully!"
	case sr.Retcode == retcodeAlreadySigned || strings.Contains(sr.Message, "already"):
		res.Success = true
		res.AlreadyClaimed = true
		res.Message = "Already claimed today"
	case sr.Data != nil && sr.Data.GTResult != nil && sr.Data.GTResult.IsRisk:
		res.Message = "CAPTCHA required - please claim manually"
	default:
		res.Message = sr.Message
		if res.Message == "" {
			res.Message = "Unknown error"
		}
	}
	return res
}

// ClaimAll signs in to every enabled game in catalog order, pausing between
// games. Enabled keys missing from the catalog are reported as unknown.
func (c *Client) ClaimAll(ctx context.Context, token string, enabled map[string]bool) []Result {
	var keys []string
	for _, g := range c.games {
		if enabled[g.Key] {
			keys = append(keys, g.Key)
		}
	}
	var unknown []string
	for k, on := range enabled {
		if _, known := c.byKey[k]; on && !known {
			unknown = append(unknown, k)
		}
	}
	sort.Strings(unknown)
	keys = append(keys, unknown...)
	var out []Result
	for i, k := range keys {
		if i > 0 {
			if err := c.sleep(ctx, c.delay); err != nil {
				break
			}
		}
		out = append(out, c.ClaimGame(ctx, token, k))
	}
	return out
}
