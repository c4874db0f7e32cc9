// Package crunchyroll reads the Crunchyroll "newly added" episode feed with
// tokens minted through the shared token cache.
package crunchyroll

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmespath/go-jmespath"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"go.uber.org/zap"

	"autoclaim/internal/dedup"
	"autoclaim/internal/tokencache"
	"autoclaim/pkg/logger"
)

const (
	DefaultBaseURL = "https://beta-api.crunchyroll.com"
	TokenPath      = "/auth/v1/token"
	BrowsePath     = "/content/v2/discover/browse"
	ObjectsPath    = "/content/v2/cms/objects/"

	CredentialAnonymous = "anonymous"
	CredentialAccount   = "account"

	PosterCapacity = 200

	userAgent = "Crunchyroll/ANDROIDTV/3.50.0_22282 (Android 12; en-US; SHIELD Android TV Build/SR1A.211012.001)"
	// Public Android TV client id and secret.
	clientAuth  = "bmR0aTZicXlqcm9wNXZnZjF0dnU6elpIcS00SEJJVDlDb2FMcnBPREJjRVRCTUNHai1QNlg="
	formType    = "application/x-www-form-urlencoded; charset=utf-8"
	fallbackTTL = 5 * time.Minute
)

var ErrUnauthorized = errors.New("crunchyroll: unauthorized")

var posterPath = jmespath.MustCompile("data[0].images.poster_tall[-1]")

type Client struct {
	http     *http.Client
	baseURL  string
	tokens   *tokencache.Cache
	deviceID string
	feedCred string
	now      func() time.Time
	log      *zap.SugaredLogger

	// series id -> poster url, oldest evicted first
	posters *dedup.Cache
}

type Option func(*Client)

func WithBaseURL(u string) Option              { return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") } }
func WithLogger(log *zap.SugaredLogger) Option { return func(c *Client) { c.log = log } }
func WithClock(now func() time.Time) Option    { return func(c *Client) { c.now = now } }

func New(hc *http.Client, tokens *tokencache.Cache, opts ...Option) *Client {
	if hc == nil {
		hc = http.DefaultClient
	}
	c := &Client{
		http:     hc,
		baseURL:  DefaultBaseURL,
		tokens:   tokens,
		deviceID: uuid.NewString(),
		feedCred: CredentialAnonymous,
		now:      time.Now,
		log:      logger.Nop(),
		posters:  dedup.New(PosterCapacity),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// RegisterCredentials binds the anonymous grant and, when email and password
// are set, the account grant. The feed is browsed with the account token when
// one is configured.
func (c *Client) RegisterCredentials(email, password string) {
	c.tokens.Register(CredentialAnonymous, c.refresher(url.Values{
		"grant_type": {"client_id"},
		"device_id":  {c.deviceID},
	}))
	if email == "" || password == "" {
		return
	}
	c.tokens.Register(CredentialAccount, c.refresher(url.Values{
		"grant_type":  {"password"},
		"username":    {email},
		"password":    {password},
		"scope":       {"offline_access"},
		"device_id":   {c.deviceID},
		"device_type": {"Android TV"},
	}))
	c.feedCred = CredentialAccount
}

type tokenResp struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
	TokenType   string `json:"token_type"`
	AccountID   string `json:"account_id"`
}

func (c *Client) refresher(form url.Values) tokencache.RefreshFunc {
	body := form.Encode()
	return func(ctx context.Context, name string) (tokencache.Credential, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+TokenPath, strings.NewReader(body))
		if err != nil {
			return tokencache.Credential{}, err
		}
		req.Header.Set("Authorization", "Basic "+clientAuth)
		req.Header.Set("Content-Type", formType)
		req.Header.Set("User-Agent", userAgent)

		resp, err := c.http.Do(req)
		if err != nil {
			return tokencache.Credential{}, fmt.Errorf("crunchyroll: token: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return tokencache.Credential{}, fmt.Errorf("crunchyroll: token: HTTP %d", resp.StatusCode)
		}
		var tr tokenResp
		if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&tr); err != nil {
			return tokencache.Credential{}, fmt.Errorf("crunchyroll: token: decode: %w", err)
		}
		if tr.AccessToken == "" {
			return tokencache.Credential{}, errors.New("crunchyroll: token: no access token")
		}
		issued := c.now()
		return tokencache.Credential{
			Name:        name,
			AccessValue: tr.AccessToken,
			IssuedAt:    issued,
			ExpiresAt:   expiry(tr, issued),
		}, nil
	}
}

// expiry prefers expires_in and falls back to the token's own exp claim.
func expiry(tr tokenResp, issued time.Time) time.Time {
	if tr.ExpiresIn > 0 {
		return issued.Add(time.Duration(tr.ExpiresIn) * time.Second)
	}
	tok, err := jwt.ParseString(tr.AccessToken, jwt.WithVerify(false), jwt.WithValidate(false))
	if err == nil && !tok.Expiration().IsZero() {
		return tok.Expiration()
	}
	return issued.Add(fallbackTTL)
}

// get performs a bearer GET with the named credential. A 401 evicts the
// credential so the next call mints a fresh one.
func (c *Client) get(ctx context.Context, credential, path string, q url.Values) ([]byte, error) {
	cred, err := c.tokens.Get(ctx, credential)
	if err != nil {
		return nil, err
	}
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+cred.AccessValue)
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Pragma", "no-cache")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("crunchyroll: %s: %w", path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("crunchyroll: %s: read: %w", path, err)
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		c.tokens.Invalidate(credential)
		return nil, fmt.Errorf("%w: %s", ErrUnauthorized, path)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, fmt.Errorf("crunchyroll: %s: HTTP %d", path, resp.StatusCode)
	}
	return body, nil
}

// Browse returns the n most recently added episodes, newest release first.
func (c *Client) Browse(ctx context.Context, n int) ([]Episode, error) {
	q := url.Values{
		"n":       {strconv.Itoa(n)},
		"type":    {"episode"},
		"sort_by": {"newly_added"},
		"locale":  {"en-US"},
	}
	q.Set("force_locale", uuid.NewString()) // cache buster
	body, err := c.get(ctx, c.feedCred, BrowsePath, q)
	if errors.Is(err, tokencache.ErrAuthFailure) && c.feedCred != CredentialAnonymous {
		c.log.Warnw("account token unavailable, browsing anonymously", "err", err)
		body, err = c.get(ctx, CredentialAnonymous, BrowsePath, q)
	}
	if err != nil {
		return nil, err
	}
	var page struct {
		Total int       `json:"total"`
		Data  []Episode `json:"data"`
	}
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, fmt.Errorf("crunchyroll: browse: decode: %w", err)
	}
	sort.SliceStable(page.Data, func(i, j int) bool {
		return page.Data[i].ReleasedAt().After(page.Data[j].ReleasedAt())
	})
	return page.Data, nil
}

// SeriesPoster returns the tallest poster of the series' highest quality
// group. Results are memoized; an empty string means none was found.
func (c *Client) SeriesPoster(ctx context.Context, seriesID string) (string, error) {
	if seriesID == "" {
		return "", nil
	}
	if e, ok := c.posters.Get(seriesID); ok {
		return e.Fingerprint, nil
	}
	body, err := c.get(ctx, CredentialAnonymous, ObjectsPath+url.PathEscape(seriesID), nil)
	if err != nil {
		return "", err
	}
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return "", fmt.Errorf("crunchyroll: series %s: decode: %w", seriesID, err)
	}
	group, err := posterPath.Search(doc)
	if err != nil {
		return "", fmt.Errorf("crunchyroll: series %s: %w", seriesID, err)
	}
	poster := tallest(group)
	if poster != "" {
		c.posters.Classify(seriesID, poster)
		if n := c.posters.Prune(); n > 0 {
			c.log.Debugw("poster cache pruned", "evicted", n)
		}
	}
	return poster, nil
}

func tallest(group any) string {
	imgs, _ := group.([]any)
	best, bestH := "", -1.0
	for _, raw := range imgs {
		img, _ := raw.(map[string]any)
		src, _ := img["source"].(string)
		h, _ := img["height"].(float64)
		if src != "" && h > bestH {
			best, bestH = src, h
		}
	}
	return best
}
