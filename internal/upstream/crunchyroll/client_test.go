package crunchyroll

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autoclaim/internal/tokencache"
)

type fakeCR struct {
	tokens    atomic.Int32
	browses   atomic.Int32
	objects   atomic.Int32
	reject    atomic.Bool // next bearer call answers 401
	browseRaw string

	mu     sync.Mutex
	grants []string
}

func (f *fakeCR) seenGrants() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.grants...)
}

func (f *fakeCR) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == TokenPath:
		f.tokens.Add(1)
		_ = r.ParseForm()
		f.mu.Lock()
		f.grants = append(f.grants, r.PostForm.Get("grant_type"))
		f.mu.Unlock()
		if r.Header.Get("Authorization") != "Basic "+clientAuth {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		if r.PostForm.Get("grant_type") == "password" && r.PostForm.Get("password") != "hunter2" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = io.WriteString(w, `{"access_token":"tok-`+r.PostForm.Get("grant_type")+`","expires_in":300,"token_type":"Bearer"}`)
	case f.reject.CompareAndSwap(true, false):
		w.WriteHeader(http.StatusUnauthorized)
	case r.URL.Path == BrowsePath:
		f.browses.Add(1)
		_, _ = io.WriteString(w, f.browseRaw)
	case strings.HasPrefix(r.URL.Path, ObjectsPath):
		f.objects.Add(1)
		_, _ = io.WriteString(w, `{"data":[{"images":{"poster_tall":[
			[{"source":"small.jpg","height":240}],
			[{"source":"mid.jpg","height":720},{"source":"big.jpg","height":1440},{"source":"tiny.jpg","height":60}]]}}]}`)
	default:
		http.NotFound(w, r)
	}
}

func newTestClient(t *testing.T, f *fakeCR) (*Client, *tokencache.Cache) {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	tc := tokencache.New()
	c := New(srv.Client(), tc, WithBaseURL(srv.URL))
	return c, tc
}

const browseBody = `{"total":3,"data":[
	{"id":"OLD","title":"Old","episode_metadata":{"premium_available_date":"2024-01-01T00:00:00Z"}},
	{"id":"NEW","title":"New","episode_metadata":{"premium_available_date":"2024-03-01T00:00:00Z"}},
	{"id":"MID","title":"Mid","last_public":"2024-02-01T00:00:00Z","episode_metadata":{}}
]}`

func TestBrowse_SortsNewestFirstAndReusesToken(t *testing.T) {
	f := &fakeCR{browseRaw: browseBody}
	c, _ := newTestClient(t, f)
	c.RegisterCredentials("", "")

	eps, err := c.Browse(context.Background(), 50)
	require.NoError(t, err)
	require.Len(t, eps, 3)
	assert.Equal(t, []string{"NEW", "MID", "OLD"}, []string{eps[0].ID, eps[1].ID, eps[2].ID})

	_, err = c.Browse(context.Background(), 50)
	require.NoError(t, err)
	assert.EqualValues(t, 1, f.tokens.Load())
	assert.EqualValues(t, 2, f.browses.Load())
	assert.Equal(t, []string{"client_id"}, f.seenGrants())
}

func TestBrowse_UnauthorizedInvalidatesToken(t *testing.T) {
	f := &fakeCR{browseRaw: browseBody}
	c, _ := newTestClient(t, f)
	c.RegisterCredentials("", "")

	f.reject.Store(true)
	_, err := c.Browse(context.Background(), 5)
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = c.Browse(context.Background(), 5)
	require.NoError(t, err)
	assert.EqualValues(t, 2, f.tokens.Load())
}

func TestBrowse_AccountGrant(t *testing.T) {
	f := &fakeCR{browseRaw: browseBody}
	c, _ := newTestClient(t, f)
	c.RegisterCredentials("me@example.com", "hunter2")

	_, err := c.Browse(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"password"}, f.seenGrants())
}

func TestBrowse_AccountFailureFallsBackToAnonymous(t *testing.T) {
	f := &fakeCR{browseRaw: browseBody}
	c, _ := newTestClient(t, f)
	c.RegisterCredentials("me@example.com", "wrong")

	eps, err := c.Browse(context.Background(), 5)
	require.NoError(t, err)
	assert.Len(t, eps, 3)
	assert.Equal(t, []string{"password", "client_id"}, f.seenGrants())
}

func TestBrowse_UnregisteredCredential(t *testing.T) {
	c, _ := newTestClient(t, &fakeCR{})
	_, err := c.Browse(context.Background(), 5)
	assert.ErrorIs(t, err, tokencache.ErrUnknownCredential)
}

func TestSeriesPoster_PicksTallestOfLastGroupAndMemoizes(t *testing.T) {
	f := &fakeCR{}
	c, _ := newTestClient(t, f)
	c.RegisterCredentials("", "")

	p, err := c.SeriesPoster(context.Background(), "G123")
	require.NoError(t, err)
	assert.Equal(t, "big.jpg", p)

	p, err = c.SeriesPoster(context.Background(), "G123")
	require.NoError(t, err)
	assert.Equal(t, "big.jpg", p)
	assert.EqualValues(t, 1, f.objects.Load())

	p, err = c.SeriesPoster(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, p)
}

func TestSeriesPoster_BoundedMemo(t *testing.T) {
	f := &fakeCR{}
	c, _ := newTestClient(t, f)
	c.RegisterCredentials("", "")
	for i := 0; i < PosterCapacity+20; i++ {
		_, err := c.SeriesPoster(context.Background(), "S"+strings.Repeat("x", i))
		require.NoError(t, err)
	}
	assert.Equal(t, PosterCapacity, c.posters.Len())
}

func TestExpiry(t *testing.T) {
	issued := time.Unix(1700000000, 0)
	assert.Equal(t, issued.Add(300*time.Second), expiry(tokenResp{AccessToken: "x", ExpiresIn: 300}, issued))

	tok, err := jwt.NewBuilder().Expiration(issued.Add(time.Hour)).Build()
	require.NoError(t, err)
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, []byte("secret")))
	require.NoError(t, err)
	assert.True(t, issued.Add(time.Hour).Equal(expiry(tokenResp{AccessToken: string(signed)}, issued)))

	assert.Equal(t, issued.Add(fallbackTTL), expiry(tokenResp{AccessToken: "opaque"}, issued))
}
