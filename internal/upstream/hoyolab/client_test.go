package hoyolab

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultCatalog(t *testing.T) {
	games := DefaultCatalog()
	require.Len(t, games, 5)
	keys := make([]string, len(games))
	for i, g := range games {
		keys[i] = g.Key
	}
	assert.Equal(t, []string{"genshin", "starRail", "honkai3", "tearsOfThemis", "zenlessZoneZero"}, keys)
	assert.Equal(t, "e202102251931481", games[0].ActID)
	assert.Equal(t, "Honkai: Star Rail", games[1].Name)
	assert.Equal(t, map[string]string{"x-rpc-signgame": "zzz"}, games[4].Headers)

	_, err := LoadCatalog([]byte("- key: broken\n"))
	assert.Error(t, err)
}

// replies maps act_id to the JSON the fake sign endpoint returns.
func fakeHoyolab(t *testing.T, replies map[string]string) (*httptest.Server, *[]*http.Request) {
	t.Helper()
	var mu sync.Mutex
	var seen []*http.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen = append(seen, r.Clone(context.Background()))
		mu.Unlock()
		_, _ = io.WriteString(w, replies[r.URL.Query().Get("act_id")])
	}))
	t.Cleanup(srv.Close)
	return srv, &seen
}

func testCatalog(base string) []Game {
	games := DefaultCatalog()
	for i := range games {
		games[i].URL = base + "/sign/" + games[i].Key
	}
	return games
}

func TestClaimGame_Outcomes(t *testing.T) {
	srv, seen := fakeHoyolab(t, map[string]string{
		"e202102251931481": `{"retcode":0,"message":"OK"}`,
		"e202303301540311": `{"retcode":-5003,"message":"Traveler, you've already checked in today~"}`,
		"e202110291205111": `{"retcode":0,"message":"","data":{"gt_result":{"is_risk":true}}}`,
		"e202308141137581": `{"retcode":-100,"message":"Not logged in"}`,
		"e202406031448091": `{"retcode":1,"message":"x","data":{"gt_result":{"is_risk":true}}}`,
	})
	c := New(srv.Client(), WithCatalog(testCatalog(srv.URL)))
	ctx := context.Background()

	r := c.ClaimGame(ctx, "ltoken_v2=abc; ltuid_v2=1", "genshin")
	assert.True(t, r.Success)
	assert.Equal(t, "Claimed successfully!", r.Message)
	assert.Equal(t, "✅ **Genshin Impact**: Claimed successfully!", r.Line())

	r = c.ClaimGame(ctx, "t", "starRail")
	assert.True(t, r.AlreadyClaimed)
	assert.Equal(t, "🔄 **Honkai: Star Rail**: Already claimed today", r.Line())

	// retcode 0 wins over the risk flag.
	r = c.ClaimGame(ctx, "t", "honkai3")
	assert.True(t, r.Success)

	r = c.ClaimGame(ctx, "t", "tearsOfThemis")
	assert.False(t, r.Success)
	assert.Equal(t, "Not logged in", r.Message)

	r = c.ClaimGame(ctx, "t", "zenlessZoneZero")
	assert.False(t, r.Success)
	assert.Equal(t, "CAPTCHA required - please claim manually", r.Message)

	r = c.ClaimGame(ctx, "t", "wuwa")
	assert.Equal(t, "Unknown game", r.Message)

	reqs := *seen
	require.Len(t, reqs, 5)
	assert.Equal(t, http.MethodPost, reqs[0].Method)
	assert.Equal(t, "ltoken_v2=abc; ltuid_v2=1", reqs[0].Header.Get("Cookie"))
	assert.Equal(t, "en-us", reqs[0].URL.Query().Get("lang"))
	assert.Equal(t, "4", reqs[0].Header.Get("x-rpc-client_type"))
	assert.Empty(t, reqs[0].Header.Get("x-rpc-signgame"))
	assert.Equal(t, "zzz", reqs[4].Header.Get("x-rpc-signgame"))
}

func TestClaimAll_OrderAndPacing(t *testing.T) {
	srv, seen := fakeHoyolab(t, map[string]string{
		"e202102251931481": `{"retcode":0}`,
		"e202406031448091": `{"retcode":0}`,
	})
	var delays []time.Duration
	c := New(srv.Client(), WithCatalog(testCatalog(srv.URL)),
		WithSleeper(func(ctx context.Context, d time.Duration) error {
			delays = append(delays, d)
			return nil
		}))

	rs := c.ClaimAll(context.Background(), "t", map[string]bool{
		"zenlessZoneZero": true, "starRail": false, "genshin": true, "legacy": true,
	})
	require.Len(t, rs, 3)
	assert.Equal(t, "genshin", rs[0].Key)
	assert.Equal(t, "zenlessZoneZero", rs[1].Key)
	assert.Equal(t, "legacy", rs[2].Key)
	assert.False(t, rs[2].Success)
	assert.Equal(t, []time.Duration{time.Second, time.Second}, delays)
	assert.Len(t, *seen, 2)

	assert.Equal(t, "No games configured for claiming", FormatResults(nil))
	assert.Equal(t, "✅ **Genshin Impact**: Claimed successfully!\n✅ **Zenless Zone Zero**: Claimed successfully!\n❌ **legacy**: Unknown game",
		FormatResults(rs))
}

func TestClaimGame_TransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	c := New(srv.Client(), WithCatalog(testCatalog(srv.URL)))
	r := c.ClaimGame(context.Background(), "t", "genshin")
	assert.False(t, r.Success)
	assert.Contains(t, r.Message, "Request failed")
}
