package skport

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autoclaim/internal/signing"
)

var testAccount = Account{Cred: "cred-0123456789", TokenCacheKey: "key-0123456789", GameID: "4400123", Server: "3"}

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c := New(srv.Client(), srv.URL)
	c.now = func() time.Time { return time.Unix(1700000000, 0) }
	return c
}

func TestClaim_SignedRequest(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, AttendancePath, r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "{}", string(body))

		assert.Equal(t, "cred-0123456789", r.Header.Get("cred"))
		assert.Equal(t, "3_4400123_3", r.Header.Get("sk-game-role"))
		assert.Equal(t, "en", r.Header.Get("sk-language"))
		assert.Equal(t, "3", r.Header.Get("platform"))
		assert.Equal(t, "1.0.0", r.Header.Get("vName"))
		assert.Equal(t, "1700000000", r.Header.Get("timestamp"))

		want, err := signing.Sign(signing.Request{
			Path: AttendancePath, Method: http.MethodPost, Timestamp: "1700000000",
			Platform: "3", Version: "1.0.0",
		}, "key-0123456789")
		require.NoError(t, err)
		assert.Equal(t, want, r.Header.Get("sign"))

		_, _ = io.WriteString(w, `{"code":0,"message":"OK","data":{
			"awardIds":[{"id":"r1"},{"id":"missing"},{"id":"r2"}],
			"resourceInfoMap":{"r1":{"id":"r1","name":"Oroberyl","count":80},"r2":{"id":"r2","name":"T-Creds"}}}}`)
	})

	res, err := c.Claim(context.Background(), testAccount)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "Check-in successful", res.Message)
	require.Len(t, res.Rewards, 2)
	assert.Equal(t, "Oroberyl", res.Rewards[0].Name)
	assert.NoError(t, res.Err())
	assert.Equal(t, "✅ Arknights: Endfield: Check-in successful\n• Oroberyl x80\n• T-Creds x1", res.Summary())
}

func TestClaim_Responses(t *testing.T) {
	cases := []struct {
		name    string
		status  int
		body    string
		success bool
		already bool
		expired bool
		msg     string
	}{
		{"already by message", 200, `{"code":1001,"message":"You have already signed in today"}`, true, true, false, "Already checked in today"},
		{"already by flag", 200, `{"code":1,"msg":"x","data":{"hasToday":true}}`, true, true, false, "Already checked in today"},
		{"token expired", 200, `{"code":10000,"message":"unauthorized"}`, false, false, true, "Token expired, update the cred and token cache key"},
		{"retcode form", 200, `{"retcode":0,"msg":"done"}`, true, false, false, "done"},
		{"refused", 200, `{"code":10002,"message":"sign invalid"}`, false, false, false, "sign invalid"},
		{"http error", 503, `{"message":"maintenance"}`, false, false, false, "HTTP 503: maintenance"},
		{"http error no body", 500, ``, false, false, false, "HTTP 500: Request failed"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = io.WriteString(w, tc.body)
			})
			res, err := c.Claim(context.Background(), testAccount)
			require.NoError(t, err)
			assert.Equal(t, tc.success, res.Success)
			assert.Equal(t, tc.already, res.Already)
			assert.Equal(t, tc.expired, res.TokenExpired)
			assert.Equal(t, tc.msg, res.Message)
		})
	}
}

func TestResult_Err(t *testing.T) {
	assert.ErrorIs(t, Result{TokenExpired: true}.Err(), ErrTokenExpired)
	assert.EqualError(t, Result{Message: "sign invalid"}.Err(), "skport: sign invalid")
	assert.NoError(t, Result{Success: true, Already: true}.Err())
}

func TestAccount_Validate(t *testing.T) {
	ok := testAccount
	require.NoError(t, ok.Validate())

	bad := []Account{
		{Cred: "short", TokenCacheKey: ok.TokenCacheKey, GameID: "1"},
		{Cred: ok.Cred, TokenCacheKey: "short", GameID: "1"},
		{Cred: ok.Cred, TokenCacheKey: ok.TokenCacheKey, GameID: "12ab"},
		{Cred: ok.Cred, TokenCacheKey: ok.TokenCacheKey, GameID: "1", Server: "9"},
	}
	for _, a := range bad {
		assert.ErrorIs(t, a.Validate(), ErrInvalidParams)
	}
	assert.Equal(t, "3_1_2", Account{GameID: "1"}.gameRole())
}

func TestClaim_InvalidAccountSkipsNetwork(t *testing.T) {
	called := false
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) { called = true })
	_, err := c.Claim(context.Background(), Account{Cred: "x"})
	assert.ErrorIs(t, err, ErrInvalidParams)
	assert.False(t, called)
}
