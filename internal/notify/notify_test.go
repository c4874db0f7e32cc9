package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhook_Deliver(t *testing.T) {
	var got Message
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	msg := Message{Embeds: []Embed{{
		Title:  "Daily Claim Results",
		Color:  0x5865F2,
		Fields: []Field{{Name: "Genshin Impact", Value: "Claimed"}},
		Footer: &Footer{Text: "autoclaim"},
	}}}
	require.NoError(t, NewWebhook(srv.Client()).Deliver(context.Background(), srv.URL+"/hook", msg))
	require.Len(t, got.Embeds, 1)
	assert.Equal(t, "Daily Claim Results", got.Embeds[0].Title)
	assert.Equal(t, "Claimed", got.Embeds[0].Fields[0].Value)
}

func TestWebhook_Undeliverable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message": "Unknown Webhook"}`, http.StatusNotFound)
	}))
	defer srv.Close()
	wh := NewWebhook(srv.Client())

	err := wh.Deliver(context.Background(), srv.URL, Message{Content: "hi"})
	assert.ErrorIs(t, err, ErrUndeliverable)
	assert.Contains(t, err.Error(), "404")

	err = wh.Deliver(context.Background(), "discord-user-1234", Message{Content: "hi"})
	assert.ErrorIs(t, err, ErrUndeliverable)
}

type fakeNotifier struct {
	fail map[string]bool
	got  []string
}

func (f *fakeNotifier) Deliver(ctx context.Context, r string, msg Message) error {
	if f.fail[r] {
		return ErrUndeliverable
	}
	f.got = append(f.got, r)
	return nil
}

func TestBroadcast(t *testing.T) {
	f := &fakeNotifier{fail: map[string]bool{"b": true}}
	n, err := Broadcast(context.Background(), f, []string{"a", "b", "c"}, Message{}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"a", "c"}, f.got)

	f = &fakeNotifier{fail: map[string]bool{"a": true}}
	n, err = Broadcast(context.Background(), f, []string{"a"}, Message{}, nil)
	assert.Zero(t, n)
	assert.ErrorIs(t, err, ErrUndeliverable)

	n, err = Broadcast(context.Background(), f, nil, Message{}, nil)
	assert.Zero(t, n)
	assert.NoError(t, err)
}

func TestRedact(t *testing.T) {
	assert.Equal(t, "https://discord.com/api/webhooks/1/***", redact("https://discord.com/api/webhooks/1/secret"))
	assert.Equal(t, "plain", redact("plain"))
}
