package remote

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/lnops/chand/internal/config"
)

func noopLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func TestListChannelsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Api-Signature") == "" {
			t.Error("expected HMAC signature header")
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"channels": []map[string]any{
				{"channel_id": "c1", "peer_id": "p1", "capacity_sats": 1_000_000, "local_sats": 500_000},
			},
		})
	}))
	defer srv.Close()

	c := New(config.ServerConfig{BaseURL: srv.URL, APIKey: "secret", Timeout: time.Second}, noopLogger())
	channels, err := c.ListChannels(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(channels) != 1 || channels[0].ChannelID != "c1" {
		t.Fatalf("unexpected channels: %+v", channels)
	}
}

func TestListChannelsRemoteError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "boom"})
	}))
	defer srv.Close()

	c := New(config.ServerConfig{BaseURL: srv.URL, APIKey: "secret", Timeout: time.Second}, noopLogger())
	if _, err := c.ListChannels(context.Background()); err == nil {
		t.Fatal("expected error on 500 response")
	}
}

func TestListChannelsTransportError(t *testing.T) {
	c := New(config.ServerConfig{BaseURL: "http://127.0.0.1:1", APIKey: "secret", Timeout: 100 * time.Millisecond}, noopLogger())
	if _, err := c.ListChannels(context.Background()); err == nil {
		t.Fatal("expected transport error when unreachable")
	}
}

func TestOpenChannelPostsBody(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"channel_id": "new-chan"})
	}))
	defer srv.Close()

	c := New(config.ServerConfig{BaseURL: srv.URL, APIKey: "secret", Timeout: time.Second}, noopLogger())
	id, err := c.OpenChannel(context.Background(), "peer1", 500_000, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "new-chan" {
		t.Fatalf("unexpected channel id: %s", id)
	}
	if gotBody["peer_id"] != "peer1" {
		t.Fatalf("unexpected request body: %+v", gotBody)
	}
}
