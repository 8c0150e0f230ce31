package twitchapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// newHelixServer serves both the token endpoint and the given Helix routes so
// a single test server backs TokenSource and HelixClient.
func newHelixServer(t *testing.T, helix http.HandlerFunc) (*httptest.Server, *HelixClient) {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "test-token",
			"token_type":   "bearer",
			"expires_in":   3600,
		})
	})
	mux.HandleFunc("/helix/", helix)
	server := httptest.NewServer(mux)

	client := &HelixClient{
		AppTokenSource: &TokenSource{
			ClientID:     "test-client-id",
			ClientSecret: "test-secret",
			TokenURL:     server.URL + "/oauth2/token",
		},
		ClientID: "test-client-id",
		BaseURL:  server.URL + "/helix",
	}
	return server, client
}

func TestHelixClient_GetUserID(t *testing.T) {
	server, client := newHelixServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/helix/users" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if got := r.Header.Get("Client-Id"); got != "test-client-id" {
			t.Errorf("Client-Id = %q, want test-client-id", got)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("Authorization = %q, want Bearer test-token", got)
		}
		if got := r.URL.Query().Get("login"); got != "testuser" {
			t.Errorf("login = %q, want testuser", got)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]string{{"id": "12345", "login": "testuser"}},
		})
	})
	defer server.Close()

	userID, err := client.GetUserID(context.Background(), "testuser")
	if err != nil {
		t.Fatalf("GetUserID() error = %v", err)
	}
	if userID != "12345" {
		t.Errorf("GetUserID() = %s, want 12345", userID)
	}
}

func TestHelixClient_GetUserIDNotFound(t *testing.T) {
	server, client := newHelixServer(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"data": []map[string]string{}})
	})
	defer server.Close()

	_, err := client.GetUserID(context.Background(), "nonexistent")
	if err == nil || !strings.Contains(err.Error(), "user not found") {
		t.Errorf("GetUserID() error = %v, want user not found", err)
	}
}

func TestHelixClient_GetUserIDEmptyLogin(t *testing.T) {
	client := &HelixClient{}
	if _, err := client.GetUserID(context.Background(), ""); err == nil {
		t.Error("GetUserID(\"\") should fail before any request")
	}
}

func TestHelixClient_GetStreamsLive(t *testing.T) {
	server, client := newHelixServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/helix/streams" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if got := r.URL.Query().Get("user_login"); got != "livechannel" {
			t.Errorf("user_login = %q, want livechannel", got)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{
				"id":           "s-1",
				"user_login":   "livechannel",
				"title":        "Live Now",
				"viewer_count": 321,
				"started_at":   "2026-08-01T14:30:00Z",
			}},
		})
	})
	defer server.Close()

	streams, err := client.GetStreams(context.Background(), "livechannel")
	if err != nil {
		t.Fatalf("GetStreams() error = %v", err)
	}
	if len(streams) != 1 {
		t.Fatalf("expected 1 stream, got %d", len(streams))
	}
	if streams[0].Title != "Live Now" {
		t.Errorf("stream title = %q, want Live Now", streams[0].Title)
	}
	if streams[0].ViewerCount != 321 {
		t.Errorf("viewer_count = %d, want 321", streams[0].ViewerCount)
	}
	if streams[0].StartedAt.IsZero() {
		t.Error("started_at not parsed")
	}
}

func TestHelixClient_GetStreamsOffline(t *testing.T) {
	server, client := newHelixServer(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"data": []map[string]any{}})
	})
	defer server.Close()

	streams, err := client.GetStreams(context.Background(), "offlinechannel")
	if err != nil {
		t.Fatalf("GetStreams() error = %v", err)
	}
	if len(streams) != 0 {
		t.Errorf("expected no streams for offline channel, got %d", len(streams))
	}
}

func TestHelixClient_GetStreamsServerError(t *testing.T) {
	server, client := newHelixServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	defer server.Close()

	if _, err := client.GetStreams(context.Background(), "somechannel"); err == nil {
		t.Error("GetStreams() should surface non-200 responses")
	}
}
