package twitchapi

import (
	"context"
	"net/http"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// TokenSource fetches and caches a Twitch app access (client credentials) token.
// NOTE: This token CANNOT be used for IRC chat; chat requires a user (bot) OAuth token with chat:read/chat:edit scopes.
type TokenSource struct {
	ClientID     string
	ClientSecret string
	HTTPClient   *http.Client
	// TokenURL overrides the Twitch token endpoint in tests.
	TokenURL string

	mu  sync.Mutex
	src oauth2.TokenSource
}

const twitchTokenURL = "https://id.twitch.tv/oauth2/token" //nolint:gosec // G101: public OAuth endpoint, not a credential

// Get returns a valid (fresh or cached) app access token. Refresh and caching
// are delegated to oauth2's reuse token source.
func (ts *TokenSource) Get(ctx context.Context) (string, error) {
	ts.mu.Lock()
	if ts.src == nil {
		endpoint := ts.TokenURL
		if endpoint == "" {
			endpoint = twitchTokenURL
		}
		conf := &clientcredentials.Config{
			ClientID:     ts.ClientID,
			ClientSecret: ts.ClientSecret,
			TokenURL:     endpoint,
			AuthStyle:    oauth2.AuthStyleInParams,
		}
		tokenCtx := context.Background()
		if ts.HTTPClient != nil {
			tokenCtx = context.WithValue(tokenCtx, oauth2.HTTPClient, ts.HTTPClient)
		}
		ts.src = conf.TokenSource(tokenCtx)
	}
	src := ts.src
	ts.mu.Unlock()

	tok, err := src.Token()
	if err != nil {
		return "", err
	}
	return tok.AccessToken, nil
}
