package b2

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	defaultAuthURL = "https://api.backblazeb2.com/b2api/v2/b2_authorize_account"

	// B2 authorization tokens are valid for 24 hours. Refresh a little
	// early so in-flight requests never carry a token about to expire.
	authTokenLifetime = 24 * time.Hour
	authRefreshMargin = 5 * time.Minute
)

// AuthState is one successful b2_authorize_account result.
type AuthState struct {
	AccountID           string
	Token               string
	APIURL              string
	DownloadURL         string
	RecommendedPartSize int64
	MinimumPartSize     int64
	ExpiresAt           time.Time
}

func (s *AuthState) expired(now time.Time) bool {
	return s == nil || !now.Add(authRefreshMargin).Before(s.ExpiresAt)
}

// Authorizer owns the account credential and the cached authorization state.
// Concurrent callers needing a refresh are collapsed into a single upstream
// b2_authorize_account call.
type Authorizer struct {
	keyID   string
	appKey  string
	authURL string
	client  *http.Client
	logger  *slog.Logger
	now     func() time.Time

	group singleflight.Group

	mu    sync.Mutex
	state *AuthState
}

// NewAuthorizer builds an Authorizer for the given application key pair.
// authURL overrides the production authorize endpoint when non-empty.
func NewAuthorizer(keyID, appKey, authURL string, client *http.Client, logger *slog.Logger) *Authorizer {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	if authURL == "" {
		authURL = defaultAuthURL
	}
	return &Authorizer{
		keyID:   keyID,
		appKey:  appKey,
		authURL: authURL,
		client:  client,
		logger:  logger,
		now:     time.Now,
	}
}

// State returns a valid authorization, refreshing it if the cached one is
// missing or within the refresh margin of expiry.
func (a *Authorizer) State(ctx context.Context) (*AuthState, error) {
	a.mu.Lock()
	state := a.state
	a.mu.Unlock()
	if !state.expired(a.now()) {
		return state, nil
	}
	return a.refresh(ctx, state)
}

// Invalidate drops the cached state if it still matches the token the caller
// observed failing. A state refreshed since then is left alone.
func (a *Authorizer) Invalidate(token string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != nil && a.state.Token == token {
		a.state = nil
	}
}

func (a *Authorizer) refresh(ctx context.Context, stale *AuthState) (*AuthState, error) {
	v, err, _ := a.group.Do("authorize", func() (any, error) {
		a.mu.Lock()
		current := a.state
		a.mu.Unlock()
		// Another caller in this flight may have refreshed already.
		if current != nil && current != stale && !current.expired(a.now()) {
			return current, nil
		}

		state, err := a.authorize(ctx)
		if err != nil {
			return nil, err
		}
		a.mu.Lock()
		a.state = state
		a.mu.Unlock()
		a.logger.Info("b2 account authorized", "api_url", state.APIURL, "expires_at", state.ExpiresAt)
		return state, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*AuthState), nil
}

func (a *Authorizer) authorize(ctx context.Context) (*AuthState, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.authURL, nil)
	if err != nil {
		return nil, fmt.Errorf("authorize request: %w", err)
	}
	basic := base64.StdEncoding.EncodeToString([]byte(a.keyID + ":" + a.appKey))
	req.Header.Set("Authorization", "Basic "+basic)

	res, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("authorize: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return nil, decodeError("b2_authorize_account", res)
	}

	var body struct {
		AccountID               string `json:"accountId"`
		AuthorizationToken      string `json:"authorizationToken"`
		APIURL                  string `json:"apiUrl"`
		DownloadURL             string `json:"downloadUrl"`
		RecommendedPartSize     int64  `json:"recommendedPartSize"`
		AbsoluteMinimumPartSize int64  `json:"absoluteMinimumPartSize"`
	}
	if err := json.NewDecoder(io.LimitReader(res.Body, 1<<20)).Decode(&body); err != nil {
		return nil, fmt.Errorf("authorize response: %w", err)
	}
	if body.AuthorizationToken == "" || body.APIURL == "" {
		return nil, errors.New("authorize response missing token or api url")
	}

	return &AuthState{
		AccountID:           body.AccountID,
		Token:               body.AuthorizationToken,
		APIURL:              body.APIURL,
		DownloadURL:         body.DownloadURL,
		RecommendedPartSize: body.RecommendedPartSize,
		MinimumPartSize:     body.AbsoluteMinimumPartSize,
		ExpiresAt:           a.now().Add(authTokenLifetime),
	}, nil
}
