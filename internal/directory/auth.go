package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/contactsync/contactsync/internal/model"
	"github.com/contactsync/contactsync/internal/store"
	"github.com/contactsync/contactsync/internal/syncerr"
)

// tokenSystem is the Store.Token system identifier used for the directory
// OAuth credentials.
const tokenSystem = "google"

// AuthProvider supplies the Authorization header value used on every
// directory request and can be told to force a refresh after a 401.
type AuthProvider interface {
	Header(ctx context.Context) (string, error)
	ForceRefresh(ctx context.Context) error
}

// OAuthTokenProvider refreshes a stored OAuth2 access token against the
// token endpoint when it is absent or expired, mirroring the reference
// implementation's get_access_token.
type OAuthTokenProvider struct {
	store        store.Store
	httpClient   *http.Client
	tokenURL     string
	clientID     string
	clientSecret string
	mu           sync.Mutex
}

// NewOAuthTokenProvider constructs a provider backed by st, refreshing
// against tokenURL with the given OAuth client credentials.
func NewOAuthTokenProvider(st store.Store, httpClient *http.Client, tokenURL, clientID, clientSecret string) *OAuthTokenProvider {
	return &OAuthTokenProvider{
		store:        st,
		httpClient:   httpClient,
		tokenURL:     tokenURL,
		clientID:     clientID,
		clientSecret: clientSecret,
	}
}

// Header returns "Bearer <access_token>", refreshing first if the stored
// token has an expiry that has already passed. A token with no expiry is
// used as is.
func (p *OAuthTokenProvider) Header(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	tok, err := p.store.GetToken(ctx, tokenSystem)
	if err != nil {
		return "", fmt.Errorf("%w: %v", syncerr.ErrUnauthorised, err)
	}

	if tok.Expiry.IsZero() || tok.Expiry.After(time.Now()) {
		return "Bearer " + tok.AccessToken, nil
	}

	refreshed, err := p.refresh(ctx, *tok)
	if err != nil {
		return "", err
	}
	return "Bearer " + refreshed.AccessToken, nil
}

// ForceRefresh discards the freshness assumption and refreshes unconditionally.
func (p *OAuthTokenProvider) ForceRefresh(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	tok, err := p.store.GetToken(ctx, tokenSystem)
	if err != nil {
		return fmt.Errorf("%w: %v", syncerr.ErrUnauthorised, err)
	}
	_, err = p.refresh(ctx, *tok)
	return err
}

func (p *OAuthTokenProvider) refresh(ctx context.Context, tok model.Token) (*model.Token, error) {
	if tok.RefreshToken == "" {
		return nil, fmt.Errorf("%w: no refresh token", syncerr.ErrUnauthorised)
	}

	form := url.Values{
		"client_id":     {p.clientID},
		"client_secret": {p.clientSecret},
		"grant_type":    {"refresh_token"},
		"refresh_token": {tok.RefreshToken},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: token refresh failed", syncerr.ErrUnauthorised)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: token refresh failed with status %d", syncerr.ErrUnauthorised, resp.StatusCode)
	}

	var payload struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("%w: decode refresh response: %v", syncerr.ErrUnauthorised, err)
	}

	tok.AccessToken = payload.AccessToken
	if payload.RefreshToken != "" {
		tok.RefreshToken = payload.RefreshToken
	}
	if payload.ExpiresIn > 0 {
		tok.Expiry = time.Now().Add(time.Duration(payload.ExpiresIn) * time.Second)
	}

	if err := p.store.SaveToken(ctx, tokenSystem, tok); err != nil {
		return nil, fmt.Errorf("save refreshed token: %w", err)
	}
	return &tok, nil
}
