package tokens

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"authbridge/pkg/metrics"
	"authbridge/pkg/store"
	"authbridge/pkg/tenants"
)

// Manager decides token validity and performs refreshes. Refresh is
// single-flighted per user context and tenant: refresh tokens are
// single-use, so a duplicate refresh from a second tab of the same user
// would strand the first. Distinct users never share a flight; each
// context holds its own refresh token.
type Manager struct {
	tokenURL    string
	userinfoURL string
	hc          *http.Client
	log         *zap.SugaredLogger
	skew        time.Duration
	sf          singleflight.Group
}

func NewManager(tokenURL, userinfoURL string, hc *http.Client, log *zap.SugaredLogger, skew time.Duration) *Manager {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Manager{tokenURL: tokenURL, userinfoURL: userinfoURL, hc: hc, log: log, skew: skew}
}

// ValidAccessToken returns an access token usable right now, refreshing
// if the stored one is at or past expiry (minus skew). ErrAuthRequired
// means the caller must restart the authorization flow; the stale token
// set has already been discarded by then.
func (m *Manager) ValidAccessToken(ctx context.Context, st store.Store, t tenants.Tenant) (string, error) {
	ts, err := Load(ctx, st)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrAuthRequired, err)
	}
	if ts.AccessToken != "" && !m.expired(ts) {
		return ts.AccessToken, nil
	}
	if ts.RefreshToken == "" {
		_ = store.ClearTokens(ctx, st)
		return "", fmt.Errorf("%w: token expired and no refresh token", ErrAuthRequired)
	}
	fresh, err := m.refreshShared(ctx, st, t, ts.RefreshToken)
	if err != nil {
		return "", err
	}
	return fresh.AccessToken, nil
}

func (m *Manager) expired(ts *TokenSet) bool {
	exp := Expiry(ts.AccessToken)
	if exp.IsZero() {
		exp = ts.ExpiresAt
	}
	if exp.IsZero() {
		// Opaque token with no recorded lifetime. Assume stale rather
		// than trusting it forever.
		return true
	}
	return !time.Now().Add(m.skew).Before(exp)
}

// refreshShared funnels concurrent refreshes for one user context and
// tenant through a single grant; every waiter receives the same result.
// The key carries the context id so two users of the same tenant never
// share a flight or each other's token sets.
func (m *Manager) refreshShared(ctx context.Context, st store.Store, t tenants.Tenant, refreshToken string) (*TokenSet, error) {
	v, err, _ := m.sf.Do(st.ContextID()+"|"+t.ID, func() (any, error) {
		ts, err := m.refresh(ctx, t, refreshToken)
		if err != nil {
			metrics.TokenRefreshes.WithLabelValues("failure").Inc()
			// Irrecoverable: the refresh token may be consumed. Drop
			// the whole set so the orchestrator restarts the flow.
			_ = store.ClearTokens(ctx, st)
			m.log.Warnw("token refresh failed", "tenant", t.ID, "err", err)
			return nil, fmt.Errorf("%w: refresh failed: %s", ErrAuthRequired, err)
		}
		metrics.TokenRefreshes.WithLabelValues("success").Inc()
		if err := Save(ctx, st, ts); err != nil {
			return nil, fmt.Errorf("save refreshed tokens: %w", err)
		}
		return ts, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*TokenSet), nil
}

func (m *Manager) refresh(ctx context.Context, t tenants.Tenant, refreshToken string) (*TokenSet, error) {
	cfg := &oauth2.Config{
		ClientID: t.OAuthClientID,
		Endpoint: oauth2.Endpoint{TokenURL: m.tokenURL},
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, m.hc)
	tok, err := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		var rerr *oauth2.RetrieveError
		if errors.As(err, &rerr) {
			return nil, fmt.Errorf("token endpoint status %d: %s", rerr.Response.StatusCode, string(rerr.Body))
		}
		return nil, err
	}
	ts := &TokenSet{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
	}
	if ts.RefreshToken == "" {
		// Server did not rotate; the old one stays valid.
		ts.RefreshToken = refreshToken
	}
	if id, ok := tok.Extra("id_token").(string); ok {
		ts.IDToken = id
	}
	return ts, nil
}

// Do performs a protected-resource request with a valid bearer token.
// On 401 with a refresh token present, exactly one refresh-and-retry is
// attempted; a second 401 is terminal. Request bodies must be replayable
// (GetBody set) for the retry.
func (m *Manager) Do(ctx context.Context, st store.Store, t tenants.Tenant, req *http.Request) (*http.Response, error) {
	access, err := m.ValidAccessToken(ctx, st, t)
	if err != nil {
		return nil, err
	}
	resp, err := m.send(ctx, req, access)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}
	ts, lerr := Load(ctx, st)
	if lerr != nil || ts.RefreshToken == "" {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: resource rejected token", ErrAuthRequired)
	}
	resp.Body.Close()
	fresh, err := m.refreshShared(ctx, st, t, ts.RefreshToken)
	if err != nil {
		return nil, err
	}
	resp, err = m.send(ctx, req, fresh.AccessToken)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: resource rejected refreshed token", ErrAuthRequired)
	}
	return resp, nil
}

func (m *Manager) send(ctx context.Context, req *http.Request, access string) (*http.Response, error) {
	r := req.Clone(ctx)
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		r.Body = body
	}
	r.Header.Set("Authorization", "Bearer "+access)
	return m.hc.Do(r)
}

// Userinfo fetches the authorization server's userinfo document.
// Transient failures degrade to (nil, err); callers treat the result as
// display data, never as an authentication decision.
func (m *Manager) Userinfo(ctx context.Context, st store.Store, t tenants.Tenant) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.userinfoURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := m.Do(ctx, st, t, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("userinfo status %d", resp.StatusCode)
	}
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}
