// Package oauthflow runs the authorization-code + PKCE handshake
// against the authorization server.
package oauthflow

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"authbridge/pkg/store"
	"authbridge/pkg/tenants"
	"authbridge/pkg/tokens"
)

// Endpoints locates the authorization server's public endpoints.
type Endpoints struct {
	AuthorizeURL string
	TokenURL     string
}

// Engine drives one authorization round trip per user context. Flow
// artifacts live in the user's store and are consumed exactly once.
type Engine struct {
	ep    Endpoints
	scope []string
	hc    *http.Client
	log   *zap.SugaredLogger
}

func NewEngine(ep Endpoints, scope []string, hc *http.Client, log *zap.SugaredLogger) *Engine {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Engine{ep: ep, scope: scope, hc: hc, log: log}
}

func (e *Engine) config(t tenants.Tenant) *oauth2.Config {
	return &oauth2.Config{
		ClientID:    t.OAuthClientID,
		RedirectURL: t.RedirectURI,
		Scopes:      e.scope,
		Endpoint: oauth2.Endpoint{
			AuthURL:  e.ep.AuthorizeURL,
			TokenURL: e.ep.TokenURL,
		},
	}
}

// BeginAuthorization generates fresh PKCE artifacts, persists them
// (overwriting any orphaned set from an abandoned round trip) and
// returns the authorization URL to redirect the browser to.
func (e *Engine) BeginAuthorization(ctx context.Context, st store.Store, t tenants.Tenant) (string, error) {
	verifier, err := randomURLSafe(32)
	if err != nil {
		return "", fmt.Errorf("generate verifier: %w", err)
	}
	state, err := randomURLSafe(16)
	if err != nil {
		return "", fmt.Errorf("generate state: %w", err)
	}
	nonce, err := randomURLSafe(16)
	if err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sum := sha256.Sum256([]byte(verifier))
	challenge := base64.RawURLEncoding.EncodeToString(sum[:])

	if err := st.Set(ctx, store.KeyCodeVerifier, verifier); err != nil {
		return "", err
	}
	if err := st.Set(ctx, store.KeyOAuthState, state); err != nil {
		return "", err
	}
	if err := st.Set(ctx, store.KeyOAuthNonce, nonce); err != nil {
		return "", err
	}

	return e.config(t).AuthCodeURL(state,
		oauth2.SetAuthURLParam("nonce", nonce),
		oauth2.SetAuthURLParam("code_challenge", challenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	), nil
}

// HandleCallback validates the returned state, exchanges the code and
// persists the resulting token set. Artifacts are erased whatever the
// outcome. The returned tenantClaim is the token's tenant id claim when
// present; a disagreement with the resolved tenant is the binding
// validator's call, not a flow failure.
func (e *Engine) HandleCallback(ctx context.Context, st store.Store, t tenants.Tenant, code, state string) (ts *tokens.TokenSet, tenantClaim string, err error) {
	storedState, _ := st.Get(ctx, store.KeyOAuthState)
	verifier, _ := st.Get(ctx, store.KeyCodeVerifier)
	nonce, _ := st.Get(ctx, store.KeyOAuthNonce)
	defer func() {
		if cerr := store.ClearFlow(ctx, st); cerr != nil {
			e.log.Warnw("flow artifact cleanup failed", "err", cerr)
		}
	}()

	// The state check precedes any network call.
	if storedState == "" || state != storedState {
		return nil, "", ErrStateMismatch
	}
	if verifier == "" {
		return nil, "", ErrMissingVerifier
	}

	ctx2 := context.WithValue(ctx, oauth2.HTTPClient, e.hc)
	tok, err := e.config(t).Exchange(ctx2, code,
		oauth2.SetAuthURLParam("code_verifier", verifier),
	)
	if err != nil {
		var rerr *oauth2.RetrieveError
		if errors.As(err, &rerr) {
			return nil, "", &ExchangeError{Status: rerr.Response.StatusCode, Body: string(rerr.Body)}
		}
		return nil, "", fmt.Errorf("token exchange: %w", err)
	}

	ts = &tokens.TokenSet{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
	}
	if id, ok := tok.Extra("id_token").(string); ok {
		ts.IDToken = id
	}
	if ts.IDToken != "" && nonce != "" {
		if got := tokens.Claim(ts.IDToken, "nonce"); got != "" && got != nonce {
			e.log.Warnw("id token nonce mismatch", "tenant", t.ID)
		}
	}
	if err := tokens.Save(ctx, st, ts); err != nil {
		return nil, "", fmt.Errorf("save tokens: %w", err)
	}

	tenantClaim = tokens.Claim(ts.AccessToken, "tid")
	if tenantClaim == "" {
		tenantClaim = tokens.Claim(ts.IDToken, "tid")
	}
	return ts, tenantClaim, nil
}

func randomURLSafe(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
