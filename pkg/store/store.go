// Package store is the durable client-side state for one user context:
// the current delegated-token set, transient flow artifacts, and the
// tenant snapshot persisted by the resolver.
package store

import (
	"context"
	"errors"
)

// Well-known keys. One flat namespace per user context.
const (
	KeyTenantID        = "tenant_id"
	KeyTenantConfig    = "tenant_config"
	KeyAccessToken     = "access_token"
	KeyRefreshToken    = "refresh_token"
	KeyIDToken         = "id_token"
	KeyTokenExpiresAt  = "token_expires_at"
	KeyCodeVerifier    = "pkce_code_verifier"
	KeyOAuthState      = "oauth_state"
	KeyOAuthNonce      = "oauth_nonce"
	KeyLastTenantID    = "last_tenant_id"
	KeyLastSessionTime = "last_session_time"
	KeyRedirectURI     = "redirect_uri"
)

var ErrNotFound = errors.New("store: key not found")

// Store is a durable key-value store scoped to one user context.
type Store interface {
	// ContextID identifies the owning user context. Stable for the
	// context's lifetime; never shared between users.
	ContextID() string
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, keys ...string) error
	// Clear erases everything for this context (logout, tenant switch).
	Clear(ctx context.Context) error
}

// Provider hands out the store for a given user context id.
type Provider interface {
	ForContext(id string) Store
}

// ClearFlow erases PKCE flow artifacts. Must run after every callback
// attempt regardless of outcome, and before a new authorization begins.
func ClearFlow(ctx context.Context, s Store) error {
	return s.Delete(ctx, KeyCodeVerifier, KeyOAuthState, KeyOAuthNonce)
}

// ClearTokens erases the delegated-token set.
func ClearTokens(ctx context.Context, s Store) error {
	return s.Delete(ctx, KeyAccessToken, KeyRefreshToken, KeyIDToken, KeyTokenExpiresAt)
}
