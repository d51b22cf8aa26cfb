// Package tokens owns the delegated-token set: persistence, expiry
// detection, refresh and invalidation.
package tokens

import (
	"context"
	"errors"
	"strconv"
	"time"

	"authbridge/pkg/store"
)

// TokenSet is the current delegated-token set for one tenant context.
// Never shared across tenants; a tenant switch replaces it wholesale.
type TokenSet struct {
	AccessToken  string
	RefreshToken string
	IDToken      string
	ExpiresAt    time.Time
}

var (
	// ErrNoTokens means the store holds no usable token set.
	ErrNoTokens = errors.New("no token set stored")
	// ErrAuthRequired tells the orchestrator to restart the
	// authorization flow. Any irrecoverable lifecycle failure ends here.
	ErrAuthRequired = errors.New("authentication required")
)

// Save replaces the stored token set.
func Save(ctx context.Context, st store.Store, ts *TokenSet) error {
	if err := st.Set(ctx, store.KeyAccessToken, ts.AccessToken); err != nil {
		return err
	}
	if err := st.Set(ctx, store.KeyRefreshToken, ts.RefreshToken); err != nil {
		return err
	}
	if err := st.Set(ctx, store.KeyIDToken, ts.IDToken); err != nil {
		return err
	}
	return st.Set(ctx, store.KeyTokenExpiresAt, strconv.FormatInt(ts.ExpiresAt.Unix(), 10))
}

// Load reads the stored token set. ErrNoTokens when neither an access
// nor a refresh token is present.
func Load(ctx context.Context, st store.Store) (*TokenSet, error) {
	ts := &TokenSet{}
	ts.AccessToken, _ = st.Get(ctx, store.KeyAccessToken)
	ts.RefreshToken, _ = st.Get(ctx, store.KeyRefreshToken)
	ts.IDToken, _ = st.Get(ctx, store.KeyIDToken)
	if ts.AccessToken == "" && ts.RefreshToken == "" {
		return nil, ErrNoTokens
	}
	if raw, err := st.Get(ctx, store.KeyTokenExpiresAt); err == nil {
		if sec, err := strconv.ParseInt(raw, 10, 64); err == nil {
			ts.ExpiresAt = time.Unix(sec, 0)
		}
	}
	return ts, nil
}
