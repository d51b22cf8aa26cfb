package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryProviderIsolatesContexts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p := NewMemoryProvider()

	a := p.ForContext("ctx-a")
	b := p.ForContext("ctx-b")
	require.NoError(t, a.Set(ctx, KeyTenantID, "acme"))

	_, err := b.Get(ctx, KeyTenantID)
	assert.ErrorIs(t, err, ErrNotFound)

	// Same id yields the same store.
	v, err := p.ForContext("ctx-a").Get(ctx, KeyTenantID)
	require.NoError(t, err)
	assert.Equal(t, "acme", v)
}

func TestClearFlowLeavesTokens(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemory()
	require.NoError(t, s.Set(ctx, KeyCodeVerifier, "v"))
	require.NoError(t, s.Set(ctx, KeyOAuthState, "s"))
	require.NoError(t, s.Set(ctx, KeyOAuthNonce, "n"))
	require.NoError(t, s.Set(ctx, KeyAccessToken, "a"))

	require.NoError(t, ClearFlow(ctx, s))

	for _, k := range []string{KeyCodeVerifier, KeyOAuthState, KeyOAuthNonce} {
		_, err := s.Get(ctx, k)
		assert.ErrorIs(t, err, ErrNotFound, k)
	}
	v, err := s.Get(ctx, KeyAccessToken)
	require.NoError(t, err)
	assert.Equal(t, "a", v)
}

func TestClearTokensLeavesTenant(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemory()
	require.NoError(t, s.Set(ctx, KeyAccessToken, "a"))
	require.NoError(t, s.Set(ctx, KeyRefreshToken, "r"))
	require.NoError(t, s.Set(ctx, KeyTenantID, "acme"))

	require.NoError(t, ClearTokens(ctx, s))

	for _, k := range []string{KeyAccessToken, KeyRefreshToken, KeyIDToken, KeyTokenExpiresAt} {
		_, err := s.Get(ctx, k)
		assert.ErrorIs(t, err, ErrNotFound, k)
	}
	v, err := s.Get(ctx, KeyTenantID)
	require.NoError(t, err)
	assert.Equal(t, "acme", v)
}
