package consent

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"authbridge/pkg/identity"
	"authbridge/pkg/tenants"
)

func testCatalog(t *testing.T, mappings map[string]string) tenants.Catalog {
	t.Helper()
	return tenants.NewMemoryCatalog(zap.NewNop().Sugar(), []tenants.Tenant{
		{ID: "acme", OAuthClientID: "acme-client", ClaimMappings: mappings},
		{ID: "globex", OAuthClientID: "globex-client"},
	})
}

func challengeFor(clientID string, scopes ...string) *Challenge {
	ch := &Challenge{ID: "ch-1", Subject: "id-1", RequestedScopes: scopes}
	ch.Client.ID = clientID
	return ch
}

func sessionFor(primary string, memberships ...identity.Membership) *identity.Session {
	return &identity.Session{
		ID:     "sess-1",
		Active: true,
		Identity: identity.Identity{
			ID: "id-1",
			Traits: identity.Traits{
				Email:             "user@example.com",
				Role:              "viewer",
				Projects:          []string{"p1", "p2"},
				PrimaryTenant:     primary,
				TenantMemberships: memberships,
			},
		},
	}
}

func TestDecideGrantsScopedClaims(t *testing.T) {
	t.Parallel()
	cat := testCatalog(t, map[string]string{"org_email": "email"})
	m, err := NewMediator(context.Background(), cat, zap.NewNop().Sugar(), "")
	require.NoError(t, err)

	sess := sessionFor("acme",
		identity.Membership{TenantID: "acme", Role: "admin"},
		identity.Membership{TenantID: "globex", Role: "owner"},
	)
	dec := m.Decide(context.Background(), challengeFor("acme-client", "openid", "email"), sess)

	require.True(t, dec.Grant)
	assert.Equal(t, []string{"openid", "email"}, dec.GrantScope)
	// Role comes from the acme membership, not the global trait and not
	// the globex entry.
	assert.Equal(t, "admin", dec.IDTokenClaims["role"])
	assert.Equal(t, "admin", dec.AccessTokenClaims["role"])
	assert.Equal(t, "acme", dec.AccessTokenClaims["tenant_id"])
	assert.Equal(t, "user@example.com", dec.IDTokenClaims["email"])
	assert.Equal(t, "user@example.com", dec.AccessTokenClaims["org_email"])
}

func TestDecideDeniesWrongTenantSession(t *testing.T) {
	t.Parallel()
	cat := testCatalog(t, nil)
	m, err := NewMediator(context.Background(), cat, zap.NewNop().Sugar(), "")
	require.NoError(t, err)

	// Session bound to globex, challenge issued for acme's client.
	sess := sessionFor("globex", identity.Membership{TenantID: "globex", Role: "owner"})
	dec := m.Decide(context.Background(), challengeFor("acme-client", "openid"), sess)

	assert.False(t, dec.Grant)
	assert.Equal(t, "access_denied", dec.ErrorCode)
}

func TestDecideDeniesUnknownClient(t *testing.T) {
	t.Parallel()
	cat := testCatalog(t, nil)
	m, err := NewMediator(context.Background(), cat, zap.NewNop().Sugar(), "")
	require.NoError(t, err)

	sess := sessionFor("acme", identity.Membership{TenantID: "acme"})
	dec := m.Decide(context.Background(), challengeFor("stranger-client", "openid"), sess)

	assert.False(t, dec.Grant)
	assert.Equal(t, "access_denied", dec.ErrorCode)
}

func TestDecideHonorsPolicy(t *testing.T) {
	t.Parallel()
	policy := `package consent

default allow = false

allow {
	input.tenant_id == "acme"
}
`
	path := filepath.Join(t.TempDir(), "consent.rego")
	require.NoError(t, os.WriteFile(path, []byte(policy), 0o600))

	cat := testCatalog(t, nil)
	m, err := NewMediator(context.Background(), cat, zap.NewNop().Sugar(), path)
	require.NoError(t, err)

	acmeSess := sessionFor("acme", identity.Membership{TenantID: "acme", Role: "admin"})
	dec := m.Decide(context.Background(), challengeFor("acme-client", "openid"), acmeSess)
	assert.True(t, dec.Grant)

	globexSess := sessionFor("globex", identity.Membership{TenantID: "globex", Role: "admin"})
	dec = m.Decide(context.Background(), challengeFor("globex-client", "openid"), globexSess)
	assert.False(t, dec.Grant)
	assert.Equal(t, "access_denied", dec.ErrorCode)
}
