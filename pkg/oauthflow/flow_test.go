package oauthflow

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"authbridge/pkg/store"
	"authbridge/pkg/tenants"
	"authbridge/pkg/tokens"
)

var testTenant = tenants.Tenant{
	ID:            "acme",
	OAuthClientID: "acme-client",
	RedirectURI:   "https://acme.example.com/callback",
}

// makeJWT builds an unsigned compact JWT; claim reading never verifies.
func makeJWT(t *testing.T, claims map[string]any) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"RS256","typ":"JWT"}`))
	b, err := json.Marshal(claims)
	require.NoError(t, err)
	payload := base64.RawURLEncoding.EncodeToString(b)
	return header + "." + payload + "." + base64.RawURLEncoding.EncodeToString([]byte("sig"))
}

func TestBeginAuthorizationArtifacts(t *testing.T) {
	t.Parallel()
	e := NewEngine(Endpoints{AuthorizeURL: "https://as.example.com/oauth2/auth", TokenURL: "https://as.example.com/oauth2/token"},
		[]string{"openid", "offline"}, nil, zap.NewNop().Sugar())
	ctx := context.Background()
	st := store.NewMemory()

	authURL, err := e.BeginAuthorization(ctx, st, testTenant)
	require.NoError(t, err)

	u, err := url.Parse(authURL)
	require.NoError(t, err)
	q := u.Query()
	assert.Equal(t, "acme-client", q.Get("client_id"))
	assert.Equal(t, "https://acme.example.com/callback", q.Get("redirect_uri"))
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.NotEmpty(t, q.Get("nonce"))

	state, err := st.Get(ctx, store.KeyOAuthState)
	require.NoError(t, err)
	assert.Equal(t, state, q.Get("state"))

	verifier, err := st.Get(ctx, store.KeyCodeVerifier)
	require.NoError(t, err)
	sum := sha256.Sum256([]byte(verifier))
	assert.Equal(t, base64.RawURLEncoding.EncodeToString(sum[:]), q.Get("code_challenge"))
}

func TestCallbackRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := store.NewMemory()

	var gotVerifier atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "authorization_code", r.Form.Get("grant_type"))
		gotVerifier.Store(r.Form.Get("code_verifier"))
		nonce, _ := st.Get(ctx, store.KeyOAuthNonce)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": makeJWT(t, map[string]any{
				"exp": time.Now().Add(time.Hour).Unix(),
				"tid": "acme",
			}),
			"refresh_token": "refresh-1",
			"token_type":    "bearer",
			"expires_in":    3600,
			"id_token": makeJWT(t, map[string]any{
				"exp":   time.Now().Add(time.Hour).Unix(),
				"nonce": nonce,
			}),
		})
	}))
	defer srv.Close()

	e := NewEngine(Endpoints{AuthorizeURL: "https://as.example.com/oauth2/auth", TokenURL: srv.URL},
		[]string{"openid"}, srv.Client(), zap.NewNop().Sugar())

	authURL, err := e.BeginAuthorization(ctx, st, testTenant)
	require.NoError(t, err)
	u, _ := url.Parse(authURL)
	state := u.Query().Get("state")
	verifier, _ := st.Get(ctx, store.KeyCodeVerifier)

	ts, tenantClaim, err := e.HandleCallback(ctx, st, testTenant, "code-1", state)
	require.NoError(t, err)
	assert.Equal(t, "acme", tenantClaim)
	assert.Equal(t, "refresh-1", ts.RefreshToken)
	assert.Equal(t, verifier, gotVerifier.Load())

	saved, err := tokens.Load(ctx, st)
	require.NoError(t, err)
	assert.Equal(t, ts.AccessToken, saved.AccessToken)

	// Unexpired tokens read back untouched, no refresh happens.
	m := tokens.NewManager(srv.URL, srv.URL+"/userinfo", srv.Client(), zap.NewNop().Sugar(), 30*time.Second)
	access, err := m.ValidAccessToken(ctx, st, testTenant)
	require.NoError(t, err)
	assert.Equal(t, ts.AccessToken, access)

	// Flow artifacts are single use.
	_, err = st.Get(ctx, store.KeyOAuthState)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = st.Get(ctx, store.KeyCodeVerifier)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCallbackStateMismatchNeverExchanges(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := store.NewMemory()

	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	e := NewEngine(Endpoints{AuthorizeURL: "https://as.example.com/oauth2/auth", TokenURL: srv.URL},
		nil, srv.Client(), zap.NewNop().Sugar())

	_, err := e.BeginAuthorization(ctx, st, testTenant)
	require.NoError(t, err)

	_, _, err = e.HandleCallback(ctx, st, testTenant, "code-1", "forged-state")
	assert.ErrorIs(t, err, ErrStateMismatch)
	assert.Zero(t, atomic.LoadInt32(&calls))

	// Artifacts are erased even on failure.
	_, err = st.Get(ctx, store.KeyCodeVerifier)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCallbackMissingVerifier(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := store.NewMemory()
	require.NoError(t, st.Set(ctx, store.KeyOAuthState, "state-1"))

	e := NewEngine(Endpoints{AuthorizeURL: "https://as.example.com/oauth2/auth", TokenURL: "https://as.example.com/oauth2/token"},
		nil, nil, zap.NewNop().Sugar())

	_, _, err := e.HandleCallback(ctx, st, testTenant, "code-1", "state-1")
	assert.ErrorIs(t, err, ErrMissingVerifier)
}

func TestCallbackExchangeError(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := store.NewMemory()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
	}))
	defer srv.Close()

	e := NewEngine(Endpoints{AuthorizeURL: "https://as.example.com/oauth2/auth", TokenURL: srv.URL},
		nil, srv.Client(), zap.NewNop().Sugar())

	authURL, err := e.BeginAuthorization(ctx, st, testTenant)
	require.NoError(t, err)
	u, _ := url.Parse(authURL)

	_, _, err = e.HandleCallback(ctx, st, testTenant, "bad-code", u.Query().Get("state"))
	var xerr *ExchangeError
	require.ErrorAs(t, err, &xerr)
	assert.Equal(t, http.StatusBadRequest, xerr.Status)
	assert.Contains(t, xerr.Body, "invalid_grant")

	_, err = tokens.Load(ctx, st)
	assert.ErrorIs(t, err, tokens.ErrNoTokens)
}
