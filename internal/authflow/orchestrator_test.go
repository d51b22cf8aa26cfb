package authflow

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"authbridge/pkg/binding"
	"authbridge/pkg/broadcast"
	"authbridge/pkg/identity"
	"authbridge/pkg/oauthflow"
	"authbridge/pkg/store"
	"authbridge/pkg/tenants"
	"authbridge/pkg/tokens"
)

// fakeAuthority plays the identity side: whoami, trait updates, logout.
type fakeAuthority struct {
	mu           sync.Mutex
	sess         *identity.Session
	updateStatus int
	updateCalls  int
	logoutURL    string
}

func (f *fakeAuthority) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case r.URL.Path == "/sessions/whoami":
		if f.sess == nil {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(f.sess)
	case strings.HasPrefix(r.URL.Path, "/identities/") && r.Method == http.MethodPut:
		f.updateCalls++
		if f.updateStatus != 0 {
			w.WriteHeader(f.updateStatus)
			return
		}
		var body struct {
			Traits identity.Traits `json:"traits"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.sess.Identity.Traits = body.Traits
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{}`))
	case r.URL.Path == "/self-service/logout/browser":
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"logout_url": f.logoutURL})
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func alphaSession() *identity.Session {
	return &identity.Session{
		ID:     "sess-1",
		Active: true,
		Identity: identity.Identity{
			ID: "id-1",
			Traits: identity.Traits{
				Email:             "user@example.com",
				PrimaryTenant:     "alpha",
				TenantMemberships: []identity.Membership{{TenantID: "alpha", Role: "admin"}},
			},
		},
	}
}

func newTestOrchestrator(t *testing.T, auth *fakeAuthority, tokenURL, userinfoURL string) *Orchestrator {
	t.Helper()
	log := zap.NewNop().Sugar()
	idSrv := httptest.NewServer(auth)
	t.Cleanup(idSrv.Close)

	cat := tenants.NewMemoryCatalog(log, []tenants.Tenant{
		{ID: "alpha", OAuthClientID: "alpha-client", RedirectURI: "https://alpha.example.com/cb", AllowedOrigins: []string{"alpha.example.com"}},
		{ID: "beta", OAuthClientID: "beta-client", RedirectURI: "https://beta.example.com/cb", AllowedOrigins: []string{"beta.example.com"}},
	})
	resolver := tenants.NewResolver(cat, log, []string{"auth.example.com"}, "")
	idc := identity.NewClient(idSrv.URL, idSrv.URL, idSrv.Client(), log)
	engine := oauthflow.NewEngine(oauthflow.Endpoints{AuthorizeURL: "https://as.example.com/oauth2/auth", TokenURL: tokenURL}, []string{"openid"}, nil, log)
	mgr := tokens.NewManager(tokenURL, userinfoURL, nil, log, 30*time.Second)
	guard := binding.NewGuard(broadcast.NewMemory(), log, 5*time.Minute)
	return NewOrchestrator(resolver, cat, idc, engine, mgr, guard, log)
}

func TestStateNeedsLoginWithoutSession(t *testing.T) {
	t.Parallel()
	auth := &fakeAuthority{}
	orc := newTestOrchestrator(t, auth, "http://unused.invalid", "http://unused.invalid")

	state, err := orc.State(context.Background(), store.NewMemory(), "ctx-1", StateInput{
		Resolve:  tenants.ResolveInput{ExplicitTenantID: "alpha"},
		ReturnTo: "https://alpha.example.com/app",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusNeedsLogin, state.Status)
	assert.Equal(t, "alpha", state.TenantID)
	assert.Contains(t, state.RedirectURL, "/self-service/login/browser")
	assert.Contains(t, state.RedirectURL, "return_to=")
}

func TestStateDeniedOnResolutionFailure(t *testing.T) {
	t.Parallel()
	auth := &fakeAuthority{sess: alphaSession()}
	orc := newTestOrchestrator(t, auth, "http://unused.invalid", "http://unused.invalid")

	state, err := orc.State(context.Background(), store.NewMemory(), "ctx-1", StateInput{
		Resolve: tenants.ResolveInput{CurrentHost: "nowhere.example.org"},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusDenied, state.Status)
	assert.Equal(t, "tenant resolution failed", state.Reason)
}

func TestStateStartsAuthorizationWhenNoTokens(t *testing.T) {
	t.Parallel()
	auth := &fakeAuthority{sess: alphaSession()}
	orc := newTestOrchestrator(t, auth, "http://unused.invalid", "http://unused.invalid")
	ctx := context.Background()
	st := store.NewMemory()

	state, err := orc.State(ctx, st, "ctx-1", StateInput{
		Resolve:  tenants.ResolveInput{ExplicitTenantID: "alpha"},
		ReturnTo: "https://alpha.example.com/app",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusNeedsLogin, state.Status)
	assert.Contains(t, state.RedirectURL, "code_challenge=")
	assert.Contains(t, state.RedirectURL, "client_id=alpha-client")

	_, err = st.Get(ctx, store.KeyCodeVerifier)
	assert.NoError(t, err)
	returnTo, err := st.Get(ctx, store.KeyRedirectURI)
	require.NoError(t, err)
	assert.Equal(t, "https://alpha.example.com/app", returnTo)
}

func TestStateAuthenticated(t *testing.T) {
	t.Parallel()
	userinfoSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"email":"user@example.com","tid":"alpha"}`))
	}))
	defer userinfoSrv.Close()

	auth := &fakeAuthority{sess: alphaSession()}
	orc := newTestOrchestrator(t, auth, "http://unused.invalid", userinfoSrv.URL)
	ctx := context.Background()
	st := store.NewMemory()
	require.NoError(t, tokens.Save(ctx, st, &tokens.TokenSet{
		AccessToken:  "live",
		RefreshToken: "refresh-1",
		ExpiresAt:    time.Now().Add(time.Hour),
	}))

	state, err := orc.State(ctx, st, "ctx-1", StateInput{
		Resolve: tenants.ResolveInput{ExplicitTenantID: "alpha"},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusAuthenticated, state.Status)
	assert.Equal(t, "alpha", state.TenantID)
	assert.Equal(t, "user@example.com", state.Claims["email"])
}

func TestStateRemediatesMismatchOnce(t *testing.T) {
	t.Parallel()
	auth := &fakeAuthority{sess: alphaSession()}
	orc := newTestOrchestrator(t, auth, "http://unused.invalid", "http://unused.invalid")
	ctx := context.Background()
	st := store.NewMemory()

	// Resolved tenant is beta but the identity only knows alpha. One
	// trait amendment brings them in line and the flow proceeds.
	state, err := orc.State(ctx, st, "ctx-1", StateInput{
		Resolve: tenants.ResolveInput{ExplicitTenantID: "beta"},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusNeedsLogin, state.Status)
	assert.Contains(t, state.RedirectURL, "client_id=beta-client")

	auth.mu.Lock()
	defer auth.mu.Unlock()
	assert.Equal(t, 1, auth.updateCalls)
	assert.Equal(t, "beta", auth.sess.Identity.Traits.PrimaryTenant)
	_, ok := auth.sess.Identity.Traits.MembershipFor("beta")
	assert.True(t, ok)
	_, ok = auth.sess.Identity.Traits.MembershipFor("alpha")
	assert.True(t, ok, "existing memberships survive remediation")
}

func TestStateFailedRemediationSignsOut(t *testing.T) {
	t.Parallel()
	auth := &fakeAuthority{
		sess:         alphaSession(),
		updateStatus: http.StatusInternalServerError,
		logoutURL:    "https://id.example.com/logout?flow=1",
	}
	orc := newTestOrchestrator(t, auth, "http://unused.invalid", "http://unused.invalid")
	ctx := context.Background()
	st := store.NewMemory()
	require.NoError(t, st.Set(ctx, store.KeyAccessToken, "live"))

	state, err := orc.State(ctx, st, "ctx-1", StateInput{
		Resolve: tenants.ResolveInput{ExplicitTenantID: "beta"},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusDenied, state.Status)
	assert.Equal(t, binding.ReasonPrimaryMismatch, state.Reason)
	assert.Equal(t, "https://id.example.com/logout?flow=1", state.RedirectURL)

	// Forced sign-out wipes the whole context.
	_, err = st.Get(ctx, store.KeyAccessToken)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestHandleOAuthCallbackRedirectsToSavedTarget(t *testing.T) {
	t.Parallel()
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "fresh",
			"refresh_token": "refresh-1",
			"token_type":    "bearer",
			"expires_in":    3600,
		})
	}))
	defer tokenSrv.Close()

	auth := &fakeAuthority{sess: alphaSession()}
	orc := newTestOrchestrator(t, auth, tokenSrv.URL, "http://unused.invalid")
	ctx := context.Background()
	st := store.NewMemory()

	// Prime the context the way getState would: resolve and begin.
	state, err := orc.State(ctx, st, "ctx-1", StateInput{
		Resolve:  tenants.ResolveInput{ExplicitTenantID: "alpha"},
		ReturnTo: "https://alpha.example.com/app",
	})
	require.NoError(t, err)
	require.Equal(t, StatusNeedsLogin, state.Status)
	oauthState, err := st.Get(ctx, store.KeyOAuthState)
	require.NoError(t, err)

	redirect, err := orc.HandleOAuthCallback(ctx, st, "code-1", oauthState)
	require.NoError(t, err)
	assert.Equal(t, "https://alpha.example.com/app", redirect)

	saved, err := tokens.Load(ctx, st)
	require.NoError(t, err)
	assert.Equal(t, "fresh", saved.AccessToken)
	_, err = st.Get(ctx, store.KeyRedirectURI)
	assert.ErrorIs(t, err, store.ErrNotFound)
}
