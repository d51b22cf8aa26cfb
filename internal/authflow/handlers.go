package authflow

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"authbridge/internal/consent"
	"authbridge/pkg/config"
	"authbridge/pkg/identity"
	"authbridge/pkg/oauthflow"
	"authbridge/pkg/problems"
	"authbridge/pkg/store"
	"authbridge/pkg/tenants"
)

// contextCookie identifies a browser context across requests. It only
// namespaces the per-context store; it carries no authority.
const contextCookie = "ab_ctx"

// App wires the orchestrator and consent mediator behind HTTP.
type App struct {
	cfg    config.Config
	log    *zap.SugaredLogger
	orc    *Orchestrator
	admin  *consent.AdminClient
	med    *consent.Mediator
	stores store.Provider
}

func NewApp(cfg config.Config, log *zap.SugaredLogger, orc *Orchestrator, admin *consent.AdminClient, med *consent.Mediator, stores store.Provider) *App {
	return &App{cfg: cfg, log: log, orc: orc, admin: admin, med: med, stores: stores}
}

func (a *App) contextStore(w http.ResponseWriter, r *http.Request) (store.Store, string) {
	id := ""
	if c, err := r.Cookie(contextCookie); err == nil {
		id = c.Value
	}
	if id == "" {
		id = uuid.NewString()
		http.SetCookie(w, &http.Cookie{
			Name:     contextCookie,
			Value:    id,
			Path:     "/",
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
		})
	}
	return a.stores.ForContext(id), id
}

// getState evaluates the state machine for this request.
func (a *App) getState(w http.ResponseWriter, r *http.Request) {
	st, ctxID := a.contextStore(w, r)
	ctx := identity.WithCookies(r.Context(), r.Header.Get("Cookie"))

	in := StateInput{
		Resolve: tenants.ResolveInput{
			ExplicitTenantID: r.URL.Query().Get("tenant_id"),
			SourceURL:        firstNonEmpty(r.URL.Query().Get("source"), r.Referer()),
			CurrentHost:      r.Host,
		},
		ReturnTo: r.URL.Query().Get("return_to"),
	}
	state, err := a.orc.State(ctx, st, ctxID, in)
	if err != nil {
		a.problem(w, http.StatusBadGateway, "auth-state-unavailable", "Auth state unavailable", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// getCallback completes the authorization round trip and bounces the
// browser back to where the flow started.
func (a *App) getCallback(w http.ResponseWriter, r *http.Request) {
	st, _ := a.contextStore(w, r)
	ctx := identity.WithCookies(r.Context(), r.Header.Get("Cookie"))
	q := r.URL.Query()

	if errCode := q.Get("error"); errCode != "" {
		a.problem(w, http.StatusBadRequest, "authorization-failed", "Authorization failed",
			strings.TrimSpace(errCode+": "+q.Get("error_description")))
		return
	}

	redirect, err := a.orc.HandleOAuthCallback(ctx, st, q.Get("code"), q.Get("state"))
	if err != nil {
		switch {
		case errors.Is(err, oauthflow.ErrStateMismatch):
			a.problem(w, http.StatusConflict, "state-mismatch", "State mismatch",
				"The callback state does not match this context; start the flow again.")
		case errors.Is(err, oauthflow.ErrMissingVerifier):
			a.problem(w, http.StatusConflict, "flow-expired", "Flow expired",
				"No pending authorization for this context; start the flow again.")
		default:
			var xerr *oauthflow.ExchangeError
			if errors.As(err, &xerr) {
				a.problem(w, http.StatusBadGateway, "exchange-failed", "Token exchange failed", xerr.Error())
				return
			}
			a.problem(w, http.StatusBadGateway, "callback-failed", "Callback failed", err.Error())
		}
		return
	}
	http.Redirect(w, r, redirect, http.StatusFound)
}

// postLogout tears the context down and reports the browser logout URL.
func (a *App) postLogout(w http.ResponseWriter, r *http.Request) {
	st, _ := a.contextStore(w, r)
	ctx := identity.WithCookies(r.Context(), r.Header.Get("Cookie"))

	logoutURL, err := a.orc.Logout(ctx, st)
	if err != nil {
		a.log.Warnw("logout flow failed", "err", err)
	}
	writeJSON(w, http.StatusOK, map[string]any{"logout_url": logoutURL})
}

// getLogin binds an authorization-server login challenge to the
// current first-party session.
func (a *App) getLogin(w http.ResponseWriter, r *http.Request) {
	challenge := r.URL.Query().Get("login_challenge")
	if challenge == "" {
		a.problem(w, http.StatusBadRequest, "missing-challenge", "Missing challenge", "login_challenge is required")
		return
	}
	st, _ := a.contextStore(w, r)
	ctx := identity.WithCookies(r.Context(), r.Header.Get("Cookie"))

	redirect, err := a.orc.AcceptLoginChallenge(ctx, st, a.admin.AcceptLogin, challenge)
	if err != nil {
		if errors.Is(err, identity.ErrNoSession) {
			http.Redirect(w, r, a.orc.idc.LoginURL(r.URL.String()), http.StatusFound)
			return
		}
		a.problem(w, http.StatusBadGateway, "login-accept-failed", "Login accept failed", err.Error())
		return
	}
	http.Redirect(w, r, redirect, http.StatusFound)
}

// getTenant reports the resolved tenant's public configuration so the
// frontend can brand itself before any session exists.
func (a *App) getTenant(w http.ResponseWriter, r *http.Request) {
	st, _ := a.contextStore(w, r)
	t, rule, err := a.orc.resolver.Resolve(r.Context(), st, tenants.ResolveInput{
		ExplicitTenantID: r.URL.Query().Get("tenant_id"),
		SourceURL:        firstNonEmpty(r.URL.Query().Get("source"), r.Referer()),
		CurrentHost:      r.Host,
	})
	if err != nil {
		a.problem(w, http.StatusNotFound, "unknown-tenant", "Unknown tenant", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tenant":          t,
		"resolution_rule": rule,
	})
}

// getRegistration forwards to the authority's registration flow when the
// resolved tenant allows self-service sign-up.
func (a *App) getRegistration(w http.ResponseWriter, r *http.Request) {
	st, _ := a.contextStore(w, r)
	t, _, err := a.orc.resolver.Resolve(r.Context(), st, tenants.ResolveInput{
		ExplicitTenantID: r.URL.Query().Get("tenant_id"),
		SourceURL:        r.Referer(),
		CurrentHost:      r.Host,
	})
	if err != nil {
		a.problem(w, http.StatusNotFound, "unknown-tenant", "Unknown tenant", err.Error())
		return
	}
	if !t.Registration {
		a.problem(w, http.StatusForbidden, "registration-disabled", "Registration disabled",
			"This tenant does not allow self-service registration")
		return
	}
	http.Redirect(w, r, a.orc.idc.RegistrationURL(r.URL.Query().Get("return_to")), http.StatusFound)
}

type consentRequest struct {
	Challenge string `json:"consent_challenge"`
	Accept    bool   `json:"accept"`
}

// postConsent mediates a consent challenge. The user's explicit refusal
// short-circuits; everything else goes through the mediator.
func (a *App) postConsent(w http.ResponseWriter, r *http.Request) {
	var body consentRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Challenge == "" {
		a.problem(w, http.StatusBadRequest, "missing-challenge", "Missing challenge", "consent_challenge is required")
		return
	}
	ctx := identity.WithCookies(r.Context(), r.Header.Get("Cookie"))

	ch, err := a.admin.ConsentRequest(ctx, body.Challenge)
	if err != nil {
		a.problem(w, http.StatusBadGateway, "challenge-fetch-failed", "Challenge fetch failed", err.Error())
		return
	}

	if !body.Accept {
		redirect, err := a.admin.RejectConsent(ctx, body.Challenge, "access_denied", "The resource owner denied the request")
		if err != nil {
			a.problem(w, http.StatusBadGateway, "consent-reject-failed", "Consent reject failed", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"redirect_to": redirect, "granted": false})
		return
	}

	sess, err := a.orc.idc.Session(ctx)
	if err != nil {
		if errors.Is(err, identity.ErrNoSession) {
			a.problem(w, http.StatusUnauthorized, "no-session", "No session", "Sign in before granting consent")
			return
		}
		a.problem(w, http.StatusBadGateway, "session-unavailable", "Session unavailable", err.Error())
		return
	}

	dec := a.med.Decide(ctx, ch, sess)
	var redirect string
	if dec.Grant {
		redirect, err = a.admin.AcceptConsent(ctx, body.Challenge, dec.GrantScope, dec.IDTokenClaims, dec.AccessTokenClaims)
	} else {
		redirect, err = a.admin.RejectConsent(ctx, body.Challenge, dec.ErrorCode, dec.ErrorDescription)
	}
	if err != nil {
		a.problem(w, http.StatusBadGateway, "consent-submit-failed", "Consent submit failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"redirect_to": redirect, "granted": dec.Grant})
}

func (a *App) problem(w http.ResponseWriter, status int, slug, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"type":   problems.Type(slug),
		"title":  title,
		"detail": detail,
		"status": status,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
