// Package authflow is the top-level state machine: given one request's
// signals it resolves the tenant, validates the first-party session and
// its tenant binding, and settles the delegated-token state.
package authflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"authbridge/pkg/binding"
	"authbridge/pkg/identity"
	"authbridge/pkg/oauthflow"
	"authbridge/pkg/store"
	"authbridge/pkg/tenants"
	"authbridge/pkg/tokens"
)

// Status of one evaluation of the state machine.
type Status string

const (
	// StatusAuthenticated: valid session, valid binding, usable tokens.
	StatusAuthenticated Status = "authenticated"
	// StatusNeedsLogin: the browser must follow RedirectURL (identity
	// login or a fresh authorization round trip).
	StatusNeedsLogin Status = "needs_login"
	// StatusDenied: terminal for this request; Reason says why.
	StatusDenied Status = "denied"
)

// AuthState is the machine's verdict for one request.
type AuthState struct {
	Status      Status         `json:"status"`
	TenantID    string         `json:"tenant_id,omitempty"`
	Rule        tenants.Rule   `json:"resolution_rule,omitempty"`
	Claims      map[string]any `json:"claims,omitempty"`
	Reason      string         `json:"reason,omitempty"`
	RedirectURL string         `json:"redirect_url,omitempty"`
}

// StateInput carries the request signals.
type StateInput struct {
	Resolve  tenants.ResolveInput
	ReturnTo string
}

type Orchestrator struct {
	resolver *tenants.Resolver
	cat      tenants.Catalog
	idc      *identity.Client
	engine   *oauthflow.Engine
	mgr      *tokens.Manager
	guard    *binding.Guard
	log      *zap.SugaredLogger
}

func NewOrchestrator(resolver *tenants.Resolver, cat tenants.Catalog, idc *identity.Client, engine *oauthflow.Engine, mgr *tokens.Manager, guard *binding.Guard, log *zap.SugaredLogger) *Orchestrator {
	return &Orchestrator{resolver: resolver, cat: cat, idc: idc, engine: engine, mgr: mgr, guard: guard, log: log}
}

// flowContext carries one evaluation's mutable state. Nothing here
// outlives a single State call; there is no module-level flow state.
type flowContext struct {
	remediationAttempted bool
}

// State runs the machine once. Order is fixed: tenant first (nothing
// proceeds without one), then session, then binding, then tokens.
func (o *Orchestrator) State(ctx context.Context, st store.Store, contextID string, in StateInput) (AuthState, error) {
	fc := &flowContext{}
	t, rule, err := o.resolver.Resolve(ctx, st, in.Resolve)
	if err != nil {
		var rerr *tenants.ResolutionError
		if errors.As(err, &rerr) {
			return AuthState{Status: StatusDenied, Reason: "tenant resolution failed"}, nil
		}
		return AuthState{}, err
	}

	sess, err := o.idc.Session(ctx)
	if err != nil {
		if errors.Is(err, identity.ErrNoSession) {
			return AuthState{
				Status:      StatusNeedsLogin,
				TenantID:    t.ID,
				Rule:        rule,
				RedirectURL: o.idc.LoginURL(in.ReturnTo),
			}, nil
		}
		return AuthState{}, fmt.Errorf("session check: %w", err)
	}

	sess, ok, reason := o.ensureBinding(ctx, fc, st, sess, t)
	if !ok {
		logoutURL, lerr := o.Logout(ctx, st)
		if lerr != nil {
			o.log.Warnw("forced sign-out failed", "tenant", t.ID, "err", lerr)
		}
		return AuthState{
			Status:      StatusDenied,
			TenantID:    t.ID,
			Rule:        rule,
			Reason:      reason,
			RedirectURL: logoutURL,
		}, nil
	}

	o.guard.ObserveTenant(ctx, st, contextID, t.ID)

	if _, err := o.mgr.ValidAccessToken(ctx, st, t); err != nil {
		if !errors.Is(err, tokens.ErrAuthRequired) {
			return AuthState{}, err
		}
		if in.ReturnTo != "" {
			_ = st.Set(ctx, store.KeyRedirectURI, in.ReturnTo)
		}
		authURL, aerr := o.engine.BeginAuthorization(ctx, st, t)
		if aerr != nil {
			return AuthState{}, fmt.Errorf("begin authorization: %w", aerr)
		}
		return AuthState{
			Status:      StatusNeedsLogin,
			TenantID:    t.ID,
			Rule:        rule,
			RedirectURL: authURL,
		}, nil
	}

	claims, err := o.mgr.Userinfo(ctx, st, t)
	if err != nil {
		// Display data only; fall back to session traits.
		o.log.Debugw("userinfo unavailable", "tenant", t.ID, "err", err)
		claims = map[string]any{"email": sess.Identity.Traits.Email}
	}
	return AuthState{
		Status:   StatusAuthenticated,
		TenantID: t.ID,
		Rule:     rule,
		Claims:   claims,
	}, nil
}

// ensureBinding validates the session against the tenant, remediating a
// mismatch at most once: the membership is appended (and the primary
// moved) via the admin API, the session re-fetched, and the binding
// re-checked. A second failure is final.
func (o *Orchestrator) ensureBinding(ctx context.Context, fc *flowContext, st store.Store, sess *identity.Session, t tenants.Tenant) (*identity.Session, bool, string) {
	if err := sess.Identity.Traits.Validate(); err != nil {
		o.log.Warnw("identity traits invalid", "identity", sess.Identity.ID, "err", err)
	}
	res := binding.Validate(sess, t)
	if res.Valid {
		return sess, true, ""
	}
	o.log.Warnw("session-tenant binding mismatch",
		"identity", sess.Identity.ID, "tenant", t.ID, "reason", res.Reason)

	if fc.remediationAttempted {
		return sess, false, res.Reason
	}
	fc.remediationAttempted = true

	traits := sess.Identity.Traits
	if _, ok := traits.MembershipFor(t.ID); !ok {
		role := traits.Role
		if role == "" {
			role = "member"
		}
		traits.TenantMemberships = append(traits.TenantMemberships, identity.Membership{TenantID: t.ID, Role: role})
	}
	traits.PrimaryTenant = t.ID
	if err := o.idc.UpdateTraits(ctx, sess.Identity.ID, traits); err != nil {
		o.log.Warnw("binding remediation failed", "identity", sess.Identity.ID, "err", err)
		return sess, false, res.Reason
	}

	fresh, err := o.idc.Session(ctx)
	if err != nil {
		o.log.Warnw("session re-fetch after remediation failed", "err", err)
		return sess, false, res.Reason
	}
	if res2 := binding.Validate(fresh, t); !res2.Valid {
		return fresh, false, res2.Reason
	}
	return fresh, true, ""
}

// HandleOAuthCallback completes the authorization round trip for the
// tenant stored by the resolver and returns where to send the browser.
func (o *Orchestrator) HandleOAuthCallback(ctx context.Context, st store.Store, code, state string) (string, error) {
	t, err := o.storedTenant(ctx, st)
	if err != nil {
		return "", err
	}

	_, tenantClaim, err := o.engine.HandleCallback(ctx, st, t, code, state)
	if err != nil {
		return "", err
	}

	if tenantClaim != "" && tenantClaim != t.ID {
		// The token claims a different tenant than we authorized for.
		// Re-check the binding before letting these tokens live.
		o.log.Warnw("token tenant claim disagrees with resolved tenant",
			"claimed", tenantClaim, "resolved", t.ID)
		sess, serr := o.idc.Session(ctx)
		if serr != nil {
			_ = store.ClearTokens(ctx, st)
			return "", fmt.Errorf("tenant claim check: %w", serr)
		}
		if res := binding.Validate(sess, t); !res.Valid {
			_ = store.ClearTokens(ctx, st)
			return "", fmt.Errorf("tenant claim check: %s", res.Reason)
		}
	}

	redirect, _ := st.Get(ctx, store.KeyRedirectURI)
	if redirect == "" {
		redirect = t.RedirectURI
	}
	_ = st.Delete(ctx, store.KeyRedirectURI)
	return redirect, nil
}

// Logout erases everything for this context and kills the first-party
// session. Returns the browser logout URL when the authority issues one.
func (o *Orchestrator) Logout(ctx context.Context, st store.Store) (string, error) {
	if err := st.Clear(ctx); err != nil {
		o.log.Warnw("context clear failed", "err", err)
	}
	return o.idc.CreateLogoutFlow(ctx)
}

// AcceptLoginChallenge binds a pending authorization-server login
// challenge to the current first-party session.
func (o *Orchestrator) AcceptLoginChallenge(ctx context.Context, st store.Store, accept func(ctx context.Context, challenge, subject string, extra map[string]any) (string, error), challenge string) (string, error) {
	sess, err := o.idc.Session(ctx)
	if err != nil {
		return "", err
	}
	tenantID, _ := st.Get(ctx, store.KeyTenantID)
	extra := map[string]any{}
	if tenantID != "" {
		extra["tenant_id"] = tenantID
	}
	return accept(ctx, challenge, sess.Identity.ID, extra)
}

func (o *Orchestrator) storedTenant(ctx context.Context, st store.Store) (tenants.Tenant, error) {
	if snap, err := st.Get(ctx, store.KeyTenantConfig); err == nil && snap != "" {
		var t tenants.Tenant
		if err := json.Unmarshal([]byte(snap), &t); err == nil && t.ID != "" {
			return t, nil
		}
	}
	if id, err := st.Get(ctx, store.KeyTenantID); err == nil && id != "" {
		return o.cat.ByID(ctx, id)
	}
	return tenants.Tenant{}, fmt.Errorf("no tenant bound to this context")
}
