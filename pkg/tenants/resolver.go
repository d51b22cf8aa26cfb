// pkg/tenants/resolver.go
package tenants

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"authbridge/pkg/metrics"
	"authbridge/pkg/store"
)

// Rule names the resolution rule that won.
type Rule string

const (
	RuleExplicit Rule = "explicit"
	RuleStored   Rule = "stored"
	RuleSource   Rule = "source"
	RuleHost     Rule = "host"
	RuleDefault  Rule = "default"
)

// ResolutionError means no rule produced a tenant. It blocks all
// downstream work; there is no implicit default.
type ResolutionError struct {
	Input ResolveInput
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("no tenant matched (host=%q source=%q)", e.Input.CurrentHost, e.Input.SourceURL)
}

// ResolveInput carries the candidate signals for one request.
type ResolveInput struct {
	// Explicit tenant id from request parameters. Always wins.
	ExplicitTenantID string
	// Referrer or return_to-style URL the browser arrived from.
	SourceURL string
	// Host (host:port) currently serving the request.
	CurrentHost string
}

// Resolver maps request signals to a tenant, first matching rule wins:
// explicit id, stored context (shared auth host only), source-URL origin,
// current-host origin, configured default.
type Resolver struct {
	cat             Catalog
	log             *zap.SugaredLogger
	authHosts       map[string]struct{}
	defaultTenantID string
}

func NewResolver(cat Catalog, log *zap.SugaredLogger, authHosts []string, defaultTenantID string) *Resolver {
	hs := make(map[string]struct{}, len(authHosts))
	for _, h := range authHosts {
		hs[h] = struct{}{}
	}
	return &Resolver{cat: cat, log: log, authHosts: hs, defaultTenantID: defaultTenantID}
}

// Resolve evaluates the precedence rules and persists the winner to the
// user's store so the stored-context rule can reuse it later.
func (r *Resolver) Resolve(ctx context.Context, st store.Store, in ResolveInput) (Tenant, Rule, error) {
	t, rule, err := r.resolve(ctx, st, in)
	if err != nil {
		return Tenant{}, "", err
	}
	metrics.TenantResolutions.WithLabelValues(string(rule)).Inc()
	if st != nil {
		if err := persistTenant(ctx, st, t); err != nil {
			r.log.Warnw("tenant persist failed", "tenant", t.ID, "err", err)
		}
	}
	return t, rule, nil
}

func (r *Resolver) resolve(ctx context.Context, st store.Store, in ResolveInput) (Tenant, Rule, error) {
	// 1. Explicit tenant id represents caller intent.
	if in.ExplicitTenantID != "" {
		if t, err := r.cat.ByID(ctx, in.ExplicitTenantID); err == nil {
			return t, RuleExplicit, nil
		}
		r.log.Warnw("explicit tenant not in catalog", "tenant", in.ExplicitTenantID)
	}

	// 2. Previously stored context, only on the shared auth host. A stored
	// id from another host must not leak into this one.
	if st != nil && r.isAuthHost(in.CurrentHost) {
		if id, err := st.Get(ctx, store.KeyTenantID); err == nil && id != "" {
			if t, err := r.cat.ByID(ctx, id); err == nil {
				return t, RuleStored, nil
			}
		}
	}

	// 3. Origin of the URL the browser came from.
	if host := parseHostPort(in.SourceURL); host != "" {
		if t, ok := r.matchOrigins(ctx, host); ok {
			return t, RuleSource, nil
		}
	}

	// 4. Origin of the host serving this request.
	if in.CurrentHost != "" {
		if t, ok := r.matchOrigins(ctx, in.CurrentHost); ok {
			return t, RuleHost, nil
		}
	}

	// 5. Configured fallback. Explicit and observable, never silent.
	if r.defaultTenantID != "" {
		if t, err := r.cat.ByID(ctx, r.defaultTenantID); err == nil {
			r.log.Warnw("falling back to default tenant", "tenant", t.ID, "host", in.CurrentHost)
			return t, RuleDefault, nil
		}
	}

	return Tenant{}, "", &ResolutionError{Input: in}
}

func (r *Resolver) isAuthHost(host string) bool {
	_, ok := r.authHosts[host]
	return ok
}

// matchOrigins returns the first tenant in catalog order whose allowed
// origins contain the host (substring match, deterministic).
func (r *Resolver) matchOrigins(ctx context.Context, host string) (Tenant, bool) {
	all, err := r.cat.All(ctx)
	if err != nil {
		r.log.Warnw("catalog list failed", "err", err)
		return Tenant{}, false
	}
	for _, t := range all {
		for _, origin := range t.AllowedOrigins {
			if origin != "" && strings.Contains(host, origin) {
				return t, true
			}
		}
	}
	return Tenant{}, false
}

var schemeRe = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9+\-.]*://`)

// parseHostPort extracts host[:port] from an arbitrary URL-ish string.
// Accepts bare host:port, percent-encoded and scheme-less values.
func parseHostPort(raw string) string {
	if raw == "" {
		return ""
	}
	if dec, err := url.QueryUnescape(raw); err == nil {
		raw = dec
	}
	if !schemeRe.MatchString(raw) {
		if strings.HasPrefix(raw, "//") {
			raw = "http:" + raw
		} else {
			raw = "http://" + raw
		}
	}
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return ""
	}
	if p := u.Port(); p != "" {
		return u.Hostname() + ":" + p
	}
	return u.Hostname()
}

func persistTenant(ctx context.Context, st store.Store, t Tenant) error {
	if err := st.Set(ctx, store.KeyTenantID, t.ID); err != nil {
		return err
	}
	snap, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return st.Set(ctx, store.KeyTenantConfig, string(snap))
}
