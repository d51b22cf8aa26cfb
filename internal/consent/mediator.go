package consent

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	jmespath "github.com/jmespath/go-jmespath"
	"github.com/open-policy-agent/opa/rego"
	"go.uber.org/zap"

	"authbridge/pkg/binding"
	"authbridge/pkg/identity"
	"authbridge/pkg/metrics"
	"authbridge/pkg/tenants"
)

// Decision is the mediated outcome for a consent challenge.
type Decision struct {
	Grant             bool
	GrantScope        []string
	IDTokenClaims     map[string]any
	AccessTokenClaims map[string]any
	ErrorCode         string
	ErrorDescription  string
}

// Mediator turns consent challenges into decisions. It never trusts the
// challenge's client id beyond looking up which tenant it belongs to;
// the session-tenant binding decides whether the grant is allowed.
type Mediator struct {
	cat    tenants.Catalog
	log    *zap.SugaredLogger
	policy *rego.PreparedEvalQuery
}

// NewMediator prepares the mediator. policyFile optionally points at a
// rego module with a boolean `data.consent.allow` document; when set,
// a false or failed evaluation denies the grant.
func NewMediator(ctx context.Context, cat tenants.Catalog, log *zap.SugaredLogger, policyFile string) (*Mediator, error) {
	m := &Mediator{cat: cat, log: log}
	if policyFile != "" {
		src, err := os.ReadFile(policyFile)
		if err != nil {
			return nil, fmt.Errorf("read consent policy: %w", err)
		}
		q, err := rego.New(
			rego.Query("data.consent.allow"),
			rego.Module("consent.rego", string(src)),
		).PrepareForEval(ctx)
		if err != nil {
			return nil, fmt.Errorf("prepare consent policy: %w", err)
		}
		m.policy = &q
	}
	return m, nil
}

// Decide resolves the tenant behind the challenge's OAuth client and
// validates the session against it. Claims are scoped to that tenant's
// membership entry, not the identity's global traits.
func (m *Mediator) Decide(ctx context.Context, ch *Challenge, sess *identity.Session) Decision {
	deny := func(desc string) Decision {
		metrics.ConsentDecisions.WithLabelValues("deny").Inc()
		return Decision{ErrorCode: "access_denied", ErrorDescription: desc}
	}

	t, err := m.cat.ByClientID(ctx, ch.Client.ID)
	if err != nil {
		m.log.Warnw("consent for unknown client", "client_id", ch.Client.ID)
		return deny("unknown client")
	}

	if res := binding.Validate(sess, t); !res.Valid {
		m.log.Warnw("consent denied on binding",
			"tenant", t.ID, "subject", ch.Subject, "reason", res.Reason)
		return deny("session not valid for this tenant")
	}

	traits := sess.Identity.Traits
	membership, _ := traits.MembershipFor(t.ID)

	if m.policy != nil && !m.policyAllows(ctx, t, ch, traits) {
		return deny("denied by policy")
	}

	idClaims := map[string]any{
		"email": traits.Email,
		"role":  membership.Role,
	}
	accessClaims := map[string]any{
		"role":      membership.Role,
		"tenant_id": t.ID,
		"projects":  traits.Projects,
	}
	m.applyMappings(t, traits, accessClaims)

	metrics.ConsentDecisions.WithLabelValues("grant").Inc()
	return Decision{
		Grant:             true,
		GrantScope:        ch.RequestedScopes,
		IDTokenClaims:     idClaims,
		AccessTokenClaims: accessClaims,
	}
}

func (m *Mediator) policyAllows(ctx context.Context, t tenants.Tenant, ch *Challenge, traits identity.Traits) bool {
	input := map[string]any{
		"tenant_id": t.ID,
		"client_id": ch.Client.ID,
		"subject":   ch.Subject,
		"scopes":    ch.RequestedScopes,
		"traits":    toMap(traits),
	}
	rs, err := m.policy.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		// Fail closed: an unevaluable policy never grants.
		m.log.Warnw("consent policy eval failed", "err", err)
		return false
	}
	return rs.Allowed()
}

// applyMappings evaluates the tenant's configured jmespath expressions
// over the raw traits and folds the results into the access token.
func (m *Mediator) applyMappings(t tenants.Tenant, traits identity.Traits, claims map[string]any) {
	if len(t.ClaimMappings) == 0 {
		return
	}
	data := toMap(traits)
	for name, expr := range t.ClaimMappings {
		v, err := jmespath.Search(expr, data)
		if err != nil {
			m.log.Warnw("claim mapping failed", "tenant", t.ID, "claim", name, "err", err)
			continue
		}
		if v != nil {
			claims[name] = v
		}
	}
}

func toMap(traits identity.Traits) map[string]any {
	b, _ := json.Marshal(traits)
	var out map[string]any
	_ = json.Unmarshal(b, &out)
	return out
}
