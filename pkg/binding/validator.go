// Package binding enforces the session-tenant invariant: a delegated
// session is always bound to exactly one tenant that the underlying
// identity actually matches.
package binding

import (
	"authbridge/pkg/identity"
	"authbridge/pkg/metrics"
	"authbridge/pkg/tenants"
)

const (
	ReasonPrimaryMismatch   = "primary_tenant mismatch"
	ReasonMembershipMissing = "membership missing"
)

// Result of validating a session against a tenant. A Mismatch is a
// first-class state, never silently ignored.
type Result struct {
	Valid  bool
	Reason string
}

// Validate applies both rules. Rule A: the identity's primary tenant
// equals the resolved tenant. Rule B: the tenant appears in the
// membership list. Both must hold; B catches partially-migrated records
// whose primary was updated without a membership entry.
func Validate(sess *identity.Session, t tenants.Tenant) Result {
	traits := sess.Identity.Traits
	if traits.PrimaryTenant != t.ID {
		metrics.BindingMismatches.Inc()
		return Result{Reason: ReasonPrimaryMismatch}
	}
	if _, ok := traits.MembershipFor(t.ID); !ok {
		metrics.BindingMismatches.Inc()
		return Result{Reason: ReasonMembershipMissing}
	}
	return Result{Valid: true}
}
