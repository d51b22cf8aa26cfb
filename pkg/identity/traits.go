// Package identity is the client for the first-party identity/session
// authority. This core only reads sessions and amends traits; credentials
// live entirely on the authority's side.
package identity

import (
	"errors"
	"fmt"
)

// Membership is one tenant the identity belongs to.
type Membership struct {
	TenantID string `json:"tenant_id"`
	Role     string `json:"role,omitempty"`
}

// Traits is the typed shape of identity traits. The authority stores
// arbitrary JSON; this boundary validates the parts the core relies on.
type Traits struct {
	Email             string       `json:"email,omitempty"`
	Role              string       `json:"role,omitempty"`
	Projects          []string     `json:"projects,omitempty"`
	PrimaryTenant     string       `json:"primary_tenant,omitempty"`
	TenantMemberships []Membership `json:"tenant_memberships,omitempty"`
}

var ErrInvalidTraits = errors.New("identity traits invalid")

// Validate enforces the trait invariant: a primary tenant, when present,
// must appear in the membership list.
func (t Traits) Validate() error {
	if t.PrimaryTenant == "" {
		return nil
	}
	if _, ok := t.MembershipFor(t.PrimaryTenant); !ok {
		return fmt.Errorf("%w: primary tenant %q not in memberships", ErrInvalidTraits, t.PrimaryTenant)
	}
	return nil
}

// MembershipFor returns the membership entry for a tenant, if any.
func (t Traits) MembershipFor(tenantID string) (Membership, bool) {
	for _, m := range t.TenantMemberships {
		if m.TenantID == tenantID {
			return m, true
		}
	}
	return Membership{}, false
}

// Identity is the authority's identity record, traits included.
type Identity struct {
	ID     string `json:"id"`
	Traits Traits `json:"traits"`
}

// Session is an active first-party session.
type Session struct {
	ID       string   `json:"id"`
	Active   bool     `json:"active"`
	Identity Identity `json:"identity"`
}
