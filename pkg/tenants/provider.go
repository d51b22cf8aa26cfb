package tenants

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("tenant not found")

// Catalog is the static tenant mapping injected into the core.
type Catalog interface {
	// ByID looks up a tenant by its id.
	ByID(ctx context.Context, id string) (Tenant, error)
	// ByClientID looks up the tenant owning an OAuth client id.
	ByClientID(ctx context.Context, clientID string) (Tenant, error)
	// All returns every tenant in deterministic catalog order.
	All(ctx context.Context) ([]Tenant, error)
}
