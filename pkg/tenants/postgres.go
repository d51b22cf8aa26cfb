// pkg/tenants/postgres.go
package tenants

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// pgCatalog implements Catalog backed by PostgreSQL.
type pgCatalog struct {
	dbPool *pgxpool.Pool
	log    *zap.SugaredLogger
}

// NewPostgresCatalog constructs a PostgreSQL-backed tenant catalog.
func NewPostgresCatalog(dbPool *pgxpool.Pool, log *zap.SugaredLogger) Catalog {
	return &pgCatalog{dbPool: dbPool, log: log}
}

// EnsureSchema creates required tables if they do not already exist.
// Safe to call repeatedly (idempotent).
func EnsureSchema(ctx context.Context, dbPool *pgxpool.Pool) error {
	_, err := dbPool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS tenants (
  id text PRIMARY KEY,
  name text,
  oauth_client_id text UNIQUE,
  redirect_uri text,
  post_logout_redirect_uri text,
  allowed_origins text[] DEFAULT '{}',
  primary_color text DEFAULT '',
  logo_url text DEFAULT '',
  google_login boolean DEFAULT false,
  registration boolean DEFAULT false,
  password_reset boolean DEFAULT false,
  claim_mappings jsonb DEFAULT '{}'::jsonb,
  position int NOT NULL DEFAULT 0
);
ALTER TABLE tenants ADD COLUMN IF NOT EXISTS claim_mappings jsonb DEFAULT '{}'::jsonb;
ALTER TABLE tenants ADD COLUMN IF NOT EXISTS position int NOT NULL DEFAULT 0;
`)
	return err
}

// SeedFromEnv upserts tenants from a JSON array (TENANT_SEED_JSON shape).
// Position follows array order so catalog iteration stays deterministic.
func SeedFromEnv(ctx context.Context, dbPool *pgxpool.Pool, seed string) error {
	if seed == "" {
		return nil
	}
	var list []Tenant
	if err := json.Unmarshal([]byte(seed), &list); err != nil {
		return err
	}
	for i, t := range list {
		cm, _ := json.Marshal(t.ClaimMappings)
		if _, err := dbPool.Exec(ctx, `
INSERT INTO tenants (id, name, oauth_client_id, redirect_uri, post_logout_redirect_uri, allowed_origins,
  primary_color, logo_url, google_login, registration, password_reset, claim_mappings, position)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
ON CONFLICT (id) DO UPDATE SET
  name=EXCLUDED.name, oauth_client_id=EXCLUDED.oauth_client_id, redirect_uri=EXCLUDED.redirect_uri,
  post_logout_redirect_uri=EXCLUDED.post_logout_redirect_uri, allowed_origins=EXCLUDED.allowed_origins,
  primary_color=EXCLUDED.primary_color, logo_url=EXCLUDED.logo_url, google_login=EXCLUDED.google_login,
  registration=EXCLUDED.registration, password_reset=EXCLUDED.password_reset,
  claim_mappings=EXCLUDED.claim_mappings, position=EXCLUDED.position`,
			t.ID, t.Name, t.OAuthClientID, t.RedirectURI, t.PostLogoutRedirectURI, t.AllowedOrigins,
			t.PrimaryColor, t.LogoURL, t.GoogleLogin, t.Registration, t.PasswordReset, cm, i); err != nil {
			return err
		}
	}
	return nil
}

const tenantCols = `id, name, oauth_client_id, redirect_uri, post_logout_redirect_uri, allowed_origins,
  primary_color, logo_url, google_login, registration, password_reset, COALESCE(claim_mappings,'{}'::jsonb)`

func scanTenant(row pgx.Row) (Tenant, error) {
	var t Tenant
	var cm []byte
	err := row.Scan(&t.ID, &t.Name, &t.OAuthClientID, &t.RedirectURI, &t.PostLogoutRedirectURI, &t.AllowedOrigins,
		&t.PrimaryColor, &t.LogoURL, &t.GoogleLogin, &t.Registration, &t.PasswordReset, &cm)
	if err != nil {
		return Tenant{}, err
	}
	_ = json.Unmarshal(cm, &t.ClaimMappings)
	return t, nil
}

func (c *pgCatalog) ByID(ctx context.Context, id string) (Tenant, error) {
	t, err := scanTenant(c.dbPool.QueryRow(ctx, `SELECT `+tenantCols+` FROM tenants WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Tenant{}, ErrNotFound
	}
	return t, err
}

func (c *pgCatalog) ByClientID(ctx context.Context, clientID string) (Tenant, error) {
	t, err := scanTenant(c.dbPool.QueryRow(ctx, `SELECT `+tenantCols+` FROM tenants WHERE oauth_client_id=$1`, clientID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Tenant{}, ErrNotFound
	}
	return t, err
}

func (c *pgCatalog) All(ctx context.Context) ([]Tenant, error) {
	rows, err := c.dbPool.Query(ctx, `SELECT `+tenantCols+` FROM tenants ORDER BY position, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
