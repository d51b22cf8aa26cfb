// pkg/config/config.go
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Env      string
	HTTPAddr string

	// Identity authority (first-party sessions)
	IdentityPublicURL string
	IdentityAdminURL  string

	// Authorization server (delegated tokens)
	AuthorizeURL   string
	TokenURL       string
	UserinfoURL    string
	OAuthAdminURL  string
	RequestedScope []string

	// Hosts that serve the shared authentication surface. The stored-tenant
	// resolution rule only applies when the request arrives on one of these.
	AuthHosts []string

	// Fallback tenant when no resolution rule matches a signal.
	DefaultTenantID string

	// Token lifecycle
	TokenSkew time.Duration

	// Binding anomaly heuristics
	TenantSwitchWindow time.Duration

	// Tenant catalog sources
	TenantCatalogFile string

	// Optional rego module gating consent grants
	ConsentPolicyFile string

	// Redis & Postgres
	RedisURL    string
	DatabaseURL string
}

func Load() Config {
	_ = godotenv.Load()
	return Config{
		Env:                env("AUTHBRIDGE_ENV", "dev"),
		HTTPAddr:           env("AUTHBRIDGE_HTTP_ADDR", ":8085"),
		IdentityPublicURL:  env("IDENTITY_PUBLIC_URL", "http://localhost:4433"),
		IdentityAdminURL:   env("IDENTITY_ADMIN_URL", "http://localhost:4434"),
		AuthorizeURL:       env("OAUTH_AUTHORIZE_URL", "http://localhost:4444/oauth2/auth"),
		TokenURL:           env("OAUTH_TOKEN_URL", "http://localhost:4444/oauth2/token"),
		UserinfoURL:        env("OAUTH_USERINFO_URL", "http://localhost:4444/userinfo"),
		OAuthAdminURL:      env("OAUTH_ADMIN_URL", "http://localhost:4445/admin"),
		RequestedScope:     envList("OAUTH_SCOPE", "openid offline email"),
		AuthHosts:          envList("AUTH_HOSTS", "localhost:8085 auth.localhost"),
		DefaultTenantID:    env("DEFAULT_TENANT_ID", ""),
		TokenSkew:          envDur("TOKEN_SKEW_SEC", 30) * time.Second,
		TenantSwitchWindow: envDur("TENANT_SWITCH_WINDOW_SEC", 300) * time.Second,
		TenantCatalogFile:  env("TENANT_CATALOG_FILE", ""),
		ConsentPolicyFile:  env("CONSENT_POLICY_FILE", ""),
		RedisURL:           env("REDIS_URL", ""),
		DatabaseURL:        env("DATABASE_URL", ""),
	}
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envList(k, def string) []string {
	v := os.Getenv(k)
	if v == "" {
		v = def
	}
	return strings.Fields(v)
}

func envDur(k string, def int) time.Duration {
	if v := os.Getenv(k); v != "" {
		i, err := strconv.Atoi(v)
		if err == nil {
			return time.Duration(i)
		}
	}
	return time.Duration(def)
}
