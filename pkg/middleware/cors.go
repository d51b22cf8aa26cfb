// pkg/middleware/cors.go
package middleware

import (
	"context"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"authbridge/pkg/tenants"
)

// TenantCORS allows cross-origin calls only from origins some tenant in
// the catalog has registered. Credentials are allowed because the auth
// endpoints are cookie-driven, so the origin echo must stay exact.
func TenantCORS(cat tenants.Catalog, log *zap.SugaredLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}
			if originAllowed(r.Context(), cat, origin) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Credentials", "true")
				w.Header().Add("Vary", "Origin")
				if r.Method == http.MethodOptions {
					w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
					w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Request-Id")
					w.Header().Set("Access-Control-Max-Age", "600")
					w.WriteHeader(http.StatusNoContent)
					return
				}
			} else if r.Method == http.MethodOptions {
				log.Debugw("cors preflight from unregistered origin", "origin", origin)
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func originAllowed(ctx context.Context, cat tenants.Catalog, origin string) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	all, err := cat.All(ctx)
	if err != nil {
		return false
	}
	host := strings.TrimPrefix(strings.TrimPrefix(origin, "https://"), "http://")
	for _, t := range all {
		for _, o := range t.AllowedOrigins {
			if o == "" {
				continue
			}
			if o == origin || hostMatches(host, o) {
				return true
			}
		}
	}
	return false
}

// hostMatches accepts the registered host itself or a subdomain of it.
// The echo carries credentials, so a bare substring check would let
// acme.example.com.evil.com impersonate acme.example.com.
func hostMatches(host, allowed string) bool {
	if !strings.Contains(allowed, ":") {
		if i := strings.Index(host, ":"); i >= 0 {
			host = host[:i]
		}
	}
	return host == allowed || strings.HasSuffix(host, "."+allowed)
}
