// cmd/auth-service/main.go
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"authbridge/internal/authflow"
	"authbridge/internal/consent"
	"authbridge/pkg/binding"
	"authbridge/pkg/broadcast"
	"authbridge/pkg/config"
	"authbridge/pkg/db"
	"authbridge/pkg/identity"
	"authbridge/pkg/logger"
	"authbridge/pkg/middleware"
	"authbridge/pkg/oauthflow"
	"authbridge/pkg/store"
	"authbridge/pkg/tenants"
	"authbridge/pkg/tokens"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg.Env)
	defer log.Sync()

	pool := db.MustConnect(cfg, log)
	rds := db.MustRedis(cfg, log)

	var cat tenants.Catalog
	if pool != nil {
		cat = tenants.NewPostgresCatalog(pool, log)
		if err := tenants.EnsureSchema(context.Background(), pool); err != nil {
			log.Fatalw("schema", "err", err)
		}
		if err := tenants.SeedFromEnv(context.Background(), pool, os.Getenv("TENANT_SEED_JSON")); err != nil {
			log.Warnw("seed", "err", err)
		}
	} else if cfg.TenantCatalogFile != "" {
		list, err := tenants.LoadCatalogFile(cfg.TenantCatalogFile)
		if err != nil {
			log.Fatalw("catalog file", "path", cfg.TenantCatalogFile, "err", err)
		}
		cat = tenants.NewMemoryCatalog(log, list)
	} else {
		cat = tenants.NewMemoryCatalogFromEnv(log)
	}

	var stores store.Provider
	var bus broadcast.Channel
	if rds != nil {
		stores = store.NewRedisProvider(rds)
		bus = broadcast.NewRedis(rds)
	} else {
		stores = store.NewMemoryProvider()
		bus = broadcast.NewMemory()
	}

	hc := &http.Client{Timeout: 15 * time.Second}
	resolver := tenants.NewResolver(cat, log, cfg.AuthHosts, cfg.DefaultTenantID)
	idc := identity.NewClient(cfg.IdentityPublicURL, cfg.IdentityAdminURL, hc, log)
	engine := oauthflow.NewEngine(oauthflow.Endpoints{AuthorizeURL: cfg.AuthorizeURL, TokenURL: cfg.TokenURL}, cfg.RequestedScope, hc, log)
	mgr := tokens.NewManager(cfg.TokenURL, cfg.UserinfoURL, hc, log, cfg.TokenSkew)
	guard := binding.NewGuard(bus, log, cfg.TenantSwitchWindow)
	orc := authflow.NewOrchestrator(resolver, cat, idc, engine, mgr, guard, log)

	admin := consent.NewAdminClient(cfg.OAuthAdminURL, hc, log)
	med, err := consent.NewMediator(context.Background(), cat, log, cfg.ConsentPolicyFile)
	if err != nil {
		log.Fatalw("consent mediator", "err", err)
	}

	app := authflow.NewApp(cfg, log, orc, admin, med, stores)
	handler := app.Handler(middleware.TenantCORS(cat, log))

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: handler}
	go func() {
		log.Infow("auth-service listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalw("ListenAndServe", "err", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	fmt.Println("auth-service stopped")
}
