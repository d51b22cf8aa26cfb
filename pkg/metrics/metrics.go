// Package metrics registers the service's prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TenantResolutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "authbridge_tenant_resolutions_total",
		Help: "Tenant resolutions by winning rule.",
	}, []string{"rule"})

	TokenRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "authbridge_token_refreshes_total",
		Help: "Refresh grant attempts by result.",
	}, []string{"result"})

	BindingMismatches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "authbridge_binding_mismatches_total",
		Help: "Session-tenant binding validation failures.",
	})

	ConsentDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "authbridge_consent_decisions_total",
		Help: "Consent mediation outcomes.",
	}, []string{"decision"})
)
