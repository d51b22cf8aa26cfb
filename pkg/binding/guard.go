package binding

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"authbridge/pkg/broadcast"
	"authbridge/pkg/store"
)

// Guard tracks the last tenant seen per user context and flags rapid
// switches. Purely a heuristic: it logs and broadcasts, it never blocks.
type Guard struct {
	ch     broadcast.Channel
	log    *zap.SugaredLogger
	window time.Duration
}

func NewGuard(ch broadcast.Channel, log *zap.SugaredLogger, window time.Duration) *Guard {
	return &Guard{ch: ch, log: log, window: window}
}

// ObserveTenant records that this context is now operating as tenantID
// and reports a suspiciously quick switch from another tenant.
func (g *Guard) ObserveTenant(ctx context.Context, st store.Store, contextID, tenantID string) {
	now := time.Now()

	last, _ := st.Get(ctx, store.KeyLastTenantID)
	if last != "" && last != tenantID {
		if raw, err := st.Get(ctx, store.KeyLastSessionTime); err == nil {
			if sec, err := strconv.ParseInt(raw, 10, 64); err == nil {
				since := now.Sub(time.Unix(sec, 0))
				if since < g.window {
					g.log.Warnw("rapid tenant switch",
						"from", last, "to", tenantID, "since", since.Round(time.Second))
				}
			}
		}
		if g.ch != nil {
			if err := g.ch.Publish(ctx, broadcast.Event{ContextID: contextID, TenantID: tenantID, At: now}); err != nil {
				g.log.Debugw("tenant switch publish failed", "err", err)
			}
		}
	}

	_ = st.Set(ctx, store.KeyLastTenantID, tenantID)
	_ = st.Set(ctx, store.KeyLastSessionTime, strconv.FormatInt(now.Unix(), 10))
}
