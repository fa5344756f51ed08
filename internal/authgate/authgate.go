// Package authgate implements the Auth Gate (C7): the two lifecycle hooks
// the key-agreement core exposes to the login/logout flow. Grounded in the
// donor's cmd/chatserver/main.go wiring idiom of calling subsystem lifecycle
// methods in sequence and logging rather than propagating non-fatal errors.
package authgate

import (
	"context"
	"log"
	"os"

	"github.com/silentrelay/e2ee-core/internal/reconciler"
	"github.com/silentrelay/e2ee-core/internal/session"
)

// Gate wires the Bundle Reconciler and Session Manager to the two
// lifecycle hooks the auth layer calls.
type Gate struct {
	reconciler *reconciler.Reconciler
	sessions   *session.Manager
	logger     *log.Logger
}

// New constructs an Auth Gate.
func New(r *reconciler.Reconciler, s *session.Manager) *Gate {
	return &Gate{
		reconciler: r,
		sessions:   s,
		logger:     log.New(os.Stdout, "[AUTHGATE] ", log.Ldate|log.Ltime|log.LUTC),
	}
}

// OnAuthenticated implements on_authenticated(): initialize the local key
// bundle if needed, then top up the one-time prekey pool. Neither step ever
// blocks a successful login; failures are logged and retried on the next
// call (spec §4.7).
func (g *Gate) OnAuthenticated(ctx context.Context) {
	if ok := g.reconciler.Initialize(ctx); !ok {
		g.logger.Printf("bundle reconciliation did not complete this round; will retry on next authenticated session")
		return
	}
	g.reconciler.CheckAndReplenish(ctx)
}

// OnLogout implements on_logout(): drop every cached and persisted
// ratcheting session. Auth tokens are the auth layer's responsibility.
// Identity, signed-prekey, and one-time-prekey private material is
// deliberately left untouched (spec §4.7, scenario S6).
func (g *Gate) OnLogout() {
	if err := g.sessions.ClearAll(); err != nil {
		g.logger.Printf("clearing sessions on logout failed: %v", err)
	}
}
