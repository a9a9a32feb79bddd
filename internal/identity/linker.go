// internal/identity/linker.go
package identity

import (
	"context"

	"entitlement-engine/internal/billing"
	"entitlement-engine/internal/common/logger"
	"entitlement-engine/internal/common/metrics"
	"entitlement-engine/internal/session"
)

// PendingFlusher pushes queued local credit grants to the remote ledger.
type PendingFlusher interface {
	FlushPending(ctx context.Context) error
}

// EntitlementEnsurer asks the credit service to recompute grants for the
// authenticated account.
type EntitlementEnsurer interface {
	EnsureEntitlement(ctx context.Context) error
}

// Linker attaches an authenticated identity to the billing provider and
// migrates locally accumulated state to it. Every step is best-effort: a
// failed step is logged and the protocol moves on, because each later step
// repairs independently on the next foreground pass.
type Linker struct {
	provider billing.Provider
	flusher  PendingFlusher
	ensurer  EntitlementEnsurer
	logger   logger.Logger
}

func NewLinker(provider billing.Provider, flusher PendingFlusher, ensurer EntitlementEnsurer, log logger.Logger) *Linker {
	return &Linker{
		provider: provider,
		flusher:  flusher,
		ensurer:  ensurer,
		logger:   log.Named("identity-linker"),
	}
}

// Link runs the linking protocol for newUserID:
//
//  1. Log out the provider if it holds a different authenticated identity.
//  2. Log in as newUserID.
//  3. Restore purchases so receipts follow the account.
//  4. Flush pending credit grants.
//  5. Ensure entitlements are recomputed server-side.
func (l *Linker) Link(ctx context.Context, newUserID string) {
	current := l.provider.CurrentUserID()
	if current != "" && !session.IsAnonymousID(current) && current != newUserID {
		l.step(ctx, "logout", func(ctx context.Context) error {
			return l.provider.LogOut(ctx)
		})
	}

	l.step(ctx, "login", func(ctx context.Context) error {
		return l.provider.LogIn(ctx, newUserID)
	})

	l.step(ctx, "restore_purchases", func(ctx context.Context) error {
		return l.provider.RestorePurchases(ctx)
	})

	l.step(ctx, "flush_pending", func(ctx context.Context) error {
		return l.flusher.FlushPending(ctx)
	})

	l.step(ctx, "ensure_entitlement", func(ctx context.Context) error {
		return l.ensurer.EnsureEntitlement(ctx)
	})
}

func (l *Linker) step(ctx context.Context, name string, fn func(context.Context) error) {
	if err := fn(ctx); err != nil {
		metrics.IdentityLinkSteps.WithLabelValues(name, metrics.OutcomeFailure).Inc()
		l.logger.Warn("Identity link step failed, continuing", map[string]interface{}{
			"step":  name,
			"error": err.Error(),
		})
		return
	}
	metrics.IdentityLinkSteps.WithLabelValues(name, metrics.OutcomeSuccess).Inc()
	l.logger.Debug("Identity link step completed", map[string]interface{}{
		"step": name,
	})
}
