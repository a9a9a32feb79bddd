// internal/recon/facade.go
package recon

import (
	"context"
	"sync"
	"time"

	"entitlement-engine/internal/billing"
	apperrors "entitlement-engine/internal/common/errors"
	"entitlement-engine/internal/common/logger"
	"entitlement-engine/internal/common/observability"
	"entitlement-engine/internal/credits"
	"entitlement-engine/internal/entitlement"
	"entitlement-engine/internal/identity"
	"entitlement-engine/internal/models"
	"entitlement-engine/internal/session"
)

// Snapshot is the consolidated account state handed to observers.
type Snapshot struct {
	Tier         models.Tier `json:"tier"`
	Confirmed    int64       `json:"confirmed"`
	PendingDelta int64       `json:"pending_delta"`
	Effective    int64       `json:"effective"`
	QuotaUsed    int         `json:"quota_used"`
	QuotaLimit   int         `json:"quota_limit"`
	QuotaResetAt time.Time   `json:"quota_reset_at"`
	SignedIn     bool        `json:"signed_in"`
	Anonymous    bool        `json:"anonymous"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// Observer receives a snapshot after every state transition.
type Observer func(Snapshot)

// Facade is the single entry point for lifecycle events. It owns no timers;
// every reconciliation happens inside a caller-driven event.
type Facade struct {
	sessions *session.Store
	manager  *session.Manager
	resolver *entitlement.Resolver
	provider billing.Provider
	ledger   *credits.Ledger
	linker   *identity.Linker
	obs      *observability.Observability
	logger   logger.Logger

	// quotaLimit is the weekly free-generation allowance surfaced in
	// snapshots. The engine reports it; callers enforce it.
	quotaLimit int

	mu        sync.Mutex
	current   Snapshot
	observers []Observer
}

func NewFacade(
	sessions *session.Store,
	manager *session.Manager,
	resolver *entitlement.Resolver,
	provider billing.Provider,
	ledger *credits.Ledger,
	linker *identity.Linker,
	obs *observability.Observability,
	quotaLimit int,
	log logger.Logger,
) *Facade {
	return &Facade{
		sessions:   sessions,
		manager:    manager,
		resolver:   resolver,
		provider:   provider,
		ledger:     ledger,
		linker:     linker,
		obs:        obs,
		quotaLimit: quotaLimit,
		logger:     log.Named("recon-facade"),
	}
}

// Subscribe registers an observer. It immediately receives the current
// snapshot so subscribers never start from a blank state.
func (f *Facade) Subscribe(obs Observer) {
	f.mu.Lock()
	f.observers = append(f.observers, obs)
	snap := f.current
	f.mu.Unlock()

	obs(snap)
}

// Current returns the last published snapshot.
func (f *Facade) Current() Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

// HandleForeground runs a full reconciliation pass: ensure a session
// exists, re-resolve the tier, reset an expired quota, pull the confirmed
// balance, and flush any pending grants.
func (f *Facade) HandleForeground(ctx context.Context) error {
	ctx, span := f.obs.StartSpan(ctx, "foreground")
	defer span.End()
	start := time.Now()

	sess, err := f.sessions.EnsureAnonymous(ctx)
	if err != nil {
		f.obs.RecordOperation(ctx, "foreground", "failure")
		return err
	}

	tier := f.resolveTier(ctx, false)

	if _, err := f.ledger.CheckAndResetQuota(ctx); err != nil {
		f.logger.WithError(err).Warn("Quota reset check failed", nil)
	}

	if !sess.Anonymous {
		if _, err := f.manager.EnsureValidToken(ctx); err != nil {
			f.logger.WithError(err).Warn("Token validation failed on foreground", nil)
		}
		if _, err := f.ledger.FetchConfirmedBalance(ctx); err != nil {
			f.logger.WithError(err).Warn("Confirmed balance fetch failed", nil)
		}
		if err := f.ledger.FlushPending(ctx); err != nil {
			f.logger.WithError(err).Warn("Pending flush failed", nil)
		}
	}

	f.publish(ctx, tier, sess)
	f.obs.RecordOperation(ctx, "foreground", "success")
	f.obs.RecordDuration(ctx, "foreground", time.Since(start))
	return nil
}

// HandlePurchaseFinished reconciles after a purchase flow returns. A
// cancelled purchase is a silent no-op; a completed one re-resolves with
// the post-purchase floor so the buyer never sees the free tier.
func (f *Facade) HandlePurchaseFinished(ctx context.Context, purchaseErr error) error {
	if purchaseErr != nil {
		if apperrors.IsCode(purchaseErr, apperrors.ErrCodePurchaseCancelled) {
			f.logger.Debug("Purchase cancelled, nothing to reconcile", nil)
			return nil
		}
		return purchaseErr
	}

	ctx, span := f.obs.StartSpan(ctx, "purchase_finished")
	defer span.End()

	sess, err := f.sessions.Load(ctx)
	if err != nil {
		return err
	}

	tier := f.resolveTier(ctx, true)
	if _, err := f.ledger.FetchConfirmedBalance(ctx); err != nil {
		f.logger.WithError(err).Warn("Post-purchase balance fetch failed", nil)
	}

	f.publish(ctx, tier, sess)
	f.obs.RecordOperation(ctx, "purchase_finished", "success")
	return nil
}

// HandleSignIn adopts an authenticated identity: the session record is
// rewritten, the identity-link protocol runs, and state is re-resolved
// under the new account.
func (f *Facade) HandleSignIn(ctx context.Context, userID, accessToken, refreshToken string) error {
	ctx, span := f.obs.StartSpan(ctx, "sign_in")
	defer span.End()

	sess := &models.Session{
		UserID:       userID,
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		Anonymous:    false,
	}
	if err := f.sessions.Save(ctx, sess); err != nil {
		f.obs.RecordOperation(ctx, "sign_in", "failure")
		return err
	}

	f.linker.Link(ctx, userID)

	tier := f.resolveTier(ctx, false)
	if _, err := f.ledger.FetchConfirmedBalance(ctx); err != nil {
		f.logger.WithError(err).Warn("Post-sign-in balance fetch failed", nil)
	}

	f.publish(ctx, tier, sess)
	f.obs.RecordOperation(ctx, "sign_in", "success")
	return nil
}

// HandleSignOut destroys the authenticated session and starts over with a
// fresh anonymous identity. Pending local credit state stays on the device.
func (f *Facade) HandleSignOut(ctx context.Context) error {
	ctx, span := f.obs.StartSpan(ctx, "sign_out")
	defer span.End()

	if err := f.provider.LogOut(ctx); err != nil {
		f.logger.WithError(err).Warn("Billing provider logout failed", nil)
	}

	if err := f.sessions.Delete(ctx); err != nil {
		return err
	}
	sess, err := f.sessions.EnsureAnonymous(ctx)
	if err != nil {
		return err
	}

	f.publish(ctx, models.TierFree, sess)
	f.obs.RecordOperation(ctx, "sign_out", "success")
	return nil
}

// SpendCredits consumes n credits through the ledger and publishes the
// resulting state.
func (f *Facade) SpendCredits(ctx context.Context, n int64) error {
	if err := f.ledger.Spend(ctx, n); err != nil {
		return err
	}
	f.republish(ctx)
	return nil
}

// AddCredits grants n credits through the ledger and publishes the
// resulting state.
func (f *Facade) AddCredits(ctx context.Context, n int64) error {
	if err := f.ledger.Add(ctx, n); err != nil {
		return err
	}
	f.republish(ctx)
	return nil
}

// RecordGeneration consumes one unit of the weekly free allowance.
func (f *Facade) RecordGeneration(ctx context.Context) (models.WeeklyQuota, error) {
	q, err := f.ledger.RecordUsage(ctx)
	if err != nil {
		return q, err
	}
	f.republish(ctx)
	return q, nil
}

// resolveTier fetches a billing snapshot and maps it to a tier. A fetch
// failure keeps the previously published tier rather than downgrading.
func (f *Facade) resolveTier(ctx context.Context, postPurchase bool) models.Tier {
	snap, err := f.provider.Snapshot(ctx)
	if err != nil {
		f.logger.WithError(err).Warn("Entitlement snapshot fetch failed, keeping tier", nil)
		f.mu.Lock()
		tier := f.current.Tier
		f.mu.Unlock()
		if postPurchase && !tier.AtLeast(models.TierCreator) {
			return models.TierCreator
		}
		return tier
	}

	if postPurchase {
		return f.resolver.ResolveAfterPurchase(snap)
	}
	return f.resolver.Resolve(snap)
}

// republish rebuilds the snapshot from persisted state, keeping the
// current tier.
func (f *Facade) republish(ctx context.Context) {
	f.mu.Lock()
	tier := f.current.Tier
	f.mu.Unlock()

	sess, err := f.sessions.Load(ctx)
	if err != nil {
		f.logger.WithError(err).Warn("Session load failed during publish", nil)
	}
	f.publish(ctx, tier, sess)
}

// publish assembles a snapshot from the ledger and session and fans it out
// to observers outside the lock.
func (f *Facade) publish(ctx context.Context, tier models.Tier, sess *models.Session) {
	bal, err := f.ledger.Balance(ctx)
	if err != nil {
		f.logger.WithError(err).Warn("Balance read failed during publish", nil)
	}
	quota, err := f.ledger.CheckAndResetQuota(ctx)
	if err != nil {
		f.logger.WithError(err).Warn("Quota read failed during publish", nil)
	}

	snap := Snapshot{
		Tier:         tier,
		Confirmed:    bal.Confirmed,
		PendingDelta: bal.PendingDelta,
		Effective:    bal.Effective(),
		QuotaUsed:    quota.Used,
		QuotaLimit:   f.quotaLimit,
		QuotaResetAt: quota.ResetAt,
		UpdatedAt:    time.Now().UTC(),
	}
	if sess != nil {
		snap.SignedIn = sess.HasTokens() && !sess.Anonymous
		snap.Anonymous = sess.Anonymous
	}

	f.mu.Lock()
	f.current = snap
	observers := make([]Observer, len(f.observers))
	copy(observers, f.observers)
	f.mu.Unlock()

	for _, obs := range observers {
		obs(snap)
	}
}
