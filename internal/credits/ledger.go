// internal/credits/ledger.go
package credits

import (
	"context"
	"sync"
	"time"

	apperrors "entitlement-engine/internal/common/errors"
	"entitlement-engine/internal/common/logger"
	"entitlement-engine/internal/common/metrics"
	"entitlement-engine/internal/models"
)

// SessionReader exposes the current session to the ledger.
type SessionReader interface {
	Load(ctx context.Context) (*models.Session, error)
}

// quotaWindow is the free-allowance period, anchored on first use.
const quotaWindow = 7 * 24 * time.Hour

// Ledger is the optimistic local credit ledger. All operations serialize on
// one mutex so balance reads and writes never interleave. The ledger never
// blocks a spend on the network: remote failures degrade to local
// mutations that reconcile later.
type Ledger struct {
	mu       sync.Mutex
	store    *Store
	remote   RemoteLedger
	sessions SessionReader
	logger   logger.Logger

	// now is replaceable in tests.
	now func() time.Time
}

func NewLedger(store *Store, remote RemoteLedger, sessions SessionReader, log logger.Logger) *Ledger {
	return &Ledger{
		store:    store,
		remote:   remote,
		sessions: sessions,
		logger:   log.Named("credit-ledger"),
		now:      time.Now,
	}
}

// Balance returns the locally persisted balance.
func (l *Ledger) Balance(ctx context.Context) (models.CreditBalance, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.store.LoadBalance(ctx)
}

// FetchConfirmedBalance pulls the authoritative balance and overwrites the
// confirmed portion. On failure the cached value is left untouched.
func (l *Ledger) FetchConfirmedBalance(ctx context.Context) (models.CreditBalance, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	remote, err := l.remote.GetCredits(ctx)
	if err != nil {
		l.logger.Warn("Balance fetch failed, keeping cached value", map[string]interface{}{
			"error": err.Error(),
		})
		return l.store.LoadBalance(ctx)
	}

	if err := l.store.SaveConfirmed(ctx, remote, l.now()); err != nil {
		return models.CreditBalance{}, err
	}
	return l.store.LoadBalance(ctx)
}

// Spend consumes n credits. An insufficient effective balance fails without
// mutating anything. Once the guard passes the spend always lands locally;
// when the remote ledger cannot be reached the deduction is optimistic and
// reconciles on the next confirmed fetch.
func (l *Ledger) Spend(ctx context.Context, n int64) error {
	if n <= 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	bal, err := l.store.LoadBalance(ctx)
	if err != nil {
		return err
	}
	if bal.Effective() < n {
		return apperrors.NewInsufficientCreditsError(bal.Effective(), n)
	}

	remaining := n
	if l.remoteUsable(ctx) {
		spent, serverBal, err := l.spendRemote(ctx, remaining)
		if spent > 0 {
			// The server acknowledged these spends; its balance replaces
			// the confirmed value outright.
			if serr := l.store.SaveConfirmed(ctx, serverBal, l.now()); serr != nil {
				return serr
			}
			bal.Confirmed = serverBal
			remaining -= spent
		}
		if err == nil {
			metrics.CreditSpends.WithLabelValues(metrics.ModeRemote).Inc()
			return nil
		}
	}

	// Remote unreachable or unauthenticated: deduct the remainder locally,
	// spilling any shortfall past zero into the pending delta so confirmed
	// never goes negative.
	confirmed := bal.Confirmed - remaining
	if confirmed < 0 {
		if _, err := l.store.AddPending(ctx, confirmed); err != nil {
			return err
		}
		confirmed = 0
	}
	if err := l.store.SetConfirmed(ctx, confirmed); err != nil {
		return err
	}

	metrics.CreditSpends.WithLabelValues(metrics.ModeOptimistic).Inc()
	l.logger.Info("Credit spend applied optimistically", map[string]interface{}{
		"amount": remaining,
	})
	return nil
}

// Add grants n credits. The grant is never lost: when the remote add cannot
// happen it is queued in the pending delta and flushed later.
func (l *Ledger) Add(ctx context.Context, n int64) error {
	if n <= 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.remoteUsable(ctx) {
		if serverBal, err := l.remote.AddCredits(ctx, n); err == nil {
			if err := l.store.SaveConfirmed(ctx, serverBal, l.now()); err != nil {
				return err
			}
			metrics.CreditAdds.WithLabelValues(metrics.ModeRemote).Inc()
			return nil
		}
		l.logger.Warn("Remote credit add failed, queueing locally", map[string]interface{}{
			"amount": n,
		})
	}

	if _, err := l.store.AddPending(ctx, n); err != nil {
		return err
	}
	metrics.CreditAdds.WithLabelValues(metrics.ModeQueued).Inc()
	return nil
}

// FlushPending pushes the queued pending delta to the remote ledger. The
// value is read once up front and subtracted only after the remote add
// succeeds, so grants queued mid-flush stay queued for the next flush.
func (l *Ledger) FlushPending(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	sess, err := l.sessions.Load(ctx)
	if err != nil {
		return err
	}
	if sess == nil || sess.Anonymous || !sess.HasTokens() {
		metrics.PendingFlushes.WithLabelValues(metrics.OutcomeNoop).Inc()
		return nil
	}

	v, err := l.store.PendingValue(ctx)
	if err != nil {
		return err
	}
	if v == 0 {
		metrics.PendingFlushes.WithLabelValues(metrics.OutcomeNoop).Inc()
		return nil
	}

	serverBal, err := l.remote.AddCredits(ctx, v)
	if err != nil {
		metrics.PendingFlushes.WithLabelValues(metrics.OutcomeFailure).Inc()
		l.logger.Warn("Pending flush failed, delta retained", map[string]interface{}{
			"pending": v,
			"error":   err.Error(),
		})
		return err
	}

	if _, err := l.store.SubPending(ctx, v); err != nil {
		return err
	}
	if err := l.store.SaveConfirmed(ctx, serverBal, l.now()); err != nil {
		return err
	}

	metrics.PendingFlushes.WithLabelValues(metrics.OutcomeSuccess).Inc()
	l.logger.Info("Pending delta flushed", map[string]interface{}{
		"flushed": v,
	})
	return nil
}

// RecordUsage consumes one unit of the weekly free allowance, anchoring the
// reset window on first use. An expired window is reset first so the
// recorded use lands in the fresh window instead of being zeroed by the
// next read.
func (l *Ledger) RecordUsage(ctx context.Context) (models.WeeklyQuota, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	q, err := l.store.LoadQuota(ctx)
	if err != nil {
		return q, err
	}

	if q.Expired(l.now()) {
		q.Used = 0
		q.ResetAt = time.Time{}
	}
	if q.ResetAt.IsZero() {
		q.ResetAt = l.now().Add(quotaWindow)
	}
	q.Used++

	if err := l.store.SaveQuota(ctx, q); err != nil {
		return q, err
	}
	return q, nil
}

// CheckAndResetQuota zeroes the quota when its window has elapsed. The
// anchor is cleared so the next use starts a fresh window.
func (l *Ledger) CheckAndResetQuota(ctx context.Context) (models.WeeklyQuota, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	q, err := l.store.LoadQuota(ctx)
	if err != nil {
		return q, err
	}
	if !q.Expired(l.now()) {
		return q, nil
	}

	q.Used = 0
	q.ResetAt = time.Time{}
	if err := l.store.SaveQuota(ctx, q); err != nil {
		return q, err
	}

	l.logger.Info("Weekly quota reset", nil)
	return q, nil
}

func (l *Ledger) remoteUsable(ctx context.Context) bool {
	sess, err := l.sessions.Load(ctx)
	if err != nil {
		return false
	}
	return sess != nil && !sess.Anonymous && sess.HasTokens()
}

// spendRemote issues up to n single-credit spends and reports how many the
// server acknowledged along with the balance from the last acknowledgement.
func (l *Ledger) spendRemote(ctx context.Context, n int64) (int64, int64, error) {
	var balance int64
	for i := int64(0); i < n; i++ {
		b, err := l.remote.SpendCredit(ctx)
		if err != nil {
			return i, balance, err
		}
		balance = b
	}
	return n, balance, nil
}
