// internal/credits/ledger_test.go
package credits

import (
	"context"
	"testing"
	"time"

	"entitlement-engine/internal/common/database"
	apperrors "entitlement-engine/internal/common/errors"
	"entitlement-engine/internal/common/logger"
	"entitlement-engine/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ==========================
// Test Helper Functions
// ==========================

type fakeRemote struct {
	credits     int64
	failSpend   bool
	failAdd     bool
	failGet     bool
	spendCalls  int
	spendOKMax  int // spends beyond this count fail; 0 means unlimited
	addCalls    int
	addedTotals []int64
}

func (f *fakeRemote) GetCredits(ctx context.Context) (int64, error) {
	if f.failGet {
		return 0, apperrors.NewRemoteUnavailableError("credits", assert.AnError)
	}
	return f.credits, nil
}

func (f *fakeRemote) AddCredits(ctx context.Context, n int64) (int64, error) {
	f.addCalls++
	if f.failAdd {
		return 0, apperrors.NewRemoteUnavailableError("credits", assert.AnError)
	}
	f.credits += n
	f.addedTotals = append(f.addedTotals, n)
	return f.credits, nil
}

func (f *fakeRemote) SpendCredit(ctx context.Context) (int64, error) {
	f.spendCalls++
	if f.failSpend || (f.spendOKMax > 0 && f.spendCalls > f.spendOKMax) {
		return 0, apperrors.NewRemoteUnavailableError("credits", assert.AnError)
	}
	f.credits--
	return f.credits, nil
}

func (f *fakeRemote) EnsureEntitlement(ctx context.Context) error {
	return nil
}

type fakeSessions struct {
	sess *models.Session
	err  error
}

func (f *fakeSessions) Load(ctx context.Context) (*models.Session, error) {
	return f.sess, f.err
}

func authedSession() *models.Session {
	return &models.Session{UserID: "user-1", AccessToken: "a", RefreshToken: "r"}
}

func anonSession() *models.Session {
	return &models.Session{UserID: "anon-123", Anonymous: true}
}

func newTestLedger(t *testing.T, remote RemoteLedger, sessions SessionReader) (*Ledger, *Store) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	store := NewStore(database.NewRedisFromClient(client), "test:")
	return NewLedger(store, remote, sessions, logger.NewTestLogger(t)), store
}

func seedConfirmed(t *testing.T, store *Store, value int64) {
	require.NoError(t, store.SaveConfirmed(context.Background(), value, time.Now()))
}

// ==========================
// Balance Tests
// ==========================

func TestLedger_Balance_EmptyStateIsZero(t *testing.T) {
	ledger, _ := newTestLedger(t, &fakeRemote{}, &fakeSessions{sess: anonSession()})

	bal, err := ledger.Balance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), bal.Confirmed)
	assert.Equal(t, int64(0), bal.PendingDelta)
	assert.Equal(t, int64(0), bal.Effective())
}

func TestLedger_FetchConfirmedBalance_OverwritesConfirmed(t *testing.T) {
	remote := &fakeRemote{credits: 42}
	ledger, store := newTestLedger(t, remote, &fakeSessions{sess: authedSession()})
	seedConfirmed(t, store, 7)

	bal, err := ledger.FetchConfirmedBalance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(42), bal.Confirmed)
}

func TestLedger_FetchConfirmedBalance_FailureKeepsCache(t *testing.T) {
	remote := &fakeRemote{failGet: true}
	ledger, store := newTestLedger(t, remote, &fakeSessions{sess: authedSession()})
	seedConfirmed(t, store, 7)

	bal, err := ledger.FetchConfirmedBalance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(7), bal.Confirmed)
}

// ==========================
// Spend Tests
// ==========================

func TestLedger_Spend_InsufficientBalanceMutatesNothing(t *testing.T) {
	remote := &fakeRemote{credits: 2}
	ledger, store := newTestLedger(t, remote, &fakeSessions{sess: authedSession()})
	seedConfirmed(t, store, 2)

	err := ledger.Spend(context.Background(), 3)
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInsufficientCredits))
	assert.Equal(t, 0, remote.spendCalls)

	bal, err := ledger.Balance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), bal.Confirmed)
	assert.Equal(t, int64(0), bal.PendingDelta)
}

func TestLedger_Spend_RemotePathDecrementsConfirmed(t *testing.T) {
	remote := &fakeRemote{credits: 10}
	ledger, store := newTestLedger(t, remote, &fakeSessions{sess: authedSession()})
	seedConfirmed(t, store, 10)

	require.NoError(t, ledger.Spend(context.Background(), 3))
	assert.Equal(t, 3, remote.spendCalls)

	bal, err := ledger.Balance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(7), bal.Confirmed)
	assert.Equal(t, int64(7), bal.Effective())
}

func TestLedger_Spend_ServerBalanceReplacesConfirmed(t *testing.T) {
	// Confirmed zero with the effective balance carried by the pending
	// delta. A successful remote spend must persist the server's balance,
	// never a locally computed negative.
	remote := &fakeRemote{credits: 10}
	ledger, store := newTestLedger(t, remote, &fakeSessions{sess: authedSession()})
	_, err := store.AddPending(context.Background(), 5)
	require.NoError(t, err)

	require.NoError(t, ledger.Spend(context.Background(), 1))

	bal, err := ledger.Balance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(9), bal.Confirmed)
	assert.Equal(t, int64(5), bal.PendingDelta)
	assert.GreaterOrEqual(t, bal.Confirmed, int64(0))
}

func TestLedger_Spend_PartialRemoteFailureDeductsOnlyRemainder(t *testing.T) {
	// The first spend lands on the server (balance 9), the second fails.
	// The acknowledged spend keeps the server balance; only the remainder
	// is deducted optimistically.
	remote := &fakeRemote{credits: 10, spendOKMax: 1}
	ledger, store := newTestLedger(t, remote, &fakeSessions{sess: authedSession()})
	seedConfirmed(t, store, 10)

	require.NoError(t, ledger.Spend(context.Background(), 3))
	assert.Equal(t, 2, remote.spendCalls)

	bal, err := ledger.Balance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(7), bal.Confirmed)
	assert.Equal(t, int64(0), bal.PendingDelta)
}

func TestLedger_Spend_RemoteFailureFallsBackToOptimistic(t *testing.T) {
	remote := &fakeRemote{failSpend: true}
	ledger, store := newTestLedger(t, remote, &fakeSessions{sess: authedSession()})
	seedConfirmed(t, store, 5)

	require.NoError(t, ledger.Spend(context.Background(), 2))

	bal, err := ledger.Balance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), bal.Confirmed)
	assert.Equal(t, int64(3), bal.Effective())
}

func TestLedger_Spend_OfflineLastCreditSucceeds(t *testing.T) {
	remote := &fakeRemote{failSpend: true}
	ledger, store := newTestLedger(t, remote, &fakeSessions{sess: authedSession()})
	seedConfirmed(t, store, 1)

	require.NoError(t, ledger.Spend(context.Background(), 1))

	bal, err := ledger.Balance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), bal.Effective())

	// The next spend hits the insufficient guard.
	err = ledger.Spend(context.Background(), 1)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInsufficientCredits))
}

func TestLedger_Spend_AnonymousSessionNeverCallsRemote(t *testing.T) {
	remote := &fakeRemote{credits: 10}
	ledger, store := newTestLedger(t, remote, &fakeSessions{sess: anonSession()})
	seedConfirmed(t, store, 4)

	require.NoError(t, ledger.Spend(context.Background(), 1))
	assert.Equal(t, 0, remote.spendCalls)

	bal, err := ledger.Balance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), bal.Confirmed)
}

func TestLedger_Spend_ShortfallSpillsIntoPending(t *testing.T) {
	// Confirmed 1 plus pending 2 gives effective 3. Spending 3 drains
	// confirmed to zero and pushes the remainder into the pending delta.
	remote := &fakeRemote{failSpend: true}
	ledger, store := newTestLedger(t, remote, &fakeSessions{sess: anonSession()})
	seedConfirmed(t, store, 1)
	_, err := store.AddPending(context.Background(), 2)
	require.NoError(t, err)

	require.NoError(t, ledger.Spend(context.Background(), 3))

	bal, err := ledger.Balance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), bal.Confirmed)
	assert.Equal(t, int64(0), bal.PendingDelta)
	assert.Equal(t, int64(0), bal.Effective())
}

// ==========================
// Add Tests
// ==========================

func TestLedger_Add_AnonymousQueuesPending(t *testing.T) {
	remote := &fakeRemote{}
	ledger, _ := newTestLedger(t, remote, &fakeSessions{sess: anonSession()})

	require.NoError(t, ledger.Add(context.Background(), 5))
	assert.Equal(t, 0, remote.addCalls)

	bal, err := ledger.Balance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), bal.Confirmed)
	assert.Equal(t, int64(5), bal.PendingDelta)
	assert.Equal(t, int64(5), bal.Effective())
}

func TestLedger_Add_AuthenticatedGoesRemote(t *testing.T) {
	remote := &fakeRemote{credits: 10}
	ledger, store := newTestLedger(t, remote, &fakeSessions{sess: authedSession()})
	seedConfirmed(t, store, 10)

	require.NoError(t, ledger.Add(context.Background(), 5))
	assert.Equal(t, 1, remote.addCalls)

	bal, err := ledger.Balance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(15), bal.Confirmed)
	assert.Equal(t, int64(0), bal.PendingDelta)
}

func TestLedger_Add_RemoteFailureQueuesInsteadOfLosing(t *testing.T) {
	remote := &fakeRemote{failAdd: true}
	ledger, _ := newTestLedger(t, remote, &fakeSessions{sess: authedSession()})

	require.NoError(t, ledger.Add(context.Background(), 5))

	bal, err := ledger.Balance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(5), bal.PendingDelta)
}

// ==========================
// Flush Tests
// ==========================

func TestLedger_FlushPending_AnonymousIsNoop(t *testing.T) {
	remote := &fakeRemote{}
	ledger, store := newTestLedger(t, remote, &fakeSessions{sess: anonSession()})
	_, err := store.AddPending(context.Background(), 5)
	require.NoError(t, err)

	require.NoError(t, ledger.FlushPending(context.Background()))
	assert.Equal(t, 0, remote.addCalls)

	pending, err := store.PendingValue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(5), pending)
}

func TestLedger_FlushPending_ZeroPendingIsNoop(t *testing.T) {
	remote := &fakeRemote{}
	ledger, _ := newTestLedger(t, remote, &fakeSessions{sess: authedSession()})

	require.NoError(t, ledger.FlushPending(context.Background()))
	assert.Equal(t, 0, remote.addCalls)
}

func TestLedger_FlushPending_MovesPendingToConfirmed(t *testing.T) {
	remote := &fakeRemote{credits: 10}
	ledger, store := newTestLedger(t, remote, &fakeSessions{sess: authedSession()})
	seedConfirmed(t, store, 10)
	_, err := store.AddPending(context.Background(), 5)
	require.NoError(t, err)

	require.NoError(t, ledger.FlushPending(context.Background()))
	assert.Equal(t, []int64{5}, remote.addedTotals)

	bal, err := ledger.Balance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(15), bal.Confirmed)
	assert.Equal(t, int64(0), bal.PendingDelta)

	// Flushing again does nothing. The delta is already drained.
	require.NoError(t, ledger.FlushPending(context.Background()))
	assert.Equal(t, []int64{5}, remote.addedTotals)
}

func TestLedger_FlushPending_FailureRetainsDelta(t *testing.T) {
	remote := &fakeRemote{failAdd: true}
	ledger, store := newTestLedger(t, remote, &fakeSessions{sess: authedSession()})
	_, err := store.AddPending(context.Background(), 5)
	require.NoError(t, err)

	require.Error(t, ledger.FlushPending(context.Background()))

	pending, err := store.PendingValue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(5), pending)
}

// ==========================
// Quota Tests
// ==========================

func TestLedger_RecordUsage_AnchorsWindowOnFirstUse(t *testing.T) {
	ledger, _ := newTestLedger(t, &fakeRemote{}, &fakeSessions{sess: anonSession()})

	base := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	ledger.now = func() time.Time { return base }

	q, err := ledger.RecordUsage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, q.Used)
	assert.Equal(t, base.Add(7*24*time.Hour), q.ResetAt)

	// Later uses count up without moving the anchor.
	ledger.now = func() time.Time { return base.Add(48 * time.Hour) }
	q, err = ledger.RecordUsage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, q.Used)
	assert.Equal(t, base.Add(7*24*time.Hour), q.ResetAt)
}

func TestLedger_RecordUsage_ExpiredWindowResetsBeforeCounting(t *testing.T) {
	ledger, store := newTestLedger(t, &fakeRemote{}, &fakeSessions{sess: anonSession()})

	base := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.SaveQuota(context.Background(), models.WeeklyQuota{
		Used:    7,
		ResetAt: base.Add(-time.Hour),
	}))
	ledger.now = func() time.Time { return base }

	// The stale window resets first so the use counts in a fresh one.
	q, err := ledger.RecordUsage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, q.Used)
	assert.Equal(t, base.Add(7*24*time.Hour), q.ResetAt)

	// A subsequent read must not zero the freshly recorded use.
	q, err = ledger.CheckAndResetQuota(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, q.Used)
}

func TestLedger_CheckAndResetQuota_ExpiredWindowResets(t *testing.T) {
	ledger, _ := newTestLedger(t, &fakeRemote{}, &fakeSessions{sess: anonSession()})

	base := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	ledger.now = func() time.Time { return base }

	_, err := ledger.RecordUsage(context.Background())
	require.NoError(t, err)

	// Inside the window nothing changes.
	ledger.now = func() time.Time { return base.Add(6 * 24 * time.Hour) }
	q, err := ledger.CheckAndResetQuota(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, q.Used)

	// Past the window the counter zeroes and the anchor clears, so the
	// next use starts a fresh seven days.
	ledger.now = func() time.Time { return base.Add(8 * 24 * time.Hour) }
	q, err = ledger.CheckAndResetQuota(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, q.Used)
	assert.True(t, q.ResetAt.IsZero())

	q, err = ledger.RecordUsage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, q.Used)
	assert.Equal(t, base.Add(8*24*time.Hour).Add(7*24*time.Hour), q.ResetAt)
}
