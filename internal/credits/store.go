// internal/credits/store.go
package credits

import (
	"context"
	"strconv"
	"time"

	"entitlement-engine/internal/common/database"
	apperrors "entitlement-engine/internal/common/errors"
	"entitlement-engine/internal/models"
)

const (
	keyConfirmed = "credits:confirmed"
	keyPending   = "credits:pending"
	keySyncedAt  = "credits:synced_at"
	keyQuotaUsed = "quota:used"
	keyQuotaAt   = "quota:reset"
)

// Store persists the two-part balance and the weekly quota. Confirmed and
// pending live in separate keys so pending mutations can use atomic
// increments.
type Store struct {
	redis     *database.RedisClient
	keyPrefix string
}

func NewStore(redis *database.RedisClient, keyPrefix string) *Store {
	return &Store{redis: redis, keyPrefix: keyPrefix}
}

func (s *Store) key(name string) string {
	return s.keyPrefix + name
}

// LoadBalance reads the persisted balance. Missing keys read as zero.
func (s *Store) LoadBalance(ctx context.Context) (models.CreditBalance, error) {
	var bal models.CreditBalance

	confirmed, err := s.getInt(ctx, keyConfirmed)
	if err != nil {
		return bal, err
	}
	pending, err := s.getInt(ctx, keyPending)
	if err != nil {
		return bal, err
	}

	bal.Confirmed = confirmed
	bal.PendingDelta = pending

	raw, err := s.redis.Get(ctx, s.key(keySyncedAt))
	if err == nil {
		if t, perr := time.Parse(time.RFC3339, raw); perr == nil {
			bal.LastSyncedAt = t
		}
	} else if !database.IsNil(err) {
		return bal, apperrors.NewStateReadFailedError(s.key(keySyncedAt), err)
	}

	return bal, nil
}

// SaveConfirmed overwrites the confirmed balance and stamps the sync time.
func (s *Store) SaveConfirmed(ctx context.Context, value int64, syncedAt time.Time) error {
	if err := s.redis.Set(ctx, s.key(keyConfirmed), value, 0); err != nil {
		return err
	}
	return s.redis.Set(ctx, s.key(keySyncedAt), syncedAt.UTC().Format(time.RFC3339), 0)
}

// SetConfirmed overwrites the confirmed balance without touching the sync
// timestamp. Used for optimistic local mutations.
func (s *Store) SetConfirmed(ctx context.Context, value int64) error {
	return s.redis.Set(ctx, s.key(keyConfirmed), value, 0)
}

// AddPending atomically adjusts the pending delta by n and returns the new
// value.
func (s *Store) AddPending(ctx context.Context, n int64) (int64, error) {
	return s.redis.IncrBy(ctx, s.key(keyPending), n)
}

// SubPending atomically subtracts n from the pending delta. Used after a
// successful flush so grants queued during the flush survive.
func (s *Store) SubPending(ctx context.Context, n int64) (int64, error) {
	return s.redis.DecrBy(ctx, s.key(keyPending), n)
}

// PendingValue reads the current pending delta.
func (s *Store) PendingValue(ctx context.Context) (int64, error) {
	return s.getInt(ctx, keyPending)
}

// LoadQuota reads the weekly quota record. A missing record is a fresh
// quota with no anchored window.
func (s *Store) LoadQuota(ctx context.Context) (models.WeeklyQuota, error) {
	var q models.WeeklyQuota

	used, err := s.getInt(ctx, keyQuotaUsed)
	if err != nil {
		return q, err
	}
	q.Used = int(used)

	raw, err := s.redis.Get(ctx, s.key(keyQuotaAt))
	if err == nil {
		if t, perr := time.Parse(time.RFC3339, raw); perr == nil {
			q.ResetAt = t
		}
	} else if !database.IsNil(err) {
		return q, apperrors.NewStateReadFailedError(s.key(keyQuotaAt), err)
	}

	return q, nil
}

// SaveQuota persists the quota record. A zero ResetAt clears the anchor.
func (s *Store) SaveQuota(ctx context.Context, q models.WeeklyQuota) error {
	if err := s.redis.Set(ctx, s.key(keyQuotaUsed), int64(q.Used), 0); err != nil {
		return err
	}
	if q.ResetAt.IsZero() {
		return s.redis.Del(ctx, s.key(keyQuotaAt))
	}
	return s.redis.Set(ctx, s.key(keyQuotaAt), q.ResetAt.UTC().Format(time.RFC3339), 0)
}

func (s *Store) getInt(ctx context.Context, name string) (int64, error) {
	raw, err := s.redis.Get(ctx, s.key(name))
	if database.IsNil(err) {
		return 0, nil
	}
	if err != nil {
		return 0, apperrors.NewStateReadFailedError(s.key(name), err)
	}

	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, apperrors.NewStateReadFailedError(s.key(name), err)
	}
	return v, nil
}
