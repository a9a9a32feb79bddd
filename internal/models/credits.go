// internal/models/credits.go
package models

import "time"

// CreditBalance is the two-part local credit record. Confirmed mirrors the
// last value acknowledged by the remote ledger; PendingDelta accumulates
// grants that have not reached it yet.
type CreditBalance struct {
	Confirmed    int64     `json:"confirmed"`
	PendingDelta int64     `json:"pending_delta"`
	LastSyncedAt time.Time `json:"last_synced_at"`
}

// Effective is the balance shown to callers, floored at zero.
func (b CreditBalance) Effective() int64 {
	v := b.Confirmed + b.PendingDelta
	if v < 0 {
		return 0
	}
	return v
}

// WeeklyQuota tracks free-allowance consumption for the current window.
// A zero ResetAt means the window has not started yet; it is anchored on
// first use.
type WeeklyQuota struct {
	Used    int       `json:"used"`
	ResetAt time.Time `json:"reset_at"`
}

// Expired reports whether the window has elapsed as of now.
func (q WeeklyQuota) Expired(now time.Time) bool {
	return !q.ResetAt.IsZero() && !now.Before(q.ResetAt)
}
