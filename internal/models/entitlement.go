// internal/models/entitlement.go
package models

import "time"

// Tier is the resolved subscription level. Higher values carry strictly more
// capability.
type Tier int

const (
	TierFree Tier = iota
	TierCreator
	TierAtelier
)

func (t Tier) String() string {
	switch t {
	case TierAtelier:
		return "atelier"
	case TierCreator:
		return "creator"
	default:
		return "free"
	}
}

// AtLeast reports whether t grants everything other does.
func (t Tier) AtLeast(other Tier) bool {
	return t >= other
}

// EntitlementSnapshot is the billing provider's view of a customer at a
// point in time.
type EntitlementSnapshot struct {
	Entitlements        map[string]bool `json:"entitlements"`
	ActiveProductIDs    []string        `json:"active_product_ids"`
	ActiveSubscriptions []string        `json:"active_subscriptions"`
	FetchedAt           time.Time       `json:"fetched_at"`
}

// HasEntitlement reports whether name is present and active in the snapshot.
func (s *EntitlementSnapshot) HasEntitlement(name string) bool {
	if s == nil || s.Entitlements == nil {
		return false
	}
	return s.Entitlements[name]
}

// HasActiveSubscription reports whether any subscription is active.
func (s *EntitlementSnapshot) HasActiveSubscription() bool {
	return s != nil && len(s.ActiveSubscriptions) > 0
}
