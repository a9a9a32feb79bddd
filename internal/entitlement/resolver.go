// internal/entitlement/resolver.go
package entitlement

import (
	"strings"

	"entitlement-engine/internal/common/logger"
	"entitlement-engine/internal/common/metrics"
	"entitlement-engine/internal/models"
)

// Entitlement identifiers as configured in the billing provider.
const (
	EntitlementAtelier = "atelier"
	EntitlementCreator = "creator"
	EntitlementStudio  = "studio"
)

// Resolver maps a billing snapshot to a tier. Resolution is pure and never
// touches the network.
type Resolver struct {
	logger logger.Logger
}

func NewResolver(log logger.Logger) *Resolver {
	return &Resolver{logger: log.Named("entitlement-resolver")}
}

// Resolve applies tier precedence, highest first. The atelier check is
// fail-open: an active atelier product grants the tier even when the
// entitlement flag is missing from the snapshot.
func (r *Resolver) Resolve(snap *models.EntitlementSnapshot) models.Tier {
	tier := r.resolve(snap)
	metrics.TierResolutions.WithLabelValues(tier.String()).Inc()
	return tier
}

func (r *Resolver) resolve(snap *models.EntitlementSnapshot) models.Tier {
	if snap == nil {
		return models.TierFree
	}

	if snap.HasEntitlement(EntitlementAtelier) || hasAtelierProduct(snap.ActiveProductIDs) {
		return models.TierAtelier
	}

	if snap.HasEntitlement(EntitlementCreator) || snap.HasEntitlement(EntitlementStudio) {
		return models.TierCreator
	}

	// Any other active subscription still maps to the paid baseline.
	if snap.HasActiveSubscription() {
		return models.TierCreator
	}

	return models.TierFree
}

// ResolveAfterPurchase resolves the snapshot and floors the result at
// Creator. A customer who just paid is never shown the free tier, even if
// the provider's entitlement data has not caught up.
func (r *Resolver) ResolveAfterPurchase(snap *models.EntitlementSnapshot) models.Tier {
	tier := r.Resolve(snap)
	if !tier.AtLeast(models.TierCreator) {
		r.logger.Warn("Snapshot lagging behind purchase, flooring tier", map[string]interface{}{
			"resolved": tier.String(),
		})
		return models.TierCreator
	}
	return tier
}

func hasAtelierProduct(productIDs []string) bool {
	for _, id := range productIDs {
		if strings.Contains(strings.ToLower(id), EntitlementAtelier) {
			return true
		}
	}
	return false
}
