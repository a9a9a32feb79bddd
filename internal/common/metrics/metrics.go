// internal/common/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TokenRefreshAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_token_refresh_attempts_total",
			Help: "Total number of token refresh attempts by outcome",
		},
		[]string{"outcome"},
	)

	CreditSpends = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_credit_spends_total",
			Help: "Total number of credit spends by mode",
		},
		[]string{"mode"},
	)

	CreditAdds = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_credit_adds_total",
			Help: "Total number of credit grants by mode",
		},
		[]string{"mode"},
	)

	PendingFlushes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_pending_flushes_total",
			Help: "Total number of pending-sync flush attempts by outcome",
		},
		[]string{"outcome"},
	)

	TierResolutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_tier_resolutions_total",
			Help: "Total number of tier resolutions by resulting tier",
		},
		[]string{"tier"},
	)

	IdentityLinkSteps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_identity_link_steps_total",
			Help: "Total number of identity-link protocol steps by outcome",
		},
		[]string{"step", "outcome"},
	)

	RemoteCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "engine_remote_call_duration_seconds",
			Help: "Duration of remote endpoint calls in seconds",
		},
		[]string{"endpoint"},
	)
)

// Outcome labels shared across counters.
const (
	OutcomeSuccess   = "success"
	OutcomeFailure   = "failure"
	OutcomeTerminal  = "terminal"
	OutcomeTransient = "transient"
	OutcomeNoop      = "noop"
)

// Mode labels for spend/add counters.
const (
	ModeRemote     = "remote"
	ModeOptimistic = "optimistic"
	ModeQueued     = "queued"
)
