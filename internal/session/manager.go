// internal/session/manager.go
package session

import (
	"context"
	"sync"
	"time"

	apperrors "entitlement-engine/internal/common/errors"
	"entitlement-engine/internal/common/logger"
	"entitlement-engine/internal/common/metrics"
	"entitlement-engine/internal/models"
)

// Exchanger swaps a refresh token for a fresh token pair.
type Exchanger interface {
	Exchange(ctx context.Context, refreshToken string) (*TokenPair, error)
}

// Manager owns token refresh. At most one refresh is in flight at a time;
// concurrent callers join the in-flight attempt and share its result.
type Manager struct {
	store          *Store
	exchanger      Exchanger
	maxRetries     int
	initialBackoff time.Duration
	logger         logger.Logger

	// sleep is replaceable in tests so backoff is observable without
	// waiting for it.
	sleep func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	inflight *refreshCall
}

type refreshCall struct {
	done chan struct{}
	sess *models.Session
	err  error
}

func NewManager(store *Store, exchanger Exchanger, maxRetries int, initialBackoff time.Duration, log logger.Logger) *Manager {
	return &Manager{
		store:          store,
		exchanger:      exchanger,
		maxRetries:     maxRetries,
		initialBackoff: initialBackoff,
		logger:         log.Named("session-manager"),
		sleep:          sleepWithContext,
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// EnsureValidToken returns an access token, refreshing only when the
// session has none. A cached token is returned without touching the
// network.
func (m *Manager) EnsureValidToken(ctx context.Context) (string, error) {
	sess, err := m.store.Load(ctx)
	if err != nil {
		return "", err
	}
	if sess == nil {
		return "", apperrors.NewSessionMissingError("no session record")
	}
	if sess.HasTokens() {
		return sess.AccessToken, nil
	}

	sess, err = m.Refresh(ctx)
	if err != nil {
		return "", err
	}
	return sess.AccessToken, nil
}

// ForceRefresh refreshes unconditionally and returns the new access token.
// Used when a remote service rejects a token the local session still holds.
func (m *Manager) ForceRefresh(ctx context.Context) (string, error) {
	sess, err := m.Refresh(ctx)
	if err != nil {
		return "", err
	}
	return sess.AccessToken, nil
}

// Refresh runs the bounded-retry token exchange. If a refresh is already in
// flight the caller waits for it instead of starting another.
func (m *Manager) Refresh(ctx context.Context) (*models.Session, error) {
	m.mu.Lock()
	if call := m.inflight; call != nil {
		m.mu.Unlock()
		select {
		case <-call.done:
			return call.sess, call.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	call := &refreshCall{done: make(chan struct{})}
	m.inflight = call
	m.mu.Unlock()

	call.sess, call.err = m.doRefresh(ctx)
	close(call.done)

	m.mu.Lock()
	m.inflight = nil
	m.mu.Unlock()

	return call.sess, call.err
}

func (m *Manager) doRefresh(ctx context.Context) (*models.Session, error) {
	sess, err := m.store.Load(ctx)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, apperrors.NewSessionMissingError("no session record")
	}
	if sess.RefreshToken == "" {
		return nil, apperrors.NewNoRefreshTokenError()
	}

	var lastErr error
	delay := m.initialBackoff

	for attempt := 1; attempt <= m.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		pair, err := m.exchanger.Exchange(ctx, sess.RefreshToken)
		if err == nil {
			// A cancelled refresh must not persist the new pair.
			if cerr := ctx.Err(); cerr != nil {
				return nil, cerr
			}

			sess.AccessToken = pair.AccessToken
			sess.RefreshToken = pair.RefreshToken
			if err := m.store.Save(ctx, sess); err != nil {
				return nil, err
			}

			metrics.TokenRefreshAttempts.WithLabelValues(metrics.OutcomeSuccess).Inc()
			m.logger.Info("Token refresh succeeded", map[string]interface{}{
				"attempt": attempt,
			})
			return sess, nil
		}

		if apperrors.IsCode(err, apperrors.ErrCodeAuthTerminal) {
			metrics.TokenRefreshAttempts.WithLabelValues(metrics.OutcomeTerminal).Inc()
			m.logger.Warn("Token refresh rejected, clearing credentials", map[string]interface{}{
				"attempt": attempt,
			})
			if clearErr := m.store.ClearTokens(ctx); clearErr != nil {
				m.logger.WithError(clearErr).Error("Failed to clear session tokens", nil)
			}
			return nil, err
		}

		metrics.TokenRefreshAttempts.WithLabelValues(metrics.OutcomeTransient).Inc()
		m.logger.Warn("Token refresh attempt failed", map[string]interface{}{
			"attempt":     attempt,
			"max_retries": m.maxRetries,
			"error":       err.Error(),
		})
		lastErr = err

		// No point waiting out a backoff that no retry will follow.
		if attempt < m.maxRetries {
			if serr := m.sleep(ctx, delay); serr != nil {
				return nil, serr
			}
			delay *= 2
		}
	}

	// Retries exhausted on transient failures. Credentials stay in place
	// for the next cycle.
	m.logger.Error("Token refresh exhausted retries", map[string]interface{}{
		"max_retries": m.maxRetries,
	})
	return nil, lastErr
}
