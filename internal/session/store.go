// internal/session/store.go
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"entitlement-engine/internal/common/database"
	apperrors "entitlement-engine/internal/common/errors"
	"entitlement-engine/internal/common/logger"
	"entitlement-engine/internal/models"

	"github.com/google/uuid"
)

const sessionKey = "session"

// anonymousPrefix marks device-local identities that have never signed in.
const anonymousPrefix = "anon-"

// Store persists the session record as a single JSON blob so the token pair
// is always written and cleared together.
type Store struct {
	redis     *database.RedisClient
	keyPrefix string
	logger    logger.Logger
}

func NewStore(redis *database.RedisClient, keyPrefix string, log logger.Logger) *Store {
	return &Store{
		redis:     redis,
		keyPrefix: keyPrefix,
		logger:    log.Named("session-store"),
	}
}

func (s *Store) key() string {
	return s.keyPrefix + sessionKey
}

// Load returns the persisted session, or nil when none exists.
func (s *Store) Load(ctx context.Context) (*models.Session, error) {
	raw, err := s.redis.Get(ctx, s.key())
	if database.IsNil(err) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.NewStateReadFailedError(s.key(), err)
	}

	var sess models.Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		return nil, apperrors.NewStateReadFailedError(s.key(), err)
	}
	return &sess, nil
}

// Save writes the full session record in one operation.
func (s *Store) Save(ctx context.Context, sess *models.Session) error {
	sess.UpdatedAt = time.Now().UTC()

	raw, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	if err := s.redis.Set(ctx, s.key(), raw, 0); err != nil {
		return fmt.Errorf("failed to persist session: %w", err)
	}

	s.logger.Debug("Session persisted", map[string]interface{}{
		"user_id":    sess.UserID,
		"has_tokens": sess.HasTokens(),
	})
	return nil
}

// ClearTokens removes both tokens while keeping the identity. Used when a
// refresh fails terminally.
func (s *Store) ClearTokens(ctx context.Context) error {
	sess, err := s.Load(ctx)
	if err != nil {
		return err
	}
	if sess == nil {
		return nil
	}

	sess.ClearTokens()
	if err := s.Save(ctx, sess); err != nil {
		return err
	}

	s.logger.Info("Session tokens cleared", map[string]interface{}{
		"user_id": sess.UserID,
	})
	return nil
}

// Delete destroys the session record entirely. The next EnsureAnonymous
// mints a fresh identity.
func (s *Store) Delete(ctx context.Context) error {
	if err := s.redis.Del(ctx, s.key()); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	s.logger.Info("Session destroyed", nil)
	return nil
}

// EnsureAnonymous returns the current session, creating and persisting a
// fresh anonymous identity when none exists.
func (s *Store) EnsureAnonymous(ctx context.Context) (*models.Session, error) {
	sess, err := s.Load(ctx)
	if err != nil {
		return nil, err
	}
	if sess != nil {
		return sess, nil
	}

	sess = &models.Session{
		UserID:    anonymousPrefix + uuid.New().String(),
		Anonymous: true,
	}
	if err := s.Save(ctx, sess); err != nil {
		return nil, err
	}

	s.logger.Info("Created anonymous identity", map[string]interface{}{
		"user_id": sess.UserID,
	})
	return sess, nil
}

// IsAnonymousID reports whether id names a device-local identity.
func IsAnonymousID(id string) bool {
	return len(id) >= len(anonymousPrefix) && id[:len(anonymousPrefix)] == anonymousPrefix
}
