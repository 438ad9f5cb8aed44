package services

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// SessionDuration is 7 days
	SessionDuration = 7 * 24 * time.Hour
	// SessionKeyPrefix is the Redis key prefix for owner sessions
	SessionKeyPrefix = "session:"
	// UserSessionKeyPrefix is the Redis key prefix for owner->session mapping
	UserSessionKeyPrefix = "user_session:"
	// AdminSessionKeyPrefix is the Redis key prefix for admin sessions
	AdminSessionKeyPrefix = "admin_session:"
	// AdminToSessionKeyPrefix is the Redis key prefix for admin->session mapping
	AdminToSessionKeyPrefix = "admin_to_session:"
)

// SessionStore maps bearer tokens to principal ids in Redis. Each principal
// holds at most one session; creating a new one drops the old.
type SessionStore struct {
	rdb           *redis.Client
	sessionPrefix string
	reversePrefix string
	ttl           time.Duration
}

// NewOwnerSessions returns the store for diary owners.
func NewOwnerSessions(rdb *redis.Client) *SessionStore {
	return &SessionStore{rdb: rdb, sessionPrefix: SessionKeyPrefix, reversePrefix: UserSessionKeyPrefix, ttl: SessionDuration}
}

// NewAdminSessions returns the store for operators of the admin endpoints.
func NewAdminSessions(rdb *redis.Client) *SessionStore {
	return &SessionStore{rdb: rdb, sessionPrefix: AdminSessionKeyPrefix, reversePrefix: AdminToSessionKeyPrefix, ttl: SessionDuration}
}

// CreateSession creates a new session and returns its token. Any existing
// session of the same principal is invalidated so the timer restarts.
func (s *SessionStore) CreateSession(ctx context.Context, principalID string) (string, error) {
	if principalID == "" {
		return "", fmt.Errorf("principal id is empty")
	}
	_ = s.InvalidatePrincipal(ctx, principalID)

	tokenBytes := make([]byte, 32)
	if _, err := rand.Read(tokenBytes); err != nil {
		return "", err
	}
	sessionToken := base64.URLEncoding.EncodeToString(tokenBytes)

	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, s.sessionPrefix+sessionToken, principalID, s.ttl)
	pipe.Set(ctx, s.reversePrefix+principalID, sessionToken, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", err
	}
	return sessionToken, nil
}

// ValidateSession returns the principal a token belongs to.
func (s *SessionStore) ValidateSession(ctx context.Context, sessionToken string) (string, bool, error) {
	if sessionToken == "" {
		return "", false, nil
	}
	id, err := s.rdb.Get(ctx, s.sessionPrefix+sessionToken).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return id, id != "", nil
}

// RefreshSession extends the session by the full duration from now.
func (s *SessionStore) RefreshSession(ctx context.Context, sessionToken string) error {
	if sessionToken == "" {
		return fmt.Errorf("session token is empty")
	}
	id, err := s.rdb.Get(ctx, s.sessionPrefix+sessionToken).Result()
	if err != nil {
		return err
	}
	if err := s.rdb.Expire(ctx, s.sessionPrefix+sessionToken, s.ttl).Err(); err != nil {
		return err
	}
	return s.rdb.Expire(ctx, s.reversePrefix+id, s.ttl).Err()
}

// InvalidateSession removes a session from Redis
func (s *SessionStore) InvalidateSession(ctx context.Context, sessionToken string) error {
	if sessionToken == "" {
		return nil
	}
	id, err := s.rdb.Get(ctx, s.sessionPrefix+sessionToken).Result()
	if err == nil && id != "" {
		_ = s.rdb.Del(ctx, s.reversePrefix+id).Err()
	}
	return s.rdb.Del(ctx, s.sessionPrefix+sessionToken).Err()
}

// InvalidatePrincipal drops whatever session the principal holds.
func (s *SessionStore) InvalidatePrincipal(ctx context.Context, principalID string) error {
	token, err := s.rdb.Get(ctx, s.reversePrefix+principalID).Result()
	if err == nil && token != "" {
		_ = s.rdb.Del(ctx, s.sessionPrefix+token).Err()
	}
	return s.rdb.Del(ctx, s.reversePrefix+principalID).Err()
}
