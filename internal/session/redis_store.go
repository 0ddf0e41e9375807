// Package session provides Redis-backed storage for refresh tokens.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"dashboard/api/internal/store"
)

// ErrNotFound is returned when a refresh token is unknown, expired or revoked.
var ErrNotFound = errors.New("refresh session not found or expired")

// tokenData holds the data stored for each refresh token
type tokenData struct {
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
}

// RedisStore implements refresh token storage using Redis
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a new Redis-backed session store
func NewRedisStore(redisURL string) (*RedisStore, error) {
	client, err := Connect(redisURL)
	if err != nil {
		return nil, err
	}
	return NewRedisStoreWithClient(client), nil
}

// Connect parses redisURL and pings the server.
func Connect(redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return client, nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: "refresh:",
	}
}

func (s *RedisStore) key(tokenHash string) string {
	return s.prefix + tokenHash
}

// SaveRefreshSession stores a refresh token until expiresAt.
func (s *RedisStore) SaveRefreshSession(ctx context.Context, tokenHash string, refresh store.RefreshSession, expiresAt time.Time) error {
	payload, err := json.Marshal(tokenData{
		SessionID: refresh.SessionID,
		UserID:    refresh.UserID,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal token data: %w", err)
	}

	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return fmt.Errorf("save refresh token: expiry %s is in the past", expiresAt.Format(time.RFC3339))
	}

	if err := s.client.Set(ctx, s.key(tokenHash), payload, ttl).Err(); err != nil {
		return fmt.Errorf("save refresh token: %w", err)
	}
	return nil
}

// LookupRefreshSession resolves a refresh token hash to its device session.
func (s *RedisStore) LookupRefreshSession(ctx context.Context, tokenHash string) (store.RefreshSession, error) {
	payload, err := s.client.Get(ctx, s.key(tokenHash)).Result()
	if errors.Is(err, redis.Nil) {
		return store.RefreshSession{}, ErrNotFound
	}
	if err != nil {
		return store.RefreshSession{}, fmt.Errorf("lookup refresh token: %w", err)
	}

	var data tokenData
	if err := json.Unmarshal([]byte(payload), &data); err != nil {
		return store.RefreshSession{}, fmt.Errorf("unmarshal token data: %w", err)
	}
	return store.RefreshSession{SessionID: data.SessionID, UserID: data.UserID}, nil
}

// RevokeRefreshSession deletes a refresh token. Unknown tokens are not an error.
func (s *RedisStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	if err := s.client.Del(ctx, s.key(tokenHash)).Err(); err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}
	return nil
}

// Client exposes the underlying connection so other Redis users can share it.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
