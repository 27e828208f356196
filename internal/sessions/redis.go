// Package sessions holds the session backends that live outside the main
// database and the background sweeper for expired database sessions.
package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"clientdesk/internal/models"
	"clientdesk/internal/storage"

	"github.com/go-redis/redis/v8"
)

const keyPrefix = "session:"

// RedisStore keeps sessions in Redis so several server processes can share
// them. Each session is a JSON value whose TTL is its remaining lifetime.
type RedisStore struct {
	client *redis.Client
}

// RedisOptions configures the connection.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return &RedisStore{client: client}, nil
}

func key(token string) string { return keyPrefix + token }

// CreateSession stores s until its expiry.
func (r *RedisStore) CreateSession(ctx context.Context, s *models.Session) error {
	ttl := time.Until(s.ExpiresAt)
	if ttl <= 0 {
		return nil
	}
	if s.LastActivity.IsZero() {
		s.LastActivity = time.Now().UTC()
	}
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, key(s.Token), b, ttl).Err()
}

// GetSession returns the session for token or storage.ErrNotFound.
func (r *RedisStore) GetSession(ctx context.Context, token string) (*models.Session, error) {
	b, err := r.client.Get(ctx, key(token)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	var s models.Session
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, err
	}
	if !s.ExpiresAt.After(time.Now()) {
		return nil, storage.ErrNotFound
	}
	return &s, nil
}

// RenewSession moves the expiry of an existing session. A session that has
// already vanished is not recreated.
func (r *RedisStore) RenewSession(ctx context.Context, token string, expiresAt time.Time) error {
	s, err := r.GetSession(ctx, token)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}
	s.ExpiresAt = expiresAt.UTC()
	s.LastActivity = time.Now().UTC()
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return r.client.SetXX(ctx, key(token), b, time.Until(expiresAt)).Err()
}

// DeleteSession removes the session for token.
func (r *RedisStore) DeleteSession(ctx context.Context, token string) error {
	return r.client.Del(ctx, key(token)).Err()
}

// Ping verifies Redis is reachable.
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close releases the connection pool.
func (r *RedisStore) Close() error {
	return r.client.Close()
}
