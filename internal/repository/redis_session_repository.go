package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/unioslo/spine/internal/db/models"
)

const sessionPrefix = "spine:session:"

// RedisSessionRepository implements SessionRepository on Redis. Records
// carry a TTL matching their expiry, so DeleteExpired has nothing to do.
type RedisSessionRepository struct {
	client *redis.Client
}

// NewRedisSessionRepository parses redisURL and verifies the connection.
func NewRedisSessionRepository(ctx context.Context, redisURL string) (*RedisSessionRepository, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse REDIS_URL: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &RedisSessionRepository{client: client}, nil
}

func (r *RedisSessionRepository) key(tokenHash string) string {
	return sessionPrefix + tokenHash
}

func (r *RedisSessionRepository) put(ctx context.Context, session *models.Session) error {
	ttl := time.Until(session.ExpiresAt)
	if ttl <= 0 {
		return r.client.Del(ctx, r.key(session.TokenHash)).Err()
	}
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	return r.client.Set(ctx, r.key(session.TokenHash), data, ttl).Err()
}

func (r *RedisSessionRepository) Create(ctx context.Context, session *models.Session) error {
	if err := r.put(ctx, session); err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (r *RedisSessionRepository) GetByTokenHash(ctx context.Context, tokenHash string) (*models.Session, error) {
	data, err := r.client.Get(ctx, r.key(tokenHash)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("session: %w", ErrNotFound)
		}
		return nil, fmt.Errorf("get session by token: %w", err)
	}
	session := new(models.Session)
	if err := json.Unmarshal(data, session); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return session, nil
}

func (r *RedisSessionRepository) Touch(ctx context.Context, session *models.Session) error {
	if err := r.put(ctx, session); err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

// Revoke deletes the record. A revoked session has nothing left worth keeping.
func (r *RedisSessionRepository) Revoke(ctx context.Context, session *models.Session) error {
	if err := r.client.Del(ctx, r.key(session.TokenHash)).Err(); err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}

func (r *RedisSessionRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	return 0, nil
}

// Close releases the client's connections.
func (r *RedisSessionRepository) Close() error {
	return r.client.Close()
}
