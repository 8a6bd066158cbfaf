package revocation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps revocations as expiring Redis keys. Redis expiry removes
// entries once the revoked token could no longer be valid.
type RedisStore struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

type RedisOption func(*RedisStore)

// WithPrefix sets the key namespace. Default is "revoked".
func WithPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		if p := strings.TrimSpace(prefix); p != "" {
			s.prefix = p
		}
	}
}

func NewRedisStore(client *redis.Client, opts ...RedisOption) (*RedisStore, error) {
	if client == nil {
		return nil, errors.New("revocation: redis client must not be nil")
	}
	s := &RedisStore{client: client, prefix: "revoked", now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *RedisStore) IsRevoked(ctx context.Context, keys ...string) (bool, error) {
	if len(keys) == 0 {
		return false, nil
	}
	redisKeys := make([]string, len(keys))
	for i, k := range keys {
		redisKeys[i] = s.key(k)
	}
	n, err := s.client.Exists(ctx, redisKeys...).Result()
	if err != nil {
		return false, fmt.Errorf("%w: exists: %v", ErrUnavailable, err)
	}
	return n > 0, nil
}

func (s *RedisStore) Revoke(ctx context.Context, r Revocation) error {
	now := s.now()
	if err := validate(r, now); err != nil {
		return err
	}
	ttl := r.ExpiresAt.Sub(now)
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, s.key(r.Key), "reason", r.Reason, "tenantId", r.TenantID, "revokedAt", now.UTC().Format(time.RFC3339))
	pipe.Expire(ctx, s.key(r.Key), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: revoke %q: %v", ErrUnavailable, r.Key, err)
	}
	return nil
}

func (s *RedisStore) key(k string) string {
	return s.prefix + ":" + k
}
