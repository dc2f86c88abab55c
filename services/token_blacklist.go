package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"accountguard/utils"

	"github.com/redis/go-redis/v9"
)

// TokenBlacklist records primary tokens that were invalidated before their
// natural expiry.
type TokenBlacklist interface {
	Revoke(ctx context.Context, token string, until time.Time) error
	IsRevoked(ctx context.Context, token string) (bool, error)
}

type RedisTokenBlacklist struct {
	Client *redis.Client
}

func NewRedisTokenBlacklist(client *redis.Client) *RedisTokenBlacklist {
	return &RedisTokenBlacklist{Client: client}
}

func blacklistKey(token string) string {
	return fmt.Sprintf("blacklist:access:%s", utils.HashToken(token))
}

// Revoke adds the token to the blacklist until its expiration
func (tb *RedisTokenBlacklist) Revoke(ctx context.Context, token string, until time.Time) error {
	ttl := time.Until(until)
	if ttl <= 0 {
		return nil // already unusable
	}
	if err := tb.Client.Set(ctx, blacklistKey(token), "1", ttl).Err(); err != nil {
		return fmt.Errorf("failed to blacklist token in Redis: %w", err)
	}
	return nil
}

func (tb *RedisTokenBlacklist) IsRevoked(ctx context.Context, token string) (bool, error) {
	n, err := tb.Client.Exists(ctx, blacklistKey(token)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check token blacklist: %w", err)
	}
	return n > 0, nil
}

// MemoryTokenBlacklist is used when Redis is not configured. It only covers a
// single process.
type MemoryTokenBlacklist struct {
	mu      sync.Mutex
	revoked map[string]time.Time
}

func NewMemoryTokenBlacklist() *MemoryTokenBlacklist {
	return &MemoryTokenBlacklist{revoked: map[string]time.Time{}}
}

func (tb *MemoryTokenBlacklist) Revoke(_ context.Context, token string, until time.Time) error {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.revoked[utils.HashToken(token)] = until
	return nil
}

func (tb *MemoryTokenBlacklist) IsRevoked(_ context.Context, token string) (bool, error) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	key := utils.HashToken(token)
	until, ok := tb.revoked[key]
	if !ok {
		return false, nil
	}
	if time.Now().After(until) {
		delete(tb.revoked, key)
		return false, nil
	}
	return true, nil
}
