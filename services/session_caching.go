package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"accountguard/model"

	"github.com/redis/go-redis/v9"
)

// SessionCache is a read-through cache of device sessions keyed by token
// hash. Entries expire with the session; every mutation deletes the entry and
// leaves a tombstone for maxTTL so a read that loaded the old row before the
// mutation cannot put it back.
type SessionCache struct {
	client *redis.Client
	maxTTL time.Duration
}

// NewRedisClient parses the URL and pings the server.
func NewRedisClient(redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return client, nil
}

func NewSessionCache(client *redis.Client) *SessionCache {
	return &SessionCache{client: client, maxTTL: 15 * time.Minute}
}

func sessionKey(tokenHash string) string {
	return fmt.Sprintf("device_session:%s", tokenHash)
}

func tombstoneKey(tokenHash string) string {
	return fmt.Sprintf("device_session_evicted:%s", tokenHash)
}

// KEYS[1] entry, KEYS[2] tombstone. Returns 0 when the write was skipped.
var setUnlessEvictedScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[2]) == 1 then
  return 0
end
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
return 1
`)

var evictScript = redis.NewScript(`
redis.call("SET", KEYS[2], "1", "PX", ARGV[1])
return redis.call("DEL", KEYS[1])
`)

// SetSession caches an individual session
func (sc *SessionCache) SetSession(ctx context.Context, session *model.DeviceSession) error {
	if session == nil {
		return fmt.Errorf("cannot cache nil session")
	}

	// Calculate TTL based on session expiry
	ttl := time.Until(session.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("session has already expired")
	}
	if ttl > sc.maxTTL {
		ttl = sc.maxTTL
	}

	data, err := json.Marshal(cachedSession{DeviceSession: *session, TokenHash: session.TokenHash})
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	keys := []string{sessionKey(session.TokenHash), tombstoneKey(session.TokenHash)}
	if err := setUnlessEvictedScript.Run(ctx, sc.client, keys, data, ttl.Milliseconds()).Err(); err != nil {
		return fmt.Errorf("failed to cache session: %w", err)
	}

	return nil
}

// GetSession returns (nil, nil) on a miss.
func (sc *SessionCache) GetSession(ctx context.Context, tokenHash string) (*model.DeviceSession, error) {
	if tokenHash == "" {
		return nil, fmt.Errorf("token hash cannot be empty")
	}

	data, err := sc.client.Get(ctx, sessionKey(tokenHash)).Bytes()
	if err == redis.Nil {
		return nil, nil // Cache miss
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session from cache: %w", err)
	}

	var entry cachedSession
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	session := entry.DeviceSession
	session.TokenHash = entry.TokenHash
	return &session, nil
}

// DeleteSession removes a session from cache and blocks re-caching it until
// the tombstone expires.
func (sc *SessionCache) DeleteSession(ctx context.Context, tokenHash string) error {
	if tokenHash == "" {
		return nil
	}
	keys := []string{sessionKey(tokenHash), tombstoneKey(tokenHash)}
	if err := evictScript.Run(ctx, sc.client, keys, sc.maxTTL.Milliseconds()).Err(); err != nil {
		return fmt.Errorf("failed to delete session from cache: %w", err)
	}
	return nil
}

// cachedSession carries the token hash, which model.DeviceSession hides from
// JSON.
type cachedSession struct {
	model.DeviceSession
	TokenHash string `json:"token_hash"`
}
