package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces lockout keys.
const DefaultRedisPrefix = "antigravity:ratelimit:"

// RedisOptions configures RedisPersister.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// redisValue is the JSON stored under each key.
type redisValue struct {
	Reason        Reason `json:"reason"`
	RetryAfterSec int    `json:"retryAfterSec"`
	RateLimitEnd  string `json:"rateLimitEndAt"`
	Model         string `json:"model,omitempty"`
}

// RedisPersister stores each lockout as a key that expires with it.
type RedisPersister struct {
	client *redis.Client
	prefix string
}

// NewRedisPersister connects to Redis and verifies the connection.
func NewRedisPersister(ctx context.Context, opts RedisOptions) (*RedisPersister, error) {
	if opts.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}

	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &RedisPersister{client: client, prefix: prefix}, nil
}

func (p *RedisPersister) key(credentialID string) string {
	return p.prefix + credentialID
}

// Record stores the lockout with TTL equal to its retry-after.
func (p *RedisPersister) Record(ctx context.Context, rec Record) error {
	data, err := json.Marshal(redisValue{
		Reason:        rec.Reason,
		RetryAfterSec: rec.RetryAfterSec,
		RateLimitEnd:  rec.ResetAt.UTC().Format(isoMillis),
		Model:         rec.Model,
	})
	if err != nil {
		return err
	}
	ttl := time.Duration(rec.RetryAfterSec) * time.Second
	if err := p.client.Set(ctx, p.key(rec.CredentialID), data, ttl).Err(); err != nil {
		return fmt.Errorf("record rate limit for %s: %w", rec.CredentialID, err)
	}
	return nil
}

// Clear deletes the lockout key.
func (p *RedisPersister) Clear(ctx context.Context, credentialID string) error {
	if err := p.client.Del(ctx, p.key(credentialID)).Err(); err != nil {
		return fmt.Errorf("clear rate limit for %s: %w", credentialID, err)
	}
	return nil
}

// Load scans every lockout key under the prefix.
func (p *RedisPersister) Load(ctx context.Context) ([]Record, error) {
	var out []Record
	iter := p.client.Scan(ctx, 0, p.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		data, err := p.client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load rate limit %s: %w", key, err)
		}

		var v redisValue
		if err := json.Unmarshal(data, &v); err != nil {
			continue
		}
		resetAt, err := time.Parse(isoMillis, v.RateLimitEnd)
		if err != nil {
			continue
		}
		out = append(out, Record{
			CredentialID:  key[len(p.prefix):],
			Reason:        v.Reason,
			RetryAfterSec: v.RetryAfterSec,
			ResetAt:       resetAt,
			Model:         v.Model,
		})
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan rate limits: %w", err)
	}
	return out, nil
}

// Close closes the client.
func (p *RedisPersister) Close() error {
	return p.client.Close()
}
