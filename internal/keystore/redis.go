package keystore

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisQueryTimeout = 500 * time.Millisecond

// keyPrefix namespaces credential hashes in a shared Redis instance.
const keyPrefix = "apikey:"

// RedisStore reads credentials from Redis hashes. Each key is stored as a
// hash at "apikey:<raw-key>" with fields user_id, active ("0"/"1") and
// purpose, written by the account-management service.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStoreFromClient wraps an existing Redis client. The caller owns the
// client lifecycle.
func NewRedisStoreFromClient(cli *redis.Client) *RedisStore {
	return &RedisStore{client: cli}
}

// NewRedisStoreFromURL parses redisURL, creates a client and verifies the
// connection with a PING.
func NewRedisStoreFromURL(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("keystore: parse url: %w", err)
	}

	cli := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := cli.Ping(pingCtx).Err(); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("keystore: ping: %w", err)
	}

	return &RedisStore{client: cli}, nil
}

// Lookup implements Store. Backend failures are returned as-is so the
// credential cache can skip negative caching for them.
func (s *RedisStore) Lookup(ctx context.Context, key string) (*Credential, error) {
	ctx, cancel := context.WithTimeout(ctx, redisQueryTimeout)
	defer cancel()

	fields, err := s.client.HGetAll(ctx, keyPrefix+key).Result()
	if err != nil {
		return nil, fmt.Errorf("keystore: HGETALL: %w", err)
	}
	// HGETALL on a missing key returns an empty map, not redis.Nil.
	if len(fields) == 0 {
		return nil, ErrNotFound
	}

	userID, err := strconv.ParseInt(fields["user_id"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("keystore: bad user_id %q: %w", fields["user_id"], err)
	}

	cred := &Credential{
		UserID:  userID,
		Active:  fields["active"] == "1",
		Purpose: fields["purpose"],
	}
	if !cred.Active {
		return nil, ErrNotFound
	}
	return cred, nil
}

// Close releases the Redis connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
