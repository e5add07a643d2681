package history

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nulpointcorp/llm-bridge/internal/providers"
)

const redisSaveTimeout = 2 * time.Second

// RedisStore keeps one JSON snapshot per conversation at "chat:<id>".
// Snapshots do not expire — trimming is left to the operator.
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
		return nil, fmt.Errorf("history: parse url: %w", err)
	}

	cli := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := cli.Ping(pingCtx).Err(); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("history: ping: %w", err)
	}

	return &RedisStore{client: cli}, nil
}

// Save implements Store.
func (s *RedisStore) Save(ctx context.Context, conversationID string, messages []providers.Message) error {
	data, err := json.Marshal(messages)
	if err != nil {
		return fmt.Errorf("history: marshal %s: %w", conversationID, err)
	}

	ctx, cancel := context.WithTimeout(ctx, redisSaveTimeout)
	defer cancel()

	if err := s.client.Set(ctx, "chat:"+conversationID, data, 0).Err(); err != nil {
		return fmt.Errorf("history: SET %s: %w", conversationID, err)
	}
	return nil
}

// Close releases the Redis connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
