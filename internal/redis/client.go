package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// SuppressedKey is the set of display ids hidden from published snapshots
const SuppressedKey = "rid:suppressed"

// RedisClientInterface defines the Redis operations used by our client
type RedisClientInterface interface {
	Ping(ctx context.Context) *redis.StatusCmd
	SMembers(ctx context.Context, key string) *redis.StringSliceCmd
	SAdd(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	SRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	Close() error
}

// Client manages the suppression list stored in Redis
type Client struct {
	client RedisClientInterface
	key    string
}

// New creates a new Redis client
func New(addr string) (*Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: "", // no password set
		DB:       0,  // use default DB
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Client{client: client, key: SuppressedKey}, nil
}

// NewWithClient creates a new Redis client with a custom RedisClientInterface (useful for testing)
func NewWithClient(client RedisClientInterface) *Client {
	return &Client{client: client, key: SuppressedKey}
}

// Close closes the Redis connection. It is safe to call on a nil client.
func (c *Client) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

// Ping checks the connection
func (c *Client) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// SuppressedIDs returns the current suppression list
func (c *Client) SuppressedIDs(ctx context.Context) (map[string]struct{}, error) {
	members, err := c.client.SMembers(ctx, c.key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read suppression list: %w", err)
	}

	ids := make(map[string]struct{}, len(members))
	for _, m := range members {
		ids[m] = struct{}{}
	}
	return ids, nil
}

// Suppress hides the given display ids from published snapshots
func (c *Client) Suppress(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := c.client.SAdd(ctx, c.key, toMembers(ids)...).Err(); err != nil {
		return fmt.Errorf("failed to suppress %v: %w", ids, err)
	}
	return nil
}

// Unsuppress publishes the given display ids again
func (c *Client) Unsuppress(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := c.client.SRem(ctx, c.key, toMembers(ids)...).Err(); err != nil {
		return fmt.Errorf("failed to unsuppress %v: %w", ids, err)
	}
	return nil
}

func toMembers(ids []string) []interface{} {
	members := make([]interface{}, len(ids))
	for i, id := range ids {
		members[i] = id
	}
	return members
}
