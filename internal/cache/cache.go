package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/therealutkarshpriyadarshi/livevtt/pkg/models"
)

const (
	streamHealthPrefix = "stream:health:"
	lockPrefix         = "lock:"
	statsPrefix        = "stats:"
)

// releaseScript deletes a lock only when it is still held by the caller
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// ErrLockNotHeld is returned when releasing a lock owned by someone else
var ErrLockNotHeld = errors.New("lock not held")

// Cache provides caching functionality using Redis
type Cache struct {
	client *redis.Client
}

// NewCache creates a new cache instance
func NewCache(host string, port int, password string, db int) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Password: password,
		DB:       db,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Cache{client: client}, nil
}

// Close closes the Redis connection
func (c *Cache) Close() error {
	return c.client.Close()
}

// Stream Health Operations

// SetStreamHealth publishes the router and sink health of a stream
func (c *Cache) SetStreamHealth(ctx context.Context, status models.StreamStatus, ttl time.Duration) error {
	return c.SetWithJSON(ctx, streamHealthPrefix+status.Stream, status, ttl)
}

// GetStreamHealth retrieves the last published health of a stream
func (c *Cache) GetStreamHealth(ctx context.Context, stream string) (*models.StreamStatus, error) {
	data, err := c.client.Get(ctx, streamHealthPrefix+stream).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil // Cache miss
		}
		return nil, fmt.Errorf("failed to get stream health from cache: %w", err)
	}

	var status models.StreamStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, fmt.Errorf("failed to unmarshal stream health: %w", err)
	}

	return &status, nil
}

// ListStreamHealth returns the published health of every stream
func (c *Cache) ListStreamHealth(ctx context.Context) ([]models.StreamStatus, error) {
	var out []models.StreamStatus
	iter := c.client.Scan(ctx, 0, streamHealthPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		status, err := c.GetStreamHealth(ctx, strings.TrimPrefix(iter.Val(), streamHealthPrefix))
		if err != nil {
			return nil, err
		}
		if status != nil {
			out = append(out, *status)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan stream health: %w", err)
	}
	return out, nil
}

// DeleteStreamHealth removes the published health of a closed stream
func (c *Cache) DeleteStreamHealth(ctx context.Context, stream string) error {
	return c.client.Del(ctx, streamHealthPrefix+stream).Err()
}

// Stats Operations

// IncrementStat increments a statistic counter
func (c *Cache) IncrementStat(ctx context.Context, stat string) error {
	return c.client.Incr(ctx, statsPrefix+stat).Err()
}

// GetStat retrieves a statistic value, zero when unset
func (c *Cache) GetStat(ctx context.Context, stat string) (int64, error) {
	v, err := c.client.Get(ctx, statsPrefix+stat).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return v, err
}

// Locking Operations for Distributed Systems

// Lock is a held distributed lock
type Lock struct {
	resource string
	token    string
}

// AcquireLock attempts to acquire a distributed lock. It returns nil
// without error when another owner holds the lock.
func (c *Cache) AcquireLock(ctx context.Context, resource string, ttl time.Duration) (*Lock, error) {
	token := uuid.New().String()
	ok, err := c.client.SetNX(ctx, lockPrefix+resource, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock %s: %w", resource, err)
	}
	if !ok {
		return nil, nil
	}
	return &Lock{resource: resource, token: token}, nil
}

// ReleaseLock releases a lock acquired by AcquireLock
func (c *Cache) ReleaseLock(ctx context.Context, lock *Lock) error {
	if lock == nil {
		return nil
	}
	n, err := releaseScript.Run(ctx, c.client, []string{lockPrefix + lock.resource}, lock.token).Int64()
	if err != nil {
		return fmt.Errorf("failed to release lock %s: %w", lock.resource, err)
	}
	if n == 0 {
		return ErrLockNotHeld
	}
	return nil
}

// SetWithJSON sets a value with JSON marshaling
func (c *Cache) SetWithJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}
	return c.client.Set(ctx, key, data, ttl).Err()
}

// Health check
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
