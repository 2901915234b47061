package redisclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// ErrLockHeld is returned when another worker holds the lock.
var ErrLockHeld = errors.New("lock already held")

type Client struct {
	rdb *redis.Client
}

// NewClient creates a new Redis client and checks connectivity
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping checks the connection
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// GetToken returns the cached access token for a marketplace user, or "" on a miss.
func (c *Client) GetToken(ctx context.Context, userID int64) (string, error) {
	val, err := c.rdb.Get(ctx, tokenKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get token: %w", err)
	}
	return val, nil
}

// SetToken caches an access token for a marketplace user.
func (c *Client) SetToken(ctx context.Context, userID int64, token string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	return c.rdb.Set(ctx, tokenKey(userID), token, ttl).Err()
}

// releaseScript deletes the lock only while it still holds the caller's token.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// AcquireLock acquires a distributed lock and returns the owner token needed
// to release it. ok is false when another owner holds the lock.
func (c *Client) AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (token string, ok bool, err error) {
	token = uuid.New().String()
	ok, err = c.rdb.SetNX(ctx, lockName(lockKey), token, ttl).Result()
	if err != nil || !ok {
		return "", false, err
	}
	return token, true, nil
}

// ReleaseLock releases a distributed lock if token still owns it. It reports
// whether the lock was deleted; false means the TTL expired and another owner
// may hold it now.
func (c *Client) ReleaseLock(ctx context.Context, lockKey, token string) (bool, error) {
	n, err := releaseScript.Run(ctx, c.rdb, []string{lockName(lockKey)}, token).Int()
	if err != nil {
		return false, fmt.Errorf("release lock %s: %w", lockKey, err)
	}
	return n == 1, nil
}

// WithLock runs fn while holding lockKey. ErrLockHeld is returned if the lock is taken.
func (c *Client) WithLock(ctx context.Context, lockKey string, ttl time.Duration, fn func(ctx context.Context) error) error {
	token, ok, err := c.AcquireLock(ctx, lockKey, ttl)
	if err != nil {
		return fmt.Errorf("acquire lock %s: %w", lockKey, err)
	}
	if !ok {
		return fmt.Errorf("%s: %w", lockKey, ErrLockHeld)
	}
	defer func() {
		_, _ = c.ReleaseLock(context.Background(), lockKey, token)
	}()
	return fn(ctx)
}

func lockName(lockKey string) string {
	return fmt.Sprintf("lock:%s", lockKey)
}

func tokenKey(userID int64) string {
	return fmt.Sprintf("ml:token:%d", userID)
}
