package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var _ CodeLedger = (*RedisLedger)(nil)

// Default timeouts for the redis client
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second
)

// RedisOptions configures NewRedisLedger
type RedisOptions struct {
	Addr      string
	Username  string
	Password  string
	DB        int
	KeyPrefix string
}

// RedisLedger claims keys with SET NX PX so every replica shares one view
type RedisLedger struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewRedisLedger connects to redis and checks the connection
func NewRedisLedger(ctx context.Context, opts RedisOptions) (*RedisLedger, error) {
	if opts.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	if opts.KeyPrefix == "" {
		return nil, fmt.Errorf("key prefix is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Username:     opts.Username,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  DefaultDialTimeout,
		ReadTimeout:  DefaultReadTimeout,
		WriteTimeout: DefaultWriteTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewRedisLedgerWithClient(client, opts.KeyPrefix), nil
}

// NewRedisLedgerWithClient wraps a pre-configured client
func NewRedisLedgerWithClient(client redis.UniversalClient, keyPrefix string) *RedisLedger {
	return &RedisLedger{client: client, keyPrefix: keyPrefix}
}

// Claim implements CodeLedger
func (l *RedisLedger) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.keyPrefix+key, time.Now().Unix(), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("%w: redis: %v", ErrLedgerUnavailable, err)
	}
	return ok, nil
}

// Release implements CodeLedger
func (l *RedisLedger) Release(ctx context.Context, key string) error {
	if err := l.client.Del(ctx, l.keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("%w: redis: %v", ErrLedgerUnavailable, err)
	}
	return nil
}

// Ping checks redis connectivity
func (l *RedisLedger) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

// Close closes the redis client
func (l *RedisLedger) Close() error {
	return l.client.Close()
}
