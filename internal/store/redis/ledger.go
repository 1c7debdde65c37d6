// Package redis provides a TTL-native ledger used as a fast-path denylist
// in front of the durable store. Entries expire server-side, so purging is
// a no-op here.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"kilit.org/internal/auth"
)

const (
	jtiKeyPrefix    = "kilit:ledger:jti:"
	familyKeyPrefix = "kilit:ledger:family:"
)

// Ledger implements auth.Ledger on a Redis client.
type Ledger struct {
	client *redis.Client
	now    func() time.Time
}

var _ auth.Ledger = (*Ledger)(nil)

// Options configures the Redis connection.
type Options struct {
	Addr     string
	Password string
	DB       int
}

// Open connects to Redis and verifies the connection with a ping.
func Open(ctx context.Context, opts Options) (*Ledger, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewLedger(client), nil
}

// NewLedger wraps an existing client.
func NewLedger(client *redis.Client) *Ledger {
	return &Ledger{client: client, now: time.Now}
}

func (l *Ledger) Close() error { return l.client.Close() }

// CheckAndInsert records the jti unless it is already present. Entries that
// would expire immediately are reported as fresh without being stored.
func (l *Ledger) CheckAndInsert(ctx context.Context, entry auth.LedgerEntry) (bool, error) {
	ttl := entry.ExpiresAt.Sub(l.now())
	if ttl <= 0 {
		return true, nil
	}
	ok, err := l.client.SetNX(ctx, jtiKeyPrefix+entry.JTI, string(entry.Reason), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return ok, nil
}

func (l *Ledger) Insert(ctx context.Context, entry auth.LedgerEntry) error {
	ttl := entry.ExpiresAt.Sub(l.now())
	if ttl <= 0 {
		return nil
	}
	if err := l.client.SetNX(ctx, jtiKeyPrefix+entry.JTI, string(entry.Reason), ttl).Err(); err != nil {
		return fmt.Errorf("redis setnx: %w", err)
	}
	return nil
}

func (l *Ledger) Contains(ctx context.Context, jti string) (bool, error) {
	n, err := l.client.Exists(ctx, jtiKeyPrefix+jti).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists: %w", err)
	}
	return n > 0, nil
}

func (l *Ledger) ContainsFamily(ctx context.Context, familyID string) (bool, error) {
	n, err := l.client.Exists(ctx, familyKeyPrefix+familyID).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists: %w", err)
	}
	return n > 0, nil
}

// RevokeFamily marks every token of the family denied until the given time.
// A later deadline replaces an earlier one; an earlier one is kept only if
// no entry exists yet.
func (l *Ledger) RevokeFamily(ctx context.Context, familyID string, until time.Time) error {
	ttl := until.Sub(l.now())
	if ttl <= 0 {
		return nil
	}
	key := familyKeyPrefix + familyID
	current, err := l.client.TTL(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("redis ttl: %w", err)
	}
	if current >= ttl {
		return nil
	}
	if err := l.client.Set(ctx, key, string(auth.ReasonRevoked), ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// PurgeExpired is a no-op; Redis evicts expired keys itself.
func (l *Ledger) PurgeExpired(ctx context.Context) (int64, error) { return 0, nil }
