// Package cache keeps a Redis copy of user balances for fast reads.
//
// The store stays the source of truth. The ledger writes through after each
// mutation and a Syncer reloads every balance on startup and on an interval
// to correct drift, so a cached value may briefly lag the store.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const keyPrefix = "tokenledger:balance:"

func balanceKey(userID uuid.UUID) string { return keyPrefix + userID.String() }

// Balances implements tokens.BalanceCache on Redis.
type Balances struct {
	rdb *redis.Client
	ttl time.Duration
}

// Dial connects to Redis and pings it.
func Dial(ctx context.Context, addr, password string) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
		PoolSize:     50,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

// NewBalances wraps rdb. ttl <= 0 stores entries without expiry.
func NewBalances(rdb *redis.Client, ttl time.Duration) *Balances {
	if ttl < 0 {
		ttl = 0
	}
	return &Balances{rdb: rdb, ttl: ttl}
}

func (b *Balances) GetBalance(ctx context.Context, userID uuid.UUID) (decimal.Decimal, bool, error) {
	raw, err := b.rdb.Get(ctx, balanceKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, err
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("cached balance %q: %w", raw, err)
	}
	return d, true, nil
}

func (b *Balances) SetBalance(ctx context.Context, userID uuid.UUID, balance decimal.Decimal) error {
	return b.rdb.Set(ctx, balanceKey(userID), balance.String(), b.ttl).Err()
}

// Forget drops a cached balance.
func (b *Balances) Forget(ctx context.Context, userID uuid.UUID) error {
	return b.rdb.Del(ctx, balanceKey(userID)).Err()
}
