package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const pipelineBatch = 1000

// Source lists authoritative balances.
type Source interface {
	AllBalances(ctx context.Context) (map[uuid.UUID]decimal.Decimal, error)
}

// Syncer copies balances from the store into Redis.
type Syncer struct {
	rdb    *redis.Client
	src    Source
	ttl    time.Duration
	log    *slog.Logger
	stopCh chan struct{}
}

func NewSyncer(rdb *redis.Client, src Source, ttl time.Duration, logger *slog.Logger) *Syncer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{
		rdb:    rdb,
		src:    src,
		ttl:    ttl,
		log:    logger.With("component", "balance_sync"),
		stopCh: make(chan struct{}),
	}
}

// Load writes every live balance to Redis. It must finish before the cache is
// trusted for reads.
func (s *Syncer) Load(ctx context.Context) (int, error) {
	start := time.Now()
	balances, err := s.src.AllBalances(ctx)
	if err != nil {
		return 0, fmt.Errorf("load balances: %w", err)
	}
	pipe := s.rdb.Pipeline()
	count := 0
	for id, bal := range balances {
		pipe.Set(ctx, balanceKey(id), bal.String(), s.ttl)
		count++
		if count%pipelineBatch == 0 {
			if _, err := pipe.Exec(ctx); err != nil {
				return count, fmt.Errorf("pipeline exec failed at count %d: %w", count, err)
			}
			pipe = s.rdb.Pipeline()
		}
	}
	if count%pipelineBatch != 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			return count, fmt.Errorf("final pipeline exec failed: %w", err)
		}
	}
	s.log.Info("balance cache loaded", "users", count, "duration", time.Since(start).String())
	return count, nil
}

// Drift compares cached balances with the store, rewrites mismatches and
// returns how many were wrong or missing.
func (s *Syncer) Drift(ctx context.Context) (int, error) {
	balances, err := s.src.AllBalances(ctx)
	if err != nil {
		return 0, fmt.Errorf("load balances: %w", err)
	}
	drift := 0
	for id, want := range balances {
		raw, err := s.rdb.Get(ctx, balanceKey(id)).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return drift, err
		}
		if err == nil {
			if got, perr := decimal.NewFromString(raw); perr == nil && got.Equal(want) {
				continue
			}
		}
		drift++
		s.log.Warn("cached balance drifted", "user_id", id, "cached", raw, "stored", want.String())
		if err := s.rdb.Set(ctx, balanceKey(id), want.String(), s.ttl).Err(); err != nil {
			return drift, fmt.Errorf("redis set failed: %w", err)
		}
	}
	return drift, nil
}

// StartPeriodicSync reloads all balances every interval until Stop is called.
func (s *Syncer) StartPeriodicSync(interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	s.log.Info("starting periodic balance sync", "interval", interval.String())
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
				if n, err := s.Drift(ctx); err != nil {
					s.log.Error("periodic balance sync failed", "err", err)
				} else if n > 0 {
					s.log.Info("periodic balance sync corrected drift", "users", n)
				}
				cancel()
			case <-s.stopCh:
				ticker.Stop()
				s.log.Info("periodic balance sync stopped")
				return
			}
		}
	}()
}

// Stop ends the periodic sync.
func (s *Syncer) Stop() { close(s.stopCh) }
