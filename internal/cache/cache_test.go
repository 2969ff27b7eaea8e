package cache

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticSource map[uuid.UUID]decimal.Decimal

func (s staticSource) AllBalances(context.Context) (map[uuid.UUID]decimal.Decimal, error) {
	return s, nil
}

func newClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestBalancesRoundTrip(t *testing.T) {
	ctx := context.Background()
	_, rdb := newClient(t)
	b := NewBalances(rdb, 0)
	id := uuid.New()

	_, ok, err := b.GetBalance(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, b.SetBalance(ctx, id, decimal.RequireFromString("7.25")))
	got, ok, err := b.GetBalance(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, got.Equal(decimal.RequireFromString("7.25")))

	require.NoError(t, b.Forget(ctx, id))
	_, ok, err = b.GetBalance(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGetBalanceRejectsGarbage(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newClient(t)
	id := uuid.New()
	require.NoError(t, mr.Set(balanceKey(id), "not-a-number"))
	_, _, err := NewBalances(rdb, 0).GetBalance(ctx, id)
	assert.Error(t, err)
}

func TestSyncerLoadAndDrift(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newClient(t)
	a, b := uuid.New(), uuid.New()
	src := staticSource{a: decimal.RequireFromString("10"), b: decimal.RequireFromString("2.5")}
	s := NewSyncer(rdb, src, 0, slog.New(slog.NewTextHandler(io.Discard, nil)))

	n, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	v, err := mr.Get(balanceKey(a))
	require.NoError(t, err)
	assert.Equal(t, "10", v)

	drift, err := s.Drift(ctx)
	require.NoError(t, err)
	assert.Zero(t, drift)

	require.NoError(t, mr.Set(balanceKey(a), "99"))
	mr.Del(balanceKey(b))
	drift, err = s.Drift(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, drift)
	v, err = mr.Get(balanceKey(b))
	require.NoError(t, err)
	assert.Equal(t, "2.5", v)
}
