package main

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinoosan/tokenledger/internal/cache"
	"github.com/tinoosan/tokenledger/internal/config"
	"github.com/tinoosan/tokenledger/internal/ledger"
	"github.com/tinoosan/tokenledger/internal/service/tokens"
	"github.com/tinoosan/tokenledger/internal/storage/memory"
)

func newTestApp() (*app, *bytes.Buffer) {
	st := memory.New()
	out := &bytes.Buffer{}
	return &app{
		cfg:   &config.Config{MaxRecharge: decimal.NewFromInt(1000), StaleReservationTTL: time.Hour},
		store: st,
		tok:   tokens.New(st, st),
		out:   out,
	}, out
}

func run(t *testing.T, a *app, args ...string) error {
	t.Helper()
	root := newRootCmd(a)
	root.SetArgs(args)
	return root.ExecuteContext(context.Background())
}

func TestUsersRechargeAndBalance(t *testing.T) {
	a, out := newTestApp()

	require.NoError(t, run(t, a, "users", "create", "--email", "Ops@Example.com", "--opening", "10"))
	var u ledger.User
	require.NoError(t, json.Unmarshal(out.Bytes(), &u))
	assert.Equal(t, "ops@example.com", u.Email)

	out.Reset()
	require.NoError(t, run(t, a, "recharge", "--email", "ops@example.com", "--amount", "2.5"))
	var res tokens.Recharge
	require.NoError(t, json.Unmarshal(out.Bytes(), &res))
	assert.True(t, res.NewBalance.Equal(decimal.RequireFromString("12.5")))

	out.Reset()
	require.NoError(t, run(t, a, "balance", "--user-id", u.ID.String()))
	assert.Contains(t, out.String(), "12.50")

	out.Reset()
	require.NoError(t, run(t, a, "history", "--email", "ops@example.com", "--limit", "0"))
	var txns []ledger.Transaction
	require.NoError(t, json.Unmarshal(out.Bytes(), &txns))
	assert.Len(t, txns, 2)

	assert.Error(t, run(t, a, "recharge", "--email", "ops@example.com", "--amount", "5000"))
	assert.Error(t, run(t, a, "recharge", "--email", "ops@example.com", "--amount", "lots"))
	assert.Error(t, run(t, a, "balance"))
}

func TestVerifyAndDelete(t *testing.T) {
	a, out := newTestApp()
	require.NoError(t, run(t, a, "users", "create", "--email", "a@example.com", "--opening", "3"))
	require.NoError(t, run(t, a, "users", "create", "--email", "b@example.com"))

	out.Reset()
	require.NoError(t, run(t, a, "verify", "--all"))
	assert.Contains(t, out.String(), "verified 2 users, 0 inconsistent")

	require.NoError(t, run(t, a, "users", "delete", "--email", "b@example.com"))
	out.Reset()
	require.NoError(t, run(t, a, "verify", "--all"))
	assert.Contains(t, out.String(), "verified 1 users")
}

func TestSweepAndReports(t *testing.T) {
	a, out := newTestApp()
	require.NoError(t, run(t, a, "users", "create", "--email", "a@example.com", "--opening", "3"))

	out.Reset()
	require.NoError(t, run(t, a, "sweep", "--older-than", "1m"))
	var rep tokens.SweepReport
	require.NoError(t, json.Unmarshal(out.Bytes(), &rep))
	assert.Empty(t, rep.Aborted)

	out.Reset()
	require.NoError(t, run(t, a, "report", "transactions", "--operation-type", "admin_recharge"))
	assert.Contains(t, out.String(), `"total_items": 1`)

	out.Reset()
	require.NoError(t, run(t, a, "report", "datasets", "--include-deleted"))
	assert.Contains(t, out.String(), `"total_items": 0`)

	assert.Error(t, run(t, a, "report", "transactions", "--status", "lost"))
	assert.Error(t, run(t, a, "report", "datasets", "--user-id", "nope"))
	assert.Error(t, run(t, a, "cache", "sync"))
}

func TestDeleteDropsCachedBalance(t *testing.T) {
	a, out := newTestApp()
	mr := miniredis.RunT(t)
	a.rdb = redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = a.rdb.Close() })
	a.balances = cache.NewBalances(a.rdb, time.Hour)
	a.cfg.CacheSyncInterval = time.Minute

	require.NoError(t, run(t, a, "users", "create", "--email", "keep@example.com", "--opening", "4"))
	require.NoError(t, run(t, a, "users", "create", "--email", "drop@example.com", "--opening", "2"))
	drop, err := a.store.UserByEmail(context.Background(), "drop@example.com")
	require.NoError(t, err)
	require.NoError(t, a.balances.SetBalance(context.Background(), drop.ID, decimal.NewFromInt(2)))
	require.True(t, mr.Exists("tokenledger:balance:"+drop.ID.String()))

	require.NoError(t, run(t, a, "users", "delete", "--email", "drop@example.com"))
	assert.False(t, mr.Exists("tokenledger:balance:"+drop.ID.String()))

	out.Reset()
	require.NoError(t, run(t, a, "cache", "sync"))
	assert.Contains(t, out.String(), "synced 1 balances")
	keep, err := a.store.UserByEmail(context.Background(), "keep@example.com")
	require.NoError(t, err)
	assert.True(t, mr.Exists("tokenledger:balance:"+keep.ID.String()))
}
