package tokens_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinoosan/tokenledger/internal/errs"
	"github.com/tinoosan/tokenledger/internal/ledger"
	"github.com/tinoosan/tokenledger/internal/meta"
	"github.com/tinoosan/tokenledger/internal/service/tokens"
	"github.com/tinoosan/tokenledger/internal/storage/memory"
)

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func setup(t *testing.T, opts ...tokens.Option) (tokens.Service, *memory.Store) {
	t.Helper()
	st := memory.New()
	return tokens.New(st, st, append([]tokens.Option{tokens.WithLogger(testLogger())}, opts...)...), st
}

func open(t *testing.T, svc tokens.Service, email, bal string) ledger.User {
	t.Helper()
	u, err := svc.OpenAccount(context.Background(), email, false, dec(bal))
	require.NoError(t, err)
	return u
}

func upload(userID uuid.UUID, amt string) tokens.ReserveRequest {
	return tokens.ReserveRequest{
		UserID:        userID,
		Amount:        dec(amt),
		OperationType: ledger.OperationDatasetUpload,
		OperationID:   "ds_test",
	}
}

func TestReserveValidation(t *testing.T) {
	svc, _ := setup(t)
	u := open(t, svc, "v@example.com", "10")
	ctx := context.Background()

	tests := []struct {
		name string
		req  tokens.ReserveRequest
		want error
	}{
		{"zero", upload(u.ID, "0"), errs.ErrInvalidAmount},
		{"negative", upload(u.ID, "-1"), errs.ErrInvalidAmount},
		{"finer than storage", upload(u.ID, "0.00005"), errs.ErrInvalidAmount},
		{"no user", upload(uuid.Nil, "1"), errs.ErrInvalid},
		{"recharge type", tokens.ReserveRequest{UserID: u.ID, Amount: dec("1"), OperationType: ledger.OperationAdminRecharge}, errs.ErrInvalid},
		{"unknown type", tokens.ReserveRequest{UserID: u.ID, Amount: dec("1"), OperationType: "training"}, errs.ErrInvalid},
		{"unknown user", upload(uuid.New(), "1"), errs.ErrUserNotFound},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Reserve(ctx, tc.req)
			assert.ErrorIs(t, err, tc.want)
		})
	}

	big := meta.Metadata{}
	for i := 0; i < meta.MaxPairs+1; i++ {
		big[string(rune('a'+i))] = "x"
	}
	req := upload(u.ID, "1")
	req.Metadata = big
	_, err := svc.Reserve(ctx, req)
	assert.ErrorIs(t, err, errs.ErrInvalid)
}

func TestReserveRecordsPendingDebit(t *testing.T) {
	svc, st := setup(t)
	u := open(t, svc, "p@example.com", "10")
	res, err := svc.Reserve(context.Background(), upload(u.ID, "4.5"))
	require.NoError(t, err)
	assert.True(t, res.BalanceAfter.Equal(dec("5.5")))

	txn, err := st.TransactionByID(context.Background(), res.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPending, txn.Status)
	assert.True(t, txn.Amount.Equal(dec("-4.5")))
	assert.True(t, txn.BalanceBefore.Equal(dec("10")))
	assert.Equal(t, "dataset_upload ds_test", txn.Description)
	assert.True(t, txn.IsReservation())
}

func TestConfirmRejectsNonReservation(t *testing.T) {
	svc, _ := setup(t)
	u := open(t, svc, "n@example.com", "10")
	hist, err := svc.History(context.Background(), u.ID, 1)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	// the opening balance credit is completed but is not a reservation
	_, err = svc.Confirm(context.Background(), hist[0].ID)
	assert.ErrorIs(t, err, errs.ErrReservationNotFound)
	_, err = svc.Refund(context.Background(), "")
	assert.ErrorIs(t, err, errs.ErrReservationNotFound)
}

func TestRecharge(t *testing.T) {
	svc, _ := setup(t)
	admin := uuid.New()
	u := open(t, svc, "r@example.com", "0")
	ctx := context.Background()

	_, err := svc.Recharge(ctx, tokens.RechargeRequest{AdminID: admin, TargetEmail: "nobody@example.com", Amount: dec("5")})
	assert.ErrorIs(t, err, errs.ErrUserNotFound)
	_, err = svc.Recharge(ctx, tokens.RechargeRequest{AdminID: admin, TargetEmail: u.Email, Amount: dec("0")})
	assert.ErrorIs(t, err, errs.ErrInvalidAmount)
	_, err = svc.Recharge(ctx, tokens.RechargeRequest{AdminID: admin, TargetEmail: u.Email, Amount: dec("1.23456")})
	assert.ErrorIs(t, err, errs.ErrInvalidAmount)

	rc, err := svc.Recharge(ctx, tokens.RechargeRequest{AdminID: admin, TargetEmail: "  R@Example.com ", Amount: dec("5")})
	require.NoError(t, err)
	assert.True(t, rc.NewBalance.Equal(dec("5")))
	assert.Equal(t, "admin recharge", rc.Transaction.Description)
	assert.Equal(t, "r@example.com", rc.Transaction.Metadata[meta.KeyTargetEmail])
}

func TestOpenAccount(t *testing.T) {
	svc, _ := setup(t)
	ctx := context.Background()
	_, err := svc.OpenAccount(ctx, "not-an-email", false, dec("1"))
	assert.ErrorIs(t, err, errs.ErrInvalid)
	_, err = svc.OpenAccount(ctx, "a@example.com", false, dec("-1"))
	assert.ErrorIs(t, err, errs.ErrInvalidAmount)
	_, err = svc.OpenAccount(ctx, "a@example.com", false, dec("0.00001"))
	assert.ErrorIs(t, err, errs.ErrInvalidAmount)

	u, err := svc.OpenAccount(ctx, "a@example.com", true, dec("0"))
	require.NoError(t, err)
	assert.True(t, u.IsAdmin)
	hist, err := svc.History(ctx, u.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, hist)

	_, err = svc.OpenAccount(ctx, "A@example.com", false, dec("0"))
	assert.ErrorIs(t, err, errs.ErrConflict)
}

func TestHistoryUnknownUser(t *testing.T) {
	svc, _ := setup(t)
	_, err := svc.History(context.Background(), uuid.New(), 10)
	assert.ErrorIs(t, err, errs.ErrUserNotFound)
	_, err = svc.Balance(context.Background(), uuid.New())
	assert.ErrorIs(t, err, errs.ErrUserNotFound)
}

type fakeCache struct {
	mu      sync.Mutex
	vals    map[uuid.UUID]decimal.Decimal
	getErr  error
	gets    int
	setsFor []uuid.UUID
}

func (c *fakeCache) GetBalance(_ context.Context, id uuid.UUID) (decimal.Decimal, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gets++
	if c.getErr != nil {
		return decimal.Zero, false, c.getErr
	}
	v, ok := c.vals[id]
	return v, ok, nil
}

func (c *fakeCache) SetBalance(_ context.Context, id uuid.UUID, bal decimal.Decimal) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.vals == nil {
		c.vals = map[uuid.UUID]decimal.Decimal{}
	}
	c.vals[id] = bal
	c.setsFor = append(c.setsFor, id)
	return nil
}

func TestBalanceCache(t *testing.T) {
	cache := &fakeCache{}
	svc, _ := setup(t, tokens.WithCache(cache))
	ctx := context.Background()
	u := open(t, svc, "c@example.com", "10")

	res, err := svc.Reserve(ctx, upload(u.ID, "3"))
	require.NoError(t, err)
	assert.True(t, cache.vals[u.ID].Equal(dec("7")), "reserve writes through")

	cache.vals[u.ID] = dec("99")
	bal, err := svc.Balance(ctx, u.ID)
	require.NoError(t, err)
	assert.True(t, bal.Equal(dec("99")), "cached value is served")

	_, err = svc.Refund(ctx, res.ID)
	require.NoError(t, err)
	assert.True(t, cache.vals[u.ID].Equal(dec("10")))

	cache.getErr = errors.New("redis down")
	bal, err = svc.Balance(ctx, u.ID)
	require.NoError(t, err)
	assert.True(t, bal.Equal(dec("10")), "falls back to the store")
}

func TestWithReservationConfirmsOnSuccess(t *testing.T) {
	svc, st := setup(t)
	u := open(t, svc, "s@example.com", "10")
	var seen tokens.Reservation
	conf, err := svc.WithReservation(context.Background(), upload(u.ID, "2.75"), func(ctx context.Context, res tokens.Reservation) error {
		seen = res
		return nil
	})
	require.NoError(t, err)
	assert.True(t, conf.TokensSpent.Equal(dec("2.75")))
	assert.True(t, conf.RemainingBalance.Equal(dec("7.25")))
	txn, err := st.TransactionByID(context.Background(), seen.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCompleted, txn.Status)
}

func TestWithReservationRefundsOnFailure(t *testing.T) {
	svc, st := setup(t)
	u := open(t, svc, "f@example.com", "10")
	boom := errors.New("disk full")
	var seen tokens.Reservation
	_, err := svc.WithReservation(context.Background(), upload(u.ID, "6"), func(ctx context.Context, res tokens.Reservation) error {
		seen = res
		return boom
	})
	assert.ErrorIs(t, err, boom)

	txn, err := st.TransactionByID(context.Background(), seen.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusRefunded, txn.Status)
	bal, err := svc.Balance(context.Background(), u.ID)
	require.NoError(t, err)
	assert.True(t, bal.Equal(dec("10")))
}

func TestWithReservationRefundsAfterCancel(t *testing.T) {
	svc, st := setup(t)
	u := open(t, svc, "x@example.com", "10")
	ctx, cancel := context.WithCancel(context.Background())
	var seen tokens.Reservation
	_, err := svc.WithReservation(ctx, upload(u.ID, "1"), func(ctx context.Context, res tokens.Reservation) error {
		seen = res
		cancel()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, context.Canceled)
	txn, err := st.TransactionByID(context.Background(), seen.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusRefunded, txn.Status)
}

func TestWithReservationSkipsWorkWhenReserveFails(t *testing.T) {
	svc, _ := setup(t)
	u := open(t, svc, "i@example.com", "1")
	ran := false
	_, err := svc.WithReservation(context.Background(), upload(u.ID, "2"), func(context.Context, tokens.Reservation) error {
		ran = true
		return nil
	})
	assert.ErrorIs(t, err, errs.ErrInsufficientTokens)
	assert.False(t, ran)
}

// settleFails wraps a store and fails every Settle call.
type settleFails struct {
	*memory.Store
}

func (settleFails) Settle(context.Context, tokens.SettleRequest) (tokens.Settlement, error) {
	return tokens.Settlement{}, errors.New("connection reset")
}

func TestWithReservationKeepsWorkErrorWhenRefundFails(t *testing.T) {
	st := memory.New()
	svc := tokens.New(st, settleFails{st}, tokens.WithLogger(testLogger()))
	u := open(t, svc, "k@example.com", "10")
	boom := errors.New("processor down")
	_, err := svc.WithReservation(context.Background(), upload(u.ID, "1"), func(context.Context, tokens.Reservation) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, errs.ErrStorage)
}

func TestWithReservationReportsConfirmFailure(t *testing.T) {
	st := memory.New()
	svc := tokens.New(st, settleFails{st}, tokens.WithLogger(testLogger()))
	u := open(t, svc, "q@example.com", "10")
	_, err := svc.WithReservation(context.Background(), upload(u.ID, "1"), func(context.Context, tokens.Reservation) error {
		return nil
	})
	assert.ErrorIs(t, err, errs.ErrStorage)

	pending, err := st.PendingBefore(context.Background(), time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Len(t, pending, 1, "left pending for the sweep")
}

// ctxSettle fails Settle once ctx is done, as the postgres pool does.
type ctxSettle struct {
	*memory.Store
}

func (s ctxSettle) Settle(ctx context.Context, req tokens.SettleRequest) (tokens.Settlement, error) {
	if err := ctx.Err(); err != nil {
		return tokens.Settlement{}, err
	}
	return s.Store.Settle(ctx, req)
}

func TestWithReservationConfirmsAfterCallerCancels(t *testing.T) {
	st := memory.New()
	svc := tokens.New(st, ctxSettle{st}, tokens.WithLogger(testLogger()))
	u := open(t, svc, "gone@example.com", "10")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var seen tokens.Reservation
	conf, err := svc.WithReservation(ctx, upload(u.ID, "5"), func(_ context.Context, res tokens.Reservation) error {
		seen = res
		cancel()
		return nil
	})
	require.NoError(t, err)
	assert.True(t, conf.RemainingBalance.Equal(dec("5")))

	txn, err := st.TransactionByID(context.Background(), seen.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCompleted, txn.Status)

	rep, err := svc.SweepStale(context.Background(), time.Nanosecond)
	require.NoError(t, err)
	assert.Empty(t, rep.Aborted)
	bal, err := svc.Balance(context.Background(), u.ID)
	require.NoError(t, err)
	assert.True(t, bal.Equal(dec("5")))
}

func TestSweepRejectsNonPositiveAge(t *testing.T) {
	svc, _ := setup(t)
	_, err := svc.SweepStale(context.Background(), 0)
	assert.ErrorIs(t, err, errs.ErrInvalid)
}

func TestSweepMarksCompensation(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	svc, st := setup(t, tokens.WithClock(clock))
	u := open(t, svc, "w@example.com", "5")
	res, err := svc.Reserve(context.Background(), upload(u.ID, "2"))
	require.NoError(t, err)

	now = now.Add(3 * time.Hour)
	rep, err := svc.SweepStale(context.Background(), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Scanned)
	assert.Equal(t, []string{res.ID}, rep.Aborted)

	hist, err := st.TransactionsByUser(context.Background(), u.ID, 1)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, res.ID, hist[0].ReversalOf)
	assert.Equal(t, now.Format(time.RFC3339), hist[0].Metadata[meta.KeySweptAt])
}

func TestStartSweeper(t *testing.T) {
	now := time.Now().UTC().Add(-2 * time.Hour)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	svc, st := setup(t, tokens.WithClock(clock))
	u := open(t, svc, "t@example.com", "5")
	_, err := svc.Reserve(context.Background(), upload(u.ID, "2"))
	require.NoError(t, err)
	mu.Lock()
	now = time.Now().UTC()
	mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tokens.StartSweeper(ctx, svc, 10*time.Millisecond, time.Hour, testLogger())
	assert.Eventually(t, func() bool {
		p, err := st.PendingBefore(context.Background(), time.Now().Add(time.Hour))
		return err == nil && len(p) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestVerifyReplaysHistory(t *testing.T) {
	svc, _ := setup(t)
	u := open(t, svc, "v2@example.com", "10")
	res, err := svc.Reserve(context.Background(), upload(u.ID, "1"))
	require.NoError(t, err)
	_, err = svc.Refund(context.Background(), res.ID)
	require.NoError(t, err)

	got, err := svc.Verify(context.Background(), u.ID)
	require.NoError(t, err)
	assert.True(t, got.Valid, "problems: %v", got.Problems)
	assert.Equal(t, 3, got.Records)
	assert.True(t, got.Replayed.Equal(dec("10")))

	_, err = svc.Verify(context.Background(), uuid.New())
	assert.ErrorIs(t, err, errs.ErrUserNotFound)
}
