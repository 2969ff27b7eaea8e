// Package storetest is a conformance suite every storage backend runs from
// its own tests. The cases drive the store directly and through the token
// service so the ledger guarantees are checked end to end.
package storetest

import (
	"context"
	"errors"
	"fmt"
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
	"github.com/tinoosan/tokenledger/internal/id"
	"github.com/tinoosan/tokenledger/internal/ledger"
	"github.com/tinoosan/tokenledger/internal/meta"
	"github.com/tinoosan/tokenledger/internal/service/dataset"
	"github.com/tinoosan/tokenledger/internal/service/inference"
	"github.com/tinoosan/tokenledger/internal/service/report"
	"github.com/tinoosan/tokenledger/internal/service/tokens"
)

// Store is the method set the suite exercises.
type Store interface {
	tokens.Repo
	tokens.Writer
	dataset.Repo
	dataset.Writer
	inference.Repo
	inference.Writer
	report.Repo
	DeleteUser(ctx context.Context, userID uuid.UUID, at time.Time) error
	AllBalances(ctx context.Context) (map[uuid.UUID]decimal.Decimal, error)
}

// Clock is a settable time source for sweeps.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(t time.Time) *Clock { return &Clock{now: t} }

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Run executes every case against a fresh store from open.
func Run(t *testing.T, open func(t *testing.T) Store) {
	cases := []struct {
		name string
		fn   func(t *testing.T, s Store)
	}{
		{"Users", testUsers},
		{"RechargeThenReserveAndRefund", testRechargeReserveRefund},
		{"InsufficientBalance", testInsufficientBalance},
		{"ConcurrentReservationsNeverOverdraw", testConcurrentReservations},
		{"SettlementIsIdempotent", testSettlementIdempotent},
		{"ConcurrentSettlementSettlesOnce", testConcurrentSettlement},
		{"SweepAbortsStaleReservations", testSweep},
		{"DeletedUser", testDeletedUser},
		{"Datasets", testDatasets},
		{"TransactionListing", testTransactionListing},
		{"Inferences", testInferences},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.fn(t, open(t))
		})
	}
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newService(s Store, opts ...tokens.Option) tokens.Service {
	return tokens.New(s, s, append([]tokens.Option{tokens.WithLogger(quietLogger())}, opts...)...)
}

func amount(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.True(t, decimal.RequireFromString(want).Equal(got), "want %s, got %s", want, got)
}

func openAccount(t *testing.T, svc tokens.Service, opening string) ledger.User {
	t.Helper()
	u, err := svc.OpenAccount(context.Background(), fmt.Sprintf("%s@example.com", uuid.NewString()[:8]), false, decimal.RequireFromString(opening))
	require.NoError(t, err)
	return u
}

func reserve(svc tokens.Service, userID uuid.UUID, amt string) (tokens.Reservation, error) {
	return svc.Reserve(context.Background(), tokens.ReserveRequest{
		UserID:        userID,
		Amount:        decimal.RequireFromString(amt),
		OperationType: ledger.OperationInference,
		OperationID:   id.NewInference(),
	})
}

func assertReplays(t *testing.T, svc tokens.Service, userID uuid.UUID) {
	t.Helper()
	res, err := svc.Verify(context.Background(), userID)
	require.NoError(t, err)
	assert.True(t, res.Valid, "integrity problems: %v", res.Problems)
}

func testUsers(t *testing.T, s Store) {
	ctx := context.Background()
	u := ledger.User{ID: uuid.New(), Email: "Alice@Example.com", CreatedAt: time.Now().UTC()}
	created, err := s.CreateUser(ctx, u)
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", created.Email)
	assert.True(t, created.Balance.IsZero())

	_, err = s.CreateUser(ctx, ledger.User{ID: uuid.New(), Email: "ALICE@example.com", CreatedAt: time.Now().UTC()})
	assert.ErrorIs(t, err, errs.ErrConflict)

	byEmail, err := s.UserByEmail(ctx, "alice@EXAMPLE.com")
	require.NoError(t, err)
	assert.Equal(t, u.ID, byEmail.ID)

	_, err = s.UserByID(ctx, uuid.New())
	assert.ErrorIs(t, err, errs.ErrNotFound)

	found, err := s.UsersByIDs(ctx, []uuid.UUID{u.ID, uuid.New()})
	require.NoError(t, err)
	assert.Len(t, found, 1)
}

func testRechargeReserveRefund(t *testing.T, s Store) {
	ctx := context.Background()
	svc := newService(s)
	admin := openAccount(t, svc, "0")
	u := openAccount(t, svc, "0")

	rc, err := svc.Recharge(ctx, tokens.RechargeRequest{AdminID: admin.ID, TargetEmail: u.Email, Amount: decimal.RequireFromString("10")})
	require.NoError(t, err)
	amount(t, "10", rc.NewBalance)
	assert.Equal(t, ledger.OperationAdminRecharge, rc.Transaction.OperationType)
	assert.Equal(t, admin.ID.String(), rc.Transaction.Metadata[meta.KeyAdminID])
	stored, err := s.TransactionByID(ctx, rc.Transaction.ID)
	require.NoError(t, err)
	assert.Equal(t, rc.Transaction.Metadata, stored.Metadata, "metadata round-trips through the store")

	res, err := reserve(svc, u.ID, "2.75")
	require.NoError(t, err)
	amount(t, "7.25", res.BalanceAfter)

	bal, err := svc.Balance(ctx, u.ID)
	require.NoError(t, err)
	amount(t, "7.25", bal)

	ref, err := svc.Refund(ctx, res.ID)
	require.NoError(t, err)
	amount(t, "2.75", ref.TokensRefunded)
	amount(t, "10", ref.RestoredBalance)

	hist, err := svc.History(ctx, u.ID, 0)
	require.NoError(t, err)
	require.Len(t, hist, 3)
	// newest first: compensation, reservation, recharge
	assert.Equal(t, res.ID, hist[0].ReversalOf)
	assert.Equal(t, ledger.StatusCompleted, hist[0].Status)
	assert.Equal(t, res.ID, hist[1].ID)
	assert.Equal(t, ledger.StatusRefunded, hist[1].Status)
	assert.NotNil(t, hist[1].SettledAt)
	assert.Equal(t, hist[0].Seq, hist[1].Seq+1)
	assertReplays(t, svc, u.ID)
}

func testInsufficientBalance(t *testing.T, s Store) {
	ctx := context.Background()
	svc := newService(s)
	u := openAccount(t, svc, "5")

	_, err := reserve(svc, u.ID, "6")
	require.ErrorIs(t, err, errs.ErrInsufficientTokens)
	var ie *errs.InsufficientTokensError
	require.True(t, errors.As(err, &ie))
	amount(t, "6", ie.Required)
	amount(t, "5", ie.Current)
	amount(t, "1", ie.Shortfall)

	hist, err := svc.History(ctx, u.ID, 0)
	require.NoError(t, err)
	assert.Len(t, hist, 1, "failed reservation must not write a record")
	bal, err := svc.Balance(ctx, u.ID)
	require.NoError(t, err)
	amount(t, "5", bal)
}

func testConcurrentReservations(t *testing.T, s Store) {
	ctx := context.Background()
	svc := newService(s)
	u := openAccount(t, svc, "10")

	const workers = 25
	var wg sync.WaitGroup
	var mu sync.Mutex
	ok, short := 0, 0
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := reserve(svc, u.ID, "1")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, errs.ErrInsufficientTokens):
				short++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 10, ok)
	assert.Equal(t, workers-10, short)

	u2, err := s.UserByID(ctx, u.ID)
	require.NoError(t, err)
	amount(t, "0", u2.Balance)
	assertReplays(t, svc, u.ID)
}

func testSettlementIdempotent(t *testing.T, s Store) {
	ctx := context.Background()
	svc := newService(s)
	u := openAccount(t, svc, "20")

	a, err := reserve(svc, u.ID, "4")
	require.NoError(t, err)
	c1, err := svc.Confirm(ctx, a.ID)
	require.NoError(t, err)
	amount(t, "4", c1.TokensSpent)
	amount(t, "16", c1.RemainingBalance)
	c2, err := svc.Confirm(ctx, a.ID)
	require.NoError(t, err)
	amount(t, "4", c2.TokensSpent)
	_, err = svc.Refund(ctx, a.ID)
	assert.ErrorIs(t, err, errs.ErrTokenRefundFailed)

	b, err := reserve(svc, u.ID, "3")
	require.NoError(t, err)
	_, err = svc.Refund(ctx, b.ID)
	require.NoError(t, err)
	r2, err := svc.Refund(ctx, b.ID)
	require.NoError(t, err)
	amount(t, "3", r2.TokensRefunded)
	_, err = svc.Confirm(ctx, b.ID)
	assert.ErrorIs(t, err, errs.ErrTokenConfirmationFailed)

	_, err = svc.Confirm(ctx, id.NewTransaction())
	assert.ErrorIs(t, err, errs.ErrReservationNotFound)

	bal, err := svc.Balance(ctx, u.ID)
	require.NoError(t, err)
	amount(t, "16", bal)
	hist, err := svc.History(ctx, u.ID, 0)
	require.NoError(t, err)
	assert.Len(t, hist, 4, "opening, two reservations and one refund credit")
	assertReplays(t, svc, u.ID)
}

// testConcurrentSettlement races confirms against refunds on one reservation.
// Exactly one kind may win and the ledger must reflect only that outcome.
func testConcurrentSettlement(t *testing.T, s Store) {
	ctx := context.Background()
	svc := newService(s)
	const workers = 20
	for round := 0; round < 5; round++ {
		u := openAccount(t, svc, "10")
		res, err := reserve(svc, u.ID, "5")
		require.NoError(t, err)

		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			confirmed int
			refunded  int
		)
		start := make(chan struct{})
		for i := 0; i < workers; i++ {
			wg.Add(2)
			go func() {
				defer wg.Done()
				<-start
				if _, err := svc.Confirm(ctx, res.ID); err == nil {
					mu.Lock()
					confirmed++
					mu.Unlock()
				}
			}()
			go func() {
				defer wg.Done()
				<-start
				if _, err := svc.Refund(ctx, res.ID); err == nil {
					mu.Lock()
					refunded++
					mu.Unlock()
				}
			}()
		}
		close(start)
		wg.Wait()

		require.True(t, (confirmed == 0) != (refunded == 0), "confirmed=%d refunded=%d", confirmed, refunded)
		hist, err := svc.History(ctx, u.ID, 0)
		require.NoError(t, err)
		compensations := 0
		for _, txn := range hist {
			if txn.ReversalOf == res.ID {
				compensations++
			}
		}
		bal, err := svc.Balance(ctx, u.ID)
		require.NoError(t, err)
		if confirmed > 0 {
			assert.Equal(t, workers, confirmed)
			amount(t, "5", bal)
			assert.Zero(t, compensations)
			assert.Len(t, hist, 2)
		} else {
			assert.Equal(t, workers, refunded)
			amount(t, "10", bal)
			assert.Equal(t, 1, compensations)
			assert.Len(t, hist, 3)
		}
		assertReplays(t, svc, u.ID)
	}
}

func testSweep(t *testing.T, s Store) {
	ctx := context.Background()
	clock := NewClock(time.Now().UTC().Truncate(time.Second))
	svc := newService(s, tokens.WithClock(clock.Now))
	u := openAccount(t, svc, "10")

	old, err := reserve(svc, u.ID, "4")
	require.NoError(t, err)
	clock.Advance(2 * time.Hour)
	fresh, err := reserve(svc, u.ID, "1")
	require.NoError(t, err)

	rep, err := svc.SweepStale(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, []string{old.ID}, rep.Aborted)
	amount(t, "4", rep.TokensReleased)

	got, err := s.TransactionByID(ctx, old.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusAborted, got.Status)
	got, err = s.TransactionByID(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPending, got.Status)

	again, err := svc.SweepStale(ctx, time.Hour)
	require.NoError(t, err)
	assert.Empty(t, again.Aborted)

	bal, err := svc.Balance(ctx, u.ID)
	require.NoError(t, err)
	amount(t, "9", bal)
	assertReplays(t, svc, u.ID)
}

func testDeletedUser(t *testing.T, s Store) {
	ctx := context.Background()
	svc := newService(s)
	u := openAccount(t, svc, "3")
	require.NoError(t, s.DeleteUser(ctx, u.ID, time.Now()))
	assert.ErrorIs(t, s.DeleteUser(ctx, u.ID, time.Now()), errs.ErrNotFound)

	_, err := reserve(svc, u.ID, "1")
	assert.ErrorIs(t, err, errs.ErrUserNotFound)
	_, err = s.UserByEmail(ctx, u.Email)
	assert.ErrorIs(t, err, errs.ErrNotFound)

	got, err := s.UserByID(ctx, u.ID)
	require.NoError(t, err)
	assert.False(t, got.Exists())
	bals, err := s.AllBalances(ctx)
	require.NoError(t, err)
	assert.NotContains(t, bals, u.ID)
}

func testDatasets(t *testing.T, s Store) {
	ctx := context.Background()
	svc := newService(s)
	owner := openAccount(t, svc, "0")
	gone := openAccount(t, svc, "0")

	mk := func(userID uuid.UUID, name, typ string, pairs int) ledger.Dataset {
		content := ledger.DatasetContent{Type: typ}
		for i := 0; i < pairs; i++ {
			content.Pairs = append(content.Pairs, ledger.Pair{ImagePath: fmt.Sprintf("img/%d.png", i), MaskPath: fmt.Sprintf("mask/%d.png", i)})
		}
		d, err := s.CreateDataset(ctx, ledger.Dataset{
			ID:        id.NewDataset(),
			UserID:    userID,
			Name:      name,
			Content:   content,
			Cost:      decimal.NewFromInt(int64(pairs)),
			CreatedAt: time.Now().UTC(),
		})
		require.NoError(t, err)
		return d
	}
	a := mk(owner.ID, "Cats", ledger.DatasetTypeImages, 2)
	b := mk(owner.ID, "Dogs", ledger.DatasetTypeVideoFrames, 3)
	c := mk(gone.ID, "cat videos", ledger.DatasetTypeImages, 1)
	require.NoError(t, s.DeleteUser(ctx, gone.ID, time.Now()))

	got, err := s.DatasetByID(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, b.Content, got.Content)
	assert.Equal(t, ledger.DatasetTypeVideoFrames, got.Type())

	require.NoError(t, s.SoftDeleteDataset(ctx, a.ID, time.Now()))
	assert.ErrorIs(t, s.SoftDeleteDataset(ctx, a.ID, time.Now()), errs.ErrNotFound)
	mine, err := s.DatasetsByUser(ctx, owner.ID)
	require.NoError(t, err)
	require.Len(t, mine, 2)
	assert.Equal(t, b.ID, mine[0].ID)

	rows, total, err := s.ListDatasets(ctx, report.DatasetFilter{Name: "CAT", IncludeDeleted: true})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, rows, 2)
	assert.Equal(t, c.ID, rows[0].ID)

	rows, total, err = s.ListDatasets(ctx, report.DatasetFilter{Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, rows, 1)
	assert.Equal(t, c.ID, rows[0].ID)

	page, err := report.New(s).Datasets(ctx, report.DatasetQuery{IncludeDeleted: true, Page: 1, Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 3, page.Pagination.TotalItems)
	assert.Equal(t, 1, page.Summary.Orphaned)
	assert.Equal(t, 1, page.Summary.Deleted)
	assert.Equal(t, 6, page.Summary.TotalItems)
	for _, r := range page.Rows {
		assert.Equal(t, r.ID == c.ID, r.Orphaned, r.ID)
	}
}

func testTransactionListing(t *testing.T, s Store) {
	ctx := context.Background()
	svc := newService(s)
	u := openAccount(t, svc, "10")
	other := openAccount(t, svc, "5")

	for i := 0; i < 3; i++ {
		_, err := reserve(svc, u.ID, "1")
		require.NoError(t, err)
	}
	rows, total, err := s.ListTransactions(ctx, report.TransactionFilter{UserID: &u.ID, Status: ledger.StatusPending, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Len(t, rows, 2)
	assert.True(t, rows[0].Seq > rows[1].Seq, "newest first")

	rows, total, err = s.ListTransactions(ctx, report.TransactionFilter{OperationType: ledger.OperationAdminRecharge})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, rows, 2)
	assert.Equal(t, other.ID, rows[0].UserID)

	rows, _, err = s.ListTransactions(ctx, report.TransactionFilter{Offset: 50, Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, rows)

	limited, err := s.TransactionsByUser(ctx, u.ID, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func testInferences(t *testing.T, s Store) {
	ctx := context.Background()
	svc := newService(s)
	u := openAccount(t, svc, "0")
	ds, err := s.CreateDataset(ctx, ledger.Dataset{
		ID:        id.NewDataset(),
		UserID:    u.ID,
		Name:      "frames",
		Content:   ledger.DatasetContent{Type: ledger.DatasetTypeImages, Pairs: []ledger.Pair{{ImagePath: "a.png", MaskPath: "a.mask.png"}}},
		CreatedAt: time.Now().UTC(),
	})
	require.NoError(t, err)

	inf, err := s.CreateInference(ctx, ledger.Inference{
		ID:        id.NewInference(),
		UserID:    u.ID,
		DatasetID: ds.ID,
		Status:    ledger.InferencePending,
		Cost:      decimal.RequireFromString("2.75"),
		CreatedAt: time.Now().UTC(),
	})
	require.NoError(t, err)

	done := time.Now().UTC()
	inf.Status = ledger.InferenceCompleted
	inf.Images = []ledger.ProcessedImage{{OriginalPath: "a.png", OutputPath: "out/a.png"}}
	inf.CompletedAt = &done
	_, err = s.UpdateInference(ctx, inf)
	require.NoError(t, err)

	got, err := s.InferenceByID(ctx, inf.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.InferenceCompleted, got.Status)
	assert.Equal(t, inf.Images, got.Images)
	amount(t, "2.75", got.Cost)

	require.NoError(t, s.DeleteInference(ctx, inf.ID))
	_, err = s.InferenceByID(ctx, inf.ID)
	assert.ErrorIs(t, err, errs.ErrNotFound)
	assert.ErrorIs(t, s.DeleteInference(ctx, inf.ID), errs.ErrNotFound)
}
