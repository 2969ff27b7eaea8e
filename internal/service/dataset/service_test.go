package dataset_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinoosan/tokenledger/internal/errs"
	"github.com/tinoosan/tokenledger/internal/ledger"
	"github.com/tinoosan/tokenledger/internal/service/dataset"
	"github.com/tinoosan/tokenledger/internal/service/tokens"
	"github.com/tinoosan/tokenledger/internal/storage/memory"
)

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type fixture struct {
	store *memory.Store
	tok   tokens.Service
	svc   dataset.Service
	user  ledger.User
}

func setup(t *testing.T, balance string) fixture {
	t.Helper()
	st := memory.New()
	tok := tokens.New(st, st, tokens.WithLogger(testLogger()))
	u, err := tok.OpenAccount(context.Background(), "owner@example.com", false, decimal.RequireFromString(balance))
	require.NoError(t, err)
	return fixture{store: st, tok: tok, svc: dataset.New(st, st, tok, testLogger()), user: u}
}

func pairs(n int) []ledger.Pair {
	out := make([]ledger.Pair, n)
	for i := range out {
		out[i] = ledger.Pair{ImagePath: "img.png", MaskPath: "mask.png"}
	}
	return out
}

func TestUploadChargesAndStores(t *testing.T) {
	f := setup(t, "10")
	ctx := context.Background()
	up, err := f.svc.Upload(ctx, dataset.UploadRequest{
		UserID:  f.user.ID,
		Name:    " street scenes ",
		Content: ledger.DatasetContent{Pairs: pairs(2)},
	})
	require.NoError(t, err)
	assert.Equal(t, "street scenes", up.Dataset.Name)
	assert.Equal(t, ledger.DatasetTypeImages, up.Dataset.Content.Type)
	assert.True(t, up.Cost.Total.Equal(decimal.RequireFromString("5.5")))
	assert.True(t, up.Confirmation.RemainingBalance.Equal(decimal.RequireFromString("4.5")))
	assert.NotEmpty(t, up.Dataset.ReservationID)

	res, err := f.store.TransactionByID(ctx, up.Dataset.ReservationID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCompleted, res.Status)
	assert.Equal(t, ledger.OperationDatasetUpload, res.OperationType)
	assert.Equal(t, up.Dataset.ID, res.OperationID)

	got, err := f.svc.Get(ctx, f.user.ID, up.Dataset.ID)
	require.NoError(t, err)
	assert.Equal(t, up.Dataset.ID, got.ID)
	_, err = f.svc.Get(ctx, uuid.New(), up.Dataset.ID)
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestUploadInsufficientBalanceStoresNothing(t *testing.T) {
	f := setup(t, "2")
	_, err := f.svc.Upload(context.Background(), dataset.UploadRequest{
		UserID:  f.user.ID,
		Name:    "big",
		Content: ledger.DatasetContent{Pairs: pairs(1)},
	})
	var ie *errs.InsufficientTokensError
	require.True(t, errors.As(err, &ie))
	assert.True(t, ie.Shortfall.Equal(decimal.RequireFromString("0.75")))

	list, err := f.svc.List(context.Background(), f.user.ID)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestUploadValidation(t *testing.T) {
	f := setup(t, "10")
	long := make([]byte, 129)
	for i := range long {
		long[i] = 'a'
	}
	tests := []struct {
		name string
		req  dataset.UploadRequest
		want error
	}{
		{"no name", dataset.UploadRequest{UserID: f.user.ID, Content: ledger.DatasetContent{Pairs: pairs(1)}}, errs.ErrInvalid},
		{"long name", dataset.UploadRequest{UserID: f.user.ID, Name: string(long), Content: ledger.DatasetContent{Pairs: pairs(1)}}, errs.ErrInvalid},
		{"bad type", dataset.UploadRequest{UserID: f.user.ID, Name: "x", Content: ledger.DatasetContent{Type: "audio", Pairs: pairs(1)}}, errs.ErrInvalid},
		{"missing mask", dataset.UploadRequest{UserID: f.user.ID, Name: "x", Content: ledger.DatasetContent{Pairs: []ledger.Pair{{ImagePath: "a.png"}}}}, errs.ErrInvalid},
		{"empty", dataset.UploadRequest{UserID: f.user.ID, Name: "x"}, errs.ErrEmptyOperation},
		{"unknown user", dataset.UploadRequest{UserID: uuid.New(), Name: "x", Content: ledger.DatasetContent{Pairs: pairs(1)}}, errs.ErrUserNotFound},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.Upload(context.Background(), tc.req)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

// failingWriter rejects every dataset write.
type failingWriter struct{}

func (failingWriter) CreateDataset(context.Context, ledger.Dataset) (ledger.Dataset, error) {
	return ledger.Dataset{}, errors.New("disk full")
}

func (failingWriter) SoftDeleteDataset(context.Context, string, time.Time) error { return nil }

func TestUploadRefundsWhenStoreFails(t *testing.T) {
	f := setup(t, "10")
	svc := dataset.New(f.store, failingWriter{}, f.tok, testLogger())
	_, err := svc.Upload(context.Background(), dataset.UploadRequest{
		UserID:  f.user.ID,
		Name:    "doomed",
		Content: ledger.DatasetContent{Pairs: pairs(3)},
	})
	assert.ErrorIs(t, err, errs.ErrStorage)

	bal, err := f.tok.Balance(context.Background(), f.user.ID)
	require.NoError(t, err)
	assert.True(t, bal.Equal(decimal.RequireFromString("10")))
	hist, err := f.tok.History(context.Background(), f.user.ID, 0)
	require.NoError(t, err)
	require.Len(t, hist, 3)
	assert.Equal(t, ledger.StatusRefunded, hist[1].Status)
}

func TestDeleteIsSoftAndKeepsCharge(t *testing.T) {
	f := setup(t, "10")
	ctx := context.Background()
	up, err := f.svc.Upload(ctx, dataset.UploadRequest{UserID: f.user.ID, Name: "tmp", Content: ledger.DatasetContent{Pairs: pairs(1)}})
	require.NoError(t, err)

	require.NoError(t, f.svc.Delete(ctx, f.user.ID, up.Dataset.ID))
	assert.ErrorIs(t, f.svc.Delete(ctx, f.user.ID, up.Dataset.ID), errs.ErrNotFound)
	_, err = f.svc.Get(ctx, f.user.ID, up.Dataset.ID)
	assert.ErrorIs(t, err, errs.ErrNotFound)
	list, err := f.svc.List(ctx, f.user.ID)
	require.NoError(t, err)
	assert.Empty(t, list)

	bal, err := f.tok.Balance(ctx, f.user.ID)
	require.NoError(t, err)
	assert.True(t, bal.Equal(decimal.RequireFromString("7.25")))
}
