package inference_test

import (
	"context"
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
	"github.com/tinoosan/tokenledger/internal/service/inference"
	"github.com/tinoosan/tokenledger/internal/service/tokens"
	"github.com/tinoosan/tokenledger/internal/storage/memory"
)

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// fakeProcessor returns canned outputs or err. A nil outputs with block set
// waits for ctx.
type fakeProcessor struct {
	err   error
	block bool
	calls int
	seen  ledger.DatasetContent
}

func (p *fakeProcessor) Process(ctx context.Context, _ uuid.UUID, content ledger.DatasetContent) ([]ledger.ProcessedImage, []ledger.ProcessedVideo, error) {
	p.calls++
	p.seen = content
	if p.block {
		<-ctx.Done()
		return nil, nil, ctx.Err()
	}
	if p.err != nil {
		return nil, nil, p.err
	}
	var images []ledger.ProcessedImage
	for _, pr := range content.Pairs {
		images = append(images, ledger.ProcessedImage{OriginalPath: pr.ImagePath, OutputPath: "out/" + pr.ImagePath})
	}
	return images, []ledger.ProcessedVideo{}, nil
}

type fixture struct {
	store *memory.Store
	tok   tokens.Service
	user  ledger.User
	ds    ledger.Dataset
}

func setup(t *testing.T, balance string) fixture {
	t.Helper()
	ctx := context.Background()
	st := memory.New()
	tok := tokens.New(st, st, tokens.WithLogger(testLogger()))
	u, err := tok.OpenAccount(ctx, "infer@example.com", false, decimal.RequireFromString(balance))
	require.NoError(t, err)
	up, err := dataset.New(st, st, tok, testLogger()).Upload(ctx, dataset.UploadRequest{
		UserID: u.ID,
		Name:   "pairs",
		Content: ledger.DatasetContent{Pairs: []ledger.Pair{
			{ImagePath: "a.png", MaskPath: "a_mask.png"},
			{ImagePath: "b.png", MaskPath: "b_mask.png"},
		}},
	})
	require.NoError(t, err)
	return fixture{store: st, tok: tok, user: u, ds: up.Dataset}
}

func (f fixture) service(p inference.Processor, timeout time.Duration) inference.Service {
	return inference.New(f.store, f.store, f.tok, p, timeout, testLogger())
}

func (f fixture) balance(t *testing.T) decimal.Decimal {
	t.Helper()
	b, err := f.tok.Balance(context.Background(), f.user.ID)
	require.NoError(t, err)
	return b
}

func TestCreateCompletes(t *testing.T) {
	f := setup(t, "20")
	proc := &fakeProcessor{}
	svc := f.service(proc, time.Second)

	inf, err := svc.Create(context.Background(), inference.CreateRequest{UserID: f.user.ID, DatasetID: f.ds.ID})
	require.NoError(t, err)
	assert.Equal(t, ledger.InferenceCompleted, inf.Status)
	assert.Len(t, inf.Images, 2)
	assert.NotNil(t, inf.CompletedAt)
	assert.True(t, inf.Cost.Equal(decimal.RequireFromString("5.5")))
	assert.Equal(t, f.ds.Content, proc.seen)
	// 20 - 5.5 upload - 5.5 inference
	assert.True(t, f.balance(t).Equal(decimal.RequireFromString("9")))

	got, err := svc.Get(context.Background(), f.user.ID, inf.ID)
	require.NoError(t, err)
	assert.Equal(t, inf.ID, got.ID)
	_, err = svc.Get(context.Background(), uuid.New(), inf.ID)
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestCreateFailureRefundsAndRemovesRecord(t *testing.T) {
	f := setup(t, "20")
	proc := &fakeProcessor{err: errs.ErrJobDispatch}
	svc := f.service(proc, time.Second)

	_, err := svc.Create(context.Background(), inference.CreateRequest{UserID: f.user.ID, DatasetID: f.ds.ID})
	assert.ErrorIs(t, err, errs.ErrJobDispatch)
	assert.True(t, f.balance(t).Equal(decimal.RequireFromString("14.5")))

	hist, err := f.tok.History(context.Background(), f.user.ID, 2)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, ledger.StatusRefunded, hist[1].Status)
	_, err = f.store.InferenceByID(context.Background(), hist[1].OperationID)
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestCreateTimeoutRefunds(t *testing.T) {
	f := setup(t, "20")
	svc := f.service(&fakeProcessor{block: true}, 20*time.Millisecond)
	_, err := svc.Create(context.Background(), inference.CreateRequest{UserID: f.user.ID, DatasetID: f.ds.ID})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, f.balance(t).Equal(decimal.RequireFromString("14.5")))
}

func TestCreateInsufficientSkipsProcessor(t *testing.T) {
	f := setup(t, "6")
	proc := &fakeProcessor{}
	_, err := f.service(proc, 0).Create(context.Background(), inference.CreateRequest{UserID: f.user.ID, DatasetID: f.ds.ID})
	assert.ErrorIs(t, err, errs.ErrInsufficientTokens)
	assert.Zero(t, proc.calls)
}

func TestCreateRejectsForeignOrDeletedDataset(t *testing.T) {
	f := setup(t, "20")
	svc := f.service(&fakeProcessor{}, 0)
	ctx := context.Background()

	_, err := svc.Create(ctx, inference.CreateRequest{UserID: uuid.New(), DatasetID: f.ds.ID})
	assert.ErrorIs(t, err, errs.ErrNotFound)
	_, err = svc.Create(ctx, inference.CreateRequest{UserID: f.user.ID, DatasetID: "ds_missing"})
	assert.ErrorIs(t, err, errs.ErrNotFound)
	_, err = svc.Create(ctx, inference.CreateRequest{UserID: f.user.ID})
	assert.ErrorIs(t, err, errs.ErrInvalid)

	require.NoError(t, f.store.SoftDeleteDataset(ctx, f.ds.ID, time.Now()))
	_, err = svc.Create(ctx, inference.CreateRequest{UserID: f.user.ID, DatasetID: f.ds.ID})
	assert.ErrorIs(t, err, errs.ErrNotFound)
}
