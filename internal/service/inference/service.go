// Package inference runs processing jobs over stored datasets and bills them
// through the token ledger.
package inference

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tinoosan/tokenledger/internal/errs"
	"github.com/tinoosan/tokenledger/internal/id"
	"github.com/tinoosan/tokenledger/internal/ledger"
	"github.com/tinoosan/tokenledger/internal/meta"
	"github.com/tinoosan/tokenledger/internal/pricing"
	"github.com/tinoosan/tokenledger/internal/service/tokens"
)

// Repo defines read operations needed by the service.
type Repo interface {
	DatasetByID(ctx context.Context, datasetID string) (ledger.Dataset, error)
	InferenceByID(ctx context.Context, inferenceID string) (ledger.Inference, error)
}

// Writer defines write operations needed by the service.
type Writer interface {
	CreateInference(ctx context.Context, inf ledger.Inference) (ledger.Inference, error)
	UpdateInference(ctx context.Context, inf ledger.Inference) (ledger.Inference, error)
	DeleteInference(ctx context.Context, inferenceID string) error
}

// Processor dispatches a dataset to the external processing job and waits for its outputs.
type Processor interface {
	Process(ctx context.Context, userID uuid.UUID, content ledger.DatasetContent) ([]ledger.ProcessedImage, []ledger.ProcessedVideo, error)
}

type CreateRequest struct {
	UserID    uuid.UUID
	DatasetID string
}

type Service interface {
	Create(ctx context.Context, req CreateRequest) (ledger.Inference, error)
	Get(ctx context.Context, userID uuid.UUID, inferenceID string) (ledger.Inference, error)
}

type service struct {
	repo    Repo
	writer  Writer
	tokens  tokens.Service
	proc    Processor
	timeout time.Duration
	log     *slog.Logger
}

// New constructs the service. timeout bounds each processing job; zero means no bound.
func New(repo Repo, writer Writer, tok tokens.Service, proc Processor, timeout time.Duration, logger *slog.Logger) Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &service{repo: repo, writer: writer, tokens: tok, proc: proc, timeout: timeout, log: logger}
}

// Create reserves the inference cost, records the job, runs it and settles
// the reservation. A failed job is refunded and its record removed.
func (s *service) Create(ctx context.Context, req CreateRequest) (ledger.Inference, error) {
	if req.UserID == uuid.Nil || req.DatasetID == "" {
		return ledger.Inference{}, fmt.Errorf("%w: user_id and dataset_id required", errs.ErrInvalid)
	}
	ds, err := s.repo.DatasetByID(ctx, req.DatasetID)
	if err != nil {
		return ledger.Inference{}, errs.Storage("get dataset", err)
	}
	if ds.UserID != req.UserID || ds.DeletedAt != nil {
		return ledger.Inference{}, fmt.Errorf("%w: dataset %s", errs.ErrNotFound, req.DatasetID)
	}
	cost := pricing.InferenceCost(ds.Content)
	if !cost.Total.IsPositive() {
		return ledger.Inference{}, fmt.Errorf("%w: dataset has no billable items", errs.ErrEmptyOperation)
	}

	inf := ledger.Inference{
		ID:        id.NewInference(),
		UserID:    req.UserID,
		DatasetID: ds.ID,
		Status:    ledger.InferencePending,
		Cost:      cost.Total,
	}
	_, err = s.tokens.WithReservation(ctx, tokens.ReserveRequest{
		UserID:        req.UserID,
		Amount:        cost.Total,
		OperationType: ledger.OperationInference,
		OperationID:   inf.ID,
		Description:   fmt.Sprintf("inference on dataset %s", ds.Name),
		Metadata:      meta.Metadata{meta.KeyDatasetID: ds.ID, meta.KeyDatasetName: ds.Name},
	}, func(ctx context.Context, res tokens.Reservation) error {
		inf.ReservationID = res.ID
		inf.CreatedAt = time.Now().UTC()
		created, err := s.writer.CreateInference(ctx, inf)
		if err != nil {
			return errs.Storage("create inference", err)
		}
		inf = created

		images, videos, err := s.run(ctx, req.UserID, ds.Content)
		if err != nil {
			s.cleanup(ctx, inf.ID)
			return err
		}
		done := time.Now().UTC()
		inf.Status = ledger.InferenceCompleted
		inf.Images = images
		inf.Videos = videos
		inf.CompletedAt = &done
		updated, err := s.writer.UpdateInference(ctx, inf)
		if err != nil {
			s.cleanup(ctx, inf.ID)
			return errs.Storage("update inference", err)
		}
		inf = updated
		return nil
	})
	if err != nil {
		s.log.Warn("inference failed", "user_id", req.UserID, "dataset_id", ds.ID, "inference_id", inf.ID, "err", err)
		return ledger.Inference{}, err
	}
	s.log.Info("inference completed", "user_id", req.UserID, "inference_id", inf.ID, "cost", cost.Display())
	return inf, nil
}

func (s *service) run(ctx context.Context, userID uuid.UUID, content ledger.DatasetContent) ([]ledger.ProcessedImage, []ledger.ProcessedVideo, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	return s.proc.Process(ctx, userID, content)
}

func (s *service) cleanup(ctx context.Context, inferenceID string) {
	if err := s.writer.DeleteInference(context.WithoutCancel(ctx), inferenceID); err != nil {
		s.log.Error("failed to remove inference record", "inference_id", inferenceID, "err", err)
	}
}

func (s *service) Get(ctx context.Context, userID uuid.UUID, inferenceID string) (ledger.Inference, error) {
	inf, err := s.repo.InferenceByID(ctx, inferenceID)
	if err != nil {
		return ledger.Inference{}, errs.Storage("get inference", err)
	}
	if inf.UserID != userID {
		return ledger.Inference{}, errs.ErrNotFound
	}
	return inf, nil
}
