// Package dataset stores image/mask datasets and bills their upload through
// the token ledger.
package dataset

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tinoosan/tokenledger/internal/errs"
	"github.com/tinoosan/tokenledger/internal/id"
	"github.com/tinoosan/tokenledger/internal/ledger"
	"github.com/tinoosan/tokenledger/internal/meta"
	"github.com/tinoosan/tokenledger/internal/pricing"
	"github.com/tinoosan/tokenledger/internal/service/tokens"
)

const maxNameLen = 128

// Repo defines read operations needed by the service.
type Repo interface {
	DatasetByID(ctx context.Context, datasetID string) (ledger.Dataset, error)
	DatasetsByUser(ctx context.Context, userID uuid.UUID) ([]ledger.Dataset, error)
}

// Writer defines write operations needed by the service.
type Writer interface {
	CreateDataset(ctx context.Context, d ledger.Dataset) (ledger.Dataset, error)
	SoftDeleteDataset(ctx context.Context, datasetID string, at time.Time) error
}

// UploadRequest carries a new dataset.
type UploadRequest struct {
	UserID  uuid.UUID
	Name    string
	Content ledger.DatasetContent
}

// Upload is the stored dataset with what it cost.
type Upload struct {
	Dataset      ledger.Dataset      `json:"dataset"`
	Cost         pricing.Breakdown   `json:"cost"`
	Confirmation tokens.Confirmation `json:"confirmation"`
}

type Service interface {
	Upload(ctx context.Context, req UploadRequest) (Upload, error)
	Get(ctx context.Context, userID uuid.UUID, datasetID string) (ledger.Dataset, error)
	List(ctx context.Context, userID uuid.UUID) ([]ledger.Dataset, error)
	Delete(ctx context.Context, userID uuid.UUID, datasetID string) error
}

type service struct {
	repo   Repo
	writer Writer
	tokens tokens.Service
	log    *slog.Logger
}

func New(repo Repo, writer Writer, tok tokens.Service, logger *slog.Logger) Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &service{repo: repo, writer: writer, tokens: tok, log: logger}
}

// Validate checks the request shape before anything is priced.
func Validate(req UploadRequest) error {
	if req.UserID == uuid.Nil {
		return fmt.Errorf("%w: user_id required", errs.ErrInvalid)
	}
	name := strings.TrimSpace(req.Name)
	if name == "" || len(name) > maxNameLen {
		return fmt.Errorf("%w: name must be 1-%d characters", errs.ErrInvalid, maxNameLen)
	}
	switch req.Content.Type {
	case "", ledger.DatasetTypeImages, ledger.DatasetTypeVideoFrames:
	default:
		return fmt.Errorf("%w: unknown dataset type %q", errs.ErrInvalid, req.Content.Type)
	}
	for i, p := range req.Content.Pairs {
		if strings.TrimSpace(p.ImagePath) == "" || strings.TrimSpace(p.MaskPath) == "" {
			return fmt.Errorf("%w: pairs[%d]: imagePath and maskPath required", errs.ErrInvalid, i)
		}
	}
	return nil
}

func (s *service) Upload(ctx context.Context, req UploadRequest) (Upload, error) {
	if err := Validate(req); err != nil {
		return Upload{}, err
	}
	cost := pricing.DatasetUploadCost(req.Content)
	if !cost.Total.IsPositive() {
		return Upload{}, fmt.Errorf("%w: dataset has no billable items", errs.ErrEmptyOperation)
	}

	ds := ledger.Dataset{
		ID:      id.NewDataset(),
		UserID:  req.UserID,
		Name:    strings.TrimSpace(req.Name),
		Content: req.Content,
		Cost:    cost.Total,
	}
	if ds.Content.Type == "" {
		ds.Content.Type = ledger.DatasetTypeImages
	}
	conf, err := s.tokens.WithReservation(ctx, tokens.ReserveRequest{
		UserID:        req.UserID,
		Amount:        cost.Total,
		OperationType: ledger.OperationDatasetUpload,
		OperationID:   ds.ID,
		Description:   fmt.Sprintf("dataset upload: %s", ds.Name),
		Metadata: meta.Metadata{
			meta.KeyDatasetName: ds.Name,
			meta.KeyItemCount:   strconv.Itoa(cost.Items()),
		},
	}, func(ctx context.Context, res tokens.Reservation) error {
		ds.ReservationID = res.ID
		ds.CreatedAt = time.Now().UTC()
		created, err := s.writer.CreateDataset(ctx, ds)
		if err != nil {
			return errs.Storage("create dataset", err)
		}
		ds = created
		return nil
	})
	if err != nil {
		s.log.Warn("dataset upload failed", "user_id", req.UserID, "dataset_id", ds.ID, "err", err)
		return Upload{}, err
	}
	s.log.Info("dataset uploaded", "user_id", req.UserID, "dataset_id", ds.ID, "cost", cost.Display())
	return Upload{Dataset: ds, Cost: cost, Confirmation: conf}, nil
}

func (s *service) Get(ctx context.Context, userID uuid.UUID, datasetID string) (ledger.Dataset, error) {
	d, err := s.repo.DatasetByID(ctx, datasetID)
	if err != nil {
		return ledger.Dataset{}, errs.Storage("get dataset", err)
	}
	if d.UserID != userID || d.DeletedAt != nil {
		return ledger.Dataset{}, errs.ErrNotFound
	}
	return d, nil
}

func (s *service) List(ctx context.Context, userID uuid.UUID) ([]ledger.Dataset, error) {
	all, err := s.repo.DatasetsByUser(ctx, userID)
	if err != nil {
		return nil, errs.Storage("list datasets", err)
	}
	out := make([]ledger.Dataset, 0, len(all))
	for _, d := range all {
		if d.DeletedAt == nil {
			out = append(out, d)
		}
	}
	return out, nil
}

// Delete soft-deletes a dataset. Upload tokens are not returned.
func (s *service) Delete(ctx context.Context, userID uuid.UUID, datasetID string) error {
	if _, err := s.Get(ctx, userID, datasetID); err != nil {
		return err
	}
	err := s.writer.SoftDeleteDataset(ctx, datasetID, time.Now().UTC())
	if errors.Is(err, errs.ErrNotFound) {
		return err
	}
	return errs.Storage("delete dataset", err)
}
