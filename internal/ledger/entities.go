package ledger

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tinoosan/tokenledger/internal/meta"
)

// OperationType enumerates the billable operations that move tokens.
type OperationType string

const (
	// OperationDatasetUpload charges for storing a dataset.
	OperationDatasetUpload OperationType = "dataset_upload"
	// OperationInference charges for running a processing job over a dataset.
	OperationInference OperationType = "inference"
	// OperationAdminRecharge credits a user's balance on an admin's request.
	OperationAdminRecharge OperationType = "admin_recharge"
)

// OperationTypes lists every operation type in a stable order.
var OperationTypes = []OperationType{OperationDatasetUpload, OperationInference, OperationAdminRecharge}

// Valid reports whether t is a known operation type.
func (t OperationType) Valid() bool {
	switch t {
	case OperationDatasetUpload, OperationInference, OperationAdminRecharge:
		return true
	}
	return false
}

// Status is the lifecycle state of a transaction record.
// Only pending may transition, and only once.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusRefunded  Status = "refunded"
	StatusAborted   Status = "aborted"
)

// Statuses lists every status in a stable order.
var Statuses = []Status{StatusPending, StatusCompleted, StatusRefunded, StatusAborted}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusCompleted, StatusRefunded, StatusAborted:
		return true
	}
	return false
}

// Cancelled reports whether s undid a reservation.
func (s Status) Cancelled() bool { return s == StatusRefunded || s == StatusAborted }

// User is the owner of a token balance.
type User struct {
	ID        uuid.UUID       `json:"id"`
	Email     string          `json:"email"`
	IsAdmin   bool            `json:"is_admin"`
	Balance   decimal.Decimal `json:"balance"`
	CreatedAt time.Time       `json:"created_at"`
	DeletedAt *time.Time      `json:"deleted_at,omitempty"`
}

// Exists reports whether the user has not been deleted.
func (u User) Exists() bool { return u.ID != uuid.Nil && u.DeletedAt == nil }

// Transaction is one immutable line of the token ledger. Status is the only
// field that changes after the record is written.
type Transaction struct {
	ID     string    `json:"id"`
	UserID uuid.UUID `json:"user_id"`
	// Seq orders a user's records by write; the store assigns it.
	Seq           int64           `json:"seq"`
	OperationType OperationType   `json:"operation_type"`
	OperationID   string          `json:"operation_id"`
	Amount        decimal.Decimal `json:"amount"`
	BalanceBefore decimal.Decimal `json:"balance_before"`
	BalanceAfter  decimal.Decimal `json:"balance_after"`
	Status        Status          `json:"status"`
	Description   string          `json:"description"`
	Metadata      meta.Metadata   `json:"metadata,omitempty"`
	// ReversalOf links a compensating credit to the reservation it cancels.
	ReversalOf string     `json:"reversal_of,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	SettledAt  *time.Time `json:"settled_at,omitempty"`
}

// IsReservation reports whether the record debited tokens ahead of an operation.
func (t Transaction) IsReservation() bool { return t.Amount.IsNegative() && t.ReversalOf == "" }

// Reserved returns the absolute number of tokens held by a reservation.
func (t Transaction) Reserved() decimal.Decimal { return t.Amount.Abs() }

// Dataset types.
const (
	DatasetTypeImages      = "images"
	DatasetTypeVideoFrames = "video-frames"
)

// Pair is one image/mask item. UploadIndex groups frames uploaded together.
type Pair struct {
	ImagePath   string `json:"imagePath"`
	MaskPath    string `json:"maskPath"`
	UploadIndex *int   `json:"uploadIndex,omitempty"`
	FrameIndex  *int   `json:"frameIndex,omitempty"`
}

// DatasetContent is the payload priced by the cost calculator and forwarded
// to the processing job.
type DatasetContent struct {
	Type  string `json:"type,omitempty"`
	Pairs []Pair `json:"pairs"`
}

// Dataset is a stored collection of image/mask pairs owned by a user.
type Dataset struct {
	ID            string          `json:"id"`
	UserID        uuid.UUID       `json:"user_id"`
	Name          string          `json:"name"`
	Content       DatasetContent  `json:"content"`
	ReservationID string          `json:"reservation_id"`
	Cost          decimal.Decimal `json:"cost"`
	CreatedAt     time.Time       `json:"created_at"`
	DeletedAt     *time.Time      `json:"deleted_at,omitempty"`
}

// Type returns the declared dataset type, defaulting to images.
func (d Dataset) Type() string {
	if d.Content.Type == "" {
		return DatasetTypeImages
	}
	return d.Content.Type
}

// InferenceStatus is the state of a processing job.
type InferenceStatus string

const (
	InferencePending   InferenceStatus = "pending"
	InferenceCompleted InferenceStatus = "completed"
)

// ProcessedImage maps an input image to its processed output.
type ProcessedImage struct {
	OriginalPath string `json:"originalPath"`
	OutputPath   string `json:"outputPath"`
}

// ProcessedVideo maps an uploaded video batch to its processed output.
type ProcessedVideo struct {
	OriginalVideoID string `json:"originalVideoId"`
	OutputPath      string `json:"outputPath"`
}

// Inference is one processing job run over a dataset.
type Inference struct {
	ID            string           `json:"id"`
	UserID        uuid.UUID        `json:"user_id"`
	DatasetID     string           `json:"dataset_id"`
	Status        InferenceStatus  `json:"status"`
	ReservationID string           `json:"reservation_id"`
	Cost          decimal.Decimal  `json:"cost"`
	Images        []ProcessedImage `json:"images,omitempty"`
	Videos        []ProcessedVideo `json:"videos,omitempty"`
	Error         string           `json:"error,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	CompletedAt   *time.Time       `json:"completed_at,omitempty"`
}
