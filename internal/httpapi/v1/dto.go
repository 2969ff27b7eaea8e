package v1

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tinoosan/tokenledger/internal/ledger"
	"github.com/tinoosan/tokenledger/internal/pricing"
	"github.com/tinoosan/tokenledger/internal/service/dataset"
)

// Requests

type rechargeRequest struct {
	TargetEmail string          `json:"target_email"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description,omitempty"`
}

type uploadRequest struct {
	UserID  uuid.UUID             `json:"user_id"`
	Name    string                `json:"name"`
	Content ledger.DatasetContent `json:"content"`
}

type inferenceRequest struct {
	UserID    uuid.UUID `json:"user_id"`
	DatasetID string    `json:"dataset_id"`
}

type estimateRequest struct {
	Content ledger.DatasetContent `json:"content"`
}

// Responses

type balanceResponse struct {
	UserID  uuid.UUID       `json:"user_id"`
	Balance decimal.Decimal `json:"balance"`
	Display string          `json:"display"`
}

type transactionsResponse struct {
	UserID       uuid.UUID            `json:"user_id"`
	Transactions []ledger.Transaction `json:"transactions"`
}

type datasetsResponse struct {
	Datasets []ledger.Dataset `json:"datasets"`
}

type uploadResponse struct {
	Dataset          ledger.Dataset    `json:"dataset"`
	Cost             pricing.Breakdown `json:"cost"`
	TokensSpent      decimal.Decimal   `json:"tokens_spent"`
	RemainingBalance decimal.Decimal   `json:"remaining_balance"`
}

type estimateResponse struct {
	pricing.Breakdown
	Display string `json:"display"`
}

func toUploadResponse(up dataset.Upload) uploadResponse {
	return uploadResponse{
		Dataset:          up.Dataset,
		Cost:             up.Cost,
		TokensSpent:      up.Confirmation.TokensSpent,
		RemainingBalance: up.Confirmation.RemainingBalance,
	}
}
