// Package report builds the paginated admin views over the token ledger and
// stored datasets.
package report

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tinoosan/tokenledger/internal/errs"
	"github.com/tinoosan/tokenledger/internal/ledger"
	"github.com/tinoosan/tokenledger/internal/pricing"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// TransactionFilter selects ledger records. Zero values match everything.
type TransactionFilter struct {
	Status        ledger.Status
	OperationType ledger.OperationType
	UserID        *uuid.UUID
	Offset        int
	Limit         int
}

// Match reports whether t passes the filter, ignoring paging.
func (f TransactionFilter) Match(t ledger.Transaction) bool {
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if f.OperationType != "" && t.OperationType != f.OperationType {
		return false
	}
	if f.UserID != nil && t.UserID != *f.UserID {
		return false
	}
	return true
}

// DatasetFilter selects datasets. Name is a case-insensitive substring.
type DatasetFilter struct {
	UserID         *uuid.UUID
	Name           string
	Type           string
	IncludeDeleted bool
	Offset         int
	Limit          int
}

// Match reports whether d passes the filter, ignoring paging.
func (f DatasetFilter) Match(d ledger.Dataset) bool {
	if !f.IncludeDeleted && d.DeletedAt != nil {
		return false
	}
	if f.UserID != nil && d.UserID != *f.UserID {
		return false
	}
	if f.Name != "" && !strings.Contains(strings.ToLower(d.Name), strings.ToLower(f.Name)) {
		return false
	}
	if f.Type != "" && d.Type() != f.Type {
		return false
	}
	return true
}

// Repo defines the read-side queries the reports run. The total is the
// number of rows matching the filter before paging.
type Repo interface {
	ListTransactions(ctx context.Context, f TransactionFilter) ([]ledger.Transaction, int, error)
	ListDatasets(ctx context.Context, f DatasetFilter) ([]ledger.Dataset, int, error)
	UsersByIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]ledger.User, error)
}

// TransactionQuery is a page request over the ledger.
type TransactionQuery struct {
	Status        ledger.Status
	OperationType ledger.OperationType
	UserID        *uuid.UUID
	Page          int
	Limit         int
}

// DatasetQuery is a page request over datasets.
type DatasetQuery struct {
	UserID         *uuid.UUID
	Name           string
	Type           string
	IncludeDeleted bool
	Page           int
	Limit          int
}

type Pagination struct {
	TotalItems   int `json:"total_items"`
	CurrentPage  int `json:"current_page"`
	TotalPages   int `json:"total_pages"`
	ItemsPerPage int `json:"items_per_page"`
}

// Page is one page of rows with the filters that produced it and a summary of the rows.
type Page[T any, S any] struct {
	Rows       []T               `json:"rows"`
	Pagination Pagination        `json:"pagination"`
	Filters    map[string]string `json:"filters"`
	Summary    S                 `json:"summary"`
}

type TransactionSummary struct {
	ByStatus    map[ledger.Status]int        `json:"by_status"`
	ByOperation map[ledger.OperationType]int `json:"by_operation"`
	NetAmount   decimal.Decimal              `json:"net_amount"`
}

type DatasetRow struct {
	ledger.Dataset
	OwnerEmail    string          `json:"owner_email,omitempty"`
	Orphaned      bool            `json:"orphaned"`
	Items         int             `json:"items"`
	EstimatedCost decimal.Decimal `json:"estimated_cost"`
}

type DatasetSummary struct {
	ByType             map[string]int  `json:"by_type"`
	Orphaned           int             `json:"orphaned"`
	Deleted            int             `json:"deleted"`
	TotalItems         int             `json:"total_items"`
	TotalEstimatedCost decimal.Decimal `json:"total_estimated_cost"`
}

type Service interface {
	Transactions(ctx context.Context, q TransactionQuery) (Page[ledger.Transaction, TransactionSummary], error)
	Datasets(ctx context.Context, q DatasetQuery) (Page[DatasetRow, DatasetSummary], error)
}

type service struct {
	repo Repo
}

func New(repo Repo) Service { return &service{repo: repo} }

// bounds clamps page and limit and returns the row offset.
func bounds(page, limit int) (int, int, int) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	return page, limit, (page - 1) * limit
}

func pagination(total, page, limit int) Pagination {
	pages := 0
	if total > 0 {
		pages = (total + limit - 1) / limit
	}
	return Pagination{TotalItems: total, CurrentPage: page, TotalPages: pages, ItemsPerPage: limit}
}

func (s *service) Transactions(ctx context.Context, q TransactionQuery) (Page[ledger.Transaction, TransactionSummary], error) {
	var out Page[ledger.Transaction, TransactionSummary]
	if q.Status != "" && !q.Status.Valid() {
		return out, fmt.Errorf("%w: unknown status %q", errs.ErrInvalid, q.Status)
	}
	if q.OperationType != "" && !q.OperationType.Valid() {
		return out, fmt.Errorf("%w: unknown operation type %q", errs.ErrInvalid, q.OperationType)
	}
	page, limit, offset := bounds(q.Page, q.Limit)
	rows, total, err := s.repo.ListTransactions(ctx, TransactionFilter{
		Status:        q.Status,
		OperationType: q.OperationType,
		UserID:        q.UserID,
		Offset:        offset,
		Limit:         limit,
	})
	if err != nil {
		return out, errs.Storage("list transactions", err)
	}
	if rows == nil {
		rows = []ledger.Transaction{}
	}

	sum := TransactionSummary{
		ByStatus:    make(map[ledger.Status]int, len(ledger.Statuses)),
		ByOperation: make(map[ledger.OperationType]int, len(ledger.OperationTypes)),
		NetAmount:   decimal.Zero,
	}
	for _, st := range ledger.Statuses {
		sum.ByStatus[st] = 0
	}
	for _, op := range ledger.OperationTypes {
		sum.ByOperation[op] = 0
	}
	for _, t := range rows {
		sum.ByStatus[t.Status]++
		sum.ByOperation[t.OperationType]++
		sum.NetAmount = sum.NetAmount.Add(t.Amount)
	}

	filters := map[string]string{}
	if q.Status != "" {
		filters["status"] = string(q.Status)
	}
	if q.OperationType != "" {
		filters["operation_type"] = string(q.OperationType)
	}
	if q.UserID != nil {
		filters["user_id"] = q.UserID.String()
	}
	out.Rows = rows
	out.Pagination = pagination(total, page, limit)
	out.Filters = filters
	out.Summary = sum
	return out, nil
}

func (s *service) Datasets(ctx context.Context, q DatasetQuery) (Page[DatasetRow, DatasetSummary], error) {
	var out Page[DatasetRow, DatasetSummary]
	page, limit, offset := bounds(q.Page, q.Limit)
	datasets, total, err := s.repo.ListDatasets(ctx, DatasetFilter{
		UserID:         q.UserID,
		Name:           strings.TrimSpace(q.Name),
		Type:           q.Type,
		IncludeDeleted: q.IncludeDeleted,
		Offset:         offset,
		Limit:          limit,
	})
	if err != nil {
		return out, errs.Storage("list datasets", err)
	}

	ownerIDs := make([]uuid.UUID, 0, len(datasets))
	for _, d := range datasets {
		ownerIDs = append(ownerIDs, d.UserID)
	}
	owners, err := s.repo.UsersByIDs(ctx, ownerIDs)
	if err != nil {
		return out, errs.Storage("load dataset owners", err)
	}

	sum := DatasetSummary{ByType: map[string]int{}, TotalEstimatedCost: decimal.Zero}
	rows := make([]DatasetRow, 0, len(datasets))
	for _, d := range datasets {
		cost := pricing.DatasetUploadCost(d.Content)
		row := DatasetRow{Dataset: d, Items: cost.Items(), EstimatedCost: cost.Total}
		if u, ok := owners[d.UserID]; ok && u.Exists() {
			row.OwnerEmail = u.Email
		} else {
			row.Orphaned = true
			sum.Orphaned++
		}
		if d.DeletedAt != nil {
			sum.Deleted++
		}
		sum.ByType[d.Type()]++
		sum.TotalItems += row.Items
		sum.TotalEstimatedCost = sum.TotalEstimatedCost.Add(cost.Total)
		rows = append(rows, row)
	}

	filters := map[string]string{}
	if q.UserID != nil {
		filters["user_id"] = q.UserID.String()
	}
	if q.Name != "" {
		filters["name"] = q.Name
	}
	if q.Type != "" {
		filters["type"] = q.Type
	}
	if q.IncludeDeleted {
		filters["include_deleted"] = "true"
	}
	out.Rows = rows
	out.Pagination = pagination(total, page, limit)
	out.Filters = filters
	out.Summary = sum
	return out, nil
}

// Paginate applies offset and limit to rows already matched and ordered.
// Stores without native paging use it.
func Paginate[T any](rows []T, offset, limit int) []T {
	if offset >= len(rows) {
		return []T{}
	}
	end := len(rows)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	out := make([]T, end-offset)
	copy(out, rows[offset:end])
	return out
}
