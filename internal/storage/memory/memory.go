// Package memory provides an in-memory store used for development and tests.
// A single RWMutex guards all state, so every mutation is atomic with respect
// to every other one.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tinoosan/tokenledger/internal/errs"
	"github.com/tinoosan/tokenledger/internal/ledger"
	"github.com/tinoosan/tokenledger/internal/service/report"
	"github.com/tinoosan/tokenledger/internal/service/tokens"
)

// account is a user plus the last sequence number handed to its records.
type account struct {
	user ledger.User
	seq  int64
}

// Store is an in-memory implementation of every repository and writer.
type Store struct {
	mu       sync.RWMutex
	accounts map[uuid.UUID]*account
	emails   map[string]uuid.UUID
	txns     map[string]*ledger.Transaction
	// Per-user record ids in write order
	txnsByUser map[uuid.UUID][]string
	// All record ids in write order
	txnOrder   []string
	datasets   map[string]*ledger.Dataset
	dsOrder    []string
	inferences map[string]*ledger.Inference
}

// New constructs an empty in-memory store.
func New() *Store {
	s := &Store{}
	s.Reset()
	return s
}

// Reset drops all state.
func (s *Store) Reset() {
	s.mu.Lock()
	s.accounts = map[uuid.UUID]*account{}
	s.emails = map[string]uuid.UUID{}
	s.txns = map[string]*ledger.Transaction{}
	s.txnsByUser = map[uuid.UUID][]string{}
	s.txnOrder = nil
	s.datasets = map[string]*ledger.Dataset{}
	s.dsOrder = nil
	s.inferences = map[string]*ledger.Inference{}
	s.mu.Unlock()
}

func (s *Store) Ready(context.Context) error { return nil }
func (s *Store) Close() error                { return nil }

// --- Users ---

// CreateUser stores a user with a zero balance. Emails are unique.
func (s *Store) CreateUser(_ context.Context, u ledger.User) (ledger.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	email := strings.ToLower(u.Email)
	if _, taken := s.emails[email]; taken {
		return ledger.User{}, errs.ErrConflict
	}
	u.Email = email
	u.Balance = decimal.Zero
	s.accounts[u.ID] = &account{user: u}
	s.emails[email] = u.ID
	return u, nil
}

// UserByID returns a user, deleted or not.
func (s *Store) UserByID(_ context.Context, userID uuid.UUID) (ledger.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[userID]
	if !ok {
		return ledger.User{}, errs.ErrNotFound
	}
	return a.user, nil
}

// UserByEmail resolves a live user by email.
func (s *Store) UserByEmail(_ context.Context, email string) (ledger.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	uid, ok := s.emails[strings.ToLower(email)]
	if !ok {
		return ledger.User{}, errs.ErrNotFound
	}
	a := s.accounts[uid]
	if !a.user.Exists() {
		return ledger.User{}, errs.ErrNotFound
	}
	return a.user, nil
}

// UsersByIDs returns the users found among ids.
func (s *Store) UsersByIDs(_ context.Context, ids []uuid.UUID) (map[uuid.UUID]ledger.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[uuid.UUID]ledger.User, len(ids))
	for _, id := range ids {
		if a, ok := s.accounts[id]; ok {
			out[id] = a.user
		}
	}
	return out, nil
}

// DeleteUser marks a user deleted. Their records stay.
func (s *Store) DeleteUser(_ context.Context, userID uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[userID]
	if !ok || a.user.DeletedAt != nil {
		return errs.ErrNotFound
	}
	at = at.UTC()
	a.user.DeletedAt = &at
	delete(s.emails, a.user.Email)
	return nil
}

// AllBalances returns the balance of every live user.
func (s *Store) AllBalances(_ context.Context) (map[uuid.UUID]decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[uuid.UUID]decimal.Decimal, len(s.accounts))
	for id, a := range s.accounts {
		if a.user.Exists() {
			out[id] = a.user.Balance
		}
	}
	return out, nil
}

// --- Ledger writes ---

// Debit implements tokens.Writer.
func (s *Store) Debit(_ context.Context, txn ledger.Transaction) (ledger.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[txn.UserID]
	if !ok || !a.user.Exists() {
		return ledger.Transaction{}, errs.ErrUserNotFound
	}
	need := txn.Amount.Abs()
	if a.user.Balance.LessThan(need) {
		return ledger.Transaction{}, errs.NewInsufficientTokens(need, a.user.Balance)
	}
	return s.appendLocked(a, txn), nil
}

// Credit implements tokens.Writer.
func (s *Store) Credit(_ context.Context, txn ledger.Transaction) (ledger.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[txn.UserID]
	if !ok || !a.user.Exists() {
		return ledger.Transaction{}, errs.ErrUserNotFound
	}
	return s.appendLocked(a, txn), nil
}

// Settle implements tokens.Writer.
func (s *Store) Settle(_ context.Context, req tokens.SettleRequest) (tokens.Settlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.txns[req.ID]
	if !ok {
		return tokens.Settlement{}, errs.ErrNotFound
	}
	a := s.accounts[t.UserID]
	if t.Status != ledger.StatusPending {
		return tokens.Settlement{Transaction: *t, Balance: a.user.Balance}, nil
	}
	at := req.At.UTC()
	t.Status = req.To
	t.SettledAt = &at
	out := tokens.Settlement{Transaction: *t, Applied: true}
	if req.To.Cancelled() {
		comp := req.Compensation
		comp.UserID = t.UserID
		comp.OperationType = t.OperationType
		comp.OperationID = t.OperationID
		comp.Amount = t.Reserved()
		comp.ReversalOf = t.ID
		comp = s.appendLocked(a, comp)
		out.Compensation = &comp
	}
	out.Balance = a.user.Balance
	return out, nil
}

// appendLocked applies txn.Amount to the account and stores the record with
// its balance snapshots. Caller must hold s.mu (write lock).
func (s *Store) appendLocked(a *account, txn ledger.Transaction) ledger.Transaction {
	a.seq++
	txn.Seq = a.seq
	txn.BalanceBefore = a.user.Balance
	txn.BalanceAfter = a.user.Balance.Add(txn.Amount)
	txn.Metadata = txn.Metadata.Clone()
	a.user.Balance = txn.BalanceAfter
	stored := txn
	s.txns[txn.ID] = &stored
	s.txnsByUser[txn.UserID] = append(s.txnsByUser[txn.UserID], txn.ID)
	s.txnOrder = append(s.txnOrder, txn.ID)
	return txn
}

// --- Ledger reads ---

func (s *Store) TransactionByID(_ context.Context, txnID string) (ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.txns[txnID]
	if !ok {
		return ledger.Transaction{}, errs.ErrNotFound
	}
	return *t, nil
}

// TransactionsByUser returns a user's records newest-first.
func (s *Store) TransactionsByUser(_ context.Context, userID uuid.UUID, limit int) ([]ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.txnsByUser[userID]
	n := len(ids)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]ledger.Transaction, 0, n)
	for i := len(ids) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, *s.txns[ids[i]])
	}
	return out, nil
}

// PendingBefore returns pending records created before cutoff, oldest first.
func (s *Store) PendingBefore(_ context.Context, cutoff time.Time) ([]ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ledger.Transaction, 0)
	for _, id := range s.txnOrder {
		t := s.txns[id]
		if t.Status == ledger.StatusPending && t.CreatedAt.Before(cutoff) {
			out = append(out, *t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ListTransactions implements report.Repo, newest-first.
func (s *Store) ListTransactions(_ context.Context, f report.TransactionFilter) ([]ledger.Transaction, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	matched := make([]ledger.Transaction, 0)
	for i := len(s.txnOrder) - 1; i >= 0; i-- {
		t := s.txns[s.txnOrder[i]]
		if f.Match(*t) {
			matched = append(matched, *t)
		}
	}
	return report.Paginate(matched, f.Offset, f.Limit), len(matched), nil
}

// --- Datasets ---

func (s *Store) CreateDataset(_ context.Context, d ledger.Dataset) (ledger.Dataset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.datasets[d.ID]; exists {
		return ledger.Dataset{}, errs.ErrConflict
	}
	stored := d
	s.datasets[d.ID] = &stored
	s.dsOrder = append(s.dsOrder, d.ID)
	return d, nil
}

func (s *Store) DatasetByID(_ context.Context, datasetID string) (ledger.Dataset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.datasets[datasetID]
	if !ok {
		return ledger.Dataset{}, errs.ErrNotFound
	}
	return *d, nil
}

// DatasetsByUser returns a user's datasets newest-first, deleted ones included.
func (s *Store) DatasetsByUser(_ context.Context, userID uuid.UUID) ([]ledger.Dataset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ledger.Dataset, 0)
	for i := len(s.dsOrder) - 1; i >= 0; i-- {
		if d := s.datasets[s.dsOrder[i]]; d.UserID == userID {
			out = append(out, *d)
		}
	}
	return out, nil
}

func (s *Store) SoftDeleteDataset(_ context.Context, datasetID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.datasets[datasetID]
	if !ok || d.DeletedAt != nil {
		return errs.ErrNotFound
	}
	at = at.UTC()
	d.DeletedAt = &at
	return nil
}

// ListDatasets implements report.Repo, newest-first.
func (s *Store) ListDatasets(_ context.Context, f report.DatasetFilter) ([]ledger.Dataset, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	matched := make([]ledger.Dataset, 0)
	for i := len(s.dsOrder) - 1; i >= 0; i-- {
		d := s.datasets[s.dsOrder[i]]
		if f.Match(*d) {
			matched = append(matched, *d)
		}
	}
	return report.Paginate(matched, f.Offset, f.Limit), len(matched), nil
}

// --- Inferences ---

func (s *Store) CreateInference(_ context.Context, inf ledger.Inference) (ledger.Inference, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.inferences[inf.ID]; exists {
		return ledger.Inference{}, errs.ErrConflict
	}
	stored := inf
	s.inferences[inf.ID] = &stored
	return inf, nil
}

func (s *Store) UpdateInference(_ context.Context, inf ledger.Inference) (ledger.Inference, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inferences[inf.ID]; !ok {
		return ledger.Inference{}, errs.ErrNotFound
	}
	stored := inf
	s.inferences[inf.ID] = &stored
	return inf, nil
}

func (s *Store) DeleteInference(_ context.Context, inferenceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inferences[inferenceID]; !ok {
		return errs.ErrNotFound
	}
	delete(s.inferences, inferenceID)
	return nil
}

func (s *Store) InferenceByID(_ context.Context, inferenceID string) (ledger.Inference, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inf, ok := s.inferences[inferenceID]
	if !ok {
		return ledger.Inference{}, errs.ErrNotFound
	}
	return *inf, nil
}
