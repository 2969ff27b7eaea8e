// Package tokens is the token ledger: every balance mutation goes through it
// and is written together with a transaction record.
package tokens

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tinoosan/tokenledger/internal/errs"
	"github.com/tinoosan/tokenledger/internal/id"
	"github.com/tinoosan/tokenledger/internal/ledger"
	"github.com/tinoosan/tokenledger/internal/meta"
)

// Repo defines read operations needed by the ledger.
type Repo interface {
	UserByID(ctx context.Context, userID uuid.UUID) (ledger.User, error)
	UserByEmail(ctx context.Context, email string) (ledger.User, error)
	TransactionByID(ctx context.Context, txnID string) (ledger.Transaction, error)
	// TransactionsByUser returns records newest-first; limit <= 0 returns all.
	TransactionsByUser(ctx context.Context, userID uuid.UUID, limit int) ([]ledger.Transaction, error)
	// PendingBefore returns pending reservations created before cutoff.
	PendingBefore(ctx context.Context, cutoff time.Time) ([]ledger.Transaction, error)
}

// Writer defines the atomic mutations a store must provide.
// Each call is one unit with respect to other mutations for the same user.
type Writer interface {
	CreateUser(ctx context.Context, u ledger.User) (ledger.User, error)
	// Debit re-reads the balance, fails with *errs.InsufficientTokensError when it
	// cannot cover -txn.Amount, otherwise subtracts and appends txn as given.
	// BalanceBefore and BalanceAfter are filled in by the store.
	Debit(ctx context.Context, txn ledger.Transaction) (ledger.Transaction, error)
	// Credit adds txn.Amount and appends txn.
	Credit(ctx context.Context, txn ledger.Transaction) (ledger.Transaction, error)
	// Settle moves a pending record to req.To. Refunded and aborted also credit
	// the reserved amount back and append req.Compensation. A record that is no
	// longer pending is returned untouched with Applied=false.
	Settle(ctx context.Context, req SettleRequest) (Settlement, error)
}

// BalanceCache is an optional read-through cache for balances. Entries may be stale.
type BalanceCache interface {
	GetBalance(ctx context.Context, userID uuid.UUID) (decimal.Decimal, bool, error)
	SetBalance(ctx context.Context, userID uuid.UUID, balance decimal.Decimal) error
}

// SettleRequest describes one status transition out of pending.
type SettleRequest struct {
	ID           string
	To           ledger.Status
	Compensation ledger.Transaction
	At           time.Time
}

// Settlement is the result of a Settle call.
type Settlement struct {
	Transaction  ledger.Transaction
	Applied      bool
	Balance      decimal.Decimal
	Compensation *ledger.Transaction
}

// ReserveRequest asks the ledger to hold tokens for an operation.
type ReserveRequest struct {
	UserID        uuid.UUID
	Amount        decimal.Decimal
	OperationType ledger.OperationType
	OperationID   string
	Description   string
	Metadata      meta.Metadata
}

// Reservation is the handle returned by a successful Reserve.
type Reservation struct {
	ID           string          `json:"reservation_id"`
	Amount       decimal.Decimal `json:"amount"`
	BalanceAfter decimal.Decimal `json:"balance_after"`
}

// Confirmation reports a confirmed spend.
type Confirmation struct {
	TokensSpent      decimal.Decimal `json:"tokens_spent"`
	RemainingBalance decimal.Decimal `json:"remaining_balance"`
}

// RefundResult reports a refunded reservation.
type RefundResult struct {
	TokensRefunded  decimal.Decimal `json:"tokens_refunded"`
	RestoredBalance decimal.Decimal `json:"restored_balance"`
}

// RechargeRequest credits a user identified by email.
type RechargeRequest struct {
	AdminID     uuid.UUID
	TargetEmail string
	Amount      decimal.Decimal
	Description string
}

// Recharge reports the new balance and the record written for it.
type Recharge struct {
	NewBalance  decimal.Decimal    `json:"new_balance"`
	Transaction ledger.Transaction `json:"transaction"`
}

// Service exposes the ledger operations.
type Service interface {
	Reserve(ctx context.Context, req ReserveRequest) (Reservation, error)
	Confirm(ctx context.Context, reservationID string) (Confirmation, error)
	Refund(ctx context.Context, reservationID string) (RefundResult, error)
	Recharge(ctx context.Context, req RechargeRequest) (Recharge, error)
	Balance(ctx context.Context, userID uuid.UUID) (decimal.Decimal, error)
	History(ctx context.Context, userID uuid.UUID, limit int) ([]ledger.Transaction, error)
	OpenAccount(ctx context.Context, email string, isAdmin bool, opening decimal.Decimal) (ledger.User, error)
	WithReservation(ctx context.Context, req ReserveRequest, work func(context.Context, Reservation) error) (Confirmation, error)
	SweepStale(ctx context.Context, olderThan time.Duration) (SweepReport, error)
	Verify(ctx context.Context, userID uuid.UUID) (Integrity, error)
}

// Option configures the service.
type Option func(*service)

// WithLogger sets the logger used for compensation failures and sweeps.
func WithLogger(l *slog.Logger) Option { return func(s *service) { s.log = l } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(s *service) { s.now = now } }

// WithCache enables the balance read cache.
func WithCache(c BalanceCache) Option { return func(s *service) { s.cache = c } }

type service struct {
	repo   Repo
	writer Writer
	cache  BalanceCache
	log    *slog.Logger
	now    func() time.Time
}

// AmountPlaces is the finest precision any backend stores (numeric(20,4)).
const AmountPlaces = 4

// checkAmount rejects amounts that are not positive or finer than AmountPlaces.
func checkAmount(amount decimal.Decimal, what string) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: %s amount must be > 0", errs.ErrInvalidAmount, what)
	}
	if !amount.Equal(amount.Round(AmountPlaces)) {
		return fmt.Errorf("%w: %s amount has more than %d decimal places", errs.ErrInvalidAmount, what, AmountPlaces)
	}
	return nil
}

func New(repo Repo, writer Writer, opts ...Option) Service {
	s := &service{repo: repo, writer: writer, log: slog.Default(), now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *service) Reserve(ctx context.Context, req ReserveRequest) (Reservation, error) {
	if err := checkAmount(req.Amount, "reservation"); err != nil {
		reservationsTotal.WithLabelValues("invalid").Inc()
		return Reservation{}, err
	}
	if req.UserID == uuid.Nil {
		return Reservation{}, fmt.Errorf("%w: user id required", errs.ErrInvalid)
	}
	if !req.OperationType.Valid() || req.OperationType == ledger.OperationAdminRecharge {
		return Reservation{}, fmt.Errorf("%w: operation type %q is not reservable", errs.ErrInvalid, req.OperationType)
	}
	if err := req.Metadata.Validate(); err != nil {
		return Reservation{}, fmt.Errorf("%w: %v", errs.ErrInvalid, err)
	}
	desc := req.Description
	if desc == "" {
		desc = fmt.Sprintf("%s %s", req.OperationType, req.OperationID)
	}
	txn, err := s.writer.Debit(ctx, ledger.Transaction{
		ID:            id.NewTransaction(),
		UserID:        req.UserID,
		OperationType: req.OperationType,
		OperationID:   req.OperationID,
		Amount:        req.Amount.Neg(),
		Status:        ledger.StatusPending,
		Description:   desc,
		Metadata:      req.Metadata.Clone(),
		CreatedAt:     s.now().UTC(),
	})
	if err != nil {
		if errors.Is(err, errs.ErrInsufficientTokens) {
			reservationsTotal.WithLabelValues("insufficient").Inc()
		} else {
			reservationsTotal.WithLabelValues("error").Inc()
		}
		return Reservation{}, errs.Storage("reserve", err)
	}
	reservationsTotal.WithLabelValues("ok").Inc()
	tokensMoved.WithLabelValues("reserved").Add(req.Amount.InexactFloat64())
	s.remember(ctx, txn.UserID, txn.BalanceAfter)
	return Reservation{ID: txn.ID, Amount: req.Amount, BalanceAfter: txn.BalanceAfter}, nil
}

func (s *service) Confirm(ctx context.Context, reservationID string) (Confirmation, error) {
	st, err := s.settle(ctx, reservationID, ledger.StatusCompleted)
	if err != nil {
		settlementsTotal.WithLabelValues("confirm", "error").Inc()
		return Confirmation{}, err
	}
	out := Confirmation{TokensSpent: st.Transaction.Reserved(), RemainingBalance: st.Balance}
	switch {
	case st.Applied:
		settlementsTotal.WithLabelValues("confirm", "applied").Inc()
	case st.Transaction.Status == ledger.StatusCompleted:
		settlementsTotal.WithLabelValues("confirm", "noop").Inc()
	default:
		settlementsTotal.WithLabelValues("confirm", "rejected").Inc()
		return Confirmation{}, fmt.Errorf("%w: reservation %s is %s", errs.ErrTokenConfirmationFailed, reservationID, st.Transaction.Status)
	}
	return out, nil
}

func (s *service) Refund(ctx context.Context, reservationID string) (RefundResult, error) {
	st, err := s.settle(ctx, reservationID, ledger.StatusRefunded)
	if err != nil {
		settlementsTotal.WithLabelValues("refund", "error").Inc()
		return RefundResult{}, err
	}
	out := RefundResult{TokensRefunded: st.Transaction.Reserved(), RestoredBalance: st.Balance}
	switch {
	case st.Applied:
		settlementsTotal.WithLabelValues("refund", "applied").Inc()
		tokensMoved.WithLabelValues("refunded").Add(out.TokensRefunded.InexactFloat64())
		s.remember(ctx, st.Transaction.UserID, st.Balance)
	case st.Transaction.Status.Cancelled():
		settlementsTotal.WithLabelValues("refund", "noop").Inc()
	default:
		settlementsTotal.WithLabelValues("refund", "rejected").Inc()
		return RefundResult{}, fmt.Errorf("%w: reservation %s is %s", errs.ErrTokenRefundFailed, reservationID, st.Transaction.Status)
	}
	return out, nil
}

func (s *service) settle(ctx context.Context, reservationID string, to ledger.Status) (Settlement, error) {
	if strings.TrimSpace(reservationID) == "" {
		return Settlement{}, errs.ErrReservationNotFound
	}
	now := s.now().UTC()
	comp := ledger.Transaction{
		ID:          id.NewTransaction(),
		Status:      ledger.StatusCompleted,
		Description: fmt.Sprintf("%s of %s", compensationVerb(to), reservationID),
		ReversalOf:  reservationID,
		CreatedAt:   now,
	}
	if to == ledger.StatusAborted {
		comp.Metadata = meta.Metadata{meta.KeySweptAt: now.Format(time.RFC3339)}
	}
	st, err := s.writer.Settle(ctx, SettleRequest{ID: reservationID, To: to, Compensation: comp, At: now})
	if errors.Is(err, errs.ErrNotFound) {
		return Settlement{}, fmt.Errorf("%w: %s", errs.ErrReservationNotFound, reservationID)
	}
	if err != nil {
		return Settlement{}, errs.Storage("settle", err)
	}
	if !st.Applied && !st.Transaction.IsReservation() {
		return Settlement{}, fmt.Errorf("%w: %s is not a reservation", errs.ErrReservationNotFound, reservationID)
	}
	return st, nil
}

func compensationVerb(to ledger.Status) string {
	if to == ledger.StatusAborted {
		return "abort"
	}
	return "refund"
}

func (s *service) Recharge(ctx context.Context, req RechargeRequest) (Recharge, error) {
	if err := checkAmount(req.Amount, "recharge"); err != nil {
		return Recharge{}, err
	}
	email := normalizeEmail(req.TargetEmail)
	user, err := s.repo.UserByEmail(ctx, email)
	if err != nil {
		return Recharge{}, userErr(err, "recharge")
	}
	desc := req.Description
	if desc == "" {
		desc = "admin recharge"
	}
	txn, err := s.writer.Credit(ctx, ledger.Transaction{
		ID:            id.NewTransaction(),
		UserID:        user.ID,
		OperationType: ledger.OperationAdminRecharge,
		OperationID:   req.AdminID.String(),
		Amount:        req.Amount,
		Status:        ledger.StatusCompleted,
		Description:   desc,
		Metadata:      meta.Metadata{meta.KeyAdminID: req.AdminID.String(), meta.KeyTargetEmail: email},
		CreatedAt:     s.now().UTC(),
	})
	if err != nil {
		return Recharge{}, userErr(err, "recharge")
	}
	tokensMoved.WithLabelValues("recharged").Add(req.Amount.InexactFloat64())
	s.remember(ctx, user.ID, txn.BalanceAfter)
	return Recharge{NewBalance: txn.BalanceAfter, Transaction: txn}, nil
}

func (s *service) Balance(ctx context.Context, userID uuid.UUID) (decimal.Decimal, error) {
	if s.cache != nil {
		bal, ok, err := s.cache.GetBalance(ctx, userID)
		if err != nil {
			s.log.Warn("balance cache read failed", "user_id", userID, "err", err)
		} else if ok {
			return bal, nil
		}
	}
	u, err := s.repo.UserByID(ctx, userID)
	if err != nil {
		return decimal.Zero, userErr(err, "balance")
	}
	s.remember(ctx, userID, u.Balance)
	return u.Balance, nil
}

func (s *service) History(ctx context.Context, userID uuid.UUID, limit int) ([]ledger.Transaction, error) {
	if _, err := s.repo.UserByID(ctx, userID); err != nil {
		return nil, userErr(err, "history")
	}
	txns, err := s.repo.TransactionsByUser(ctx, userID, limit)
	if err != nil {
		return nil, errs.Storage("history", err)
	}
	return txns, nil
}

// OpenAccount creates a user and records the opening balance as an
// admin_recharge so the history replays to the balance.
func (s *service) OpenAccount(ctx context.Context, email string, isAdmin bool, opening decimal.Decimal) (ledger.User, error) {
	email = normalizeEmail(email)
	if email == "" || !strings.Contains(email, "@") {
		return ledger.User{}, fmt.Errorf("%w: email required", errs.ErrInvalid)
	}
	if opening.IsNegative() || !opening.Equal(opening.Round(AmountPlaces)) {
		return ledger.User{}, fmt.Errorf("%w: opening balance must be >= 0 with at most %d decimal places", errs.ErrInvalidAmount, AmountPlaces)
	}
	u, err := s.writer.CreateUser(ctx, ledger.User{ID: uuid.New(), Email: email, IsAdmin: isAdmin, CreatedAt: s.now().UTC()})
	if err != nil {
		return ledger.User{}, errs.Storage("create user", err)
	}
	if opening.IsZero() {
		return u, nil
	}
	txn, err := s.writer.Credit(ctx, ledger.Transaction{
		ID:            id.NewTransaction(),
		UserID:        u.ID,
		OperationType: ledger.OperationAdminRecharge,
		OperationID:   "opening-balance",
		Amount:        opening,
		Status:        ledger.StatusCompleted,
		Description:   "opening balance",
		CreatedAt:     s.now().UTC(),
	})
	if err != nil {
		return ledger.User{}, userErr(err, "opening balance")
	}
	u.Balance = txn.BalanceAfter
	return u, nil
}

func (s *service) remember(ctx context.Context, userID uuid.UUID, bal decimal.Decimal) {
	if s.cache == nil {
		return
	}
	if err := s.cache.SetBalance(ctx, userID, bal); err != nil {
		s.log.Warn("balance cache write failed", "user_id", userID, "err", err)
	}
}

func userErr(err error, op string) error {
	if errors.Is(err, errs.ErrNotFound) {
		return fmt.Errorf("%w: %v", errs.ErrUserNotFound, err)
	}
	return errs.Storage(op, err)
}

func normalizeEmail(e string) string { return strings.ToLower(strings.TrimSpace(e)) }
