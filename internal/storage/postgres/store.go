// Package postgres provides a pgx-backed store that satisfies the repository
// and writer interfaces used by the services.
//
// Every balance mutation runs in one transaction that locks the user row with
// SELECT ... FOR UPDATE before reading the balance, so concurrent reservations
// for the same user queue behind each other. Settle additionally locks the
// transaction row so only one status transition can win. Numerics cross the
// wire as text to keep decimal precision.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/tinoosan/tokenledger/internal/errs"
	"github.com/tinoosan/tokenledger/internal/ledger"
	"github.com/tinoosan/tokenledger/internal/meta"
	"github.com/tinoosan/tokenledger/internal/service/report"
	"github.com/tinoosan/tokenledger/internal/service/tokens"
)

// Store holds a pgx connection pool. All methods are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// Open establishes a pgx pool using the provided connection string.
func Open(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool}, nil
}

// Close releases the underlying pool.
func (s *Store) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// Ready pings the pool to verify connectivity.
func (s *Store) Ready(ctx context.Context) error { return s.pool.Ping(ctx) }

// Migrate applies a schema script.
func (s *Store) Migrate(ctx context.Context, script string) error {
	_, err := s.pool.Exec(ctx, script)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func parseDecimal(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse numeric %q: %w", s, err)
	}
	return d, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// --- Users ---

const userColumns = `id, email, is_admin, balance::text, created_at, deleted_at`

func scanUser(row scanner) (ledger.User, error) {
	var u ledger.User
	var bal string
	if err := row.Scan(&u.ID, &u.Email, &u.IsAdmin, &bal, &u.CreatedAt, &u.DeletedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.User{}, errs.ErrNotFound
		}
		return ledger.User{}, err
	}
	var err error
	u.Balance, err = parseDecimal(bal)
	return u, err
}

func (s *Store) CreateUser(ctx context.Context, u ledger.User) (ledger.User, error) {
	u.Email = strings.ToLower(u.Email)
	u.Balance = decimal.Zero
	_, err := s.pool.Exec(ctx, `
        insert into users (id, email, is_admin, balance, created_at)
        values ($1, $2, $3, 0, $4)
    `, u.ID, u.Email, u.IsAdmin, u.CreatedAt)
	if isUniqueViolation(err) {
		return ledger.User{}, errs.ErrConflict
	}
	if err != nil {
		return ledger.User{}, err
	}
	return u, nil
}

func (s *Store) UserByID(ctx context.Context, userID uuid.UUID) (ledger.User, error) {
	return scanUser(s.pool.QueryRow(ctx, `select `+userColumns+` from users where id = $1`, userID))
}

// UserByEmail resolves a live user by email.
func (s *Store) UserByEmail(ctx context.Context, email string) (ledger.User, error) {
	return scanUser(s.pool.QueryRow(ctx, `
        select `+userColumns+` from users
        where lower(email) = lower($1) and deleted_at is null
    `, email))
}

func (s *Store) UsersByIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]ledger.User, error) {
	out := make(map[uuid.UUID]ledger.User, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := s.pool.Query(ctx, `select `+userColumns+` from users where id = any($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out[u.ID] = u
	}
	return out, rows.Err()
}

func (s *Store) DeleteUser(ctx context.Context, userID uuid.UUID, at time.Time) error {
	ct, err := s.pool.Exec(ctx, `update users set deleted_at = $2 where id = $1 and deleted_at is null`, userID, at.UTC())
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

func (s *Store) AllBalances(ctx context.Context) (map[uuid.UUID]decimal.Decimal, error) {
	rows, err := s.pool.Query(ctx, `select id, balance::text from users where deleted_at is null`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[uuid.UUID]decimal.Decimal{}
	for rows.Next() {
		var id uuid.UUID
		var bal string
		if err := rows.Scan(&id, &bal); err != nil {
			return nil, err
		}
		d, err := parseDecimal(bal)
		if err != nil {
			return nil, err
		}
		out[id] = d
	}
	return out, rows.Err()
}

// --- Ledger writes ---

// lockedUser is the balance state read under a row lock.
type lockedUser struct {
	id      uuid.UUID
	balance decimal.Decimal
	seq     int64
	live    bool
}

func lockUser(ctx context.Context, tx pgx.Tx, userID uuid.UUID) (lockedUser, error) {
	lu := lockedUser{id: userID}
	var bal string
	err := tx.QueryRow(ctx, `
        select balance::text, txn_seq, deleted_at is null
        from users where id = $1
        for update
    `, userID).Scan(&bal, &lu.seq, &lu.live)
	if errors.Is(err, pgx.ErrNoRows) {
		return lu, errs.ErrUserNotFound
	}
	if err != nil {
		return lu, err
	}
	lu.balance, err = parseDecimal(bal)
	return lu, err
}

// appendTxn writes txn with its snapshots and moves the locked user's balance.
func appendTxn(ctx context.Context, tx pgx.Tx, lu *lockedUser, txn ledger.Transaction) (ledger.Transaction, error) {
	lu.seq++
	txn.Seq = lu.seq
	txn.BalanceBefore = lu.balance
	txn.BalanceAfter = lu.balance.Add(txn.Amount)
	md, err := txn.Metadata.MarshalStableJSON()
	if err != nil {
		return ledger.Transaction{}, fmt.Errorf("encode metadata: %w", err)
	}
	var reversal *string
	if txn.ReversalOf != "" {
		reversal = &txn.ReversalOf
	}
	if _, err := tx.Exec(ctx, `
        insert into token_transactions
            (id, user_id, seq, operation_type, operation_id, amount, balance_before, balance_after,
             status, description, metadata, reversal_of, created_at, settled_at)
        values ($1,$2,$3,$4,$5,$6::numeric,$7::numeric,$8::numeric,$9,$10,$11,$12,$13,$14)
    `, txn.ID, txn.UserID, txn.Seq, txn.OperationType, txn.OperationID,
		txn.Amount.String(), txn.BalanceBefore.String(), txn.BalanceAfter.String(),
		txn.Status, txn.Description, md, reversal, txn.CreatedAt, txn.SettledAt); err != nil {
		if isUniqueViolation(err) {
			return ledger.Transaction{}, errs.ErrConflict
		}
		return ledger.Transaction{}, fmt.Errorf("insert transaction: %w", err)
	}
	if _, err := tx.Exec(ctx, `
        update users set balance = $2::numeric, txn_seq = $3 where id = $1
    `, lu.id, txn.BalanceAfter.String(), lu.seq); err != nil {
		return ledger.Transaction{}, fmt.Errorf("update balance: %w", err)
	}
	lu.balance = txn.BalanceAfter
	return txn, nil
}

func (s *Store) withTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) Debit(ctx context.Context, txn ledger.Transaction) (ledger.Transaction, error) {
	var out ledger.Transaction
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		lu, err := lockUser(ctx, tx, txn.UserID)
		if err != nil {
			return err
		}
		if !lu.live {
			return errs.ErrUserNotFound
		}
		need := txn.Amount.Abs()
		if lu.balance.LessThan(need) {
			return errs.NewInsufficientTokens(need, lu.balance)
		}
		out, err = appendTxn(ctx, tx, &lu, txn)
		return err
	})
	return out, err
}

func (s *Store) Credit(ctx context.Context, txn ledger.Transaction) (ledger.Transaction, error) {
	var out ledger.Transaction
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		lu, err := lockUser(ctx, tx, txn.UserID)
		if err != nil {
			return err
		}
		if !lu.live {
			return errs.ErrUserNotFound
		}
		out, err = appendTxn(ctx, tx, &lu, txn)
		return err
	})
	return out, err
}

func (s *Store) Settle(ctx context.Context, req tokens.SettleRequest) (tokens.Settlement, error) {
	var out tokens.Settlement
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		t, err := scanTxn(tx.QueryRow(ctx, `select `+txnColumns+` from token_transactions where id = $1 for update`, req.ID))
		if err != nil {
			return err
		}
		lu, err := lockUser(ctx, tx, t.UserID)
		if err != nil {
			return err
		}
		if t.Status != ledger.StatusPending {
			out = tokens.Settlement{Transaction: t, Balance: lu.balance}
			return nil
		}
		at := req.At.UTC()
		if _, err := tx.Exec(ctx, `
            update token_transactions set status = $2, settled_at = $3 where id = $1 and status = 'pending'
        `, t.ID, req.To, at); err != nil {
			return fmt.Errorf("update status: %w", err)
		}
		t.Status = req.To
		t.SettledAt = &at
		out = tokens.Settlement{Transaction: t, Applied: true}
		if req.To.Cancelled() {
			comp := req.Compensation
			comp.UserID = t.UserID
			comp.OperationType = t.OperationType
			comp.OperationID = t.OperationID
			comp.Amount = t.Reserved()
			comp.ReversalOf = t.ID
			comp, err = appendTxn(ctx, tx, &lu, comp)
			if err != nil {
				return err
			}
			out.Compensation = &comp
		}
		out.Balance = lu.balance
		return nil
	})
	if err != nil {
		return tokens.Settlement{}, err
	}
	return out, nil
}

// --- Ledger reads ---

const txnColumns = `id, user_id, seq, operation_type, operation_id, amount::text, balance_before::text,
    balance_after::text, status, description, metadata, coalesce(reversal_of, ''), created_at, settled_at`

func scanTxn(row scanner) (ledger.Transaction, error) {
	var t ledger.Transaction
	var amount, before, after string
	var md []byte
	err := row.Scan(&t.ID, &t.UserID, &t.Seq, &t.OperationType, &t.OperationID, &amount, &before, &after,
		&t.Status, &t.Description, &md, &t.ReversalOf, &t.CreatedAt, &t.SettledAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Transaction{}, errs.ErrNotFound
	}
	if err != nil {
		return ledger.Transaction{}, err
	}
	if t.Amount, err = parseDecimal(amount); err != nil {
		return ledger.Transaction{}, err
	}
	if t.BalanceBefore, err = parseDecimal(before); err != nil {
		return ledger.Transaction{}, err
	}
	if t.BalanceAfter, err = parseDecimal(after); err != nil {
		return ledger.Transaction{}, err
	}
	if len(md) > 0 {
		var m meta.Metadata
		if err := m.UnmarshalJSON(md); err == nil {
			t.Metadata = m
		}
	}
	return t, nil
}

func collectTxns(rows pgx.Rows) ([]ledger.Transaction, error) {
	defer rows.Close()
	out := make([]ledger.Transaction, 0)
	for rows.Next() {
		t, err := scanTxn(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) TransactionByID(ctx context.Context, txnID string) (ledger.Transaction, error) {
	return scanTxn(s.pool.QueryRow(ctx, `select `+txnColumns+` from token_transactions where id = $1`, txnID))
}

// TransactionsByUser returns a user's records newest-first.
func (s *Store) TransactionsByUser(ctx context.Context, userID uuid.UUID, limit int) ([]ledger.Transaction, error) {
	q := `select ` + txnColumns + ` from token_transactions where user_id = $1 order by seq desc`
	args := []any{userID}
	if limit > 0 {
		q += ` limit $2`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	return collectTxns(rows)
}

func (s *Store) PendingBefore(ctx context.Context, cutoff time.Time) ([]ledger.Transaction, error) {
	rows, err := s.pool.Query(ctx, `
        select `+txnColumns+` from token_transactions
        where status = 'pending' and created_at < $1
        order by created_at asc
    `, cutoff)
	if err != nil {
		return nil, err
	}
	return collectTxns(rows)
}

// where builds a conjunction of conditions with positional args.
type where struct {
	conds []string
	args  []any
}

func (w *where) add(cond string, arg any) {
	w.args = append(w.args, arg)
	w.conds = append(w.conds, strings.ReplaceAll(cond, "?", fmt.Sprintf("$%d", len(w.args))))
}

func (w *where) String() string {
	if len(w.conds) == 0 {
		return ""
	}
	return " where " + strings.Join(w.conds, " and ")
}

// page appends limit/offset placeholders.
func (w *where) page(limit, offset int) string {
	if limit <= 0 {
		return fmt.Sprintf(" offset %d", offset)
	}
	return fmt.Sprintf(" limit %d offset %d", limit, offset)
}

// ListTransactions implements report.Repo. Count and page come from one snapshot.
func (s *Store) ListTransactions(ctx context.Context, f report.TransactionFilter) ([]ledger.Transaction, int, error) {
	w := &where{}
	if f.Status != "" {
		w.add("status = ?", string(f.Status))
	}
	if f.OperationType != "" {
		w.add("operation_type = ?", string(f.OperationType))
	}
	if f.UserID != nil {
		w.add("user_id = ?", *f.UserID)
	}
	var total int
	var out []ledger.Transaction
	err := s.readSnapshot(ctx, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx, `select count(*) from token_transactions`+w.String(), w.args...).Scan(&total); err != nil {
			return err
		}
		rows, err := tx.Query(ctx, `select `+txnColumns+` from token_transactions`+w.String()+
			` order by ordinal desc`+w.page(f.Limit, f.Offset), w.args...)
		if err != nil {
			return err
		}
		out, err = collectTxns(rows)
		return err
	})
	return out, total, err
}

func (s *Store) readSnapshot(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// --- Datasets ---

const datasetColumns = `id, user_id, name, content, reservation_id, cost::text, created_at, deleted_at`

func scanDataset(row scanner) (ledger.Dataset, error) {
	var d ledger.Dataset
	var content []byte
	var cost string
	err := row.Scan(&d.ID, &d.UserID, &d.Name, &content, &d.ReservationID, &cost, &d.CreatedAt, &d.DeletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Dataset{}, errs.ErrNotFound
	}
	if err != nil {
		return ledger.Dataset{}, err
	}
	if err := json.Unmarshal(content, &d.Content); err != nil {
		return ledger.Dataset{}, fmt.Errorf("decode dataset content: %w", err)
	}
	d.Cost, err = parseDecimal(cost)
	return d, err
}

func collectDatasets(rows pgx.Rows) ([]ledger.Dataset, error) {
	defer rows.Close()
	out := make([]ledger.Dataset, 0)
	for rows.Next() {
		d, err := scanDataset(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) CreateDataset(ctx context.Context, d ledger.Dataset) (ledger.Dataset, error) {
	content, err := json.Marshal(d.Content)
	if err != nil {
		return ledger.Dataset{}, err
	}
	_, err = s.pool.Exec(ctx, `
        insert into datasets (id, user_id, name, type, content, reservation_id, cost, created_at)
        values ($1,$2,$3,$4,$5,$6,$7::numeric,$8)
    `, d.ID, d.UserID, d.Name, d.Type(), content, d.ReservationID, d.Cost.String(), d.CreatedAt)
	if isUniqueViolation(err) {
		return ledger.Dataset{}, errs.ErrConflict
	}
	if err != nil {
		return ledger.Dataset{}, err
	}
	return d, nil
}

func (s *Store) DatasetByID(ctx context.Context, datasetID string) (ledger.Dataset, error) {
	return scanDataset(s.pool.QueryRow(ctx, `select `+datasetColumns+` from datasets where id = $1`, datasetID))
}

// DatasetsByUser returns a user's datasets newest-first, deleted ones included.
func (s *Store) DatasetsByUser(ctx context.Context, userID uuid.UUID) ([]ledger.Dataset, error) {
	rows, err := s.pool.Query(ctx, `select `+datasetColumns+` from datasets where user_id = $1 order by ordinal desc`, userID)
	if err != nil {
		return nil, err
	}
	return collectDatasets(rows)
}

func (s *Store) SoftDeleteDataset(ctx context.Context, datasetID string, at time.Time) error {
	ct, err := s.pool.Exec(ctx, `update datasets set deleted_at = $2 where id = $1 and deleted_at is null`, datasetID, at.UTC())
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// ListDatasets implements report.Repo.
func (s *Store) ListDatasets(ctx context.Context, f report.DatasetFilter) ([]ledger.Dataset, int, error) {
	w := &where{}
	if !f.IncludeDeleted {
		w.conds = append(w.conds, "deleted_at is null")
	}
	if f.UserID != nil {
		w.add("user_id = ?", *f.UserID)
	}
	if f.Name != "" {
		w.add("strpos(lower(name), lower(?)) > 0", f.Name)
	}
	if f.Type != "" {
		w.add("type = ?", f.Type)
	}
	var total int
	var out []ledger.Dataset
	err := s.readSnapshot(ctx, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx, `select count(*) from datasets`+w.String(), w.args...).Scan(&total); err != nil {
			return err
		}
		rows, err := tx.Query(ctx, `select `+datasetColumns+` from datasets`+w.String()+
			` order by ordinal desc`+w.page(f.Limit, f.Offset), w.args...)
		if err != nil {
			return err
		}
		out, err = collectDatasets(rows)
		return err
	})
	return out, total, err
}

// --- Inferences ---

const inferenceColumns = `id, user_id, dataset_id, status, reservation_id, cost::text, images, videos, error, created_at, completed_at`

func scanInference(row scanner) (ledger.Inference, error) {
	var inf ledger.Inference
	var cost string
	var images, videos []byte
	err := row.Scan(&inf.ID, &inf.UserID, &inf.DatasetID, &inf.Status, &inf.ReservationID, &cost,
		&images, &videos, &inf.Error, &inf.CreatedAt, &inf.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Inference{}, errs.ErrNotFound
	}
	if err != nil {
		return ledger.Inference{}, err
	}
	if err := json.Unmarshal(images, &inf.Images); err != nil {
		return ledger.Inference{}, err
	}
	if err := json.Unmarshal(videos, &inf.Videos); err != nil {
		return ledger.Inference{}, err
	}
	inf.Cost, err = parseDecimal(cost)
	return inf, err
}

func outputsJSON(inf ledger.Inference) ([]byte, []byte, error) {
	images := inf.Images
	if images == nil {
		images = []ledger.ProcessedImage{}
	}
	videos := inf.Videos
	if videos == nil {
		videos = []ledger.ProcessedVideo{}
	}
	ib, err := json.Marshal(images)
	if err != nil {
		return nil, nil, err
	}
	vb, err := json.Marshal(videos)
	return ib, vb, err
}

func (s *Store) CreateInference(ctx context.Context, inf ledger.Inference) (ledger.Inference, error) {
	images, videos, err := outputsJSON(inf)
	if err != nil {
		return ledger.Inference{}, err
	}
	_, err = s.pool.Exec(ctx, `
        insert into inferences (id, user_id, dataset_id, status, reservation_id, cost, images, videos, error, created_at, completed_at)
        values ($1,$2,$3,$4,$5,$6::numeric,$7,$8,$9,$10,$11)
    `, inf.ID, inf.UserID, inf.DatasetID, inf.Status, inf.ReservationID, inf.Cost.String(),
		images, videos, inf.Error, inf.CreatedAt, inf.CompletedAt)
	if isUniqueViolation(err) {
		return ledger.Inference{}, errs.ErrConflict
	}
	if err != nil {
		return ledger.Inference{}, err
	}
	return inf, nil
}

func (s *Store) UpdateInference(ctx context.Context, inf ledger.Inference) (ledger.Inference, error) {
	images, videos, err := outputsJSON(inf)
	if err != nil {
		return ledger.Inference{}, err
	}
	ct, err := s.pool.Exec(ctx, `
        update inferences
        set status=$2, images=$3, videos=$4, error=$5, completed_at=$6
        where id=$1
    `, inf.ID, inf.Status, images, videos, inf.Error, inf.CompletedAt)
	if err != nil {
		return ledger.Inference{}, err
	}
	if ct.RowsAffected() == 0 {
		return ledger.Inference{}, errs.ErrNotFound
	}
	return inf, nil
}

func (s *Store) DeleteInference(ctx context.Context, inferenceID string) error {
	ct, err := s.pool.Exec(ctx, `delete from inferences where id = $1`, inferenceID)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

func (s *Store) InferenceByID(ctx context.Context, inferenceID string) (ledger.Inference, error) {
	return scanInference(s.pool.QueryRow(ctx, `select `+inferenceColumns+` from inferences where id = $1`, inferenceID))
}
