// Package boltdb provides an embedded, file-backed store on BoltDB.
//
// Bolt allows one read-write transaction at a time, so each Debit, Credit and
// Settle runs its read-check-write sequence inside a single db.Update and can
// never interleave with another mutation. Values are JSON documents; ordering
// indexes use zero-padded or big-endian sequence keys so cursors iterate in
// write order.
package boltdb

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tinoosan/tokenledger/internal/errs"
	"github.com/tinoosan/tokenledger/internal/ledger"
	"github.com/tinoosan/tokenledger/internal/service/report"
	"github.com/tinoosan/tokenledger/internal/service/tokens"
)

var (
	bucketUsers      = []byte("users")
	bucketEmails     = []byte("emails")
	bucketTxns       = []byte("transactions")
	bucketUserTxns   = []byte("user_transactions")
	bucketTxnOrder   = []byte("transaction_order")
	bucketPending    = []byte("pending")
	bucketDatasets   = []byte("datasets")
	bucketDSOrder    = []byte("dataset_order")
	bucketInferences = []byte("inferences")

	allBuckets = [][]byte{
		bucketUsers, bucketEmails, bucketTxns, bucketUserTxns, bucketTxnOrder,
		bucketPending, bucketDatasets, bucketDSOrder, bucketInferences,
	}
)

// userRecord is the stored form of a user with its record sequence.
type userRecord struct {
	ledger.User
	Seq int64 `json:"seq"`
}

// Store wraps a Bolt database and implements every repository and writer.
type Store struct {
	db *bolt.DB
}

// Open opens (or creates) the database file at path and ensures all buckets exist.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the database file lock.
func (s *Store) Close() error { return s.db.Close() }

// Ready runs an empty read transaction.
func (s *Store) Ready(context.Context) error {
	return s.db.View(func(*bolt.Tx) error { return nil })
}

// --- encoding helpers ---

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func userTxnKey(userID uuid.UUID, seq int64) []byte {
	return []byte(fmt.Sprintf("%s/%020d", userID, seq))
}

func userPrefix(userID uuid.UUID) []byte { return []byte(userID.String() + "/") }

func getJSON(b *bolt.Bucket, key []byte, v any) error {
	raw := b.Get(key)
	if raw == nil {
		return errs.ErrNotFound
	}
	return json.Unmarshal(raw, v)
}

func putJSON(b *bolt.Bucket, key []byte, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, raw)
}

// reverseScan walks keys with prefix from last to first until fn returns false.
func reverseScan(c *bolt.Cursor, prefix []byte, fn func(k, v []byte) (bool, error)) error {
	seek := make([]byte, len(prefix)+1)
	copy(seek, prefix)
	seek[len(prefix)] = 0xFF
	k, v := c.Seek(seek)
	if k == nil {
		k, v = c.Last()
	} else {
		k, v = c.Prev()
	}
	for ; k != nil && bytes.HasPrefix(k, prefix); k, v = c.Prev() {
		more, err := fn(k, v)
		if err != nil || !more {
			return err
		}
	}
	return nil
}

func loadUser(tx *bolt.Tx, userID uuid.UUID) (userRecord, error) {
	var u userRecord
	err := getJSON(tx.Bucket(bucketUsers), []byte(userID.String()), &u)
	return u, err
}

func loadTxn(tx *bolt.Tx, txnID []byte) (ledger.Transaction, error) {
	var t ledger.Transaction
	err := getJSON(tx.Bucket(bucketTxns), txnID, &t)
	return t, err
}

// --- Users ---

func (s *Store) CreateUser(_ context.Context, u ledger.User) (ledger.User, error) {
	u.Email = strings.ToLower(u.Email)
	u.Balance = decimal.Zero
	err := s.db.Update(func(tx *bolt.Tx) error {
		emails := tx.Bucket(bucketEmails)
		if emails.Get([]byte(u.Email)) != nil {
			return errs.ErrConflict
		}
		if err := emails.Put([]byte(u.Email), []byte(u.ID.String())); err != nil {
			return err
		}
		return putJSON(tx.Bucket(bucketUsers), []byte(u.ID.String()), userRecord{User: u})
	})
	if err != nil {
		return ledger.User{}, err
	}
	return u, nil
}

func (s *Store) UserByID(_ context.Context, userID uuid.UUID) (ledger.User, error) {
	var u userRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		u, err = loadUser(tx, userID)
		return err
	})
	return u.User, err
}

// UserByEmail resolves a live user by email.
func (s *Store) UserByEmail(_ context.Context, email string) (ledger.User, error) {
	var u userRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketEmails).Get([]byte(strings.ToLower(email)))
		if raw == nil {
			return errs.ErrNotFound
		}
		id, err := uuid.ParseBytes(raw)
		if err != nil {
			return err
		}
		u, err = loadUser(tx, id)
		return err
	})
	if err != nil {
		return ledger.User{}, err
	}
	if !u.Exists() {
		return ledger.User{}, errs.ErrNotFound
	}
	return u.User, nil
}

func (s *Store) UsersByIDs(_ context.Context, ids []uuid.UUID) (map[uuid.UUID]ledger.User, error) {
	out := make(map[uuid.UUID]ledger.User, len(ids))
	err := s.db.View(func(tx *bolt.Tx) error {
		for _, id := range ids {
			if _, seen := out[id]; seen {
				continue
			}
			u, err := loadUser(tx, id)
			if errors.Is(err, errs.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			out[id] = u.User
		}
		return nil
	})
	return out, err
}

// DeleteUser marks a user deleted and frees their email.
func (s *Store) DeleteUser(_ context.Context, userID uuid.UUID, at time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		u, err := loadUser(tx, userID)
		if err != nil {
			return err
		}
		if u.DeletedAt != nil {
			return errs.ErrNotFound
		}
		at = at.UTC()
		u.DeletedAt = &at
		if err := tx.Bucket(bucketEmails).Delete([]byte(u.Email)); err != nil {
			return err
		}
		return putJSON(tx.Bucket(bucketUsers), []byte(userID.String()), u)
	})
}

func (s *Store) AllBalances(_ context.Context) (map[uuid.UUID]decimal.Decimal, error) {
	out := map[uuid.UUID]decimal.Decimal{}
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketUsers).ForEach(func(_, v []byte) error {
			var u userRecord
			if err := json.Unmarshal(v, &u); err != nil {
				return err
			}
			if u.Exists() {
				out[u.ID] = u.Balance
			}
			return nil
		})
	})
	return out, err
}

// --- Ledger writes ---

func (s *Store) Debit(_ context.Context, txn ledger.Transaction) (ledger.Transaction, error) {
	err := s.db.Update(func(tx *bolt.Tx) error {
		u, err := loadUser(tx, txn.UserID)
		if errors.Is(err, errs.ErrNotFound) || (err == nil && !u.Exists()) {
			return errs.ErrUserNotFound
		}
		if err != nil {
			return err
		}
		need := txn.Amount.Abs()
		if u.Balance.LessThan(need) {
			return errs.NewInsufficientTokens(need, u.Balance)
		}
		txn, err = appendTxn(tx, &u, txn)
		return err
	})
	if err != nil {
		return ledger.Transaction{}, err
	}
	return txn, nil
}

func (s *Store) Credit(_ context.Context, txn ledger.Transaction) (ledger.Transaction, error) {
	err := s.db.Update(func(tx *bolt.Tx) error {
		u, err := loadUser(tx, txn.UserID)
		if errors.Is(err, errs.ErrNotFound) || (err == nil && !u.Exists()) {
			return errs.ErrUserNotFound
		}
		if err != nil {
			return err
		}
		txn, err = appendTxn(tx, &u, txn)
		return err
	})
	if err != nil {
		return ledger.Transaction{}, err
	}
	return txn, nil
}

func (s *Store) Settle(_ context.Context, req tokens.SettleRequest) (tokens.Settlement, error) {
	var out tokens.Settlement
	err := s.db.Update(func(tx *bolt.Tx) error {
		t, err := loadTxn(tx, []byte(req.ID))
		if err != nil {
			return err
		}
		u, err := loadUser(tx, t.UserID)
		if err != nil {
			return err
		}
		if t.Status != ledger.StatusPending {
			out = tokens.Settlement{Transaction: t, Balance: u.Balance}
			return nil
		}
		at := req.At.UTC()
		t.Status = req.To
		t.SettledAt = &at
		if err := putJSON(tx.Bucket(bucketTxns), []byte(t.ID), t); err != nil {
			return err
		}
		if err := tx.Bucket(bucketPending).Delete([]byte(t.ID)); err != nil {
			return err
		}
		out = tokens.Settlement{Transaction: t, Applied: true}
		if req.To.Cancelled() {
			comp := req.Compensation
			comp.UserID = t.UserID
			comp.OperationType = t.OperationType
			comp.OperationID = t.OperationID
			comp.Amount = t.Reserved()
			comp.ReversalOf = t.ID
			comp, err = appendTxn(tx, &u, comp)
			if err != nil {
				return err
			}
			out.Compensation = &comp
		}
		out.Balance = u.Balance
		return nil
	})
	if err != nil {
		return tokens.Settlement{}, err
	}
	return out, nil
}

// appendTxn applies txn.Amount to u, writes the record and its indexes, and
// saves u. It must run inside an Update transaction.
func appendTxn(tx *bolt.Tx, u *userRecord, txn ledger.Transaction) (ledger.Transaction, error) {
	u.Seq++
	txn.Seq = u.Seq
	txn.BalanceBefore = u.Balance
	txn.BalanceAfter = u.Balance.Add(txn.Amount)
	u.Balance = txn.BalanceAfter

	txns := tx.Bucket(bucketTxns)
	if txns.Get([]byte(txn.ID)) != nil {
		return ledger.Transaction{}, errs.ErrConflict
	}
	if err := putJSON(txns, []byte(txn.ID), txn); err != nil {
		return ledger.Transaction{}, err
	}
	if err := tx.Bucket(bucketUserTxns).Put(userTxnKey(txn.UserID, txn.Seq), []byte(txn.ID)); err != nil {
		return ledger.Transaction{}, err
	}
	order := tx.Bucket(bucketTxnOrder)
	n, err := order.NextSequence()
	if err != nil {
		return ledger.Transaction{}, err
	}
	if err := order.Put(itob(n), []byte(txn.ID)); err != nil {
		return ledger.Transaction{}, err
	}
	if txn.Status == ledger.StatusPending {
		if err := tx.Bucket(bucketPending).Put([]byte(txn.ID), nil); err != nil {
			return ledger.Transaction{}, err
		}
	}
	if err := putJSON(tx.Bucket(bucketUsers), []byte(u.ID.String()), u); err != nil {
		return ledger.Transaction{}, err
	}
	return txn, nil
}

// --- Ledger reads ---

func (s *Store) TransactionByID(_ context.Context, txnID string) (ledger.Transaction, error) {
	var t ledger.Transaction
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		t, err = loadTxn(tx, []byte(txnID))
		return err
	})
	return t, err
}

// TransactionsByUser returns a user's records newest-first.
func (s *Store) TransactionsByUser(_ context.Context, userID uuid.UUID, limit int) ([]ledger.Transaction, error) {
	out := make([]ledger.Transaction, 0)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketUserTxns).Cursor()
		return reverseScan(c, userPrefix(userID), func(_, v []byte) (bool, error) {
			t, err := loadTxn(tx, v)
			if err != nil {
				return false, err
			}
			out = append(out, t)
			return limit <= 0 || len(out) < limit, nil
		})
	})
	return out, err
}

func (s *Store) PendingBefore(_ context.Context, cutoff time.Time) ([]ledger.Transaction, error) {
	out := make([]ledger.Transaction, 0)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPending).ForEach(func(k, _ []byte) error {
			t, err := loadTxn(tx, k)
			if err != nil {
				return err
			}
			if t.Status == ledger.StatusPending && t.CreatedAt.Before(cutoff) {
				out = append(out, t)
			}
			return nil
		})
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, err
}

// ListTransactions implements report.Repo, newest-first.
func (s *Store) ListTransactions(_ context.Context, f report.TransactionFilter) ([]ledger.Transaction, int, error) {
	matched := make([]ledger.Transaction, 0)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketTxnOrder).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			t, err := loadTxn(tx, v)
			if err != nil {
				return err
			}
			if f.Match(t) {
				matched = append(matched, t)
			}
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return report.Paginate(matched, f.Offset, f.Limit), len(matched), nil
}

// --- Datasets ---

func (s *Store) CreateDataset(_ context.Context, d ledger.Dataset) (ledger.Dataset, error) {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDatasets)
		if b.Get([]byte(d.ID)) != nil {
			return errs.ErrConflict
		}
		if err := putJSON(b, []byte(d.ID), d); err != nil {
			return err
		}
		order := tx.Bucket(bucketDSOrder)
		n, err := order.NextSequence()
		if err != nil {
			return err
		}
		return order.Put(itob(n), []byte(d.ID))
	})
	if err != nil {
		return ledger.Dataset{}, err
	}
	return d, nil
}

func (s *Store) DatasetByID(_ context.Context, datasetID string) (ledger.Dataset, error) {
	var d ledger.Dataset
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(bucketDatasets), []byte(datasetID), &d)
	})
	return d, err
}

// DatasetsByUser returns a user's datasets newest-first, deleted ones included.
func (s *Store) DatasetsByUser(ctx context.Context, userID uuid.UUID) ([]ledger.Dataset, error) {
	rows, _, err := s.ListDatasets(ctx, report.DatasetFilter{UserID: &userID, IncludeDeleted: true})
	return rows, err
}

func (s *Store) SoftDeleteDataset(_ context.Context, datasetID string, at time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDatasets)
		var d ledger.Dataset
		if err := getJSON(b, []byte(datasetID), &d); err != nil {
			return err
		}
		if d.DeletedAt != nil {
			return errs.ErrNotFound
		}
		at = at.UTC()
		d.DeletedAt = &at
		return putJSON(b, []byte(d.ID), d)
	})
}

// ListDatasets implements report.Repo, newest-first.
func (s *Store) ListDatasets(_ context.Context, f report.DatasetFilter) ([]ledger.Dataset, int, error) {
	matched := make([]ledger.Dataset, 0)
	err := s.db.View(func(tx *bolt.Tx) error {
		datasets := tx.Bucket(bucketDatasets)
		c := tx.Bucket(bucketDSOrder).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var d ledger.Dataset
			if err := getJSON(datasets, v, &d); err != nil {
				return err
			}
			if f.Match(d) {
				matched = append(matched, d)
			}
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return report.Paginate(matched, f.Offset, f.Limit), len(matched), nil
}

// --- Inferences ---

func (s *Store) CreateInference(_ context.Context, inf ledger.Inference) (ledger.Inference, error) {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInferences)
		if b.Get([]byte(inf.ID)) != nil {
			return errs.ErrConflict
		}
		return putJSON(b, []byte(inf.ID), inf)
	})
	if err != nil {
		return ledger.Inference{}, err
	}
	return inf, nil
}

func (s *Store) UpdateInference(_ context.Context, inf ledger.Inference) (ledger.Inference, error) {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInferences)
		if b.Get([]byte(inf.ID)) == nil {
			return errs.ErrNotFound
		}
		return putJSON(b, []byte(inf.ID), inf)
	})
	if err != nil {
		return ledger.Inference{}, err
	}
	return inf, nil
}

func (s *Store) DeleteInference(_ context.Context, inferenceID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInferences)
		if b.Get([]byte(inferenceID)) == nil {
			return errs.ErrNotFound
		}
		return b.Delete([]byte(inferenceID))
	})
}

func (s *Store) InferenceByID(_ context.Context, inferenceID string) (ledger.Inference, error) {
	var inf ledger.Inference
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(bucketInferences), []byte(inferenceID), &inf)
	})
	return inf, err
}
