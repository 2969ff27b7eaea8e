package tokens

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tinoosan/tokenledger/internal/errs"
	"github.com/tinoosan/tokenledger/internal/ledger"
)

// SweepReport summarises one stale-reservation sweep.
type SweepReport struct {
	Cutoff         time.Time       `json:"cutoff"`
	Scanned        int             `json:"scanned"`
	Aborted        []string        `json:"aborted"`
	TokensReleased decimal.Decimal `json:"tokens_released"`
	Failed         int             `json:"failed"`
}

// SweepStale aborts reservations that have been pending longer than olderThan
// and credits their tokens back. Records settled concurrently are skipped.
func (s *service) SweepStale(ctx context.Context, olderThan time.Duration) (SweepReport, error) {
	if olderThan <= 0 {
		return SweepReport{}, fmt.Errorf("%w: sweep age must be > 0", errs.ErrInvalid)
	}
	cutoff := s.now().UTC().Add(-olderThan)
	rep := SweepReport{Cutoff: cutoff, Aborted: []string{}, TokensReleased: decimal.Zero}
	stale, err := s.repo.PendingBefore(ctx, cutoff)
	if err != nil {
		return rep, errs.Storage("sweep", err)
	}
	rep.Scanned = len(stale)
	var failures []error
	for _, txn := range stale {
		if err := ctx.Err(); err != nil {
			failures = append(failures, err)
			break
		}
		st, err := s.settle(ctx, txn.ID, ledger.StatusAborted)
		if err != nil {
			rep.Failed++
			failures = append(failures, fmt.Errorf("abort %s: %w", txn.ID, err))
			s.log.Error("stale reservation abort failed", "reservation_id", txn.ID, "err", err)
			continue
		}
		if !st.Applied {
			continue
		}
		settlementsTotal.WithLabelValues("abort", "applied").Inc()
		tokensMoved.WithLabelValues("released").Add(st.Transaction.Reserved().InexactFloat64())
		s.remember(ctx, st.Transaction.UserID, st.Balance)
		rep.Aborted = append(rep.Aborted, txn.ID)
		rep.TokensReleased = rep.TokensReleased.Add(st.Transaction.Reserved())
		s.log.Warn("stale reservation aborted",
			"reservation_id", txn.ID,
			"user_id", txn.UserID,
			"operation_type", txn.OperationType,
			"amount", st.Transaction.Reserved().String(),
			"created_at", txn.CreatedAt,
		)
	}
	return rep, errors.Join(failures...)
}

// StartSweeper runs SweepStale every interval until ctx is done.
// It returns immediately; interval <= 0 disables the sweeper.
func StartSweeper(ctx context.Context, svc Service, interval, olderThan time.Duration, log interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}) {
	if interval <= 0 {
		return
	}
	log.Info("starting stale reservation sweeper", "interval", interval.String(), "ttl", olderThan.String())
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				log.Info("stale reservation sweeper stopped")
				return
			case <-ticker.C:
				rep, err := svc.SweepStale(ctx, olderThan)
				if err != nil {
					log.Error("stale reservation sweep failed", "err", err)
					continue
				}
				if len(rep.Aborted) > 0 {
					log.Info("stale reservation sweep complete", "aborted", len(rep.Aborted), "tokens", rep.TokensReleased.String())
				}
			}
		}
	}()
}
