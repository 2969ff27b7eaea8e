package tokens

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Integrity is the result of replaying a user's ledger.
type Integrity struct {
	UserID   uuid.UUID       `json:"user_id"`
	Balance  decimal.Decimal `json:"balance"`
	Replayed decimal.Decimal `json:"replayed"`
	Records  int             `json:"records"`
	Valid    bool            `json:"valid"`
	Problems []string        `json:"problems,omitempty"`
}

// Verify replays every record for the user in creation order and checks the
// sum against the stored balance and each record's snapshots.
func (s *service) Verify(ctx context.Context, userID uuid.UUID) (Integrity, error) {
	u, err := s.repo.UserByID(ctx, userID)
	if err != nil {
		return Integrity{}, userErr(err, "verify")
	}
	txns, err := s.repo.TransactionsByUser(ctx, userID, 0)
	if err != nil {
		return Integrity{}, userErr(err, "verify")
	}
	out := Integrity{UserID: userID, Balance: u.Balance, Replayed: decimal.Zero, Records: len(txns)}
	// history is newest-first
	for i := len(txns) - 1; i >= 0; i-- {
		t := txns[i]
		if !t.BalanceBefore.Equal(out.Replayed) {
			out.Problems = append(out.Problems, fmt.Sprintf("%s: balance_before %s, replayed %s", t.ID, t.BalanceBefore, out.Replayed))
		}
		if !t.BalanceBefore.Add(t.Amount).Equal(t.BalanceAfter) {
			out.Problems = append(out.Problems, fmt.Sprintf("%s: balance_after %s != before %s + amount %s", t.ID, t.BalanceAfter, t.BalanceBefore, t.Amount))
		}
		if t.BalanceAfter.IsNegative() {
			out.Problems = append(out.Problems, fmt.Sprintf("%s: negative balance %s", t.ID, t.BalanceAfter))
		}
		out.Replayed = out.Replayed.Add(t.Amount)
	}
	if !out.Replayed.Equal(u.Balance) {
		out.Problems = append(out.Problems, fmt.Sprintf("replayed %s, stored %s", out.Replayed, u.Balance))
	}
	out.Valid = len(out.Problems) == 0
	return out, nil
}
