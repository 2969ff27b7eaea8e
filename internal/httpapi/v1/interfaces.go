package v1

import (
	"context"

	"github.com/google/uuid"

	"github.com/tinoosan/tokenledger/internal/ledger"
)

// UserReader resolves callers for admin checks.
type UserReader interface {
	UserByID(ctx context.Context, userID uuid.UUID) (ledger.User, error)
}

// ReadyChecker is optionally implemented by stores to indicate readiness.
type ReadyChecker interface {
	Ready(ctx context.Context) error
}
