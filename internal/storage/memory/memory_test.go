package memory

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinoosan/tokenledger/internal/ledger"
	"github.com/tinoosan/tokenledger/internal/storage/storetest"
)

func TestStoreConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storetest.Store { return New() })
}

func TestReset(t *testing.T) {
	ctx := context.Background()
	s := New()
	u, err := s.CreateUser(ctx, ledger.User{ID: uuid.New(), Email: "a@example.com", CreatedAt: time.Now()})
	require.NoError(t, err)
	s.Reset()
	_, err = s.UserByID(ctx, u.ID)
	assert.Error(t, err)
	_, err = s.CreateUser(ctx, ledger.User{ID: uuid.New(), Email: "a@example.com", CreatedAt: time.Now()})
	assert.NoError(t, err)
}
