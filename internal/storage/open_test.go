package storage

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinoosan/tokenledger/internal/config"
	"github.com/tinoosan/tokenledger/internal/storage/boltdb"
	"github.com/tinoosan/tokenledger/internal/storage/memory"
)

func TestOpen(t *testing.T) {
	ctx := context.Background()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	b, err := Open(ctx, &config.Config{Storage: config.StorageMemory}, log)
	require.NoError(t, err)
	assert.IsType(t, &memory.Store{}, b)

	b, err = Open(ctx, &config.Config{Storage: config.StorageBolt, BoltPath: filepath.Join(t.TempDir(), "x.db")}, log)
	require.NoError(t, err)
	assert.IsType(t, &boltdb.Store{}, b)
	require.NoError(t, b.Ready(ctx))
	require.NoError(t, b.Close())

	_, err = Open(ctx, &config.Config{Storage: "sqlite"}, log)
	assert.Error(t, err)
}
