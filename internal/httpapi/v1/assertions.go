package v1

import "github.com/tinoosan/tokenledger/internal/storage/memory"

// Compile-time interface assertions for the in-memory Store against HTTP API interfaces.
var (
	_ UserReader   = (*memory.Store)(nil)
	_ ReadyChecker = (*memory.Store)(nil)
)
