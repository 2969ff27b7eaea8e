package memory

import (
	"github.com/tinoosan/tokenledger/internal/service/dataset"
	"github.com/tinoosan/tokenledger/internal/service/inference"
	"github.com/tinoosan/tokenledger/internal/service/report"
	"github.com/tinoosan/tokenledger/internal/service/tokens"
)

// Compile-time interface assertions documenting which interfaces Store satisfies.
var (
	_ tokens.Repo      = (*Store)(nil)
	_ tokens.Writer    = (*Store)(nil)
	_ dataset.Repo     = (*Store)(nil)
	_ dataset.Writer   = (*Store)(nil)
	_ inference.Repo   = (*Store)(nil)
	_ inference.Writer = (*Store)(nil)
	_ report.Repo      = (*Store)(nil)
)
