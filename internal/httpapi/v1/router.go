// Package v1 is the HTTP surface of the token ledger.
// Handlers stay thin and delegate business rules to the service layer.
package v1

import (
	"log/slog"
	"net/http"
	"time"

	chi "github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"

	"github.com/tinoosan/tokenledger/internal/service/dataset"
	"github.com/tinoosan/tokenledger/internal/service/inference"
	"github.com/tinoosan/tokenledger/internal/service/report"
	"github.com/tinoosan/tokenledger/internal/service/tokens"
)

// Deps are the collaborators the handlers call.
type Deps struct {
	Tokens     tokens.Service
	Datasets   dataset.Service
	Inferences inference.Service
	Reports    report.Service
	Users      UserReader
	// Ready is probed by /readyz; nil means always ready.
	Ready ReadyChecker
}

// Options tune request validation and auth.
type Options struct {
	MaxRecharge decimal.Decimal
	// SweepAge is the default age for POST /v1/admin/reservations/sweep.
	SweepAge time.Duration
	JWT      JWTConfig
}

// Server wires handlers and middleware using Chi.
type Server struct {
	tokens     tokens.Service
	datasets   dataset.Service
	inferences inference.Service
	reports    report.Service
	users      UserReader
	ready      ReadyChecker
	opts       Options
	log        *slog.Logger
	rt         *chi.Mux
}

// New constructs the HTTP server with routes and middleware.
// The logger is used by request logging and panic recovery.
func New(deps Deps, opts Options, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.SweepAge <= 0 {
		opts.SweepAge = time.Hour
	}
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(requestLogger(logger))
	r.Use(recoverer(logger))
	r.Use(metricsMiddleware)
	r.Use(authenticate(opts.JWT))

	s := &Server{
		tokens:     deps.Tokens,
		datasets:   deps.Datasets,
		inferences: deps.Inferences,
		reports:    deps.Reports,
		users:      deps.Users,
		ready:      deps.Ready,
		opts:       opts,
		log:        logger,
		rt:         r,
	}
	s.routes()
	return s
}

// Handler exposes the configured http.Handler.
func (s *Server) Handler() http.Handler { return s.rt }

// routes declares the public HTTP API endpoints and attaches any per-route middleware.
func (s *Server) routes() {
	// Users (v1)
	s.rt.Route("/v1/users/{id}", func(r chi.Router) {
		r.Use(s.userParam)
		r.Get("/balance", s.getBalance)
		r.Get("/transactions", s.getTransactions)
		r.Get("/integrity", s.getIntegrity)
	})
	// Datasets (v1)
	s.rt.With(s.validateUpload).Post("/v1/datasets", s.postDataset)
	s.rt.With(s.ownerQuery).Get("/v1/datasets", s.listDatasets)
	s.rt.With(s.ownerQuery).Get("/v1/datasets/{id}", s.getDataset)
	s.rt.With(s.ownerQuery).Delete("/v1/datasets/{id}", s.deleteDataset)
	// Inferences (v1)
	s.rt.With(s.validateInference).Post("/v1/inferences", s.postInference)
	s.rt.With(s.ownerQuery).Get("/v1/inferences/{id}", s.getInference)
	// Pricing (v1)
	s.rt.Post("/v1/pricing/estimate", s.postEstimate)
	// Admin (v1)
	s.rt.Route("/v1/admin", func(r chi.Router) {
		r.Use(s.requireAdmin)
		r.With(s.validateRecharge).Post("/recharge", s.postRecharge)
		r.Get("/transactions", s.adminTransactions)
		r.Get("/datasets", s.adminDatasets)
		r.Post("/reservations/sweep", s.postSweep)
	})
	// Health and metrics (unversioned)
	s.rt.Get("/healthz", s.healthz)
	s.rt.Get("/readyz", s.readyz)
	s.rt.Method(http.MethodGet, "/metrics", metricsHandler())
}
