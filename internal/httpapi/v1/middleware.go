package v1

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	chi "github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/tinoosan/tokenledger/internal/errs"
	"github.com/tinoosan/tokenledger/internal/ledger"
	"github.com/tinoosan/tokenledger/internal/service/dataset"
	"github.com/tinoosan/tokenledger/internal/service/inference"
	"github.com/tinoosan/tokenledger/internal/service/report"
	"github.com/tinoosan/tokenledger/internal/service/tokens"
)

type ctxKey string

const (
	ctxKeyUser      ctxKey = "targetUser"
	ctxKeyAdmin     ctxKey = "adminUser"
	ctxKeyUpload    ctxKey = "validatedUpload"
	ctxKeyInference ctxKey = "validatedInference"
	ctxKeyRecharge  ctxKey = "validatedRecharge"
)

func targetUser(r *http.Request) uuid.UUID {
	id, _ := r.Context().Value(ctxKeyUser).(uuid.UUID)
	return id
}

// authorize lets callers act on their own resources and admins act on anyone's.
// Without an authenticated caller (dev mode) every request is allowed.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request, target uuid.UUID) bool {
	caller, ok := callerFrom(r.Context())
	if !ok || caller == target {
		return true
	}
	if s.isAdmin(r.Context(), caller) {
		return true
	}
	forbidden(w, "caller may not act for this user")
	return false
}

func (s *Server) isAdmin(ctx context.Context, id uuid.UUID) bool {
	if s.users == nil {
		return false
	}
	u, err := s.users.UserByID(ctx, id)
	return err == nil && u.Exists() && u.IsAdmin
}

// userParam parses the {id} path segment and checks the caller may read it.
func (s *Server) userParam(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			badRequest(w, "invalid user id")
			return
		}
		if !s.authorize(w, r, id) {
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKeyUser, id)))
	})
}

// ownerQuery resolves the owning user from ?user_id=, falling back to the caller.
func (s *Server) ownerQuery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := s.ownerOf(w, r, r.URL.Query().Get("user_id"))
		if !ok {
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKeyUser, id)))
	})
}

// ownerOf parses raw (or takes the caller when raw is empty) and authorizes it.
func (s *Server) ownerOf(w http.ResponseWriter, r *http.Request, raw string) (uuid.UUID, bool) {
	var id uuid.UUID
	if raw == "" {
		caller, ok := callerFrom(r.Context())
		if !ok {
			badRequest(w, "user_id is required")
			return uuid.Nil, false
		}
		id = caller
	} else {
		parsed, err := uuid.Parse(raw)
		if err != nil {
			badRequest(w, "invalid user_id")
			return uuid.Nil, false
		}
		id = parsed
	}
	if !s.authorize(w, r, id) {
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) validateUpload(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body uploadRequest
		if !decodeJSON(w, r, &body) {
			return
		}
		raw := ""
		if body.UserID != uuid.Nil {
			raw = body.UserID.String()
		}
		owner, ok := s.ownerOf(w, r, raw)
		if !ok {
			return
		}
		req := dataset.UploadRequest{UserID: owner, Name: body.Name, Content: body.Content}
		if err := dataset.Validate(req); err != nil {
			s.writeServiceErr(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKeyUpload, req)))
	})
}

func (s *Server) validateInference(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body inferenceRequest
		if !decodeJSON(w, r, &body) {
			return
		}
		if strings.TrimSpace(body.DatasetID) == "" {
			badRequest(w, "dataset_id is required")
			return
		}
		raw := ""
		if body.UserID != uuid.Nil {
			raw = body.UserID.String()
		}
		owner, ok := s.ownerOf(w, r, raw)
		if !ok {
			return
		}
		req := inference.CreateRequest{UserID: owner, DatasetID: strings.TrimSpace(body.DatasetID)}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKeyInference, req)))
	})
}

// requireAdmin rejects anonymous callers and callers without the admin flag.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, ok := callerFrom(r.Context())
		if !ok {
			writeErr(w, http.StatusUnauthorized, "authentication required", "unauthorized")
			return
		}
		if !s.isAdmin(r.Context(), caller) {
			forbidden(w, "admin privileges required")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKeyAdmin, caller)))
	})
}

func (s *Server) validateRecharge(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body rechargeRequest
		if !decodeJSON(w, r, &body) {
			return
		}
		if strings.TrimSpace(body.TargetEmail) == "" {
			badRequest(w, "target_email is required")
			return
		}
		if err := s.checkRechargeAmount(body); err != nil {
			unprocessable(w, err.Error(), "invalid_amount")
			return
		}
		admin, _ := r.Context().Value(ctxKeyAdmin).(uuid.UUID)
		req := tokens.RechargeRequest{
			AdminID:     admin,
			TargetEmail: body.TargetEmail,
			Amount:      body.Amount,
			Description: body.Description,
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKeyRecharge, req)))
	})
}

func (s *Server) checkRechargeAmount(body rechargeRequest) error {
	switch {
	case !body.Amount.IsPositive():
		return errors.New("amount must be positive")
	case !body.Amount.Equal(body.Amount.Round(2)):
		return errors.New("amount may have at most 2 decimal places")
	case s.opts.MaxRecharge.IsPositive() && body.Amount.GreaterThan(s.opts.MaxRecharge):
		return fmt.Errorf("amount exceeds maximum of %s", s.opts.MaxRecharge.String())
	}
	return nil
}

// Query parsing

func intParam(q map[string][]string, key string) (int, error) {
	vals := q[key]
	if len(vals) == 0 || vals[0] == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(vals[0])
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", errs.ErrInvalid, key)
	}
	return n, nil
}

func uuidParam(raw, key string) (*uuid.UUID, error) {
	if raw == "" {
		return nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid %s", errs.ErrInvalid, key)
	}
	return &id, nil
}

func parseTransactionQuery(r *http.Request) (report.TransactionQuery, error) {
	q := r.URL.Query()
	var out report.TransactionQuery
	var err error
	if out.Page, err = intParam(q, "page"); err != nil {
		return out, err
	}
	if out.Limit, err = intParam(q, "limit"); err != nil {
		return out, err
	}
	if out.UserID, err = uuidParam(q.Get("user_id"), "user_id"); err != nil {
		return out, err
	}
	out.Status = ledger.Status(q.Get("status"))
	out.OperationType = ledger.OperationType(q.Get("operation_type"))
	return out, nil
}

func parseDatasetQuery(r *http.Request) (report.DatasetQuery, error) {
	q := r.URL.Query()
	var out report.DatasetQuery
	var err error
	if out.Page, err = intParam(q, "page"); err != nil {
		return out, err
	}
	if out.Limit, err = intParam(q, "limit"); err != nil {
		return out, err
	}
	if out.UserID, err = uuidParam(q.Get("user_id"), "user_id"); err != nil {
		return out, err
	}
	out.Name = q.Get("name")
	out.Type = q.Get("type")
	if raw := q.Get("include_deleted"); raw != "" {
		if out.IncludeDeleted, err = strconv.ParseBool(raw); err != nil {
			return out, fmt.Errorf("%w: include_deleted must be a boolean", errs.ErrInvalid)
		}
	}
	return out, nil
}

// sweepAge reads ?older_than= as a Go duration, defaulting to the configured age.
func (s *Server) sweepAge(r *http.Request) (time.Duration, error) {
	raw := r.URL.Query().Get("older_than")
	if raw == "" {
		return s.opts.SweepAge, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%w: older_than must be a positive duration", errs.ErrInvalid)
	}
	return d, nil
}
