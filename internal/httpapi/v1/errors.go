package v1

import (
	"context"
	"errors"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/tinoosan/tokenledger/internal/errs"
)

// errorResponse is the standard error payload for the API.
type errorResponse struct {
	Error   string            `json:"error"`
	Code    string            `json:"code,omitempty"`
	Details *shortfallDetails `json:"details,omitempty"`
}

// shortfallDetails tells a client how many tokens are missing.
type shortfallDetails struct {
	Required  decimal.Decimal `json:"required"`
	Current   decimal.Decimal `json:"current"`
	Shortfall decimal.Decimal `json:"shortfall"`
}

func writeErr(w http.ResponseWriter, status int, msg, code string) {
	toJSON(w, status, errorResponse{Error: msg, Code: code})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeErr(w, http.StatusBadRequest, msg, "bad_request")
}

func unprocessable(w http.ResponseWriter, msg, code string) {
	writeErr(w, http.StatusUnprocessableEntity, msg, code)
}

func forbidden(w http.ResponseWriter, msg string) { writeErr(w, http.StatusForbidden, msg, "forbidden") }

// writeServiceErr maps a service error to a status and code.
func (s *Server) writeServiceErr(w http.ResponseWriter, r *http.Request, err error) {
	var short *errs.InsufficientTokensError
	if errors.As(err, &short) {
		toJSON(w, http.StatusPaymentRequired, errorResponse{
			Error: "Insufficient tokens",
			Code:  "insufficient_tokens",
			Details: &shortfallDetails{
				Required:  short.Required.Round(2),
				Current:   short.Current.Round(2),
				Shortfall: short.Shortfall.Round(2),
			},
		})
		return
	}
	status, code := statusFor(err)
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "code", code, "err", err)
		msg = http.StatusText(status)
	}
	writeErr(w, status, msg, code)
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, errs.ErrInvalidAmount):
		return http.StatusUnprocessableEntity, "invalid_amount"
	case errors.Is(err, errs.ErrEmptyOperation):
		return http.StatusUnprocessableEntity, "empty_operation"
	case errors.Is(err, errs.ErrUserNotFound):
		return http.StatusNotFound, "user_not_found"
	case errors.Is(err, errs.ErrReservationNotFound):
		return http.StatusNotFound, "reservation_not_found"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	}
	switch errs.Classify(err) {
	case errs.KindInvalid:
		return http.StatusBadRequest, "validation_error"
	case errs.KindNotFound:
		return http.StatusNotFound, "not_found"
	case errs.KindConflict:
		return http.StatusConflict, "conflict"
	case errs.KindForbidden:
		return http.StatusForbidden, "forbidden"
	case errs.KindUnavailable:
		return http.StatusBadGateway, "job_dispatch_failed"
	case errs.KindStorage:
		return http.StatusServiceUnavailable, "storage_failure"
	default:
		return http.StatusInternalServerError, "internal"
	}
}
