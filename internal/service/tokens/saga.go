package tokens

import (
	"context"
	"time"
)

// settleTimeout bounds the confirm or compensating refund, which run even if
// ctx is done once the reservation exists.
const settleTimeout = 10 * time.Second

// WithReservation runs work between a reservation and its settlement.
//
// work only runs after the reservation succeeds. If work fails the
// reservation is refunded once and work's error is returned; a failed refund
// is logged and never replaces that error. If work succeeds the reservation
// is confirmed and a confirm failure is returned, leaving the record pending
// for the stale sweep.
func (s *service) WithReservation(ctx context.Context, req ReserveRequest, work func(context.Context, Reservation) error) (Confirmation, error) {
	res, err := s.Reserve(ctx, req)
	if err != nil {
		return Confirmation{}, err
	}
	if err := work(ctx, res); err != nil {
		s.compensate(ctx, res.ID, err)
		return Confirmation{}, err
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()
	conf, err := s.Confirm(cctx, res.ID)
	if err != nil {
		s.log.Error("confirm after successful operation failed",
			"reservation_id", res.ID,
			"user_id", req.UserID,
			"operation_type", req.OperationType,
			"err", err,
		)
		return Confirmation{}, err
	}
	return conf, nil
}

func (s *service) compensate(ctx context.Context, reservationID string, cause error) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()
	if _, err := s.Refund(rctx, reservationID); err != nil {
		compensationFailures.Inc()
		s.log.Error("refund after failed operation failed",
			"reservation_id", reservationID,
			"cause", cause,
			"err", err,
		)
		return
	}
	s.log.Info("reservation refunded", "reservation_id", reservationID, "cause", cause)
}
