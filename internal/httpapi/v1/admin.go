package v1

import (
	"net/http"

	"github.com/tinoosan/tokenledger/internal/service/tokens"
)

func (s *Server) postRecharge(w http.ResponseWriter, r *http.Request) {
	req, _ := r.Context().Value(ctxKeyRecharge).(tokens.RechargeRequest)
	res, err := s.tokens.Recharge(r.Context(), req)
	if err != nil {
		s.writeServiceErr(w, r, err)
		return
	}
	s.log.Info("admin recharge", "admin_id", req.AdminID, "target_email", req.TargetEmail, "amount", req.Amount.String())
	toJSON(w, http.StatusOK, res)
}

func (s *Server) adminTransactions(w http.ResponseWriter, r *http.Request) {
	q, err := parseTransactionQuery(r)
	if err != nil {
		s.writeServiceErr(w, r, err)
		return
	}
	page, err := s.reports.Transactions(r.Context(), q)
	if err != nil {
		s.writeServiceErr(w, r, err)
		return
	}
	toJSON(w, http.StatusOK, page)
}

func (s *Server) adminDatasets(w http.ResponseWriter, r *http.Request) {
	q, err := parseDatasetQuery(r)
	if err != nil {
		s.writeServiceErr(w, r, err)
		return
	}
	page, err := s.reports.Datasets(r.Context(), q)
	if err != nil {
		s.writeServiceErr(w, r, err)
		return
	}
	toJSON(w, http.StatusOK, page)
}

func (s *Server) postSweep(w http.ResponseWriter, r *http.Request) {
	age, err := s.sweepAge(r)
	if err != nil {
		s.writeServiceErr(w, r, err)
		return
	}
	rep, err := s.tokens.SweepStale(r.Context(), age)
	if err != nil {
		s.writeServiceErr(w, r, err)
		return
	}
	toJSON(w, http.StatusOK, rep)
}
