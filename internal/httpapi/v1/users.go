package v1

import (
	"net/http"

	"github.com/tinoosan/tokenledger/internal/pricing"
)

func (s *Server) getBalance(w http.ResponseWriter, r *http.Request) {
	id := targetUser(r)
	bal, err := s.tokens.Balance(r.Context(), id)
	if err != nil {
		s.writeServiceErr(w, r, err)
		return
	}
	toJSON(w, http.StatusOK, balanceResponse{UserID: id, Balance: bal, Display: bal.StringFixed(pricing.DisplayPlaces)})
}

func (s *Server) getTransactions(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r.URL.Query(), "limit")
	if err != nil || limit < 0 {
		badRequest(w, "limit must be a non-negative integer")
		return
	}
	id := targetUser(r)
	txns, err := s.tokens.History(r.Context(), id, limit)
	if err != nil {
		s.writeServiceErr(w, r, err)
		return
	}
	toJSON(w, http.StatusOK, transactionsResponse{UserID: id, Transactions: txns})
}

func (s *Server) getIntegrity(w http.ResponseWriter, r *http.Request) {
	report, err := s.tokens.Verify(r.Context(), targetUser(r))
	if err != nil {
		s.writeServiceErr(w, r, err)
		return
	}
	toJSON(w, http.StatusOK, report)
}
