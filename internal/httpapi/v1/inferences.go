package v1

import (
	"net/http"

	chi "github.com/go-chi/chi/v5"

	"github.com/tinoosan/tokenledger/internal/service/inference"
)

func (s *Server) postInference(w http.ResponseWriter, r *http.Request) {
	req, _ := r.Context().Value(ctxKeyInference).(inference.CreateRequest)
	inf, err := s.inferences.Create(r.Context(), req)
	if err != nil {
		s.writeServiceErr(w, r, err)
		return
	}
	toJSON(w, http.StatusCreated, inf)
}

func (s *Server) getInference(w http.ResponseWriter, r *http.Request) {
	inf, err := s.inferences.Get(r.Context(), targetUser(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceErr(w, r, err)
		return
	}
	toJSON(w, http.StatusOK, inf)
}
