package v1

import (
	"net/http"

	chi "github.com/go-chi/chi/v5"

	"github.com/tinoosan/tokenledger/internal/ledger"
	"github.com/tinoosan/tokenledger/internal/service/dataset"
)

func (s *Server) postDataset(w http.ResponseWriter, r *http.Request) {
	req, _ := r.Context().Value(ctxKeyUpload).(dataset.UploadRequest)
	up, err := s.datasets.Upload(r.Context(), req)
	if err != nil {
		s.writeServiceErr(w, r, err)
		return
	}
	toJSON(w, http.StatusCreated, toUploadResponse(up))
}

func (s *Server) listDatasets(w http.ResponseWriter, r *http.Request) {
	list, err := s.datasets.List(r.Context(), targetUser(r))
	if err != nil {
		s.writeServiceErr(w, r, err)
		return
	}
	if list == nil {
		list = []ledger.Dataset{}
	}
	toJSON(w, http.StatusOK, datasetsResponse{Datasets: list})
}

func (s *Server) getDataset(w http.ResponseWriter, r *http.Request) {
	d, err := s.datasets.Get(r.Context(), targetUser(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceErr(w, r, err)
		return
	}
	toJSON(w, http.StatusOK, d)
}

func (s *Server) deleteDataset(w http.ResponseWriter, r *http.Request) {
	if err := s.datasets.Delete(r.Context(), targetUser(r), chi.URLParam(r, "id")); err != nil {
		s.writeServiceErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
