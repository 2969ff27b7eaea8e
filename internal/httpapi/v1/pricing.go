package v1

import (
	"net/http"

	"github.com/tinoosan/tokenledger/internal/pricing"
)

// postEstimate prices a dataset content without reserving anything.
func (s *Server) postEstimate(w http.ResponseWriter, r *http.Request) {
	var body estimateRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	b := pricing.DatasetUploadCost(body.Content)
	toJSON(w, http.StatusOK, estimateResponse{Breakdown: b, Display: b.Display()})
}
