package handlers

import (
	"net/http"
)

// State lists the chains this bridge serves and the ones whose head stalled
func (a *API) State(w http.ResponseWriter, r *http.Request) {
	resp := &APIStateResponse{
		Status:  "ok",
		Chains:  a.chains.ChainIDs(),
		Stalled: []uint64{},
	}
	if a.heads != nil {
		if stalled := a.heads.Stalled(); len(stalled) > 0 {
			resp.Status = "degraded"
			resp.Message = "chain heads not advancing"
			resp.Stalled = stalled
		}
	}
	responseJSON(w, resp, http.StatusOK)
}
