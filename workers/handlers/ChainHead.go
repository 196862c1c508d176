package handlers

import (
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi"
)

// ChainHead answers with the latest block number as plain text
func (a *API) ChainHead(w http.ResponseWriter, r *http.Request) {
	chainID, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		responsePlain(w, []byte("invalid chain id"), http.StatusBadRequest)
		return
	}

	head, err := a.chains.Head(r.Context(), chainID)
	if err != nil {
		log.Printf("Error getting head of chain %d: %s", chainID, err.Error())
		responseError(w, err, "id")
		return
	}

	responsePlain(w, []byte(strconv.FormatUint(head, 10)), 200)
}
