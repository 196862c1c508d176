package handlers

import (
	"net/http"

	"gochainbridge/types"
)

func (a *API) GetFailedTransactions(w http.ResponseWriter, r *http.Request) {
	failed, err := a.stats.ListTransfers(r.Context(), types.PersistedFailed, queryLimit(r, 100))
	if err != nil {
		responseJSON(w, nil, 500)
		return
	}

	views := make([]*APITransfer, 0, len(failed))
	for _, t := range failed {
		views = append(views, transferView(t))
	}
	responseJSON(w, views, 200)
}

func (a *API) GetDeadLetters(w http.ResponseWriter, r *http.Request) {
	dead, err := a.stats.DeadLetters(r.Context(), queryLimit(r, 100))
	if err != nil {
		responseJSON(w, nil, 500)
		return
	}

	responseJSON(w, dead, 200)
}
