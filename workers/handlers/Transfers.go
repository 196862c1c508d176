package handlers

import (
	"context"
	"log"
	"net/http"

	"gochainbridge/types"

	"github.com/go-chi/chi"
)

func (a *API) GetTransfer(w http.ResponseWriter, r *http.Request) {
	t, err := a.transfers.GetTransfer(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		responseError(w, err, "id")
		return
	}
	responseJSON(w, transferView(t), http.StatusOK)
}

func (a *API) RetryTransfer(w http.ResponseWriter, r *http.Request) {
	a.transferAction(w, r, "retry", a.transfers.RetryTransfer)
}

func (a *API) CancelTransfer(w http.ResponseWriter, r *http.Request) {
	a.transferAction(w, r, "cancel", a.transfers.CancelTransfer)
}

func (a *API) transferAction(w http.ResponseWriter, r *http.Request, name string, action func(context.Context, string) (*types.TransferRequest, error)) {
	id := chi.URLParam(r, "id")
	t, err := action(r.Context(), id)
	if err != nil {
		log.Printf("Error on %s of transfer %s: %s", name, id, err.Error())
		responseError(w, err, "id")
		return
	}

	log.Printf("Transfer %s %s requested, now %s", id, name, t.Status)
	responseJSON(w, transferView(t), http.StatusOK)
}
