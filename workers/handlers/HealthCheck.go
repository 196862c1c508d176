package handlers

import (
	"log"
	"net/http"
)

func (a *API) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if err := a.stats.Ping(r.Context()); err != nil {
		log.Printf("Health check failed, Redis unreachable: %s", err.Error())
		responseJSON(w, &APIResponse{
			Status:  "error",
			Message: "storage unavailable",
		}, http.StatusServiceUnavailable)
		return
	}

	responseJSON(w, &APIResponse{
		Status: "ok",
	}, http.StatusOK)
}
