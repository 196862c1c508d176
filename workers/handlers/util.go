package handlers

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"

	"gochainbridge/types"
)

func responseJSON(w http.ResponseWriter, data interface{}, code int) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(data)
}

func responsePlain(w http.ResponseWriter, data []byte, code int) {
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(code)
	w.Write(data)
}

// responseError maps the bridge error code onto an HTTP status
func responseError(w http.ResponseWriter, err error, field string) {
	code := types.CodeOf(err)

	status := http.StatusInternalServerError
	switch code {
	case types.CodeValidation, types.CodeInsufficientFee:
		status = http.StatusBadRequest
	case types.CodeNotFound:
		status = http.StatusNotFound
	case types.CodeConflict:
		status = http.StatusConflict
	case types.CodeRPCTransient:
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		log.Printf("Error serving request: %s", err.Error())
	}

	responseJSON(w, &APIResponse{
		Status:  "error",
		Field:   field,
		Code:    string(code),
		Message: err.Error(),
	}, status)
}

func queryLimit(r *http.Request, def int) int {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		return def
	}
	if limit > 1000 {
		return 1000
	}
	return limit
}
