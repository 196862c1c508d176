package handlers

import (
	"encoding/json"
	"io/ioutil"
	"log"
	"net/http"

	ethav "github.com/KOREAN139/ethereum-address-validator"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-chi/chi"
)

type SignatureRequest struct {
	Validator string `json:"validator"`
	Signature string `json:"signature"`
}

// SubmitSignature accepts a validator attestation for a transfer awaiting quorum
func (a *API) SubmitSignature(w http.ResponseWriter, r *http.Request) {
	transferID := chi.URLParam(r, "id")

	body, err := ioutil.ReadAll(r.Body)
	if err != nil {
		log.Printf("Error reading request body: %s", err.Error())
		responseJSON(w, &APIResponse{
			Status:  "error",
			Message: "Error reading request body",
		}, http.StatusBadRequest)
		return
	}

	var req SignatureRequest
	err = json.Unmarshal(body, &req)
	if err != nil {
		log.Printf("Error unmarshalling request body: %s\n", err.Error())
		responseJSON(w, &APIResponse{
			Status:  "error",
			Message: "Cannot unmarshal input JSON",
		}, http.StatusBadRequest)
		return
	}

	if !common.IsHexAddress(req.Validator) {
		responseJSON(w, &APIResponse{
			Status:  "error",
			Field:   "validator",
			Message: "No validator address or invalid address provided",
		}, http.StatusBadRequest)
		return
	}
	if err := ethav.Validate(common.HexToAddress(req.Validator).Hex()); err != nil {
		log.Printf("Error validating validator address '%s': %s\n", req.Validator, err.Error())
		responseJSON(w, &APIResponse{
			Status:  "error",
			Field:   "validator",
			Message: "No validator address or invalid address provided",
		}, http.StatusBadRequest)
		return
	}

	sig, err := hexutil.Decode(req.Signature)
	if err != nil {
		log.Printf("Invalid signature '%s' hex: %s", req.Signature, err.Error())
		responseJSON(w, &APIResponse{
			Status:  "error",
			Field:   "signature",
			Message: "No signature or malformed signature provided",
		}, http.StatusBadRequest)
		return
	}

	added, err := a.signatures.SubmitSignature(r.Context(), transferID, common.HexToAddress(req.Validator), sig)
	if err != nil {
		log.Printf("Rejected signature of %s for transfer %s: %s", req.Validator, transferID, err.Error())
		responseError(w, err, "signature")
		return
	}

	responseJSON(w, &APISignatureResponse{
		Status: "ok",
		Added:  added,
	}, http.StatusOK)
}
