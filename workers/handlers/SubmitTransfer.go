package handlers

import (
	"encoding/json"
	"io/ioutil"
	"log"
	"net/http"

	"gochainbridge/types"

	ethav "github.com/KOREAN139/ethereum-address-validator"
	"github.com/ethereum/go-ethereum/common"
)

// SubmitTransfer queues a transfer request for the job processor
func (a *API) SubmitTransfer(w http.ResponseWriter, r *http.Request) {
	body, err := ioutil.ReadAll(r.Body)
	if err != nil {
		log.Printf("Error reading request body: %s", err.Error())
		responseJSON(w, &APIResponse{
			Status:  "error",
			Message: "Error reading request body",
		}, http.StatusBadRequest)
		return
	}

	var req types.InitiateRequest
	err = json.Unmarshal(body, &req)
	if err != nil {
		log.Printf("Error unmarshalling request body: %s\n", err.Error())
		responseJSON(w, &APIResponse{
			Status:  "error",
			Message: "Cannot unmarshal input JSON",
		}, http.StatusBadRequest)
		return
	}

	for field, addr := range map[string]string{"sender": req.Sender, "recipient": req.Recipient} {
		if !common.IsHexAddress(addr) {
			responseJSON(w, &APIResponse{
				Status:  "error",
				Field:   field,
				Message: "No ethereum address or invalid address provided",
			}, http.StatusBadRequest)
			return
		}
		if err := ethav.Validate(common.HexToAddress(addr).Hex()); err != nil {
			log.Printf("Error validating EVM address '%s': %s\n", addr, err.Error())
			responseJSON(w, &APIResponse{
				Status:  "error",
				Field:   field,
				Message: "No ethereum address or invalid address provided",
			}, http.StatusBadRequest)
			return
		}
	}

	if req.Amount == nil || req.Amount.Sign() <= 0 {
		responseJSON(w, &APIResponse{
			Status:  "error",
			Field:   "amount",
			Message: "Amount must be positive",
		}, http.StatusBadRequest)
		return
	}

	if req.SourceChainID == 0 || req.DestinationChainID == 0 {
		responseJSON(w, &APIResponse{
			Status:  "error",
			Field:   "chain",
			Message: "Source and destination chain must be provided",
		}, http.StatusBadRequest)
		return
	}

	requestID, err := a.jobs.Submit(r.Context(), req)
	if err != nil {
		log.Printf("Error queueing transfer job: %s\n", err.Error())
		responseError(w, err, "")
		return
	}

	log.Printf("Queued transfer request %s, %s %s from chain %d to %d", requestID, req.Amount.String(), req.Token, req.SourceChainID, req.DestinationChainID)

	responseJSON(w, &APISubmitResponse{
		Status:    "ok",
		RequestID: requestID,
	}, http.StatusAccepted)
}
