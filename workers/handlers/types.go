package handlers

import (
	"context"
	"time"

	"gochainbridge/relay"
	"gochainbridge/types"

	"github.com/ethereum/go-ethereum/common"
)

type APIResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Field   string `json:"field"`
	Code    string `json:"code,omitempty"`
}

type APIStateResponse struct {
	Status  string   `json:"status"`
	Message string   `json:"message"`
	Chains  []uint64 `json:"chains"`
	Stalled []uint64 `json:"stalled_chains"`
}

type APISubmitResponse struct {
	Status    string `json:"status"`
	RequestID string `json:"requestId"`
}

type APISignatureResponse struct {
	Status string `json:"status"`
	Added  bool   `json:"added"`
}

// APITransfer is the persisted record plus the orchestrator's view of it
type APITransfer struct {
	types.TransferRecord
	State          string               `json:"state"`
	AttemptCount   int                  `json:"attempt_count"`
	LastError      *types.TransferError `json:"last_error,omitempty"`
	Deadline       time.Time            `json:"deadline"`
	FeeBasisPoints uint32               `json:"fee_bps"`
}

func transferView(t *types.TransferRequest) *APITransfer {
	return &APITransfer{
		TransferRecord: t.Record(),
		State:          string(t.Status),
		AttemptCount:   t.AttemptCount,
		LastError:      t.LastError,
		Deadline:       t.Deadline,
		FeeBasisPoints: t.FeeBasisPoints,
	}
}

// Transfers is the orchestrator side of the API
type Transfers interface {
	GetTransfer(ctx context.Context, id string) (*types.TransferRequest, error)
	RetryTransfer(ctx context.Context, id string) (*types.TransferRequest, error)
	CancelTransfer(ctx context.Context, id string) (*types.TransferRequest, error)
}

type Signatures interface {
	SubmitSignature(ctx context.Context, transferID string, validator common.Address, sig []byte) (bool, error)
}

var _ Signatures = (*relay.Relay)(nil)

type JobSubmitter interface {
	Submit(ctx context.Context, req types.InitiateRequest) (string, error)
}

type Stats interface {
	Ping(ctx context.Context) error
	ListTransfers(ctx context.Context, persisted string, limit int) ([]*types.TransferRequest, error)
	DeadLetters(ctx context.Context, limit int) ([]types.BridgeJob, error)
}

type Chains interface {
	ChainIDs() []uint64
	Head(ctx context.Context, chainID uint64) (uint64, error)
}

// Heads reports chains whose head stopped advancing
type Heads interface {
	Stalled() []uint64
}

// API serves the operator endpoints
type API struct {
	transfers  Transfers
	signatures Signatures
	jobs       JobSubmitter
	stats      Stats
	chains     Chains
	heads      Heads
}

// NewAPI builds the operator API, heads may be nil when no watcher runs
func NewAPI(transfers Transfers, signatures Signatures, jobs JobSubmitter, stats Stats, chains Chains, heads Heads) *API {
	return &API{
		transfers:  transfers,
		signatures: signatures,
		jobs:       jobs,
		stats:      stats,
		chains:     chains,
		heads:      heads,
	}
}
