package types

import (
	"math/big"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// chain ids follow EIP-155 (1 Ethereum mainnet, 10 Optimism, 56 BNB, etc.)

// Contract addresses a chain needs to take part in bridging
type ChainContracts struct {
	BridgeCore        common.Address
	BridgeReceiver    common.Address
	MessageRouter     common.Address
	ValidatorRegistry common.Address
	FeeTreasury       common.Address
}

// ChainDescriptor is loaded once from configuration and never mutated afterwards.
// Adding a chain is adding a descriptor.
type ChainDescriptor struct {
	ChainID           uint64
	Name              string
	RPCURLs           []string
	WSURL             string
	ConfirmationDepth uint64
	// receipt must show up within this window after submission
	MaxConfirmationWait time.Duration
	PollInterval        time.Duration
	Contracts           ChainContracts
	// token symbol -> contract address, zero address is the native coin
	Tokens            map[string]common.Address
	MaxInFlight       int
	RequestsPerSecond float64
	DefaultGasLimit   uint64
	// optional non-standard RPC method reporting sub-block inclusion
	PreconfirmationMethod string
}

func (d ChainDescriptor) TokenAddress(symbol string) (common.Address, bool) {
	addr, ok := d.Tokens[strings.ToUpper(symbol)]
	return addr, ok
}

func (d ChainDescriptor) IsNative(symbol string) bool {
	addr, ok := d.TokenAddress(symbol)
	return ok && addr == (common.Address{})
}

// TransferError is what a status query shows for a failed or struggling transfer
type TransferError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// TransferRequest is a single bridge transfer, owned by the orchestrator.
type TransferRequest struct {
	ID                 string
	UserID             string
	SourceChainID      uint64
	DestinationChainID uint64
	Token              string
	Amount             *big.Int // smallest indivisible unit of the token
	FeeBasisPoints     uint32
	BridgeFee          *big.Int
	Sender             string
	Recipient          string
	Nonce              uint64
	Status             Status
	SourceTxHash       string // deposit transaction on the source chain
	SourceTxRaw        string // signed deposit, recorded before it is broadcast
	DestinationTxHash  string // release transaction on the destination chain
	DestinationTxRaw   string // signed release, recorded before it is broadcast
	AttemptCount       int
	LastError          *TransferError
	FailedAt           Status // step the transfer was in when it failed, drives RetryTransfer
	Deadline           time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
	CompletedAt        time.Time
	Metadata           map[string]string
	Version            int64
}

// NetAmount is what the recipient receives on the destination chain
func (t *TransferRequest) NetAmount() *big.Int {
	if t.Amount == nil {
		return new(big.Int)
	}
	if t.BridgeFee == nil {
		return new(big.Int).Set(t.Amount)
	}
	return new(big.Int).Sub(t.Amount, t.BridgeFee)
}

// TransferKey maps the transfer id onto the bytes32 used by the bridge contracts
func TransferKey(id string) common.Hash {
	return crypto.Keccak256Hash([]byte(id))
}

// Cancellable is true until a signed deposit has been recorded. After that the deposit may
// be on chain even when the status never moved on.
func (t *TransferRequest) Cancellable() bool {
	return t.Status.Cancellable() && t.SourceTxHash == ""
}

func (t *TransferRequest) SetMeta(key, value string) {
	if t.Metadata == nil {
		t.Metadata = make(map[string]string)
	}
	t.Metadata[key] = value
}

// TransferRecord is the flat persisted shape shared with the rest of the platform
type TransferRecord struct {
	ID                 string            `json:"id"`
	UserID             string            `json:"user_id"`
	SourceChainID      uint64            `json:"source_chain_id"`
	DestinationChainID uint64            `json:"destination_chain_id"`
	TokenID            string            `json:"token_id"`
	Amount             string            `json:"amount"`
	BridgeFee          string            `json:"bridge_fee"`
	SourceTxHash       string            `json:"source_tx_hash"`
	DestinationTxHash  string            `json:"destination_tx_hash"`
	Status             string            `json:"status"`
	InitiatedAt        time.Time         `json:"initiated_at"`
	CompletedAt        *time.Time        `json:"completed_at,omitempty"`
	Metadata           map[string]string `json:"metadata"`
}

func (t *TransferRequest) Record() TransferRecord {
	rec := TransferRecord{
		ID:                 t.ID,
		UserID:             t.UserID,
		SourceChainID:      t.SourceChainID,
		DestinationChainID: t.DestinationChainID,
		TokenID:            t.Token,
		Amount:             bigString(t.Amount),
		BridgeFee:          bigString(t.BridgeFee),
		SourceTxHash:       t.SourceTxHash,
		DestinationTxHash:  t.DestinationTxHash,
		Status:             t.Status.Persisted(),
		InitiatedAt:        t.CreatedAt,
		Metadata:           t.Metadata,
	}
	if !t.CompletedAt.IsZero() {
		completed := t.CompletedAt
		rec.CompletedAt = &completed
	}
	return rec
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

type TaskKind string

const (
	TaskSubmitSource       TaskKind = "submit-source"
	TaskConfirmSource      TaskKind = "confirm-source"
	TaskCheckQuorum        TaskKind = "check-quorum"
	TaskSubmitDestination  TaskKind = "submit-destination"
	TaskConfirmDestination TaskKind = "confirm-destination"
)

// MonitoringTask is a pending on-chain (or quorum) step, polled by the worker pool.
// Only one task per (TransferID, ChainID) may be active.
type MonitoringTask struct {
	TransferID          string
	ChainID             uint64
	Kind                TaskKind
	TxHash              string
	TargetConfirmations uint64
	Attempt             int
	NextPollAt          time.Time
	Deadline            time.Time
	SubmittedAt         time.Time
}

func (t *MonitoringTask) Key() string {
	return TaskKey(t.TransferID, t.ChainID)
}

func TaskKey(transferID string, chainID uint64) string {
	return transferID + ":" + strconv.FormatUint(chainID, 10)
}

type OutcomeKind int

const (
	OutcomeDone OutcomeKind = iota
	OutcomePending
	OutcomeRetry
)

// TaskOutcome is what the orchestrator tells the queue after handling a task
type TaskOutcome struct {
	Kind OutcomeKind
	// replaces the finished task, only for OutcomeDone
	Next *MonitoringTask
	// poll no later than this, only for OutcomePending
	PollBy time.Time
	Err    error
}

func Done(next *MonitoringTask) TaskOutcome { return TaskOutcome{Kind: OutcomeDone, Next: next} }

func Pending(pollBy time.Time) TaskOutcome { return TaskOutcome{Kind: OutcomePending, PollBy: pollBy} }

func Retry(err error) TaskOutcome { return TaskOutcome{Kind: OutcomeRetry, Err: err} }

// ValidatorSnapshot freezes the validator set a quorum is evaluated against
type ValidatorSnapshot struct {
	ID         string
	Validators []common.Address
	Threshold  int
	TakenAt    time.Time
}

func (s *ValidatorSnapshot) Contains(addr common.Address) bool {
	for _, v := range s.Validators {
		if v == addr {
			return true
		}
	}
	return false
}

// SnapshotID is a content hash so identical sets share one id
func SnapshotID(validators []common.Address, threshold int) string {
	sorted := make([]common.Address, len(validators))
	copy(sorted, validators)
	sort.Slice(sorted, func(i, j int) bool {
		return strings.Compare(sorted[i].Hex(), sorted[j].Hex()) < 0
	})
	buf := make([]byte, 0, len(sorted)*common.AddressLength+8)
	for _, v := range sorted {
		buf = append(buf, v.Bytes()...)
	}
	buf = append(buf, big.NewInt(int64(threshold)).Bytes()...)
	return crypto.Keccak256Hash(buf).Hex()
}

// ValidatorSignatureSet collects attestations for one transfer
type ValidatorSignatureSet struct {
	TransferID     string
	RequiredQuorum int
	SnapshotID     string
	Digest         common.Hash
	Signatures     map[common.Address][]byte
	RequestedAt    time.Time
}

// QuorumReached counts only distinct validators of the bound snapshot
func (s *ValidatorSignatureSet) QuorumReached(snapshot *ValidatorSnapshot) bool {
	if snapshot == nil || snapshot.ID != s.SnapshotID {
		return false
	}
	count := 0
	for addr := range s.Signatures {
		if snapshot.Contains(addr) {
			count++
		}
	}
	return count >= s.RequiredQuorum
}

type EventType string

const (
	EventTransferInitiated EventType = "TransferInitiated"
	EventTransferConfirmed EventType = "TransferConfirmed"
	EventTransferCompleted EventType = "TransferCompleted"
	EventTransferFailed    EventType = "TransferFailed"
)

// Event is consumed by the rewards and notification services
type Event struct {
	Type               EventType `json:"type"`
	TransferID         string    `json:"transferId"`
	SourceChainID      uint64    `json:"sourceChainId"`
	DestinationChainID uint64    `json:"destinationChainId"`
	Amount             string    `json:"amount"`
	Timestamp          time.Time `json:"timestamp"`
	ErrorCode          ErrorCode `json:"errorCode,omitempty"`
}

func NewEvent(typ EventType, t *TransferRequest, ts time.Time) Event {
	ev := Event{
		Type:               typ,
		TransferID:         t.ID,
		SourceChainID:      t.SourceChainID,
		DestinationChainID: t.DestinationChainID,
		Amount:             bigString(t.Amount),
		Timestamp:          ts,
	}
	if t.LastError != nil && typ == EventTransferFailed {
		ev.ErrorCode = t.LastError.Code
	}
	return ev
}

// BridgeJob is the queue job consumed by the bridge processor
type BridgeJob struct {
	RequestID    string          `json:"requestId"`
	TransferData InitiateRequest `json:"transferData"`
	Attempt      int             `json:"attempt"`
	LastError    string          `json:"lastError,omitempty"`
}

// InitiateRequest is the client side of a transfer
type InitiateRequest struct {
	UserID             string            `json:"userId"`
	Sender             string            `json:"sender"`
	Recipient          string            `json:"recipient"`
	Nonce              uint64            `json:"nonce"`
	SourceChainID      uint64            `json:"sourceChainId"`
	DestinationChainID uint64            `json:"destinationChainId"`
	Token              string            `json:"token"`
	Amount             *big.Int          `json:"amount"`
	MaxFee             *big.Int          `json:"maxFee,omitempty"` // fee budget, nil means no limit
	Metadata           map[string]string `json:"metadata,omitempty"`
}
