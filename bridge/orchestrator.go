package bridge

import (
	"context"
	"errors"
	"log"
	"math/big"
	"strings"
	"time"

	"gochainbridge/relay"
	"gochainbridge/types"

	ethav "github.com/KOREAN139/ethereum-address-validator"
	"github.com/benbjohnson/clock"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	DEFAULT_QUORUM_POLL_INTERVAL = 5 * time.Second
	DEFAULT_RETRY_DELAY          = 2 * time.Second

	// metadata keys
	META_PRECONFIRMED = "preconfirmed"
	META_SNAPSHOT     = "validator_snapshot"
)

// Store persists transfers, idempotency keys and events
type Store interface {
	SaveTransfer(ctx context.Context, t *types.TransferRequest) error
	GetTransfer(ctx context.Context, id string) (*types.TransferRequest, error)
	ReserveIdempotencyKey(ctx context.Context, key, id string, window time.Duration) (string, bool, error)
	ReleaseIdempotencyKey(ctx context.Context, key, id string) error
	PublishEvent(ctx context.Context, ev types.Event) error
}

// Scheduler is the monitoring queue as seen by the orchestrator
type Scheduler interface {
	Enqueue(ctx context.Context, task *types.MonitoringTask, delay time.Duration) error
	Cancel(ctx context.Context, transferID string, chainID uint64) error
}

// Quorum is the validator relay
type Quorum interface {
	RequestQuorum(ctx context.Context, t *types.TransferRequest) (*types.ValidatorSignatureSet, error)
	CheckQuorum(ctx context.Context, transferID string) (relay.QuorumStatus, error)
}

type Options struct {
	MaxFeeBasisPoints  uint32
	TransferDeadline   time.Duration
	QuorumWindow       time.Duration
	QuorumPollInterval time.Duration
	DedupWindow        time.Duration
	// delay before the first retry of a source deposit that failed transiently
	RetryDelay time.Duration
	Clock      clock.Clock
	Registerer prometheus.Registerer
}

// Orchestrator drives transfers through their states. It is the only writer
// of TransferRequest and the only place deciding between retry and failure.
type Orchestrator struct {
	store     Store
	chains    Chains
	quorum    Quorum
	scheduler Scheduler
	fees      FeeTreasury
	opts      Options
	clock     clock.Clock
	locks     *keyedMutex
	metrics   *metrics
}

func New(store Store, chains Chains, quorum Quorum, scheduler Scheduler, fees FeeTreasury, opts Options) *Orchestrator {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.MaxFeeBasisPoints == 0 {
		opts.MaxFeeBasisPoints = 1000
	}
	if opts.TransferDeadline == 0 {
		opts.TransferDeadline = 2 * time.Hour
	}
	if opts.QuorumWindow == 0 {
		opts.QuorumWindow = 30 * time.Minute
	}
	if opts.QuorumPollInterval == 0 {
		opts.QuorumPollInterval = DEFAULT_QUORUM_POLL_INTERVAL
	}
	if opts.DedupWindow == 0 {
		opts.DedupWindow = 24 * time.Hour
	}
	if opts.RetryDelay == 0 {
		opts.RetryDelay = DEFAULT_RETRY_DELAY
	}
	return &Orchestrator{
		store:     store,
		chains:    chains,
		quorum:    quorum,
		scheduler: scheduler,
		fees:      fees,
		opts:      opts,
		clock:     opts.Clock,
		locks:     newKeyedMutex(),
		metrics:   newMetrics(opts.Registerer),
	}
}

// IdempotencyKey identifies a client request: the same sender, nonce, destination,
// token and amount is the same transfer.
func IdempotencyKey(req *types.InitiateRequest) string {
	return crypto.Keccak256Hash(
		[]byte(strings.ToLower(req.Sender)),
		new(big.Int).SetUint64(req.Nonce).Bytes(),
		new(big.Int).SetUint64(req.DestinationChainID).Bytes(),
		[]byte(strings.ToUpper(req.Token)),
		req.Amount.Bytes(),
	).Hex()
}

// InitiateTransfer validates and persists a new transfer and submits the source deposit.
// Repeating a request returns the transfer created by the first one.
func (o *Orchestrator) InitiateTransfer(ctx context.Context, req types.InitiateRequest) (*types.TransferRequest, error) {
	src, dst, err := o.validate(&req)
	if err != nil {
		return nil, err
	}

	token, _ := src.TokenAddress(req.Token)
	bps, err := o.fees.FeeBasisPoints(ctx, src, token)
	if err != nil {
		return nil, err
	}
	if bps > o.opts.MaxFeeBasisPoints {
		return nil, types.ValidationError("fee of %d bps exceeds the maximum of %d bps", bps, o.opts.MaxFeeBasisPoints)
	}
	fee := types.BridgeFee(req.Amount, bps)
	if req.MaxFee != nil && fee.Cmp(req.MaxFee) > 0 {
		return nil, types.NewError(types.CodeInsufficientFee, nil, "bridge fee %s exceeds budget %s", fee.String(), req.MaxFee.String())
	}
	if fee.Cmp(req.Amount) >= 0 {
		return nil, types.NewError(types.CodeInsufficientFee, nil, "bridge fee %s leaves nothing to transfer", fee.String())
	}

	id := uuid.New().String()
	key := IdempotencyKey(&req)
	existing, reserved, err := o.store.ReserveIdempotencyKey(ctx, key, id, o.opts.DedupWindow)
	if err != nil {
		return nil, err
	}
	if !reserved {
		t, err := o.store.GetTransfer(ctx, existing)
		if errors.Is(err, types.ErrNotFound) {
			return nil, types.NewError(types.CodeConflict, nil, "transfer %s for this request is still being created", existing)
		}
		if err != nil {
			return nil, err
		}
		log.Printf("Duplicate transfer request from %s nonce %d, returning %s", req.Sender, req.Nonce, t.ID)
		return t, nil
	}

	unlock := o.locks.Lock(id)
	defer unlock()

	now := o.clock.Now()
	t := &types.TransferRequest{
		ID:                 id,
		UserID:             req.UserID,
		SourceChainID:      src.ChainID,
		DestinationChainID: dst.ChainID,
		Token:              strings.ToUpper(req.Token),
		Amount:             new(big.Int).Set(req.Amount),
		FeeBasisPoints:     bps,
		BridgeFee:          fee,
		Sender:             req.Sender,
		Recipient:          req.Recipient,
		Nonce:              req.Nonce,
		Status:             types.StatusInitiated,
		Deadline:           now.Add(o.opts.TransferDeadline),
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	for k, v := range req.Metadata {
		t.SetMeta(k, v)
	}

	if err := o.store.SaveTransfer(ctx, t); err != nil {
		if err := o.store.ReleaseIdempotencyKey(ctx, key, id); err != nil {
			log.Printf("Error releasing idempotency key of %s: %s", id, err.Error())
		}
		return nil, err
	}
	log.Printf("Initiated transfer %s: %s %s from chain %d to %d, fee %s", t.ID, t.Amount.String(), t.Token, t.SourceChainID, t.DestinationChainID, fee.String())
	o.emit(ctx, types.EventTransferInitiated, t)

	hash, err := o.submitSource(ctx, t)
	switch {
	case err == nil:
		task := o.newTask(t, types.TaskConfirmSource, t.SourceChainID)
		task.TxHash = hash.Hex()
		task.TargetConfirmations = src.ConfirmationDepth
		task.SubmittedAt = o.clock.Now()
		if err := o.moveTo(ctx, t, types.StatusSourceSubmitted); err != nil {
			log.Printf("Error saving source tx %s of transfer %s: %s", hash.Hex(), t.ID, err.Error())
		}
		o.schedule(ctx, task, src.PollInterval)

	case types.IsTransient(err):
		t.AttemptCount = 1
		t.LastError = types.AsTransferError(err)
		t.UpdatedAt = o.clock.Now()
		if err := o.store.SaveTransfer(ctx, t); err != nil {
			log.Printf("Error saving transfer %s: %s", t.ID, err.Error())
		}
		task := o.newTask(t, types.TaskSubmitSource, t.SourceChainID)
		task.Attempt = 1
		o.schedule(ctx, task, o.opts.RetryDelay)

	default:
		if err := o.fail(ctx, t, err, types.StatusInitiated); err != nil {
			log.Printf("Error failing transfer %s: %s", t.ID, err.Error())
		}
	}
	return t, nil
}

func (o *Orchestrator) validate(req *types.InitiateRequest) (src, dst types.ChainDescriptor, err error) {
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return src, dst, types.ValidationError("amount must be positive")
	}
	if req.SourceChainID == req.DestinationChainID {
		return src, dst, types.ValidationError("source and destination chain must differ")
	}
	srcChain, err := o.chains.Chain(req.SourceChainID)
	if err != nil {
		return src, dst, types.ValidationError("source chain %d is not supported", req.SourceChainID)
	}
	dstChain, err := o.chains.Chain(req.DestinationChainID)
	if err != nil {
		return src, dst, types.ValidationError("destination chain %d is not supported", req.DestinationChainID)
	}
	src, dst = srcChain.Descriptor(), dstChain.Descriptor()

	if _, ok := src.TokenAddress(req.Token); !ok {
		return src, dst, types.ValidationError("token %s is not bridgeable from chain %d", req.Token, src.ChainID)
	}
	if _, ok := dst.TokenAddress(req.Token); !ok {
		return src, dst, types.ValidationError("token %s is not bridgeable to chain %d", req.Token, dst.ChainID)
	}
	if err := validateAddress(req.Sender); err != nil {
		return src, dst, types.ValidationError("invalid sender address '%s'", req.Sender)
	}
	if err := validateAddress(req.Recipient); err != nil {
		return src, dst, types.ValidationError("invalid recipient address '%s'", req.Recipient)
	}
	return src, dst, nil
}

func validateAddress(addr string) error {
	if !common.IsHexAddress(addr) || common.HexToAddress(addr) == (common.Address{}) {
		return errors.New("not an address")
	}
	return ethav.Validate(common.HexToAddress(addr).Hex())
}

func (o *Orchestrator) GetTransfer(ctx context.Context, id string) (*types.TransferRequest, error) {
	return o.store.GetTransfer(ctx, id)
}

// CancelTransfer is only possible before a deposit was signed and recorded. A recorded
// deposit may be on chain already, even when the send itself reported an error.
func (o *Orchestrator) CancelTransfer(ctx context.Context, id string) (*types.TransferRequest, error) {
	unlock := o.locks.Lock(id)
	defer unlock()

	t, err := o.store.GetTransfer(ctx, id)
	if err != nil {
		return nil, err
	}
	if !t.Cancellable() {
		return nil, types.ValidationError("transfer %s is %s and can no longer be cancelled", id, t.Status)
	}

	if err := o.fail(ctx, t, types.NewError(types.CodeCancelled, nil, "cancelled by request"), types.StatusInitiated); err != nil {
		return nil, err
	}
	if err := o.scheduler.Cancel(ctx, t.ID, t.SourceChainID); err != nil {
		log.Printf("Error removing pending task of cancelled transfer %s: %s", t.ID, err.Error())
	}
	return t, nil
}

// RetryTransfer resumes a failed transfer at the step it failed in, with the same id,
// a fresh attempt counter and a fresh deadline.
func (o *Orchestrator) RetryTransfer(ctx context.Context, id string) (*types.TransferRequest, error) {
	unlock := o.locks.Lock(id)
	defer unlock()

	t, err := o.store.GetTransfer(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status != types.StatusFailed {
		return nil, types.ValidationError("transfer %s is %s, only failed transfers can be retried", id, t.Status)
	}
	if t.LastError != nil && t.LastError.Code == types.CodeCancelled {
		return nil, types.ValidationError("transfer %s was cancelled", id)
	}

	now := o.clock.Now()
	resume := t.FailedAt
	switch {
	case resume == "":
		resume = types.StatusInitiated
	case resume == types.StatusSourceSubmitted && t.SourceTxHash == "":
		resume = types.StatusInitiated
	case resume == types.StatusDestinationSubmitted && t.DestinationTxHash == "":
		resume = types.StatusRelayed
	}

	t.AttemptCount = 0
	t.LastError = nil
	t.FailedAt = ""
	t.Deadline = now.Add(o.opts.TransferDeadline)
	t.UpdatedAt = now

	var task *types.MonitoringTask
	switch resume {
	case types.StatusInitiated:
		t.Status = types.StatusInitiated
		task = o.newTask(t, types.TaskSubmitSource, t.SourceChainID)

	case types.StatusSourceSubmitted:
		src, err := o.descriptor(t.SourceChainID)
		if err != nil {
			return nil, err
		}
		t.Status = types.StatusSourceSubmitted
		task = o.newTask(t, types.TaskConfirmSource, t.SourceChainID)
		task.TxHash = t.SourceTxHash
		task.TargetConfirmations = src.ConfirmationDepth
		task.SubmittedAt = now

	case types.StatusSourceConfirmed, types.StatusQuorumPending:
		// a new quorum window with the validator set in force now
		set, err := o.quorum.RequestQuorum(ctx, t)
		if err != nil {
			return nil, err
		}
		t.Status = types.StatusQuorumPending
		t.SetMeta(META_SNAPSHOT, set.SnapshotID)
		task = o.newTask(t, types.TaskCheckQuorum, t.DestinationChainID)
		task.NextPollAt = now.Add(o.opts.QuorumPollInterval)

	case types.StatusRelayed:
		t.Status = types.StatusRelayed
		task = o.newTask(t, types.TaskSubmitDestination, t.DestinationChainID)

	case types.StatusDestinationSubmitted:
		dst, err := o.descriptor(t.DestinationChainID)
		if err != nil {
			return nil, err
		}
		t.Status = types.StatusDestinationSubmitted
		task = o.newTask(t, types.TaskConfirmDestination, t.DestinationChainID)
		task.TxHash = t.DestinationTxHash
		task.TargetConfirmations = dst.ConfirmationDepth
		task.SubmittedAt = now

	default:
		return nil, types.NewError(types.CodeInternal, nil, "transfer %s failed in unknown step %q", id, resume)
	}

	if err := o.store.SaveTransfer(ctx, t); err != nil {
		return nil, err
	}
	log.Printf("Retrying transfer %s from %s", t.ID, t.Status)
	o.schedule(ctx, task, task.NextPollAt.Sub(now))
	return t, nil
}

// TaskExhausted fails the transfer of a task the queue gave up on
func (o *Orchestrator) TaskExhausted(ctx context.Context, task *types.MonitoringTask, cause error) error {
	unlock := o.locks.Lock(task.TransferID)
	defer unlock()

	t, err := o.store.GetTransfer(ctx, task.TransferID)
	if err != nil {
		return err
	}
	if t.Status.Terminal() {
		return nil
	}

	code := types.CodeAttemptsExhausted
	if !t.Deadline.IsZero() && !o.clock.Now().Before(t.Deadline) {
		code = types.CodeDeadlineExceeded
	}
	return o.fail(ctx, t, types.NewError(code, cause, "%s gave up after %d attempts", task.Kind, task.Attempt), t.Status)
}

func (o *Orchestrator) descriptor(chainID uint64) (types.ChainDescriptor, error) {
	chain, err := o.chains.Chain(chainID)
	if err != nil {
		return types.ChainDescriptor{}, err
	}
	return chain.Descriptor(), nil
}

func (o *Orchestrator) newTask(t *types.TransferRequest, kind types.TaskKind, chainID uint64) *types.MonitoringTask {
	return &types.MonitoringTask{
		TransferID: t.ID,
		ChainID:    chainID,
		Kind:       kind,
		NextPollAt: o.clock.Now(),
		Deadline:   t.Deadline,
	}
}

func (o *Orchestrator) schedule(ctx context.Context, task *types.MonitoringTask, delay time.Duration) {
	err := o.scheduler.Enqueue(ctx, task, delay)
	if errors.Is(err, types.ErrTaskExists) {
		log.Printf("Task %s for %s already scheduled", task.Kind, task.Key())
		return
	}
	if err != nil {
		log.Printf("Error scheduling %s for transfer %s: %s", task.Kind, task.TransferID, err.Error())
	}
}

// moveTo applies a forward transition and saves it
func (o *Orchestrator) moveTo(ctx context.Context, t *types.TransferRequest, to types.Status) error {
	if !t.Status.CanTransition(to) {
		return types.NewError(types.CodeConflict, nil, "transfer %s cannot move from %s to %s", t.ID, t.Status, to)
	}
	prev := t.Status
	t.Status = to
	t.UpdatedAt = o.clock.Now()
	if to == types.StatusCompleted {
		t.CompletedAt = t.UpdatedAt
	}
	if err := o.store.SaveTransfer(ctx, t); err != nil {
		t.Status = prev
		return err
	}
	log.Printf("Transfer %s: %s -> %s", t.ID, prev, to)
	return nil
}

// fail records cause and moves the transfer to Failed. resumeAt is the step
// a later RetryTransfer re-enters.
func (o *Orchestrator) fail(ctx context.Context, t *types.TransferRequest, cause error, resumeAt types.Status) error {
	if t.Status.Terminal() {
		return nil
	}
	prev := t.Status
	t.FailedAt = resumeAt
	t.LastError = types.AsTransferError(cause)
	t.Status = types.StatusFailed
	t.UpdatedAt = o.clock.Now()
	if err := o.store.SaveTransfer(ctx, t); err != nil {
		t.Status = prev
		return err
	}

	log.Printf("Transfer %s failed in %s: %s", t.ID, prev, cause.Error())
	o.metrics.terminal(types.StatusFailed, t.LastError.Code)
	o.emit(ctx, types.EventTransferFailed, t)
	return nil
}

func (o *Orchestrator) emit(ctx context.Context, typ types.EventType, t *types.TransferRequest) {
	if err := o.store.PublishEvent(ctx, types.NewEvent(typ, t, o.clock.Now())); err != nil {
		log.Printf("Error publishing %s for transfer %s: %s", typ, t.ID, err.Error())
	}
}
