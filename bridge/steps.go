package bridge

import (
	"context"
	"errors"
	"log"
	"time"

	"gochainbridge/EVMRPC"
	"gochainbridge/relay"
	"gochainbridge/types"

	"github.com/ethereum/go-ethereum/common"
)

// HandleTask runs one step of a transfer and tells the queue what to do with the task.
// Steps of one transfer never run concurrently in this process, and every save is a
// compare-and-set so other processes cannot interleave either.
func (o *Orchestrator) HandleTask(ctx context.Context, task *types.MonitoringTask) types.TaskOutcome {
	unlock := o.locks.Lock(task.TransferID)
	defer unlock()

	t, err := o.store.GetTransfer(ctx, task.TransferID)
	if errors.Is(err, types.ErrNotFound) {
		log.Printf("Dropping %s task of unknown transfer %s", task.Kind, task.TransferID)
		return types.Done(nil)
	}
	if err != nil {
		return types.Retry(types.TransientError(err, "cannot load transfer"))
	}
	if t.Status.Terminal() {
		return types.Done(nil)
	}

	if !t.Deadline.IsZero() && !o.clock.Now().Before(t.Deadline) {
		cause := types.NewError(types.CodeDeadlineExceeded, nil, "transfer deadline %s passed in %s", t.Deadline.Format(time.RFC3339), t.Status)
		if err := o.fail(ctx, t, cause, t.Status); err != nil {
			return types.Retry(err)
		}
		return types.Done(nil)
	}

	switch task.Kind {
	case types.TaskSubmitSource:
		return o.stepSubmitSource(ctx, t, task)
	case types.TaskConfirmSource:
		return o.stepConfirmSource(ctx, t, task)
	case types.TaskCheckQuorum:
		return o.stepCheckQuorum(ctx, t, task)
	case types.TaskSubmitDestination:
		return o.stepSubmitDestination(ctx, t, task)
	case types.TaskConfirmDestination:
		return o.stepConfirmDestination(ctx, t, task)
	}

	log.Printf("Unknown task kind %q for transfer %s", task.Kind, t.ID)
	return types.Done(nil)
}

func stale(t *types.TransferRequest, task *types.MonitoringTask) types.TaskOutcome {
	log.Printf("Dropping stale %s task of transfer %s in %s", task.Kind, t.ID, t.Status)
	return types.Done(nil)
}

// retryOrFail keeps transient errors on the queue and fails the transfer on anything else
func (o *Orchestrator) retryOrFail(ctx context.Context, t *types.TransferRequest, err error, resumeAt types.Status) types.TaskOutcome {
	if types.IsTransient(err) {
		t.AttemptCount++
		t.LastError = types.AsTransferError(err)
		t.UpdatedAt = o.clock.Now()
		if err := o.store.SaveTransfer(ctx, t); err != nil {
			log.Printf("Error saving attempt %d of transfer %s: %s", t.AttemptCount, t.ID, err.Error())
		}
		return types.Retry(err)
	}
	if err := o.fail(ctx, t, err, resumeAt); err != nil {
		return types.Retry(err)
	}
	return types.Done(nil)
}

func (o *Orchestrator) clearAttempts(t *types.TransferRequest) {
	t.AttemptCount = 0
	t.LastError = nil
}

func (o *Orchestrator) stepSubmitSource(ctx context.Context, t *types.TransferRequest, task *types.MonitoringTask) types.TaskOutcome {
	if t.Status != types.StatusInitiated {
		return stale(t, task)
	}

	hash, err := o.submitSource(ctx, t)
	if err != nil {
		return o.retryOrFail(ctx, t, err, types.StatusInitiated)
	}

	src, err := o.descriptor(t.SourceChainID)
	if err != nil {
		return types.Retry(err)
	}
	next := o.newTask(t, types.TaskConfirmSource, t.SourceChainID)
	next.TxHash = hash.Hex()
	next.TargetConfirmations = src.ConfirmationDepth
	next.SubmittedAt = o.clock.Now()
	next.NextPollAt = next.SubmittedAt.Add(src.PollInterval)

	o.clearAttempts(t)
	if err := o.moveTo(ctx, t, types.StatusSourceSubmitted); err != nil {
		// the hash is already recorded and the confirm task finishes the transition
		log.Printf("Error saving source tx %s of transfer %s: %s", hash.Hex(), t.ID, err.Error())
	}
	return types.Done(next)
}

func (o *Orchestrator) stepConfirmSource(ctx context.Context, t *types.TransferRequest, task *types.MonitoringTask) types.TaskOutcome {
	if t.Status == types.StatusInitiated && task.TxHash != "" {
		t.SourceTxHash = task.TxHash
		if err := o.moveTo(ctx, t, types.StatusSourceSubmitted); err != nil {
			return types.Retry(err)
		}
	}
	if t.Status == types.StatusSourceConfirmed {
		return o.requestQuorum(ctx, t)
	}
	if t.Status != types.StatusSourceSubmitted {
		return stale(t, task)
	}

	chain, err := o.chains.Chain(t.SourceChainID)
	if err != nil {
		return o.retryOrFail(ctx, t, err, types.StatusSourceSubmitted)
	}
	desc := chain.Descriptor()
	hash := common.HexToHash(t.SourceTxHash)

	conf, err := chain.WaitForConfirmations(ctx, hash, task.TargetConfirmations, task.SubmittedAt)
	if err != nil {
		return o.retryOrFail(ctx, t, err, types.StatusSourceSubmitted)
	}

	switch conf.Status {
	case EVMRPC.ConfirmationPending:
		o.preconfirmationHint(ctx, chain, t, hash)
		return types.Pending(o.clock.Now().Add(desc.PollInterval))

	case EVMRPC.ConfirmationReverted:
		cause := types.TerminalError(nil, "source deposit %s reverted in block %d", t.SourceTxHash, conf.BlockNumber)
		t.SourceTxHash, t.SourceTxRaw = "", ""
		return o.retryOrFail(ctx, t, cause, types.StatusInitiated)

	case EVMRPC.ConfirmationTimedOut:
		cause := types.NewError(types.CodeConfirmationTimeout, nil, "source deposit %s not mined within %s", t.SourceTxHash, desc.MaxConfirmationWait)
		return o.retryOrFail(ctx, t, cause, types.StatusSourceSubmitted)
	}

	o.clearAttempts(t)
	if err := o.moveTo(ctx, t, types.StatusSourceConfirmed); err != nil {
		return types.Retry(err)
	}
	o.emit(ctx, types.EventTransferConfirmed, t)
	return o.requestQuorum(ctx, t)
}

// preconfirmationHint records the chain's sub-block inclusion signal for display.
// It never replaces the confirmation depth.
func (o *Orchestrator) preconfirmationHint(ctx context.Context, chain Chain, t *types.TransferRequest, hash common.Hash) {
	if chain.Descriptor().PreconfirmationMethod == "" || t.Metadata[META_PRECONFIRMED] != "" {
		return
	}
	ok, err := chain.Preconfirmed(ctx, hash)
	if err != nil {
		log.Printf("Error reading preconfirmation of %s: %s", hash.Hex(), err.Error())
		return
	}
	if !ok {
		return
	}
	t.SetMeta(META_PRECONFIRMED, o.clock.Now().UTC().Format(time.RFC3339))
	t.UpdatedAt = o.clock.Now()
	if err := o.store.SaveTransfer(ctx, t); err != nil {
		log.Printf("Error saving preconfirmation of transfer %s: %s", t.ID, err.Error())
	}
}

func (o *Orchestrator) requestQuorum(ctx context.Context, t *types.TransferRequest) types.TaskOutcome {
	set, err := o.quorum.RequestQuorum(ctx, t)
	if err != nil {
		return o.retryOrFail(ctx, t, err, types.StatusSourceConfirmed)
	}

	t.SetMeta(META_SNAPSHOT, set.SnapshotID)
	if err := o.moveTo(ctx, t, types.StatusQuorumPending); err != nil {
		return types.Retry(err)
	}

	next := o.newTask(t, types.TaskCheckQuorum, t.DestinationChainID)
	next.NextPollAt = o.clock.Now().Add(o.opts.QuorumPollInterval)
	return types.Done(next)
}

// waitForQuorum polls again until the quorum window closes, then fails the transfer
func (o *Orchestrator) waitForQuorum(ctx context.Context, t *types.TransferRequest, requestedAt time.Time) types.TaskOutcome {
	now := o.clock.Now()
	closes := requestedAt.Add(o.opts.QuorumWindow)
	if !now.Before(closes) {
		cause := types.NewError(types.CodeQuorumTimeout, nil, "quorum not reached within %s", o.opts.QuorumWindow)
		if err := o.fail(ctx, t, cause, types.StatusQuorumPending); err != nil {
			return types.Retry(err)
		}
		return types.Done(nil)
	}

	pollBy := now.Add(o.opts.QuorumPollInterval)
	if closes.Before(pollBy) {
		pollBy = closes
	}
	return types.Pending(pollBy)
}

func (o *Orchestrator) stepCheckQuorum(ctx context.Context, t *types.TransferRequest, task *types.MonitoringTask) types.TaskOutcome {
	if t.Status != types.StatusQuorumPending {
		return stale(t, task)
	}

	status, err := o.quorum.CheckQuorum(ctx, t.ID)
	if errors.Is(err, types.ErrNotFound) {
		// binding lost, take a new snapshot
		return o.requestQuorumAgain(ctx, t)
	}
	if err != nil {
		return o.retryOrFail(ctx, t, err, types.StatusQuorumPending)
	}
	if !status.Reached {
		return o.waitForQuorum(ctx, t, status.RequestedAt)
	}

	log.Printf("Quorum reached for transfer %s with %d/%d signatures", t.ID, len(status.Signers), status.Required)
	o.clearAttempts(t)
	if err := o.moveTo(ctx, t, types.StatusRelayed); err != nil {
		return types.Retry(err)
	}
	return types.Done(o.newTask(t, types.TaskSubmitDestination, t.DestinationChainID))
}

func (o *Orchestrator) requestQuorumAgain(ctx context.Context, t *types.TransferRequest) types.TaskOutcome {
	set, err := o.quorum.RequestQuorum(ctx, t)
	if err != nil {
		return o.retryOrFail(ctx, t, err, types.StatusQuorumPending)
	}
	t.SetMeta(META_SNAPSHOT, set.SnapshotID)
	t.UpdatedAt = o.clock.Now()
	if err := o.store.SaveTransfer(ctx, t); err != nil {
		return types.Retry(err)
	}
	return types.Pending(o.clock.Now().Add(o.opts.QuorumPollInterval))
}

func (o *Orchestrator) stepSubmitDestination(ctx context.Context, t *types.TransferRequest, task *types.MonitoringTask) types.TaskOutcome {
	if t.Status != types.StatusRelayed {
		return stale(t, task)
	}

	// a recorded release already carries its signatures and is only sent again
	var quorum relay.QuorumStatus
	if t.DestinationTxRaw == "" {
		status, err := o.quorum.CheckQuorum(ctx, t.ID)
		if err != nil {
			return o.retryOrFail(ctx, t, err, types.StatusRelayed)
		}
		if !status.Reached {
			// a signer was revoked since quorum was first reached
			log.Printf("Quorum for transfer %s no longer holds, %d/%d signatures", t.ID, len(status.Signers), status.Required)
			return o.waitForQuorum(ctx, t, status.RequestedAt)
		}
		quorum = status
	}

	chain, err := o.chains.Chain(t.DestinationChainID)
	if err != nil {
		return o.retryOrFail(ctx, t, err, types.StatusRelayed)
	}
	desc := chain.Descriptor()

	hash, err := o.broadcast(ctx, t, chain, &t.DestinationTxHash, &t.DestinationTxRaw, func() (EVMRPC.Call, error) {
		return releaseCall(desc, t, quorum)
	})
	if err != nil {
		log.Printf("Error submitting release of transfer %s on chain %d: %s", t.ID, desc.ChainID, err.Error())
		return o.retryOrFail(ctx, t, err, types.StatusRelayed)
	}
	log.Printf("Submitted release of transfer %s on chain %d: %s", t.ID, desc.ChainID, hash.Hex())

	next := o.newTask(t, types.TaskConfirmDestination, t.DestinationChainID)
	next.TxHash = hash.Hex()
	next.TargetConfirmations = desc.ConfirmationDepth
	next.SubmittedAt = o.clock.Now()
	next.NextPollAt = next.SubmittedAt.Add(desc.PollInterval)

	o.clearAttempts(t)
	if err := o.moveTo(ctx, t, types.StatusDestinationSubmitted); err != nil {
		log.Printf("Error saving destination tx %s of transfer %s: %s", hash.Hex(), t.ID, err.Error())
	}
	return types.Done(next)
}

func (o *Orchestrator) stepConfirmDestination(ctx context.Context, t *types.TransferRequest, task *types.MonitoringTask) types.TaskOutcome {
	if t.Status == types.StatusRelayed && task.TxHash != "" {
		t.DestinationTxHash = task.TxHash
		if err := o.moveTo(ctx, t, types.StatusDestinationSubmitted); err != nil {
			return types.Retry(err)
		}
	}
	if t.Status != types.StatusDestinationSubmitted {
		return stale(t, task)
	}

	chain, err := o.chains.Chain(t.DestinationChainID)
	if err != nil {
		return o.retryOrFail(ctx, t, err, types.StatusDestinationSubmitted)
	}
	desc := chain.Descriptor()

	conf, err := chain.WaitForConfirmations(ctx, common.HexToHash(t.DestinationTxHash), task.TargetConfirmations, task.SubmittedAt)
	if err != nil {
		return o.retryOrFail(ctx, t, err, types.StatusDestinationSubmitted)
	}

	switch conf.Status {
	case EVMRPC.ConfirmationPending:
		return types.Pending(o.clock.Now().Add(desc.PollInterval))

	case EVMRPC.ConfirmationReverted:
		cause := types.TerminalError(nil, "release %s reverted in block %d", t.DestinationTxHash, conf.BlockNumber)
		t.DestinationTxHash, t.DestinationTxRaw = "", ""
		return o.retryOrFail(ctx, t, cause, types.StatusRelayed)

	case EVMRPC.ConfirmationTimedOut:
		cause := types.NewError(types.CodeConfirmationTimeout, nil, "release %s not mined within %s", t.DestinationTxHash, desc.MaxConfirmationWait)
		return o.retryOrFail(ctx, t, cause, types.StatusDestinationSubmitted)
	}

	o.clearAttempts(t)
	if err := o.moveTo(ctx, t, types.StatusCompleted); err != nil {
		return types.Retry(err)
	}
	log.Printf("Transfer %s completed, released %s %s on chain %d", t.ID, t.NetAmount().String(), t.Token, t.DestinationChainID)
	o.metrics.terminal(types.StatusCompleted, "")
	o.emit(ctx, types.EventTransferCompleted, t)
	return types.Done(nil)
}
