package bridge

import (
	"context"
	"fmt"
	"log"
	"math/big"

	"gochainbridge/EVMRPC"
	"gochainbridge/relay"
	"gochainbridge/types"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
)

// broadcast sends the transaction recorded in *raw. With nothing recorded it signs the
// call first and saves hash and raw on the transfer before anything leaves the process,
// so a retry after a lost reply resends that transaction instead of signing a second one.
//
// A transaction that can never be mined is forgotten: rejected outright it fails as is,
// dropped for its nonce it comes back as a transient error and the next attempt signs again.
// Clearing is saved by the caller together with the outcome.
func (o *Orchestrator) broadcast(ctx context.Context, t *types.TransferRequest, chain Chain, hash, raw *string, build func() (EVMRPC.Call, error)) (common.Hash, error) {
	// one signer per chain, two transfers must not sign at the same pending nonce
	unlock := o.locks.Lock(fmt.Sprintf("nonce:%d", chain.Descriptor().ChainID))
	defer unlock()

	if *raw == "" {
		call, err := build()
		if err != nil {
			return common.Hash{}, err
		}
		signed, err := chain.SignTransaction(ctx, call)
		if err != nil {
			return common.Hash{}, err
		}
		data, err := signed.MarshalBinary()
		if err != nil {
			return common.Hash{}, types.NewError(types.CodeInternal, err, "cannot encode tx")
		}

		*hash, *raw = signed.Hash().Hex(), hexutil.Encode(data)
		t.UpdatedAt = o.clock.Now()
		if err := o.store.SaveTransfer(ctx, t); err != nil {
			*hash, *raw = "", ""
			return common.Hash{}, types.TransientError(err, "cannot record tx %s before sending", signed.Hash().Hex())
		}
	}

	signed, err := decodeTx(*raw)
	if err != nil {
		*hash, *raw = "", ""
		return common.Hash{}, types.TransientError(err, "recorded tx of transfer %s is unreadable, signing again", t.ID)
	}

	err = chain.SendTransaction(ctx, signed)
	switch {
	case err == nil, types.IsTransient(err):
		return signed.Hash(), err
	case types.IsCode(err, types.CodeTxDropped):
		*hash, *raw = "", ""
		return signed.Hash(), types.TransientError(err, "tx %s dropped, signing again", signed.Hash().Hex())
	}
	*hash, *raw = "", ""
	return signed.Hash(), err
}

func decodeTx(raw string) (*ethtypes.Transaction, error) {
	data, err := hexutil.Decode(raw)
	if err != nil {
		return nil, err
	}
	tx := new(ethtypes.Transaction)
	if err := tx.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return tx, nil
}

func depositCall(desc types.ChainDescriptor, t *types.TransferRequest) (EVMRPC.Call, error) {
	token, ok := desc.TokenAddress(t.Token)
	if !ok {
		return EVMRPC.Call{}, types.ValidationError("token %s is not bridgeable from chain %d", t.Token, desc.ChainID)
	}

	data, err := EVMRPC.PackDeposit(types.TransferKey(t.ID), token, t.Amount, t.DestinationChainID, common.HexToAddress(t.Recipient))
	if err != nil {
		return EVMRPC.Call{}, types.NewError(types.CodeInternal, err, "cannot pack deposit")
	}
	call := EVMRPC.Call{To: desc.Contracts.BridgeCore, Data: data}
	if desc.IsNative(t.Token) {
		call.Value = new(big.Int).Set(t.Amount)
	}
	return call, nil
}

func releaseCall(desc types.ChainDescriptor, t *types.TransferRequest, quorum relay.QuorumStatus) (EVMRPC.Call, error) {
	token, ok := desc.TokenAddress(t.Token)
	if !ok {
		return EVMRPC.Call{}, types.ValidationError("token %s is not bridgeable to chain %d", t.Token, desc.ChainID)
	}

	data, err := EVMRPC.PackRelease(EVMRPC.Release{
		TransferID:    types.TransferKey(t.ID),
		Token:         token,
		Recipient:     common.HexToAddress(t.Recipient),
		Amount:        t.NetAmount(),
		SourceChainID: t.SourceChainID,
		SourceTxHash:  common.HexToHash(t.SourceTxHash),
		Signers:       quorum.Signers,
		Signatures:    quorum.Signatures,
	})
	if err != nil {
		return EVMRPC.Call{}, types.NewError(types.CodeInternal, err, "cannot pack release")
	}
	return EVMRPC.Call{To: desc.Contracts.BridgeReceiver, Data: data}, nil
}

func (o *Orchestrator) submitSource(ctx context.Context, t *types.TransferRequest) (common.Hash, error) {
	chain, err := o.chains.Chain(t.SourceChainID)
	if err != nil {
		return common.Hash{}, err
	}
	desc := chain.Descriptor()

	hash, err := o.broadcast(ctx, t, chain, &t.SourceTxHash, &t.SourceTxRaw, func() (EVMRPC.Call, error) {
		return depositCall(desc, t)
	})
	if err != nil {
		log.Printf("Error submitting deposit of transfer %s on chain %d: %s", t.ID, desc.ChainID, err.Error())
		return hash, err
	}
	log.Printf("Submitted deposit of transfer %s on chain %d: %s", t.ID, desc.ChainID, hash.Hex())
	return hash, nil
}
