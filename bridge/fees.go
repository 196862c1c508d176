package bridge

import (
	"context"
	"math"

	"gochainbridge/EVMRPC"
	"gochainbridge/types"

	"github.com/ethereum/go-ethereum/common"
)

// FeeTreasury quotes the bridge fee, in basis points, for a token leaving a chain
type FeeTreasury interface {
	FeeBasisPoints(ctx context.Context, source types.ChainDescriptor, token common.Address) (uint32, error)
}

// FlatFee charges the same basis points for every token and chain
type FlatFee uint32

func (f FlatFee) FeeBasisPoints(ctx context.Context, source types.ChainDescriptor, token common.Address) (uint32, error) {
	return uint32(f), nil
}

// TreasuryFee reads feeBasisPoints(token) from the source chain's fee treasury contract
type TreasuryFee struct {
	Chains Chains
}

func (f *TreasuryFee) FeeBasisPoints(ctx context.Context, source types.ChainDescriptor, token common.Address) (uint32, error) {
	if source.Contracts.FeeTreasury == (common.Address{}) {
		return 0, types.ValidationError("chain %d has no fee treasury", source.ChainID)
	}
	chain, err := f.Chains.Chain(source.ChainID)
	if err != nil {
		return 0, err
	}

	data, err := EVMRPC.PackFeeBasisPoints(token)
	if err != nil {
		return 0, err
	}
	out, err := chain.ReadContractState(ctx, EVMRPC.Call{To: source.Contracts.FeeTreasury, Data: data})
	if err != nil {
		return 0, err
	}
	bps, err := EVMRPC.UnpackFeeBasisPoints(out)
	if err != nil {
		return 0, types.TerminalError(err, "cannot decode fee basis points")
	}
	if !bps.IsUint64() || bps.Uint64() > math.MaxUint32 {
		return 0, types.TerminalError(nil, "fee basis points %s out of range", bps.String())
	}
	return uint32(bps.Uint64()), nil
}
