package bridge

import (
	"context"
	"time"

	"gochainbridge/EVMRPC"
	"gochainbridge/types"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
)

// Chain is what the orchestrator needs from a chain adapter
type Chain interface {
	Descriptor() types.ChainDescriptor
	SignTransaction(ctx context.Context, call EVMRPC.Call) (*ethtypes.Transaction, error)
	SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error
	WaitForConfirmations(ctx context.Context, txHash common.Hash, depth uint64, submittedAt time.Time) (EVMRPC.Confirmation, error)
	ReadContractState(ctx context.Context, call EVMRPC.Call) ([]byte, error)
	Preconfirmed(ctx context.Context, txHash common.Hash) (bool, error)
}

// Chains resolves a chain id to its adapter, ValidationError for unsupported chains
type Chains interface {
	Chain(chainID uint64) (Chain, error)
}

type registryChains struct {
	reg *EVMRPC.Registry
}

// FromRegistry exposes the adapters of an EVMRPC registry
func FromRegistry(reg *EVMRPC.Registry) Chains {
	return &registryChains{reg: reg}
}

func (c *registryChains) Chain(chainID uint64) (Chain, error) {
	a, err := c.reg.Adapter(chainID)
	if err != nil {
		return nil, err
	}
	return a, nil
}
