package EVMRPC

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Backend is the part of ethclient.Client the adapter uses
type Backend interface {
	BlockNumber(ctx context.Context) (uint64, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	Close()
}

var _ Backend = (*ethclient.Client)(nil)

// Dialer opens a backend for one RPC endpoint
type Dialer func(ctx context.Context, url string) (Backend, error)

func DialEth(ctx context.Context, url string) (Backend, error) {
	client, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// Do runs f on a pooled backend of the chain, acquiring and releasing it around the call.
// Errors come back classified as RpcTransientError or RpcTerminalError.
func Do[T any](ctx context.Context, p *Pool, method string, f func(b Backend) (T, error)) (res T, err error) {
	backend, err := p.acquire(ctx)
	if err != nil {
		return res, err
	}

	done := p.metrics.start(p.chainID, method)
	res, err = f(backend)
	err = classify(err, method)
	done(err)

	p.release(backend, err)
	return res, err
}
