package EVMRPC

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log"
	"math/big"
	"sync"
	"time"

	"gochainbridge/types"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	// extra gas on top of the estimate when submitting
	GAS_SAFETY_MARGIN_PERCENT = 20
	// attempts for read-only contract calls
	READ_ATTEMPTS = 3
)

// Call is a contract call, GasLimit is a floor the estimate may raise but never lower
type Call struct {
	To       common.Address
	Data     []byte
	Value    *big.Int
	GasLimit uint64
}

type ConfirmationStatus int

const (
	ConfirmationPending ConfirmationStatus = iota
	ConfirmationConfirmed
	ConfirmationReverted
	ConfirmationTimedOut
)

func (s ConfirmationStatus) String() string {
	switch s {
	case ConfirmationConfirmed:
		return "confirmed"
	case ConfirmationReverted:
		return "reverted"
	case ConfirmationTimedOut:
		return "timed_out"
	default:
		return "pending"
	}
}

type Confirmation struct {
	Status        ConfirmationStatus
	Confirmations uint64
	BlockNumber   uint64
}

// Adapter performs the bridge's RPC and contract operations against one chain.
// Everything chain specific comes from its ChainDescriptor.
type Adapter struct {
	desc     types.ChainDescriptor
	pool     *Pool
	key      *ecdsa.PrivateKey
	from     common.Address
	signer   ethtypes.Signer
	clock    clock.Clock
	preconf  *preconfClient
	submitMu sync.Mutex // one nonce at a time per chain for SubmitTransaction

	readAttempts   int
	readBackoff    time.Duration
	readBackoffMax time.Duration
}

func newAdapter(desc types.ChainDescriptor, opts Options) *Adapter {
	a := &Adapter{
		desc:           desc,
		pool:           NewPool(desc, opts.Dialer, opts.Metrics),
		key:            opts.PrivateKey,
		signer:         ethtypes.LatestSignerForChainID(new(big.Int).SetUint64(desc.ChainID)),
		clock:          opts.Clock,
		readAttempts:   opts.ReadAttempts,
		readBackoff:    opts.ReadBackoff,
		readBackoffMax: opts.ReadBackoffMax,
	}
	if a.key != nil {
		a.from = crypto.PubkeyToAddress(a.key.PublicKey)
	}
	if desc.PreconfirmationMethod != "" && len(desc.RPCURLs) > 0 {
		a.preconf = newPreconfClient(desc.RPCURLs[0], desc.PreconfirmationMethod)
	}
	return a
}

func (a *Adapter) Descriptor() types.ChainDescriptor {
	return a.desc
}

// From is the relayer account transactions are sent from
func (a *Adapter) From() common.Address {
	return a.from
}

// EstimateGas never blocks the flow: on failure it falls back to the chain's default limit.
// The result is never below call.GasLimit.
func (a *Adapter) EstimateGas(ctx context.Context, call Call) uint64 {
	to := call.To
	estimate, err := Do(ctx, a.pool, "eth_estimateGas", func(b Backend) (uint64, error) {
		return b.EstimateGas(ctx, ethereum.CallMsg{
			From:  a.from,
			To:    &to,
			Value: call.Value,
			Data:  call.Data,
		})
	})
	if err != nil {
		log.Printf("Error estimating gas on %s, using default %d: %s", a.desc.Name, a.desc.DefaultGasLimit, err.Error())
		estimate = a.desc.DefaultGasLimit
	}
	if estimate < call.GasLimit {
		estimate = call.GasLimit
	}
	return estimate
}

// SignTransaction builds and signs the call at the account's pending nonce without sending it.
// The hash is final from here on, so callers can record it before broadcasting.
func (a *Adapter) SignTransaction(ctx context.Context, call Call) (*ethtypes.Transaction, error) {
	if a.key == nil {
		return nil, types.TerminalError(nil, "no signer key configured for chain %d", a.desc.ChainID)
	}

	gas := a.EstimateGas(ctx, call)
	gas = gas * (100 + GAS_SAFETY_MARGIN_PERCENT) / 100

	value := call.Value
	if value == nil {
		value = new(big.Int)
	}

	to := call.To
	return Do(ctx, a.pool, "eth_getTransactionCount", func(b Backend) (*ethtypes.Transaction, error) {
		nonce, err := b.PendingNonceAt(ctx, a.from)
		if err != nil {
			return nil, err
		}
		gasPrice, err := b.SuggestGasPrice(ctx)
		if err != nil {
			return nil, err
		}

		return ethtypes.SignTx(ethtypes.NewTx(&ethtypes.LegacyTx{
			Nonce:    nonce,
			GasPrice: gasPrice,
			Gas:      gas,
			To:       &to,
			Value:    value,
			Data:     call.Data,
		}), a.signer, a.key)
	})
}

// SendTransaction broadcasts a signed transaction. Sending the same transaction again is
// safe: a node that already holds it, or a chain that already mined it, counts as sent.
// A transaction whose nonce went to another one fails with CodeTxDropped.
func (a *Adapter) SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error {
	_, err := Do(ctx, a.pool, "eth_sendRawTransaction", func(b Backend) (struct{}, error) {
		err := b.SendTransaction(ctx, tx)
		switch {
		case err == nil, alreadyKnown(err):
			return struct{}{}, nil
		case nonceTaken(err):
			return struct{}{}, fmt.Errorf("%w: %s", errNonceTaken, err.Error())
		}
		return struct{}{}, err
	})
	if !errors.Is(err, errNonceTaken) {
		return err
	}

	receipt, rerr := Do(ctx, a.pool, "eth_getTransactionReceipt", func(b Backend) (*ethtypes.Receipt, error) {
		return b.TransactionReceipt(ctx, tx.Hash())
	})
	switch {
	case rerr == nil && receipt != nil:
		return nil
	case rerr == nil, errors.Is(rerr, ethereum.NotFound):
		return types.NewError(types.CodeTxDropped, err, "tx %s on %s can no longer be mined", tx.Hash().Hex(), a.desc.Name)
	}
	return rerr
}

// SubmitTransaction signs and sends the call. A failed send still returns the hash: the node
// may have taken the transaction before the reply got lost, so a retry has to resend that
// transaction rather than sign a new one.
func (a *Adapter) SubmitTransaction(ctx context.Context, call Call) (common.Hash, error) {
	a.submitMu.Lock()
	defer a.submitMu.Unlock()

	tx, err := a.SignTransaction(ctx, call)
	if err != nil {
		return common.Hash{}, err
	}
	if err := a.SendTransaction(ctx, tx); err != nil {
		return tx.Hash(), err
	}

	log.Printf("Sent tx %s on %s (gas %d)", tx.Hash().Hex(), a.desc.Name, tx.Gas())
	return tx.Hash(), nil
}

// WaitForConfirmations is a single poll, never a blocking wait. The monitoring queue calls it
// until the status leaves ConfirmationPending.
func (a *Adapter) WaitForConfirmations(ctx context.Context, txHash common.Hash, depth uint64, submittedAt time.Time) (Confirmation, error) {
	receipt, err := Do(ctx, a.pool, "eth_getTransactionReceipt", func(b Backend) (*ethtypes.Receipt, error) {
		return b.TransactionReceipt(ctx, txHash)
	})
	if errors.Is(err, ethereum.NotFound) || (err == nil && receipt == nil) {
		if a.desc.MaxConfirmationWait > 0 && a.clock.Since(submittedAt) >= a.desc.MaxConfirmationWait {
			return Confirmation{Status: ConfirmationTimedOut}, nil
		}
		return Confirmation{Status: ConfirmationPending}, nil
	}
	if err != nil {
		return Confirmation{}, err
	}

	blockNumber := receipt.BlockNumber.Uint64()
	if receipt.Status == ethtypes.ReceiptStatusFailed {
		return Confirmation{Status: ConfirmationReverted, BlockNumber: blockNumber}, nil
	}

	head, err := a.Head(ctx)
	if err != nil {
		return Confirmation{}, err
	}

	conf := Confirmation{Status: ConfirmationPending, BlockNumber: blockNumber}
	if head >= blockNumber {
		conf.Confirmations = head - blockNumber + 1
	}
	if conf.Confirmations >= depth {
		conf.Status = ConfirmationConfirmed
	}
	return conf, nil
}

// ReadContractState retries transient failures with capped exponential backoff,
// anything else fails on the first attempt
func (a *Adapter) ReadContractState(ctx context.Context, call Call) ([]byte, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = a.readBackoff
	policy.MaxInterval = a.readBackoffMax
	policy.MaxElapsedTime = 0
	policy.Reset()

	to := call.To
	return backoff.RetryWithData(func() ([]byte, error) {
		out, err := Do(ctx, a.pool, "eth_call", func(b Backend) ([]byte, error) {
			return b.CallContract(ctx, ethereum.CallMsg{From: a.from, To: &to, Data: call.Data}, nil)
		})
		if err != nil && !types.IsTransient(err) {
			return nil, backoff.Permanent(err)
		}
		return out, err
	}, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(a.readAttempts-1)), ctx))
}

// Head is the latest block number
func (a *Adapter) Head(ctx context.Context) (uint64, error) {
	return Do(ctx, a.pool, "eth_blockNumber", func(b Backend) (uint64, error) {
		return b.BlockNumber(ctx)
	})
}

// Preconfirmed reports the chain's sub-block inclusion signal. It is a hint for
// users only and never counts as a confirmation.
func (a *Adapter) Preconfirmed(ctx context.Context, txHash common.Hash) (bool, error) {
	if a.preconf == nil {
		return false, nil
	}
	if err := a.pool.reserve(ctx); err != nil {
		return false, err
	}
	defer a.pool.sem.Release(1)

	ok, err := a.preconf.included(txHash)
	return ok, classify(err, a.desc.PreconfirmationMethod)
}

func (a *Adapter) Close() {
	a.pool.Close()
}
