package EVMRPC

import (
	"context"
	"errors"
	"math/big"
	"strconv"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
)

// fakeBackend scripts node responses for adapter tests
type fakeBackend struct {
	mu sync.Mutex

	head        uint64
	estimate    uint64
	estimateErr error
	gasPrice    *big.Int
	nonce       uint64
	sendErrs    []error
	lostReplies []error
	known       map[common.Hash]bool
	receipts    map[common.Hash]*ethtypes.Receipt
	callErrs    []error
	callResult  []byte

	sent     []*ethtypes.Transaction
	calls    int
	closed   int
	inFlight int
	maxSeen  int
	block    chan struct{}
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		head:     100,
		estimate: 50000,
		gasPrice: big.NewInt(1_000_000_000),
		receipts: make(map[common.Hash]*ethtypes.Receipt),
		known:    make(map[common.Hash]bool),
	}
}

func (f *fakeBackend) enter() {
	f.mu.Lock()
	f.inFlight++
	if f.inFlight > f.maxSeen {
		f.maxSeen = f.inFlight
	}
	block := f.block
	f.mu.Unlock()
	if block != nil {
		<-block
	}
}

func (f *fakeBackend) leave() {
	f.mu.Lock()
	f.inFlight--
	f.mu.Unlock()
}

func (f *fakeBackend) BlockNumber(ctx context.Context) (uint64, error) {
	f.enter()
	defer f.leave()
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, nil
}

func (f *fakeBackend) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.estimate, f.estimateErr
}

func (f *fakeBackend) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return f.gasPrice, nil
}

func (f *fakeBackend) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonce, nil
}

// SendTransaction answers like a node: a pooled transaction is already known, a used
// nonce is too low. lostReplies accept the transaction and then fail the call.
func (f *fakeBackend) SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.known[tx.Hash()] {
		return errors.New("already known")
	}
	if len(f.sendErrs) > 0 {
		err := f.sendErrs[0]
		f.sendErrs = f.sendErrs[1:]
		if err != nil {
			return err
		}
	}
	if tx.Nonce() < f.nonce {
		return errors.New("nonce too low: next nonce " + strconv.FormatUint(f.nonce, 10))
	}
	f.sent = append(f.sent, tx)
	f.known[tx.Hash()] = true
	f.nonce++
	if len(f.lostReplies) > 0 {
		err := f.lostReplies[0]
		f.lostReplies = f.lostReplies[1:]
		return err
	}
	return nil
}

// mine moves tx out of the pool into a block
func (f *fakeBackend) mine(tx *ethtypes.Transaction, block int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.known, tx.Hash())
	f.receipts[tx.Hash()] = &ethtypes.Receipt{Status: ethtypes.ReceiptStatusSuccessful, BlockNumber: big.NewInt(block), TxHash: tx.Hash()}
}

func (f *fakeBackend) TransactionReceipt(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.receipts[txHash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (f *fakeBackend) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.callErrs) > 0 {
		err := f.callErrs[0]
		f.callErrs = f.callErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return f.callResult, nil
}

func (f *fakeBackend) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
}

// dialer hands out the same fake for every endpoint, failing the listed urls
func (f *fakeBackend) dialer(failing ...string) Dialer {
	return func(ctx context.Context, url string) (Backend, error) {
		for _, u := range failing {
			if u == url {
				return nil, errors.New("dial tcp: connection refused")
			}
		}
		return f, nil
	}
}
