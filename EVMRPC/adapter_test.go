package EVMRPC

import (
	"context"
	"errors"
	"math/big"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"gochainbridge/types"

	"github.com/benbjohnson/clock"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/require"
)

func testDescriptor() types.ChainDescriptor {
	return types.ChainDescriptor{
		ChainID:             6342,
		Name:                "test",
		RPCURLs:             []string{"http://primary", "http://backup"},
		ConfirmationDepth:   3,
		MaxConfirmationWait: 10 * time.Minute,
		MaxInFlight:         4,
		DefaultGasLimit:     300000,
	}
}

func newTestAdapter(t *testing.T, fb *fakeBackend, desc types.ChainDescriptor) (*Adapter, *clock.Mock) {
	t.Helper()

	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	mock := clock.NewMock()
	reg := NewRegistry([]types.ChainDescriptor{desc}, Options{
		Dialer:         fb.dialer(),
		PrivateKey:     key,
		Clock:          mock,
		ReadBackoff:    time.Millisecond,
		ReadBackoffMax: 2 * time.Millisecond,
	})
	t.Cleanup(reg.Close)

	a, err := reg.Adapter(desc.ChainID)
	require.NoError(t, err)
	return a, mock
}

func TestEstimateGas(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	fb := newFakeBackend()
	a, _ := newTestAdapter(t, fb, testDescriptor())

	require.Equal(uint64(50000), a.EstimateGas(ctx, Call{}))

	// requested limit is a floor
	require.Equal(uint64(80000), a.EstimateGas(ctx, Call{GasLimit: 80000}))

	fb.estimateErr = errors.New("execution reverted")
	require.Equal(uint64(300000), a.EstimateGas(ctx, Call{}))
	require.Equal(uint64(400000), a.EstimateGas(ctx, Call{GasLimit: 400000}))
}

func TestSubmitTransactionAppliesMargin(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	fb := newFakeBackend()
	a, _ := newTestAdapter(t, fb, testDescriptor())

	to := common.HexToAddress("0x1111111111111111111111111111111111111111")
	hash, err := a.SubmitTransaction(ctx, Call{To: to, Data: []byte{1, 2, 3}, Value: big.NewInt(7)})
	require.NoError(err)

	require.Len(fb.sent, 1)
	tx := fb.sent[0]
	require.Equal(hash, tx.Hash())
	require.Equal(uint64(60000), tx.Gas())
	require.Equal(to, *tx.To())
	require.Equal(int64(7), tx.Value().Int64())

	sender, err := ethtypes.Sender(ethtypes.LatestSignerForChainID(big.NewInt(6342)), tx)
	require.NoError(err)
	require.Equal(a.From(), sender)
}

func TestSubmitTransactionErrors(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	fb := newFakeBackend()
	a, _ := newTestAdapter(t, fb, testDescriptor())

	fb.sendErrs = []error{errors.New("insufficient funds for gas * price + value")}
	_, err := a.SubmitTransaction(ctx, Call{})
	require.True(types.IsCode(err, types.CodeRPCTerminal))

	fb.sendErrs = []error{rpc.HTTPError{StatusCode: http.StatusServiceUnavailable, Status: "503"}}
	_, err = a.SubmitTransaction(ctx, Call{})
	require.True(types.IsTransient(err))

	// the node already has it, that is a successful send
	fb.sendErrs = []error{errors.New("already known")}
	hash, err := a.SubmitTransaction(ctx, Call{})
	require.NoError(err)
	require.NotEqual(common.Hash{}, hash)

	noKey := NewRegistry([]types.ChainDescriptor{testDescriptor()}, Options{Dialer: fb.dialer()})
	defer noKey.Close()
	unsigned, err := noKey.Adapter(6342)
	require.NoError(err)
	_, err = unsigned.SubmitTransaction(ctx, Call{})
	require.True(types.IsCode(err, types.CodeRPCTerminal))
}

func TestSubmitTransactionLostReplyKeepsHash(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	fb := newFakeBackend()
	a, _ := newTestAdapter(t, fb, testDescriptor())
	fb.lostReplies = []error{&net.OpError{Op: "read", Net: "tcp", Err: errors.New("i/o timeout")}}

	to := common.HexToAddress("0x1111111111111111111111111111111111111111")
	hash, err := a.SubmitTransaction(ctx, Call{To: to, Data: []byte{1}})
	require.True(types.IsTransient(err), "got %v", err)
	require.NotEqual(common.Hash{}, hash)
	require.Len(fb.sent, 1)
	require.Equal(hash, fb.sent[0].Hash())

	// sending the same transaction again is not a second transfer
	require.NoError(a.SendTransaction(ctx, fb.sent[0]))
	require.Len(fb.sent, 1)

	fb.mine(fb.sent[0], 100)
	require.NoError(a.SendTransaction(ctx, fb.sent[0]))
	require.Len(fb.sent, 1)
}

func TestSendTransactionNonceTakenByAnother(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	fb := newFakeBackend()
	a, _ := newTestAdapter(t, fb, testDescriptor())

	to := common.HexToAddress("0x1111111111111111111111111111111111111111")
	stale, err := a.SignTransaction(ctx, Call{To: to, Data: []byte{1}})
	require.NoError(err)
	require.Empty(fb.sent)

	_, err = a.SubmitTransaction(ctx, Call{To: to, Data: []byte{2}})
	require.NoError(err)
	require.Equal(stale.Nonce(), fb.sent[0].Nonce())

	err = a.SendTransaction(ctx, stale)
	require.True(types.IsCode(err, types.CodeTxDropped), "got %v", err)
	require.False(types.IsTransient(err))
	require.Len(fb.sent, 1)
}

func TestWaitForConfirmations(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	fb := newFakeBackend()
	a, mock := newTestAdapter(t, fb, testDescriptor())
	submittedAt := mock.Now()

	hash := common.HexToHash("0xabc")
	conf, err := a.WaitForConfirmations(ctx, hash, 3, submittedAt)
	require.NoError(err)
	require.Equal(ConfirmationPending, conf.Status)

	fb.receipts[hash] = &ethtypes.Receipt{Status: ethtypes.ReceiptStatusSuccessful, BlockNumber: big.NewInt(99)}
	conf, err = a.WaitForConfirmations(ctx, hash, 3, submittedAt)
	require.NoError(err)
	require.Equal(ConfirmationPending, conf.Status)
	require.Equal(uint64(2), conf.Confirmations)

	fb.head = 101
	conf, err = a.WaitForConfirmations(ctx, hash, 3, submittedAt)
	require.NoError(err)
	require.Equal(ConfirmationConfirmed, conf.Status)
	require.Equal(uint64(3), conf.Confirmations)

	reverted := common.HexToHash("0xdead")
	fb.receipts[reverted] = &ethtypes.Receipt{Status: ethtypes.ReceiptStatusFailed, BlockNumber: big.NewInt(90)}
	conf, err = a.WaitForConfirmations(ctx, reverted, 1, submittedAt)
	require.NoError(err)
	require.Equal(ConfirmationReverted, conf.Status)

	mock.Add(10 * time.Minute)
	conf, err = a.WaitForConfirmations(ctx, common.HexToHash("0x404"), 1, submittedAt)
	require.NoError(err)
	require.Equal(ConfirmationTimedOut, conf.Status)
}

func TestReadContractStateRetriesTransientOnly(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	fb := newFakeBackend()
	a, _ := newTestAdapter(t, fb, testDescriptor())

	fb.callResult = []byte{42}
	fb.callErrs = []error{&net.OpError{Op: "read", Err: errors.New("i/o timeout")}, errors.New("connection reset by peer")}
	out, err := a.ReadContractState(ctx, Call{})
	require.NoError(err)
	require.Equal([]byte{42}, out)
	require.Equal(3, fb.calls)

	fb.calls = 0
	fb.callErrs = []error{errors.New("timeout"), errors.New("timeout"), errors.New("timeout"), nil}
	_, err = a.ReadContractState(ctx, Call{})
	require.True(types.IsTransient(err))
	require.Equal(READ_ATTEMPTS, fb.calls)

	fb.calls = 0
	fb.callErrs = []error{errors.New("invalid opcode: malformed call")}
	_, err = a.ReadContractState(ctx, Call{})
	require.True(types.IsCode(err, types.CodeRPCTerminal))
	require.Equal(1, fb.calls)
}

func TestPreconfirmed(t *testing.T) {
	require := require.New(t)

	included := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if included {
			w.Write([]byte(`{"jsonrpc":"2.0","id":0,"result":{"status":"0x1"}}`))
			return
		}
		w.Write([]byte(`{"jsonrpc":"2.0","id":0,"result":null}`))
	}))
	defer srv.Close()

	desc := testDescriptor()
	desc.RPCURLs = []string{srv.URL}
	desc.PreconfirmationMethod = "realtime_getTransactionReceipt"
	a, _ := newTestAdapter(t, newFakeBackend(), desc)

	ok, err := a.Preconfirmed(context.Background(), common.HexToHash("0x01"))
	require.NoError(err)
	require.False(ok)

	included = true
	ok, err = a.Preconfirmed(context.Background(), common.HexToHash("0x01"))
	require.NoError(err)
	require.True(ok)

	plain, _ := newTestAdapter(t, newFakeBackend(), testDescriptor())
	ok, err = plain.Preconfirmed(context.Background(), common.HexToHash("0x01"))
	require.NoError(err)
	require.False(ok)
}

func TestRegistryUnknownChain(t *testing.T) {
	reg := NewRegistry([]types.ChainDescriptor{testDescriptor()}, Options{Dialer: newFakeBackend().dialer()})
	defer reg.Close()

	_, err := reg.Adapter(1)
	require.True(t, types.IsCode(err, types.CodeValidation))

	_, ok := reg.Descriptor(6342)
	require.True(t, ok)
	require.Equal(t, []uint64{6342}, reg.ChainIDs())
}
