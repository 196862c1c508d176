package bridge

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"gochainbridge/EVMRPC"
	"gochainbridge/redis"
	"gochainbridge/relay"
	"gochainbridge/types"

	"github.com/alicebob/miniredis/v2"
	"github.com/benbjohnson/clock"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

type fakeTx struct {
	call     EVMRPC.Call
	block    uint64
	reverted bool
}

// fakeChain mines every accepted transaction into the next block
type fakeChain struct {
	mu    sync.Mutex
	desc  types.ChainDescriptor
	clock clock.Clock
	key   *ecdsa.PrivateKey
	nonce uint64

	head        uint64
	signErrs    []error
	submitErrs  []error // rejected before the chain takes the transaction
	lostReplies []error // the chain takes the transaction, the caller gets an error
	revertNext bool
	holdMining bool
	preconf    bool
	readResult []byte
	readErr    error

	txs  map[common.Hash]*fakeTx
	sent []EVMRPC.Call
}

func newFakeChain(chainID uint64, depth uint64, clk clock.Clock) *fakeChain {
	key, _ := crypto.GenerateKey()
	return &fakeChain{
		key: key,
		desc: types.ChainDescriptor{
			ChainID:             chainID,
			Name:                "chain",
			ConfirmationDepth:   depth,
			MaxConfirmationWait: 10 * time.Minute,
			PollInterval:        time.Second,
			Contracts: types.ChainContracts{
				BridgeCore:     common.BigToAddress(new(big.Int).SetUint64(chainID*100 + 1)),
				BridgeReceiver: common.BigToAddress(new(big.Int).SetUint64(chainID*100 + 2)),
				FeeTreasury:    common.BigToAddress(new(big.Int).SetUint64(chainID*100 + 3)),
			},
			Tokens: map[string]common.Address{
				"ETH":  {},
				"USDC": common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"),
			},
		},
		clock: clk,
		head:  1000,
		txs:   make(map[common.Hash]*fakeTx),
	}
}

func (c *fakeChain) Descriptor() types.ChainDescriptor {
	return c.desc
}

func (c *fakeChain) SignTransaction(ctx context.Context, call EVMRPC.Call) (*ethtypes.Transaction, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := pop(&c.signErrs); err != nil {
		return nil, err
	}
	to := call.To
	return ethtypes.SignTx(ethtypes.NewTx(&ethtypes.LegacyTx{
		Nonce:    c.nonce,
		GasPrice: big.NewInt(1),
		Gas:      100000,
		To:       &to,
		Value:    call.Value,
		Data:     call.Data,
	}), ethtypes.LatestSignerForChainID(new(big.Int).SetUint64(c.desc.ChainID)), c.key)
}

func (c *fakeChain) SendTransaction(ctx context.Context, signed *ethtypes.Transaction) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.txs[signed.Hash()]; ok {
		return nil
	}
	if err := pop(&c.submitErrs); err != nil {
		return err
	}
	if signed.Nonce() < c.nonce {
		return types.NewError(types.CodeTxDropped, nil, "nonce %d of %s already used", signed.Nonce(), signed.Hash().Hex())
	}
	c.nonce++

	call := EVMRPC.Call{To: *signed.To(), Data: signed.Data()}
	if signed.Value().Sign() > 0 {
		call.Value = signed.Value()
	}
	c.sent = append(c.sent, call)
	tx := &fakeTx{call: call, reverted: c.revertNext}
	c.revertNext = false
	if !c.holdMining {
		c.head++
		tx.block = c.head
	}
	c.txs[signed.Hash()] = tx
	return pop(&c.lostReplies)
}

// submit signs and sends call outside of any transfer
func (c *fakeChain) submit(t *testing.T, call EVMRPC.Call) common.Hash {
	t.Helper()
	tx, err := c.SignTransaction(context.Background(), call)
	require.NoError(t, err)
	require.NoError(t, c.SendTransaction(context.Background(), tx))
	return tx.Hash()
}

func pop(errs *[]error) error {
	if len(*errs) == 0 {
		return nil
	}
	err := (*errs)[0]
	*errs = (*errs)[1:]
	return err
}

func (c *fakeChain) WaitForConfirmations(ctx context.Context, txHash common.Hash, depth uint64, submittedAt time.Time) (EVMRPC.Confirmation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tx, ok := c.txs[txHash]
	if !ok || tx.block == 0 {
		if c.clock.Since(submittedAt) >= c.desc.MaxConfirmationWait {
			return EVMRPC.Confirmation{Status: EVMRPC.ConfirmationTimedOut}, nil
		}
		return EVMRPC.Confirmation{Status: EVMRPC.ConfirmationPending}, nil
	}
	if tx.reverted {
		return EVMRPC.Confirmation{Status: EVMRPC.ConfirmationReverted, BlockNumber: tx.block}, nil
	}
	conf := EVMRPC.Confirmation{Status: EVMRPC.ConfirmationPending, BlockNumber: tx.block, Confirmations: c.head - tx.block + 1}
	if conf.Confirmations >= depth {
		conf.Status = EVMRPC.ConfirmationConfirmed
	}
	return conf, nil
}

func (c *fakeChain) ReadContractState(ctx context.Context, call EVMRPC.Call) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readResult, c.readErr
}

func (c *fakeChain) Preconfirmed(ctx context.Context, txHash common.Hash) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.preconf, nil
}

// mine adds n empty blocks
func (c *fakeChain) mine(n uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.head += n
}

// release includes every held transaction in the next block
func (c *fakeChain) release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.head++
	for _, tx := range c.txs {
		if tx.block == 0 {
			tx.block = c.head
		}
	}
	c.holdMining = false
}

func (c *fakeChain) failSubmits(errs ...error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.submitErrs = append(c.submitErrs, errs...)
}

func (c *fakeChain) failSigning(errs ...error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.signErrs = append(c.signErrs, errs...)
}

func (c *fakeChain) loseReplies(errs ...error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lostReplies = append(c.lostReplies, errs...)
}

func (c *fakeChain) sentCalls() []EVMRPC.Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]EVMRPC.Call, len(c.sent))
	copy(out, c.sent)
	return out
}

type fakeChains map[uint64]*fakeChain

func (f fakeChains) Chain(chainID uint64) (Chain, error) {
	c, ok := f[chainID]
	if !ok {
		return nil, types.ValidationError("chain %d is not configured", chainID)
	}
	return c, nil
}

// fakeScheduler keeps the latest task per transfer and chain
type fakeScheduler struct {
	mu    sync.Mutex
	tasks map[string]*types.MonitoringTask
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{tasks: make(map[string]*types.MonitoringTask)}
}

func (s *fakeScheduler) Enqueue(ctx context.Context, task *types.MonitoringTask, delay time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[task.Key()]; ok {
		return types.ErrTaskExists
	}
	s.tasks[task.Key()] = task
	return nil
}

func (s *fakeScheduler) Cancel(ctx context.Context, transferID string, chainID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, types.TaskKey(transferID, chainID))
	return nil
}

// take removes and returns the task for the transfer on the chain
func (s *fakeScheduler) take(transferID string, chainID uint64) *types.MonitoringTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := types.TaskKey(transferID, chainID)
	task := s.tasks[key]
	delete(s.tasks, key)
	return task
}

func (s *fakeScheduler) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// flakyStore loses the connection once, on the first save that moves a transfer to failOn
type flakyStore struct {
	*redis.Store
	mu     sync.Mutex
	failOn types.Status
}

func (s *flakyStore) SaveTransfer(ctx context.Context, t *types.TransferRequest) error {
	s.mu.Lock()
	fail := s.failOn != "" && t.Status == s.failOn
	if fail {
		s.failOn = ""
	}
	s.mu.Unlock()
	if fail {
		return types.TransientError(errors.New("read tcp: i/o timeout"), "redis unavailable")
	}
	return s.Store.SaveTransfer(ctx, t)
}

const (
	srcChain = 1
	dstChain = 6342
)

type harness struct {
	orch      *Orchestrator
	store     *redis.Store
	relay     *relay.Relay
	clock     *clock.Mock
	src, dst  *fakeChain
	scheduler *fakeScheduler
	keys      []*ecdsa.PrivateKey
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	m := miniredis.RunT(t)
	store := redis.NewAddr(m.Addr(), "")
	t.Cleanup(func() { store.Close() })

	clk := clock.NewMock()
	clk.Set(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	h := &harness{
		store:     store,
		clock:     clk,
		src:       newFakeChain(srcChain, 1, clk),
		dst:       newFakeChain(dstChain, 3, clk),
		scheduler: newFakeScheduler(),
	}

	addrs := make([]common.Address, 5)
	for i := range addrs {
		key, err := crypto.GenerateKey()
		require.NoError(t, err)
		h.keys = append(h.keys, key)
		addrs[i] = crypto.PubkeyToAddress(key.PublicKey)
	}
	r, err := relay.New(store, &relay.StaticRegistry{Addresses: addrs, Threshold: 3}, clk)
	require.NoError(t, err)
	h.relay = r

	h.start(h.scheduler)
	return h
}

// start builds the orchestrator on top of scheduler
func (h *harness) start(scheduler Scheduler) {
	h.startWith(h.store, h.relay, scheduler)
}

func (h *harness) startWith(store Store, quorum Quorum, scheduler Scheduler) {
	h.orch = New(store, h.chains(), quorum, scheduler, FlatFee(30), Options{
		TransferDeadline:   time.Hour,
		QuorumWindow:       10 * time.Minute,
		QuorumPollInterval: 5 * time.Second,
		Clock:              h.clock,
	})
}

func (h *harness) chains() fakeChains {
	return fakeChains{srcChain: h.src, dstChain: h.dst}
}

func ethRequest(nonce uint64) types.InitiateRequest {
	amount, _ := new(big.Int).SetString("1500000000000000000", 10)
	return types.InitiateRequest{
		UserID:             "user-1",
		Sender:             "0x1111111111111111111111111111111111111111",
		Recipient:          "0x2222222222222222222222222222222222222222",
		Nonce:              nonce,
		SourceChainID:      srcChain,
		DestinationChainID: dstChain,
		Token:              "ETH",
		Amount:             amount,
	}
}

// sign has the first n validators attest the transfer
func (h *harness) sign(t *testing.T, transferID string, n int) {
	t.Helper()
	tr, err := h.store.GetTransfer(context.Background(), transferID)
	require.NoError(t, err)
	digest := relay.AttestationDigest(tr)
	for _, key := range h.keys[:n] {
		sig, err := relay.SignAttestation(key, digest)
		require.NoError(t, err)
		_, err = h.relay.SubmitSignature(context.Background(), transferID, crypto.PubkeyToAddress(key.PublicKey), sig)
		require.NoError(t, err)
	}
}

// relayed runs a new transfer up to Relayed and returns its submit-destination task
func (h *harness) relayed(t *testing.T, nonce uint64) (*types.TransferRequest, *types.MonitoringTask) {
	t.Helper()
	ctx := context.Background()
	tr, err := h.orch.InitiateTransfer(ctx, ethRequest(nonce))
	require.NoError(t, err)

	out := h.orch.HandleTask(ctx, h.scheduler.take(tr.ID, srcChain))
	require.Equal(t, types.OutcomeDone, out.Kind)
	h.sign(t, tr.ID, 3)
	out = h.orch.HandleTask(ctx, out.Next)
	require.Equal(t, types.OutcomeDone, out.Kind)
	require.Equal(t, types.TaskSubmitDestination, out.Next.Kind)
	return tr, out.Next
}

func (h *harness) addresses() []common.Address {
	addrs := make([]common.Address, len(h.keys))
	for i, key := range h.keys {
		addrs[i] = crypto.PubkeyToAddress(key.PublicKey)
	}
	return addrs
}

func (h *harness) load(t *testing.T, id string) *types.TransferRequest {
	t.Helper()
	tr, err := h.store.GetTransfer(context.Background(), id)
	require.NoError(t, err)
	return tr
}
