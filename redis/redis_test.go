package redis

import (
	"context"
	"math/big"
	"testing"
	"time"

	"gochainbridge/types"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	m := miniredis.RunT(t)
	s := NewAddr(m.Addr(), "")
	t.Cleanup(func() { s.Close() })
	return s, m
}

func testTransfer() *types.TransferRequest {
	return &types.TransferRequest{
		ID:                 "t-1",
		SourceChainID:      1,
		DestinationChainID: 6342,
		Token:              "ETH",
		Amount:             big.NewInt(1500),
		Status:             types.StatusInitiated,
	}
}

func TestSaveTransferCompareAndSet(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	s, m := newTestStore(t)

	tr := testTransfer()
	require.NoError(s.SaveTransfer(ctx, tr))
	require.Equal(int64(1), tr.Version)

	stale, err := s.GetTransfer(ctx, "t-1")
	require.NoError(err)
	require.Equal(int64(1), stale.Version)
	require.Equal("1500", stale.Amount.String())

	tr.Status = types.StatusSourceSubmitted
	require.NoError(s.SaveTransfer(ctx, tr))
	require.Equal(int64(2), tr.Version)

	stale.Status = types.StatusFailed
	require.ErrorIs(s.SaveTransfer(ctx, stale), types.ErrConflict)
	require.Equal(int64(1), stale.Version)

	got, err := s.GetTransfer(ctx, "t-1")
	require.NoError(err)
	require.Equal(types.StatusSourceSubmitted, got.Status)

	// the id moved from the pending set to the processing one
	pending, _ := m.SMembers("bridgeops:pending")
	require.Empty(pending)
	processing, _ := m.SMembers("bridgeops:processing")
	require.Equal([]string{"t-1"}, processing)
}

func TestGetTransferNotFound(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.GetTransfer(context.Background(), "missing")
	require.ErrorIs(t, err, types.ErrNotFound)
}

func TestLostServerIsTransient(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	s, m := newTestStore(t)
	require.NoError(s.SaveTransfer(ctx, testTransfer()))

	m.Close()
	_, err := s.GetTransfer(ctx, "t-1")
	require.True(types.IsTransient(err), "got %v", err)
	_, err = s.GetSignatureSet(ctx, "t-1")
	require.True(types.IsTransient(err), "got %v", err)
	require.True(types.IsTransient(s.Ping(ctx)))

	require.NoError(m.Restart())
	got, err := s.GetTransfer(ctx, "t-1")
	require.NoError(err)
	require.Equal("t-1", got.ID)

	// an error reply is an answer, not an outage
	m.SetError("ERR max number of clients reached")
	_, err = s.GetTransfer(ctx, "t-1")
	require.Error(err)
	require.False(types.IsTransient(err))
	m.SetError("")
}

func TestListTransfers(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	s, _ := newTestStore(t)

	for _, id := range []string{"a", "b", "c"} {
		tr := testTransfer()
		tr.ID = id
		tr.Status = types.StatusFailed
		require.NoError(s.SaveTransfer(ctx, tr))
	}

	failed, err := s.ListTransfers(ctx, types.PersistedFailed, 0)
	require.NoError(err)
	require.Len(failed, 3)

	limited, err := s.ListTransfers(ctx, types.PersistedFailed, 2)
	require.NoError(err)
	require.Len(limited, 2)

	_, err = s.ListTransfers(ctx, "unknown", 0)
	require.Error(err)
}

func TestIdempotencyKey(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	s, m := newTestStore(t)

	id, reserved, err := s.ReserveIdempotencyKey(ctx, "k", "t-1", time.Minute)
	require.NoError(err)
	require.True(reserved)
	require.Equal("t-1", id)

	id, reserved, err = s.ReserveIdempotencyKey(ctx, "k", "t-2", time.Minute)
	require.NoError(err)
	require.False(reserved)
	require.Equal("t-1", id)

	m.FastForward(2 * time.Minute)
	id, reserved, err = s.ReserveIdempotencyKey(ctx, "k", "t-3", time.Minute)
	require.NoError(err)
	require.True(reserved)
	require.Equal("t-3", id)

	// only the owner can release
	require.NoError(s.ReleaseIdempotencyKey(ctx, "k", "t-1"))
	_, reserved, _ = s.ReserveIdempotencyKey(ctx, "k", "t-4", time.Minute)
	require.False(reserved)
	require.NoError(s.ReleaseIdempotencyKey(ctx, "k", "t-3"))
	_, reserved, _ = s.ReserveIdempotencyKey(ctx, "k", "t-4", time.Minute)
	require.True(reserved)
}

func TestTaskQueueLifecycle(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	s, _ := newTestStore(t)

	now := time.Unix(1_700_000_000, 0)
	task := &types.MonitoringTask{
		TransferID: "t-1",
		ChainID:    1,
		Kind:       types.TaskConfirmSource,
		TxHash:     "0xabc",
		NextPollAt: now.Add(time.Second),
		Deadline:   now.Add(time.Hour),
	}
	require.NoError(s.AddTask(ctx, task))

	// one active task per transfer and chain
	dup := *task
	dup.Kind = types.TaskSubmitSource
	require.ErrorIs(s.AddTask(ctx, &dup), types.ErrTaskExists)

	claimed, err := s.ClaimDueTasks(ctx, now, 10, now.Add(time.Minute))
	require.NoError(err)
	require.Empty(claimed)

	claimed, err = s.ClaimDueTasks(ctx, now.Add(time.Second), 10, now.Add(time.Minute))
	require.NoError(err)
	require.Len(claimed, 1)
	require.Equal(types.TaskConfirmSource, claimed[0].Kind)
	require.Equal("0xabc", claimed[0].TxHash)

	queued, inFlight, err := s.TaskDepth(ctx)
	require.NoError(err)
	require.Equal(0, queued)
	require.Equal(1, inFlight)

	// claimed tasks are not handed out twice
	again, err := s.ClaimDueTasks(ctx, now.Add(time.Hour), 10, now.Add(2*time.Hour))
	require.NoError(err)
	require.Empty(again)

	claimed[0].Attempt = 1
	claimed[0].NextPollAt = now.Add(5 * time.Second)
	require.NoError(s.RescheduleTask(ctx, claimed[0]))
	queued, inFlight, _ = s.TaskDepth(ctx)
	require.Equal(1, queued)
	require.Equal(0, inFlight)

	claimed, err = s.ClaimDueTasks(ctx, now.Add(5*time.Second), 10, now.Add(time.Minute))
	require.NoError(err)
	require.Len(claimed, 1)
	require.Equal(1, claimed[0].Attempt)

	next := &types.MonitoringTask{
		TransferID: "t-1",
		ChainID:    6342,
		Kind:       types.TaskSubmitDestination,
		NextPollAt: now.Add(5 * time.Second),
		Deadline:   now.Add(time.Hour),
	}
	require.NoError(s.CompleteTask(ctx, claimed[0], next))

	_, err = s.GetTask(ctx, "t-1", 1)
	require.ErrorIs(err, types.ErrNotFound)
	got, err := s.GetTask(ctx, "t-1", 6342)
	require.NoError(err)
	require.Equal(types.TaskSubmitDestination, got.Kind)

	require.NoError(s.RemoveTask(ctx, "t-1", 6342))
	queued, inFlight, _ = s.TaskDepth(ctx)
	require.Equal(0, queued)
	require.Equal(0, inFlight)
}

func TestCompleteTaskReplacesSameKey(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	s, _ := newTestStore(t)

	now := time.Unix(1_700_000_000, 0)
	task := &types.MonitoringTask{TransferID: "t-1", ChainID: 1, Kind: types.TaskSubmitSource, NextPollAt: now}
	require.NoError(s.AddTask(ctx, task))
	claimed, err := s.ClaimDueTasks(ctx, now, 1, now.Add(time.Minute))
	require.NoError(err)
	require.Len(claimed, 1)

	next := *task
	next.Kind = types.TaskConfirmSource
	next.NextPollAt = now.Add(time.Second)
	require.NoError(s.CompleteTask(ctx, claimed[0], &next))

	got, err := s.GetTask(ctx, "t-1", 1)
	require.NoError(err)
	require.Equal(types.TaskConfirmSource, got.Kind)
}

func TestCompleteTaskRefusesOccupiedKey(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	s, _ := newTestStore(t)

	now := time.Unix(1_700_000_000, 0)
	a := &types.MonitoringTask{TransferID: "t-1", ChainID: 1, Kind: types.TaskConfirmSource, NextPollAt: now}
	b := &types.MonitoringTask{TransferID: "t-1", ChainID: 2, Kind: types.TaskConfirmDestination, NextPollAt: now}
	require.NoError(s.AddTask(ctx, a))
	require.NoError(s.AddTask(ctx, b))

	next := &types.MonitoringTask{TransferID: "t-1", ChainID: 2, Kind: types.TaskSubmitDestination, NextPollAt: now}
	require.ErrorIs(s.CompleteTask(ctx, a, next), types.ErrTaskExists)

	// nothing was removed
	_, err := s.GetTask(ctx, "t-1", 1)
	require.NoError(err)
	got, err := s.GetTask(ctx, "t-1", 2)
	require.NoError(err)
	require.Equal(types.TaskConfirmDestination, got.Kind)
}

func TestRequeueExpiredTasks(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	s, _ := newTestStore(t)

	now := time.Unix(1_700_000_000, 0)
	require.NoError(s.AddTask(ctx, &types.MonitoringTask{TransferID: "t-1", ChainID: 1, NextPollAt: now}))
	claimed, err := s.ClaimDueTasks(ctx, now, 10, now.Add(30*time.Second))
	require.NoError(err)
	require.Len(claimed, 1)

	n, err := s.RequeueExpiredTasks(ctx, now.Add(10*time.Second))
	require.NoError(err)
	require.Equal(0, n)

	n, err = s.RequeueExpiredTasks(ctx, now.Add(31*time.Second))
	require.NoError(err)
	require.Equal(1, n)

	claimed, err = s.ClaimDueTasks(ctx, now.Add(31*time.Second), 10, now.Add(time.Minute))
	require.NoError(err)
	require.Len(claimed, 1)
}

func TestJobQueue(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	s, _ := newTestStore(t)

	job, err := s.ClaimJob(ctx)
	require.NoError(err)
	require.Nil(job)

	require.NoError(s.PushJob(ctx, &types.BridgeJob{RequestID: "r-1"}))
	require.NoError(s.PushJob(ctx, &types.BridgeJob{RequestID: "r-2"}))

	job, err = s.ClaimJob(ctx)
	require.NoError(err)
	require.Equal("r-1", job.Job.RequestID)

	// a crash before the ack leaves the job recoverable
	n, err := s.RecoverJobs(ctx)
	require.NoError(err)
	require.Equal(1, n)

	job, err = s.ClaimJob(ctx)
	require.NoError(err)
	require.Equal("r-2", job.Job.RequestID)
	require.NoError(s.AckJob(ctx, job))

	job, err = s.ClaimJob(ctx)
	require.NoError(err)
	require.Equal("r-1", job.Job.RequestID)
	require.NoError(s.AckJob(ctx, job))

	n, err = s.RecoverJobs(ctx)
	require.NoError(err)
	require.Equal(0, n)
}

func TestDelayedAndDeadJobs(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	s, _ := newTestStore(t)

	now := time.Unix(1_700_000_000, 0)
	require.NoError(s.DelayJob(ctx, &types.BridgeJob{RequestID: "r-1", Attempt: 1}, now.Add(2*time.Second)))

	n, err := s.PromoteDueJobs(ctx, now, 10)
	require.NoError(err)
	require.Equal(0, n)

	n, err = s.PromoteDueJobs(ctx, now.Add(2*time.Second), 10)
	require.NoError(err)
	require.Equal(1, n)

	job, err := s.ClaimJob(ctx)
	require.NoError(err)
	require.Equal(1, job.Job.Attempt)
	require.NoError(s.AckJob(ctx, job))

	require.NoError(s.DeadLetterJob(ctx, &types.BridgeJob{RequestID: "r-1", LastError: "boom"}))
	dead, err := s.DeadLetters(ctx, 10)
	require.NoError(err)
	require.Len(dead, 1)
	require.Equal("boom", dead[0].LastError)

	queued, delayed, deadCount, err := s.JobDepth(ctx)
	require.NoError(err)
	require.Equal(0, queued)
	require.Equal(0, delayed)
	require.Equal(1, deadCount)
}

func TestSignatureStorage(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	s, _ := newTestStore(t)

	v1 := common.HexToAddress("0x01")
	v2 := common.HexToAddress("0x02")
	snap := &types.ValidatorSnapshot{Validators: []common.Address{v1, v2}, Threshold: 2}
	snap.ID = types.SnapshotID(snap.Validators, snap.Threshold)
	require.NoError(s.SaveSnapshot(ctx, snap))
	require.NoError(s.SaveSnapshot(ctx, snap))

	got, err := s.GetSnapshot(ctx, snap.ID)
	require.NoError(err)
	require.Equal(snap.Validators, got.Validators)
	_, err = s.GetSnapshot(ctx, "nope")
	require.ErrorIs(err, types.ErrNotFound)

	set := &types.ValidatorSignatureSet{
		TransferID:     "t-1",
		RequiredQuorum: 2,
		SnapshotID:     snap.ID,
		Digest:         common.HexToHash("0xfeed"),
	}
	require.NoError(s.SaveSignatureSet(ctx, set))

	added, err := s.AddSignature(ctx, "t-1", v1, []byte("sig-1"))
	require.NoError(err)
	require.True(added)
	added, err = s.AddSignature(ctx, "t-1", v1, []byte("sig-1b"))
	require.NoError(err)
	require.False(added)

	stored, err := s.GetSignatureSet(ctx, "t-1")
	require.NoError(err)
	require.Equal(set.Digest, stored.Digest)
	require.Equal([]byte("sig-1"), stored.Signatures[v1])
	require.Len(stored.Signatures, 1)

	// rebinding clears what was collected
	require.NoError(s.SaveSignatureSet(ctx, set))
	stored, err = s.GetSignatureSet(ctx, "t-1")
	require.NoError(err)
	require.Empty(stored.Signatures)
}

func TestPublishEvent(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	s, m := newTestStore(t)

	sub := m.NewSubscriber()
	sub.Subscribe("bridge:events")

	tr := testTransfer()
	require.NoError(s.PublishEvent(ctx, types.NewEvent(types.EventTransferInitiated, tr, time.Unix(1_700_000_000, 0))))

	msg := <-sub.Messages()
	require.Contains(msg.Message, `"type":"TransferInitiated"`)

	events, err := s.RecentEvents(ctx, 10)
	require.NoError(err)
	require.Len(events, 1)
	require.Equal("t-1", events[0].TransferID)
	require.Equal("1500", events[0].Amount)
}
