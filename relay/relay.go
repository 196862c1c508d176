package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"math/big"
	"sort"
	"time"

	"gochainbridge/types"

	"github.com/benbjohnson/clock"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	lru "github.com/hashicorp/golang-lru"
)

const SNAPSHOT_CACHE_SIZE = 256

// Store is where snapshots, bound signature sets and signatures are kept
type Store interface {
	SaveSnapshot(ctx context.Context, snap *types.ValidatorSnapshot) error
	GetSnapshot(ctx context.Context, id string) (*types.ValidatorSnapshot, error)
	SaveSignatureSet(ctx context.Context, set *types.ValidatorSignatureSet) error
	GetSignatureSet(ctx context.Context, transferID string) (*types.ValidatorSignatureSet, error)
	AddSignature(ctx context.Context, transferID string, validator common.Address, sig []byte) (bool, error)
}

// QuorumStatus is the answer to CheckQuorum. Signers are sorted and
// Signatures follow the same order, ready to be passed to the receiver contract.
type QuorumStatus struct {
	Reached     bool
	Required    int
	Signers     []common.Address
	Signatures  [][]byte
	SnapshotID  string
	RequestedAt time.Time
}

// Relay collects validator attestations for transfers
type Relay struct {
	store     Store
	registry  Registry
	clock     clock.Clock
	snapshots *lru.Cache
}

func New(store Store, registry Registry, clk clock.Clock) (*Relay, error) {
	if clk == nil {
		clk = clock.New()
	}
	cache, err := lru.New(SNAPSHOT_CACHE_SIZE)
	if err != nil {
		return nil, err
	}
	return &Relay{
		store:     store,
		registry:  registry,
		clock:     clk,
		snapshots: cache,
	}, nil
}

// AttestationDigest is the message validators sign for a transfer
func AttestationDigest(t *types.TransferRequest) common.Hash {
	return crypto.Keccak256Hash(
		types.TransferKey(t.ID).Bytes(),
		common.LeftPadBytes(new(big.Int).SetUint64(t.SourceChainID).Bytes(), 32),
		common.LeftPadBytes(new(big.Int).SetUint64(t.DestinationChainID).Bytes(), 32),
		[]byte(t.Token),
		common.HexToAddress(t.Recipient).Bytes(),
		common.LeftPadBytes(t.NetAmount().Bytes(), 32),
		common.HexToHash(t.SourceTxHash).Bytes(),
	)
}

// RequestQuorum binds the transfer to the validator set in force now.
// Signatures gathered under an earlier binding are discarded.
func (r *Relay) RequestQuorum(ctx context.Context, t *types.TransferRequest) (*types.ValidatorSignatureSet, error) {
	validators, threshold, err := r.registry.Validators(ctx)
	if err != nil {
		log.Printf("Error reading validator registry for transfer %s: %s", t.ID, err.Error())
		return nil, err
	}
	if err := checkSet(validators, threshold); err != nil {
		return nil, types.NewError(types.CodeInternal, err, "invalid validator registry")
	}

	snap := &types.ValidatorSnapshot{
		ID:         types.SnapshotID(validators, threshold),
		Validators: validators,
		Threshold:  threshold,
		TakenAt:    r.clock.Now(),
	}
	if _, err := r.snapshot(ctx, snap.ID); errors.Is(err, types.ErrNotFound) {
		if err := r.store.SaveSnapshot(ctx, snap); err != nil {
			return nil, err
		}
		r.snapshots.Add(snap.ID, snap)
	} else if err != nil {
		return nil, err
	}

	set := &types.ValidatorSignatureSet{
		TransferID:     t.ID,
		RequiredQuorum: threshold,
		SnapshotID:     snap.ID,
		Digest:         AttestationDigest(t),
		RequestedAt:    r.clock.Now(),
	}
	if err := r.store.SaveSignatureSet(ctx, set); err != nil {
		return nil, err
	}

	log.Printf("Requested quorum %d/%d for transfer %s, snapshot %s", threshold, len(validators), t.ID, snap.ID)
	return set, nil
}

// SubmitSignature accepts one attestation. The signature must recover to the
// claimed validator and that validator must belong to the bound snapshot and
// still be registered.
// A second signature from the same validator is ignored.
func (r *Relay) SubmitSignature(ctx context.Context, transferID string, validator common.Address, sig []byte) (bool, error) {
	set, err := r.store.GetSignatureSet(ctx, transferID)
	if errors.Is(err, types.ErrNotFound) {
		return false, types.ValidationError("no quorum requested for transfer %s", transferID)
	}
	if err != nil {
		return false, err
	}

	signer, err := recoverSigner(set.Digest, sig)
	if err != nil {
		return false, types.ValidationError("malformed signature: %s", err.Error())
	}
	if signer != validator {
		log.Printf("Recovered sig address '%s', provided '%s'", signer.Hex(), validator.Hex())
		return false, types.ValidationError("signature does not match validator %s", validator.Hex())
	}

	eligible, err := r.eligible(ctx, set.SnapshotID)
	if err != nil {
		return false, err
	}
	if !eligible[signer] {
		return false, types.ValidationError("validator %s is not an active member of snapshot %s", signer.Hex(), set.SnapshotID)
	}

	added, err := r.store.AddSignature(ctx, transferID, signer, sig)
	if err != nil {
		return false, err
	}
	if added {
		log.Printf("Stored signature of %s for transfer %s", signer.Hex(), transferID)
	}
	return added, nil
}

// CheckQuorum re-validates every stored signature against the bound snapshot
// and digest, and reports whether enough distinct validators signed.
// Validators removed from the registry since the snapshot no longer count.
func (r *Relay) CheckQuorum(ctx context.Context, transferID string) (QuorumStatus, error) {
	set, err := r.store.GetSignatureSet(ctx, transferID)
	if err != nil {
		return QuorumStatus{}, err
	}
	snap, err := r.snapshot(ctx, set.SnapshotID)
	if err != nil {
		return QuorumStatus{}, err
	}
	eligible, err := r.eligible(ctx, set.SnapshotID)
	if err != nil {
		return QuorumStatus{}, err
	}

	status := QuorumStatus{
		Required:    set.RequiredQuorum,
		SnapshotID:  set.SnapshotID,
		RequestedAt: set.RequestedAt,
	}

	valid := make(map[common.Address][]byte, len(set.Signatures))
	for addr, sig := range set.Signatures {
		signer, err := recoverSigner(set.Digest, sig)
		if err != nil || signer != addr || !eligible[signer] {
			continue
		}
		valid[signer] = sig
	}

	for addr := range valid {
		status.Signers = append(status.Signers, addr)
	}
	sort.Slice(status.Signers, func(i, j int) bool {
		return bytes.Compare(status.Signers[i].Bytes(), status.Signers[j].Bytes()) < 0
	})
	for _, addr := range status.Signers {
		status.Signatures = append(status.Signatures, valid[addr])
	}

	counted := &types.ValidatorSignatureSet{
		RequiredQuorum: set.RequiredQuorum,
		SnapshotID:     set.SnapshotID,
		Signatures:     valid,
	}
	status.Reached = counted.QuorumReached(snap)
	return status, nil
}

// eligible is the set of snapshot members still present in the registry.
// Members added after the snapshot are never part of it.
func (r *Relay) eligible(ctx context.Context, snapshotID string) (map[common.Address]bool, error) {
	snap, err := r.snapshot(ctx, snapshotID)
	if err != nil {
		return nil, err
	}
	current, _, err := r.registry.Validators(ctx)
	if err != nil {
		log.Printf("Error reading validator registry: %s", err.Error())
		return nil, err
	}

	out := make(map[common.Address]bool, len(snap.Validators))
	for _, v := range current {
		if snap.Contains(v) {
			out[v] = true
		}
	}
	return out, nil
}

func (r *Relay) snapshot(ctx context.Context, id string) (*types.ValidatorSnapshot, error) {
	if v, ok := r.snapshots.Get(id); ok {
		return v.(*types.ValidatorSnapshot), nil
	}
	snap, err := r.store.GetSnapshot(ctx, id)
	if err != nil {
		return nil, err
	}
	r.snapshots.Add(id, snap)
	return snap, nil
}

func prefixHash(data []byte) common.Hash {
	msg := fmt.Sprintf("\x19Ethereum Signed Message:\n%d%s", len(data), data)
	return crypto.Keccak256Hash([]byte(msg))
}

func recoverSigner(digest common.Hash, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("signature must be %d bytes, got %d", crypto.SignatureLength, len(sig))
	}

	sigBytes := make([]byte, len(sig))
	copy(sigBytes, sig)
	if sigBytes[64] != 27 && sigBytes[64] != 28 && sigBytes[64] != 0 && sigBytes[64] != 1 {
		return common.Address{}, fmt.Errorf("wrong signature checksum")
	}
	if sigBytes[64] == 27 || sigBytes[64] == 28 {
		sigBytes[64] = sigBytes[64] - 27
	}

	pub, err := crypto.SigToPub(prefixHash(digest.Bytes()).Bytes(), sigBytes)
	if err != nil {
		return common.Address{}, fmt.Errorf("cannot decode public key: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}
