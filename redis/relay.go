package redis

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"gochainbridge/config"
	"gochainbridge/types"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gomodule/redigo/redis"
)

// stored form of a signature set, signatures live in their own hash
type signatureSetRecord struct {
	TransferID     string      `json:"transferId"`
	RequiredQuorum int         `json:"requiredQuorum"`
	SnapshotID     string      `json:"snapshotId"`
	Digest         common.Hash `json:"digest"`
	RequestedAt    time.Time   `json:"requestedAt"`
}

// SaveSnapshot stores a snapshot once; snapshots are immutable and keyed by content
func (s *Store) SaveSnapshot(ctx context.Context, snap *types.ValidatorSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}

	conn, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	_, err = conn.Do("SET", config.REDIS_SNAPSHOT_PREFIX+snap.ID, data, "NX")
	if err != nil && !errors.Is(err, redis.ErrNil) {
		log.Printf("error Redis save snapshot: %s", err.Error())
		return err
	}
	return nil
}

func (s *Store) GetSnapshot(ctx context.Context, id string) (*types.ValidatorSnapshot, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	data, err := redis.Bytes(conn.Do("GET", config.REDIS_SNAPSHOT_PREFIX+id))
	if errors.Is(err, redis.ErrNil) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var snap types.ValidatorSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// SaveSignatureSet binds a transfer to a snapshot and digest. Any signatures
// gathered under a previous binding are dropped.
func (s *Store) SaveSignatureSet(ctx context.Context, set *types.ValidatorSignatureSet) error {
	data, err := json.Marshal(signatureSetRecord{
		TransferID:     set.TransferID,
		RequiredQuorum: set.RequiredQuorum,
		SnapshotID:     set.SnapshotID,
		Digest:         set.Digest,
		RequestedAt:    set.RequestedAt,
	})
	if err != nil {
		return err
	}

	conn, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	conn.Send("MULTI")
	conn.Send("SET", config.REDIS_SIGSET_PREFIX+set.TransferID, data)
	conn.Send("DEL", config.REDIS_SIGNATURES_PREFIX+set.TransferID)
	for addr, sig := range set.Signatures {
		conn.Send("HSET", config.REDIS_SIGNATURES_PREFIX+set.TransferID, addr.Hex(), sig)
	}
	_, err = conn.Do("EXEC")
	if err != nil {
		log.Printf("error Redis save signature set: %s", err.Error())
	}
	return err
}

func (s *Store) GetSignatureSet(ctx context.Context, transferID string) (*types.ValidatorSignatureSet, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	data, err := redis.Bytes(conn.Do("GET", config.REDIS_SIGSET_PREFIX+transferID))
	if errors.Is(err, redis.ErrNil) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var rec signatureSetRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}

	sigs, err := redis.StringMap(conn.Do("HGETALL", config.REDIS_SIGNATURES_PREFIX+transferID))
	if err != nil {
		return nil, err
	}

	set := &types.ValidatorSignatureSet{
		TransferID:     rec.TransferID,
		RequiredQuorum: rec.RequiredQuorum,
		SnapshotID:     rec.SnapshotID,
		Digest:         rec.Digest,
		RequestedAt:    rec.RequestedAt,
		Signatures:     make(map[common.Address][]byte, len(sigs)),
	}
	for addr, sig := range sigs {
		set.Signatures[common.HexToAddress(addr)] = []byte(sig)
	}
	return set, nil
}

// AddSignature records the first signature a validator gives for a transfer.
// added is false when that validator had already signed.
func (s *Store) AddSignature(ctx context.Context, transferID string, validator common.Address, sig []byte) (added bool, err error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	n, err := redis.Int(conn.Do("HSETNX", config.REDIS_SIGNATURES_PREFIX+transferID, validator.Hex(), sig))
	if err != nil {
		log.Printf("error Redis HSETNX: %s", err.Error())
		return false, err
	}
	return n == 1, nil
}
