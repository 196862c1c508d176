package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"gochainbridge/config"
	"gochainbridge/types"

	"github.com/gomodule/redigo/redis"
	"github.com/google/uuid"
)

// saves the transfer only if nobody else wrote it since it was read,
// and moves its id into the set of its persisted status
var saveTransferScript = redis.NewScript(-1, `
local v = redis.call('HGET', KEYS[1], 'version')
if not v then v = '0' end
if v ~= ARGV[1] then return 0 end
redis.call('HSET', KEYS[1], 'data', ARGV[2], 'version', ARGV[3])
for i = 2, #KEYS do redis.call('SREM', KEYS[i], ARGV[4]) end
redis.call('SADD', ARGV[5], ARGV[4])
return 1
`)

func transferKey(id string) string {
	return config.REDIS_TRANSFER_PREFIX + id
}

// SaveTransfer writes the transfer with a compare-and-set on its version.
// types.ErrConflict means the stored copy changed since it was loaded.
func (s *Store) SaveTransfer(ctx context.Context, t *types.TransferRequest) error {
	if t == nil {
		return errors.New("null object to store")
	}
	if !t.Status.Valid() {
		return fmt.Errorf("transfer cannot have status %q", t.Status)
	}
	if t.ID == "" {
		t.ID = uuid.New().String()
	}

	conn, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	expected := t.Version
	t.Version = expected + 1
	data, err := json.Marshal(t)
	if err != nil {
		t.Version = expected
		return fmt.Errorf("cannot marshal transfer to JSON: %s", err.Error())
	}

	args := redis.Args{}.Add(transferKey(t.ID))
	for _, status := range types.PersistedStatuses {
		args = args.Add(config.RedisStatusSets[status])
	}
	keyCount := len(args)
	args = args.Add(expected, data, t.Version, t.ID, config.RedisStatusSets[t.Status.Persisted()])

	ok, err := redis.Int(saveTransferScript.Do(conn, append(redis.Args{keyCount}, args...)...))
	if err != nil {
		t.Version = expected
		log.Printf("error Redis save transfer: %s", err.Error())
		return err
	}
	if ok == 0 {
		t.Version = expected
		return types.ErrConflict
	}
	return nil
}

func (s *Store) GetTransfer(ctx context.Context, id string) (*types.TransferRequest, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	values, err := redis.Values(conn.Do("HMGET", transferKey(id), "data", "version"))
	if err != nil {
		log.Printf("error Redis HMGET: %s", err.Error())
		return nil, err
	}
	if len(values) != 2 || values[0] == nil {
		return nil, types.ErrNotFound
	}

	data, err := redis.Bytes(values[0], nil)
	if err != nil {
		return nil, err
	}
	var t types.TransferRequest
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, err
	}
	version, err := redis.String(values[1], nil)
	if err == nil {
		t.Version, _ = strconv.ParseInt(version, 10, 64)
	}
	return &t, nil
}

// ListTransfers scans the set of a persisted status ("pending", "failed", ...)
func (s *Store) ListTransfers(ctx context.Context, persisted string, limit int) ([]*types.TransferRequest, error) {
	set, ok := config.RedisStatusSets[persisted]
	if !ok {
		return nil, errors.New("redis key not found for status")
	}

	conn, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}

	// scan every transfer id present in the set
	var cursor int64
	ids := make([]string, 0)
	for {
		values, err := redis.Values(conn.Do("SSCAN", set, cursor))
		if err != nil {
			conn.Close()
			return nil, err
		}

		var keys []string
		if _, err := redis.Scan(values, &cursor, &keys); err != nil {
			conn.Close()
			return nil, err
		}
		ids = append(ids, keys...)

		if cursor == 0 || (limit > 0 && len(ids) >= limit) {
			break
		}
	}
	conn.Close()

	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}

	transfers := make([]*types.TransferRequest, 0, len(ids))
	for _, id := range ids {
		t, err := s.GetTransfer(ctx, id)
		if errors.Is(err, types.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		transfers = append(transfers, t)
	}
	return transfers, nil
}

// ReserveIdempotencyKey binds key to id for window. If the key is already bound the
// existing id is returned and reserved is false.
func (s *Store) ReserveIdempotencyKey(ctx context.Context, key, id string, window time.Duration) (existing string, reserved bool, err error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return "", false, err
	}
	defer conn.Close()

	dedupKey := config.REDIS_DEDUP_PREFIX + key
	_, err = redis.String(conn.Do("SET", dedupKey, id, "NX", "PX", window.Milliseconds()))
	if err == nil {
		return id, true, nil
	}
	if !errors.Is(err, redis.ErrNil) {
		log.Printf("error Redis SET NX: %s", err.Error())
		return "", false, err
	}

	existing, err = redis.String(conn.Do("GET", dedupKey))
	if errors.Is(err, redis.ErrNil) {
		// expired between the two calls
		return s.ReserveIdempotencyKey(ctx, key, id, window)
	}
	if err != nil {
		return "", false, err
	}
	return existing, false, nil
}

// ReleaseIdempotencyKey frees a key whose transfer was never created
func (s *Store) ReleaseIdempotencyKey(ctx context.Context, key, id string) error {
	conn, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	current, err := redis.String(conn.Do("GET", config.REDIS_DEDUP_PREFIX+key))
	if errors.Is(err, redis.ErrNil) {
		return nil
	}
	if err != nil {
		return err
	}
	if current != id {
		return nil
	}
	_, err = conn.Do("DEL", config.REDIS_DEDUP_PREFIX+key)
	return err
}
