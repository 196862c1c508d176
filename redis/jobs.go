package redis

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"gochainbridge/config"
	"gochainbridge/types"

	"github.com/gomodule/redigo/redis"
)

var promoteJobsScript = redis.NewScript(2, `
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, m in ipairs(due) do
  redis.call('ZREM', KEYS[1], m)
  redis.call('LPUSH', KEYS[2], m)
end
return #due
`)

// ClaimedJob is a job taken off the queue; it stays in the processing
// list until acknowledged.
type ClaimedJob struct {
	Job types.BridgeJob
	raw []byte
}

func (s *Store) PushJob(ctx context.Context, job *types.BridgeJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}

	conn, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	_, err = conn.Do("LPUSH", config.REDIS_JOB_QUEUE, data)
	if err != nil {
		log.Printf("error Redis LPUSH: %s", err.Error())
	}
	return err
}

// ClaimJob pops the oldest job, or returns nil when the queue is empty
func (s *Store) ClaimJob(ctx context.Context) (*ClaimedJob, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	raw, err := redis.Bytes(conn.Do("RPOPLPUSH", config.REDIS_JOB_QUEUE, config.REDIS_JOB_PROCESSING))
	if errors.Is(err, redis.ErrNil) {
		return nil, nil
	}
	if err != nil {
		log.Printf("error Redis RPOPLPUSH: %s", err.Error())
		return nil, err
	}

	claimed := &ClaimedJob{raw: raw}
	if err := json.Unmarshal(raw, &claimed.Job); err != nil {
		// undecodable, nothing will ever process it
		log.Printf("Error decoding bridge job: %s", err.Error())
		conn.Do("LREM", config.REDIS_JOB_PROCESSING, 1, raw)
		conn.Do("LPUSH", config.REDIS_JOB_DEADLETTER, raw)
		return nil, err
	}
	return claimed, nil
}

func (s *Store) AckJob(ctx context.Context, job *ClaimedJob) error {
	conn, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	_, err = conn.Do("LREM", config.REDIS_JOB_PROCESSING, 1, job.raw)
	return err
}

// RecoverJobs puts jobs left in the processing list by a previous run back on the queue
func (s *Store) RecoverJobs(ctx context.Context) (int, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	n := 0
	for {
		_, err := redis.Bytes(conn.Do("RPOPLPUSH", config.REDIS_JOB_PROCESSING, config.REDIS_JOB_QUEUE))
		if errors.Is(err, redis.ErrNil) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		n++
	}
}

// DelayJob schedules job to be queued again at the given time
func (s *Store) DelayJob(ctx context.Context, job *types.BridgeJob, at time.Time) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}

	conn, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	_, err = conn.Do("ZADD", config.REDIS_JOB_DELAYED, millis(at), data)
	return err
}

// PromoteDueJobs moves delayed jobs whose time has come onto the queue
func (s *Store) PromoteDueJobs(ctx context.Context, now time.Time, limit int) (int, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	return redis.Int(promoteJobsScript.Do(conn, config.REDIS_JOB_DELAYED, config.REDIS_JOB_QUEUE, millis(now), limit))
}

func (s *Store) DeadLetterJob(ctx context.Context, job *types.BridgeJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}

	conn, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	_, err = conn.Do("LPUSH", config.REDIS_JOB_DEADLETTER, data)
	if err != nil {
		log.Printf("error Redis dead letter: %s", err.Error())
	}
	return err
}

// DeadLetters lists the most recent dead-lettered jobs, newest first
func (s *Store) DeadLetters(ctx context.Context, limit int) ([]types.BridgeJob, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	raw, err := redis.ByteSlices(conn.Do("LRANGE", config.REDIS_JOB_DEADLETTER, 0, limit-1))
	if err != nil {
		return nil, err
	}

	jobs := make([]types.BridgeJob, 0, len(raw))
	for _, data := range raw {
		var job types.BridgeJob
		if err := json.Unmarshal(data, &job); err != nil {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// JobDepth reports queued, delayed and dead-lettered job counts
func (s *Store) JobDepth(ctx context.Context) (queued, delayed, dead int, err error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return 0, 0, 0, err
	}
	defer conn.Close()

	conn.Send("MULTI")
	conn.Send("LLEN", config.REDIS_JOB_QUEUE)
	conn.Send("ZCARD", config.REDIS_JOB_DELAYED)
	conn.Send("LLEN", config.REDIS_JOB_DEADLETTER)
	values, err := redis.Ints(conn.Do("EXEC"))
	if err != nil {
		return 0, 0, 0, err
	}
	return values[0], values[1], values[2], nil
}
