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

// Monitoring tasks live in three places: the task body under monitor:task:<key>,
// the due queue (score = next poll, ms) and the in-flight set (score = lease expiry, ms).
// A key is present in exactly one of the two sorted sets while its body exists.

var addTaskScript = redis.NewScript(2, `
if redis.call('EXISTS', KEYS[2]) == 1 then return 0 end
redis.call('SET', KEYS[2], ARGV[3])
redis.call('ZADD', KEYS[1], ARGV[1], ARGV[2])
return 1
`)

var claimTasksScript = redis.NewScript(2, `
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
local out = {}
for _, m in ipairs(due) do
  redis.call('ZREM', KEYS[1], m)
  local data = redis.call('GET', ARGV[4] .. m)
  if data then
    redis.call('ZADD', KEYS[2], ARGV[3], m)
    table.insert(out, data)
  end
end
return out
`)

var rescheduleTaskScript = redis.NewScript(3, `
if redis.call('EXISTS', KEYS[3]) == 0 then return 0 end
redis.call('SET', KEYS[3], ARGV[3])
redis.call('ZREM', KEYS[2], ARGV[2])
redis.call('ZADD', KEYS[1], ARGV[1], ARGV[2])
return 1
`)

var completeTaskScript = redis.NewScript(4, `
if ARGV[2] ~= '' and KEYS[4] ~= KEYS[3] and redis.call('EXISTS', KEYS[4]) == 1 then return 0 end
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('DEL', KEYS[3])
if ARGV[2] ~= '' then
  redis.call('SET', KEYS[4], ARGV[4])
  redis.call('ZADD', KEYS[1], ARGV[3], ARGV[2])
end
return 1
`)

var requeueExpiredScript = redis.NewScript(2, `
local expired = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
for _, m in ipairs(expired) do
  redis.call('ZREM', KEYS[2], m)
  redis.call('ZADD', KEYS[1], ARGV[1], m)
end
return #expired
`)

func taskKey(key string) string {
	return config.REDIS_TASK_PREFIX + key
}

// AddTask enqueues a task, failing with types.ErrTaskExists if its
// (transfer, chain) key already has an active task.
func (s *Store) AddTask(ctx context.Context, task *types.MonitoringTask) error {
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}

	conn, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	ok, err := redis.Int(addTaskScript.Do(conn, config.REDIS_TASK_QUEUE, taskKey(task.Key()),
		millis(task.NextPollAt), task.Key(), data))
	if err != nil {
		log.Printf("error Redis add task: %s", err.Error())
		return err
	}
	if ok == 0 {
		return types.ErrTaskExists
	}
	return nil
}

// ClaimDueTasks moves up to limit tasks due at now into the in-flight set,
// leased until leaseUntil.
func (s *Store) ClaimDueTasks(ctx context.Context, now time.Time, limit int, leaseUntil time.Time) ([]*types.MonitoringTask, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	raw, err := redis.ByteSlices(claimTasksScript.Do(conn, config.REDIS_TASK_QUEUE, config.REDIS_TASK_INFLIGHT,
		millis(now), limit, millis(leaseUntil), config.REDIS_TASK_PREFIX))
	if err != nil {
		log.Printf("error Redis claim tasks: %s", err.Error())
		return nil, err
	}

	tasks := make([]*types.MonitoringTask, 0, len(raw))
	for _, data := range raw {
		var task types.MonitoringTask
		if err := json.Unmarshal(data, &task); err != nil {
			log.Printf("Error decoding monitoring task: %s", err.Error())
			continue
		}
		tasks = append(tasks, &task)
	}
	return tasks, nil
}

// RescheduleTask stores the updated task and puts it back in the due queue
// at task.NextPollAt.
func (s *Store) RescheduleTask(ctx context.Context, task *types.MonitoringTask) error {
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}

	conn, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	ok, err := redis.Int(rescheduleTaskScript.Do(conn, config.REDIS_TASK_QUEUE, config.REDIS_TASK_INFLIGHT,
		taskKey(task.Key()), millis(task.NextPollAt), task.Key(), data))
	if err != nil {
		log.Printf("error Redis reschedule task: %s", err.Error())
		return err
	}
	if ok == 0 {
		return types.ErrNotFound
	}
	return nil
}

// CompleteTask removes the task and, in the same step, enqueues next when it is set.
func (s *Store) CompleteTask(ctx context.Context, task *types.MonitoringTask, next *types.MonitoringTask) error {
	conn, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	nextKey := taskKey(task.Key())
	var nextMember, nextData string
	var nextScore int64
	if next != nil {
		data, err := json.Marshal(next)
		if err != nil {
			return err
		}
		nextKey = taskKey(next.Key())
		nextMember = next.Key()
		nextData = string(data)
		nextScore = millis(next.NextPollAt)
	}

	ok, err := redis.Int(completeTaskScript.Do(conn, config.REDIS_TASK_QUEUE, config.REDIS_TASK_INFLIGHT,
		taskKey(task.Key()), nextKey, task.Key(), nextMember, nextScore, nextData))
	if err != nil {
		log.Printf("error Redis complete task: %s", err.Error())
		return err
	}
	if ok == 0 {
		return types.ErrTaskExists
	}
	return nil
}

// RemoveTask drops whatever task is active for the key
func (s *Store) RemoveTask(ctx context.Context, transferID string, chainID uint64) error {
	return s.CompleteTask(ctx, &types.MonitoringTask{TransferID: transferID, ChainID: chainID}, nil)
}

func (s *Store) GetTask(ctx context.Context, transferID string, chainID uint64) (*types.MonitoringTask, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	data, err := redis.Bytes(conn.Do("GET", taskKey(types.TaskKey(transferID, chainID))))
	if errors.Is(err, redis.ErrNil) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var task types.MonitoringTask
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// RequeueExpiredTasks returns tasks whose lease ran out (a crashed or stuck
// worker) to the due queue.
func (s *Store) RequeueExpiredTasks(ctx context.Context, now time.Time) (int, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	n, err := redis.Int(requeueExpiredScript.Do(conn, config.REDIS_TASK_QUEUE, config.REDIS_TASK_INFLIGHT, millis(now)))
	if err != nil {
		log.Printf("error Redis requeue tasks: %s", err.Error())
		return 0, err
	}
	return n, nil
}

// TaskDepth reports queued and in-flight task counts
func (s *Store) TaskDepth(ctx context.Context) (queued, inFlight int, err error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return 0, 0, err
	}
	defer conn.Close()

	queued, err = redis.Int(conn.Do("ZCARD", config.REDIS_TASK_QUEUE))
	if err != nil {
		return 0, 0, err
	}
	inFlight, err = redis.Int(conn.Do("ZCARD", config.REDIS_TASK_INFLIGHT))
	if err != nil {
		return 0, 0, err
	}
	return queued, inFlight, nil
}
