package workers

import (
	"context"
	"errors"
	"log"
	"sync/atomic"
	"time"

	"gochainbridge/types"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/errgroup"
)

// TaskHandler runs monitoring tasks, the bridge orchestrator in production
type TaskHandler interface {
	HandleTask(ctx context.Context, task *types.MonitoringTask) types.TaskOutcome
	TaskExhausted(ctx context.Context, task *types.MonitoringTask, cause error) error
}

// TaskStore is the durable side of the queue
type TaskStore interface {
	AddTask(ctx context.Context, task *types.MonitoringTask) error
	ClaimDueTasks(ctx context.Context, now time.Time, limit int, leaseUntil time.Time) ([]*types.MonitoringTask, error)
	RescheduleTask(ctx context.Context, task *types.MonitoringTask) error
	CompleteTask(ctx context.Context, task *types.MonitoringTask, next *types.MonitoringTask) error
	RemoveTask(ctx context.Context, transferID string, chainID uint64) error
	RequeueExpiredTasks(ctx context.Context, now time.Time) (int, error)
	TaskDepth(ctx context.Context) (queued, inFlight int, err error)
}

type MonitorOptions struct {
	Workers      int
	BatchSize    int
	PollInterval time.Duration
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	MaxAttempts  int
	Lease        time.Duration
	Clock        clock.Clock
	Metrics      *Metrics
}

// Monitor is the monitoring and retry queue. Waiting for confirmations or a quorum
// is a task polled again later, never a blocked goroutine.
type Monitor struct {
	store TaskStore
	opts  MonitorOptions
	clock clock.Clock
}

func NewMonitor(store TaskStore, opts MonitorOptions) *Monitor {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Workers <= 0 {
		opts.Workers = 8
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 64
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 2 * time.Second
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 2 * time.Minute
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.Lease <= 0 {
		opts.Lease = time.Minute
	}
	return &Monitor{store: store, opts: opts, clock: opts.Clock}
}

// Enqueue schedules task after delay. It fails with types.ErrTaskExists while
// another task for the same transfer and chain is active.
func (m *Monitor) Enqueue(ctx context.Context, task *types.MonitoringTask, delay time.Duration) error {
	task.NextPollAt = capAt(m.clock.Now().Add(delay), task.Deadline)
	return m.store.AddTask(ctx, task)
}

func (m *Monitor) Cancel(ctx context.Context, transferID string, chainID uint64) error {
	return m.store.RemoveTask(ctx, transferID, chainID)
}

// Run polls the queue until ctx is cancelled. Each worker owns a partition of the
// transfers and is fed through its own channel, so a slow step only holds up the
// transfers of its partition while the others keep going.
func (m *Monitor) Run(ctx context.Context, h TaskHandler) error {
	log.Printf("Starting monitoring queue with %d workers", m.opts.Workers)

	// claimed and not yet handled, never above BatchSize so dispatching never blocks
	var queued atomic.Int64
	queues := make([]chan *types.MonitoringTask, m.opts.Workers)
	g, gctx := errgroup.WithContext(ctx)
	for i := range queues {
		queue := make(chan *types.MonitoringTask, m.opts.BatchSize)
		queues[i] = queue
		g.Go(func() error {
			for task := range queue {
				// skipped tasks come back when their lease runs out
				if gctx.Err() == nil {
					m.handle(gctx, h, task)
				}
				queued.Add(-1)
			}
			return nil
		})
	}
	defer func() {
		for _, queue := range queues {
			close(queue)
		}
		g.Wait()
	}()

	ticker := m.clock.Ticker(m.opts.PollInterval)
	defer ticker.Stop()

	for {
		if free := m.opts.BatchSize - int(queued.Load()); free > 0 {
			tasks, err := m.claim(ctx, free)
			if err != nil && ctx.Err() == nil {
				log.Printf("Error polling monitoring queue: %s", err.Error())
			}
			for _, task := range tasks {
				queued.Add(1)
				queues[m.partition(task)] <- task
			}
			// a full claim means more is probably due
			if len(tasks) == free && ctx.Err() == nil {
				continue
			}
		}

		select {
		case <-ctx.Done():
			log.Print("Monitoring queue stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce claims the tasks due now and handles them before returning. Tasks of the
// same transfer always land on the same worker and run one after another.
func (m *Monitor) RunOnce(ctx context.Context, h TaskHandler) (int, error) {
	tasks, err := m.claim(ctx, m.opts.BatchSize)
	if err != nil || len(tasks) == 0 {
		return 0, err
	}

	partitions := make([][]*types.MonitoringTask, m.opts.Workers)
	for _, task := range tasks {
		p := m.partition(task)
		partitions[p] = append(partitions[p], task)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, partition := range partitions {
		if len(partition) == 0 {
			continue
		}
		partition := partition
		g.Go(func() error {
			for _, task := range partition {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				m.handle(gctx, h, task)
			}
			return nil
		})
	}
	return len(tasks), g.Wait()
}

// claim leases up to limit due tasks, after returning expired leases to the queue
func (m *Monitor) claim(ctx context.Context, limit int) ([]*types.MonitoringTask, error) {
	now := m.clock.Now()

	if n, err := m.store.RequeueExpiredTasks(ctx, now); err != nil {
		return nil, err
	} else if n > 0 {
		log.Printf("Requeued %d monitoring tasks with expired lease", n)
	}

	tasks, err := m.store.ClaimDueTasks(ctx, now, limit, now.Add(m.opts.Lease))
	if err != nil {
		return nil, err
	}
	m.recordDepth(ctx)
	return tasks, nil
}

func (m *Monitor) partition(task *types.MonitoringTask) int {
	return int(xxhash.Sum64String(task.TransferID) % uint64(m.opts.Workers))
}

func (m *Monitor) handle(ctx context.Context, h TaskHandler, task *types.MonitoringTask) {
	start := m.clock.Now()
	outcome := h.HandleTask(ctx, task)
	m.opts.Metrics.observeTask(task.Kind, outcome.Kind, m.clock.Since(start))

	if err := m.apply(ctx, h, task, outcome); err != nil {
		// the lease runs out and the task is claimed again
		log.Printf("Error updating %s task of transfer %s: %s", task.Kind, task.TransferID, err.Error())
	}
}

func (m *Monitor) apply(ctx context.Context, h TaskHandler, task *types.MonitoringTask, outcome types.TaskOutcome) error {
	now := m.clock.Now()

	switch outcome.Kind {
	case types.OutcomeDone:
		next := outcome.Next
		if next != nil {
			if next.NextPollAt.IsZero() {
				next.NextPollAt = now
			}
			next.NextPollAt = capAt(next.NextPollAt, next.Deadline)
		}
		err := m.store.CompleteTask(ctx, task, next)
		if errors.Is(err, types.ErrTaskExists) {
			log.Printf("Task %s for %s already active, dropping %s", next.Kind, next.Key(), task.Kind)
			return m.store.CompleteTask(ctx, task, nil)
		}
		return err

	case types.OutcomePending:
		pollBy := outcome.PollBy
		if pollBy.IsZero() || pollBy.Before(now) {
			pollBy = now.Add(m.opts.PollInterval)
		}
		task.Attempt = 0
		task.NextPollAt = capAt(pollBy, task.Deadline)
		return m.store.RescheduleTask(ctx, task)

	case types.OutcomeRetry:
		task.Attempt++
		if task.Attempt >= m.opts.MaxAttempts {
			log.Printf("Giving up %s task of transfer %s after %d attempts: %v", task.Kind, task.TransferID, task.Attempt, outcome.Err)
			if err := h.TaskExhausted(ctx, task, outcome.Err); err != nil {
				task.NextPollAt = now.Add(m.opts.BaseDelay)
				return errors.Join(err, m.store.RescheduleTask(ctx, task))
			}
			return m.store.CompleteTask(ctx, task, nil)
		}

		task.NextPollAt = capAt(now.Add(exponentialDelay(m.opts.BaseDelay, m.opts.MaxDelay, task.Attempt)), task.Deadline)
		log.Printf("Retrying %s task of transfer %s in %s (attempt %d): %v", task.Kind, task.TransferID, task.NextPollAt.Sub(now), task.Attempt, outcome.Err)
		return m.store.RescheduleTask(ctx, task)
	}
	return nil
}

// exponentialDelay is base * 2^(attempt-1), capped at max
func exponentialDelay(base, max time.Duration, attempt int) time.Duration {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = base
	policy.MaxInterval = max
	policy.Multiplier = 2
	policy.RandomizationFactor = 0
	policy.MaxElapsedTime = 0
	policy.Reset()

	delay := policy.NextBackOff()
	for i := 1; i < attempt; i++ {
		delay = policy.NextBackOff()
	}
	return delay
}

func (m *Monitor) recordDepth(ctx context.Context) {
	if m.opts.Metrics == nil {
		return
	}
	queued, inFlight, err := m.store.TaskDepth(ctx)
	if err != nil {
		return
	}
	m.opts.Metrics.setTaskDepth(queued, inFlight)
}

// capAt keeps t at or before the deadline, a zero deadline means none
func capAt(t, deadline time.Time) time.Time {
	if !deadline.IsZero() && t.After(deadline) {
		return deadline
	}
	return t
}
