package workers

import (
	"context"
	"log"
	"time"

	"gochainbridge/redis"
	"gochainbridge/types"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

const (
	DEFAULT_JOB_ATTEMPTS   = 3
	DEFAULT_JOB_BASE_DELAY = 5 * time.Second
	JOB_MAX_DELAY          = 5 * time.Minute
	JOB_PROMOTE_BATCH      = 100
)

// Initiator starts transfers, the bridge orchestrator in production
type Initiator interface {
	InitiateTransfer(ctx context.Context, req types.InitiateRequest) (*types.TransferRequest, error)
}

// JobStore is the Redis job queue with its delayed set and dead-letter list
type JobStore interface {
	PushJob(ctx context.Context, job *types.BridgeJob) error
	ClaimJob(ctx context.Context) (*redis.ClaimedJob, error)
	AckJob(ctx context.Context, job *redis.ClaimedJob) error
	RecoverJobs(ctx context.Context) (int, error)
	DelayJob(ctx context.Context, job *types.BridgeJob, at time.Time) error
	PromoteDueJobs(ctx context.Context, now time.Time, limit int) (int, error)
	DeadLetterJob(ctx context.Context, job *types.BridgeJob) error
}

type JobOptions struct {
	Attempts     int
	BaseDelay    time.Duration
	PollInterval time.Duration
	Clock        clock.Clock
	Metrics      *Metrics
}

// JobProcessor turns {requestId, transferData} jobs into transfers
type JobProcessor struct {
	store     JobStore
	initiator Initiator
	opts      JobOptions
	clock     clock.Clock
}

func NewJobProcessor(store JobStore, initiator Initiator, opts JobOptions) *JobProcessor {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Attempts <= 0 {
		opts.Attempts = DEFAULT_JOB_ATTEMPTS
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = DEFAULT_JOB_BASE_DELAY
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	return &JobProcessor{store: store, initiator: initiator, opts: opts, clock: opts.Clock}
}

// Submit queues a transfer request and returns its request id
func (p *JobProcessor) Submit(ctx context.Context, req types.InitiateRequest) (string, error) {
	job := &types.BridgeJob{RequestID: uuid.New().String(), TransferData: req}
	if err := p.store.PushJob(ctx, job); err != nil {
		return "", err
	}
	return job.RequestID, nil
}

// Worker_processExecution drains the job queue until ctx is cancelled
func (p *JobProcessor) Worker_processExecution(ctx context.Context) {
	if n, err := p.store.RecoverJobs(ctx); err != nil {
		log.Printf("Error recovering unfinished jobs: %s", err.Error())
	} else if n > 0 {
		log.Printf("Recovered %d unfinished jobs", n)
	}

	ticker := p.clock.Ticker(p.opts.PollInterval)
	defer ticker.Stop()

	for {
		processed, err := p.ProcessOnce(ctx)
		if err != nil && ctx.Err() == nil {
			log.Printf("Error processing bridge job: %s", err.Error())
		}
		if processed && ctx.Err() == nil {
			continue
		}

		select {
		case <-ctx.Done():
			log.Print("Job processor stopped")
			return
		case <-ticker.C:
		}
	}
}

// ProcessOnce handles at most one job, reporting whether there was one
func (p *JobProcessor) ProcessOnce(ctx context.Context) (bool, error) {
	now := p.clock.Now()
	if _, err := p.store.PromoteDueJobs(ctx, now, JOB_PROMOTE_BATCH); err != nil {
		return false, err
	}

	claimed, err := p.store.ClaimJob(ctx)
	if err != nil || claimed == nil {
		return false, err
	}
	job := &claimed.Job
	if job.RequestID == "" {
		job.RequestID = uuid.New().String()
	}

	t, err := p.initiator.InitiateTransfer(ctx, job.TransferData)
	if err == nil {
		log.Printf("Job %s created transfer %s (%s)", job.RequestID, t.ID, t.Status)
		p.opts.Metrics.job("ok")
		return true, p.store.AckJob(ctx, claimed)
	}

	job.Attempt++
	job.LastError = err.Error()
	code := types.CodeOf(err)

	switch {
	case code == types.CodeValidation || code == types.CodeInsufficientFee:
		log.Printf("Job %s rejected: %s", job.RequestID, err.Error())
		if err := p.store.DeadLetterJob(ctx, job); err != nil {
			return true, err
		}
		p.opts.Metrics.job("rejected")

	case job.Attempt >= p.opts.Attempts:
		log.Printf("Job %s failed after %d attempts: %s", job.RequestID, job.Attempt, err.Error())
		if err := p.store.DeadLetterJob(ctx, job); err != nil {
			return true, err
		}
		p.opts.Metrics.job("dead")

	default:
		delay := exponentialDelay(p.opts.BaseDelay, JOB_MAX_DELAY, job.Attempt)
		log.Printf("Job %s failed (attempt %d), retrying in %s: %s", job.RequestID, job.Attempt, delay, err.Error())
		if err := p.store.DelayJob(ctx, job, now.Add(delay)); err != nil {
			return true, err
		}
		p.opts.Metrics.job("retry")
	}
	return true, p.store.AckJob(ctx, claimed)
}
