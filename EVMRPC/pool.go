package EVMRPC

import (
	"context"
	"errors"
	"log"
	"sync"

	"gochainbridge/types"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Pool owns the RPC connections of one chain. It bounds the number of requests
// in flight and the request rate, and fails over between the configured endpoints.
type Pool struct {
	chainID  uint64
	urls     []string
	dial     Dialer
	sem      *semaphore.Weighted
	limiter  *rate.Limiter
	metrics  *Metrics
	maxIdle  int
	mu       sync.Mutex
	idle     []Backend
	endpoint int // index of the endpoint dialed first
	closed   bool
}

func NewPool(desc types.ChainDescriptor, dial Dialer, metrics *Metrics) *Pool {
	maxInFlight := desc.MaxInFlight
	if maxInFlight <= 0 {
		maxInFlight = 1
	}

	limit := rate.Inf
	burst := 1
	if desc.RequestsPerSecond > 0 {
		limit = rate.Limit(desc.RequestsPerSecond)
		burst = int(desc.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
	}

	if dial == nil {
		dial = DialEth
	}

	return &Pool{
		chainID: desc.ChainID,
		urls:    desc.RPCURLs,
		dial:    dial,
		sem:     semaphore.NewWeighted(int64(maxInFlight)),
		limiter: rate.NewLimiter(limit, burst),
		metrics: metrics,
		maxIdle: maxInFlight,
	}
}

var errPoolClosed = errors.New("connection pool closed")

// reserve takes one in-flight slot and one rate token
func (p *Pool) reserve(ctx context.Context) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return types.TransientError(err, "waiting for chain %d rpc slot", p.chainID)
	}
	if err := p.limiter.Wait(ctx); err != nil {
		p.sem.Release(1)
		return types.TransientError(err, "waiting for chain %d rate limit", p.chainID)
	}
	return nil
}

func (p *Pool) acquire(ctx context.Context) (Backend, error) {
	if err := p.reserve(ctx); err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.sem.Release(1)
		return nil, types.TransientError(errPoolClosed, "chain %d", p.chainID)
	}
	if n := len(p.idle); n > 0 {
		b := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		return b, nil
	}
	first := p.endpoint
	p.mu.Unlock()

	var lastErr error
	for i := range p.urls {
		url := p.urls[(first+i)%len(p.urls)]
		b, err := p.dial(ctx, url)
		if err != nil {
			log.Printf("Error connecting to %s: %s", url, err.Error())
			lastErr = err
			continue
		}
		return b, nil
	}

	p.sem.Release(1)
	if lastErr == nil {
		lastErr = errors.New("no rpc endpoints configured")
	}
	return nil, types.TransientError(lastErr, "no reachable rpc endpoint for chain %d", p.chainID)
}

// release returns the backend to the pool, or drops it after a transport failure
// and moves on to the next endpoint
func (p *Pool) release(b Backend, err error) {
	defer p.sem.Release(1)

	p.mu.Lock()
	defer p.mu.Unlock()

	if types.IsTransient(err) || p.closed || len(p.idle) >= p.maxIdle {
		if types.IsTransient(err) && len(p.urls) > 1 {
			p.endpoint = (p.endpoint + 1) % len(p.urls)
		}
		b.Close()
		return
	}
	p.idle = append(p.idle, b)
}

func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
	for _, b := range p.idle {
		b.Close()
	}
	p.idle = nil
}
