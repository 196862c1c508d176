package workers

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// HeadSource reports the latest block of every configured chain
type HeadSource interface {
	ChainIDs() []uint64
	Head(ctx context.Context, chainID uint64) (uint64, error)
}

type headSeen struct {
	number  uint64
	changed time.Time
	stalled bool
}

// HeadWatcher polls chain heads so a stuck or unreachable RPC shows up before
// transfers start timing out on it
type HeadWatcher struct {
	heads      HeadSource
	clock      clock.Clock
	metrics    *Metrics
	stallAfter time.Duration

	mu   sync.Mutex
	seen map[uint64]*headSeen
}

func NewHeadWatcher(heads HeadSource, stallAfter time.Duration, clk clock.Clock, metrics *Metrics) *HeadWatcher {
	if clk == nil {
		clk = clock.New()
	}
	if stallAfter <= 0 {
		stallAfter = 5 * time.Minute
	}
	return &HeadWatcher{
		heads:      heads,
		clock:      clk,
		metrics:    metrics,
		stallAfter: stallAfter,
		seen:       make(map[uint64]*headSeen),
	}
}

func (w *HeadWatcher) Worker_scanEVM(ctx context.Context, interval time.Duration) {
	ticker := w.clock.Ticker(interval)
	defer ticker.Stop()

	for {
		w.ScanOnce(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ScanOnce reads every head once
func (w *HeadWatcher) ScanOnce(ctx context.Context) {
	for _, chainID := range w.heads.ChainIDs() {
		head, err := w.heads.Head(ctx, chainID)
		if err != nil {
			if ctx.Err() == nil {
				log.Printf("Error getting last block of chain %d: %s", chainID, err.Error())
			}
			w.observe(chainID, 0, false)
			continue
		}
		w.metrics.setChainHead(chainID, head)
		w.observe(chainID, head, true)
	}
}

func (w *HeadWatcher) observe(chainID uint64, head uint64, ok bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.clock.Now()
	s, found := w.seen[chainID]
	if !found {
		s = &headSeen{changed: now}
		w.seen[chainID] = s
	}
	if ok && head > s.number {
		if s.stalled {
			log.Printf("Chain %d advancing again at block %d", chainID, head)
		}
		s.number = head
		s.changed = now
		s.stalled = false
		return
	}
	if !s.stalled && now.Sub(s.changed) >= w.stallAfter {
		s.stalled = true
		log.Printf("Chain %d has not advanced past block %d for %s", chainID, s.number, now.Sub(s.changed))
	}
}

// Stalled lists chains whose head has not moved for the stall period
func (w *HeadWatcher) Stalled() []uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	var ids []uint64
	for id, s := range w.seen {
		if s.stalled {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
