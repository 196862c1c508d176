package EVMRPC

import (
	"context"
	"crypto/ecdsa"
	"sort"
	"time"

	"gochainbridge/types"

	"github.com/benbjohnson/clock"
)

type Options struct {
	Dialer     Dialer
	PrivateKey *ecdsa.PrivateKey
	Clock      clock.Clock
	Metrics    *Metrics

	ReadAttempts   int
	ReadBackoff    time.Duration
	ReadBackoffMax time.Duration
}

// Registry holds one adapter per configured chain
type Registry struct {
	adapters map[uint64]*Adapter
}

func NewRegistry(descs []types.ChainDescriptor, opts Options) *Registry {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.ReadAttempts <= 0 {
		opts.ReadAttempts = READ_ATTEMPTS
	}
	if opts.ReadBackoff == 0 {
		opts.ReadBackoff = 200 * time.Millisecond
	}
	if opts.ReadBackoffMax == 0 {
		opts.ReadBackoffMax = 2 * time.Second
	}

	r := &Registry{adapters: make(map[uint64]*Adapter, len(descs))}
	for _, d := range descs {
		r.adapters[d.ChainID] = newAdapter(d, opts)
	}
	return r
}

func (r *Registry) Adapter(chainID uint64) (*Adapter, error) {
	a, ok := r.adapters[chainID]
	if !ok {
		return nil, types.ValidationError("chain %d is not supported", chainID)
	}
	return a, nil
}

func (r *Registry) Descriptor(chainID uint64) (types.ChainDescriptor, bool) {
	a, ok := r.adapters[chainID]
	if !ok {
		return types.ChainDescriptor{}, false
	}
	return a.desc, true
}

func (r *Registry) ChainIDs() []uint64 {
	ids := make([]uint64, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Head is the latest block of a chain, for health reporting
func (r *Registry) Head(ctx context.Context, chainID uint64) (uint64, error) {
	a, err := r.Adapter(chainID)
	if err != nil {
		return 0, err
	}
	return a.Head(ctx)
}

func (r *Registry) Close() {
	for _, a := range r.adapters {
		a.Close()
	}
}
