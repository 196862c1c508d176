package EVMRPC

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"gochainbridge/types"

	"github.com/stretchr/testify/require"
)

func TestPoolBoundsInFlight(t *testing.T) {
	require := require.New(t)

	fb := newFakeBackend()
	fb.block = make(chan struct{})

	desc := testDescriptor()
	desc.MaxInFlight = 2
	pool := NewPool(desc, fb.dialer(), nil)
	defer pool.Close()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := Do(context.Background(), pool, "eth_blockNumber", func(b Backend) (uint64, error) {
				return b.BlockNumber(context.Background())
			})
			require.NoError(err)
		}()
	}

	require.Eventually(func() bool {
		fb.mu.Lock()
		defer fb.mu.Unlock()
		return fb.inFlight == 2
	}, time.Second, time.Millisecond)

	close(fb.block)
	wg.Wait()
	require.Equal(2, fb.maxSeen)
}

func TestPoolFailsOverBetweenEndpoints(t *testing.T) {
	require := require.New(t)

	fb := newFakeBackend()
	var dialed []string
	dial := func(ctx context.Context, url string) (Backend, error) {
		dialed = append(dialed, url)
		if url == "http://primary" {
			return nil, errors.New("dial tcp: connection refused")
		}
		return fb, nil
	}

	pool := NewPool(testDescriptor(), dial, nil)
	defer pool.Close()

	head, err := Do(context.Background(), pool, "eth_blockNumber", func(b Backend) (uint64, error) {
		return b.BlockNumber(context.Background())
	})
	require.NoError(err)
	require.Equal(uint64(100), head)
	require.Equal([]string{"http://primary", "http://backup"}, dialed)
}

func TestPoolAllEndpointsDown(t *testing.T) {
	fb := newFakeBackend()
	pool := NewPool(testDescriptor(), fb.dialer("http://primary", "http://backup"), nil)
	defer pool.Close()

	_, err := Do(context.Background(), pool, "eth_blockNumber", func(b Backend) (uint64, error) {
		return b.BlockNumber(context.Background())
	})
	require.True(t, types.IsTransient(err))
}

func TestPoolDropsBackendAfterTransportError(t *testing.T) {
	require := require.New(t)

	fb := newFakeBackend()
	pool := NewPool(testDescriptor(), fb.dialer(), nil)
	defer pool.Close()

	_, err := Do(context.Background(), pool, "eth_call", func(b Backend) ([]byte, error) {
		return nil, errors.New("read: connection reset by peer")
	})
	require.True(types.IsTransient(err))
	require.Equal(1, fb.closed)
	require.Empty(pool.idle)

	_, err = Do(context.Background(), pool, "eth_call", func(b Backend) ([]byte, error) {
		return []byte{1}, nil
	})
	require.NoError(err)
	require.Len(pool.idle, 1)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err       error
		transient bool
	}{
		{context.DeadlineExceeded, true},
		{errors.New("429 Too Many Requests"), true},
		{errors.New("header not found"), true},
		{errors.New("execution reverted"), false},
		{errors.New("nonce too low"), false},
	}
	for _, tt := range tests {
		err := classify(tt.err, "test")
		require.Equal(t, tt.transient, types.IsTransient(err), tt.err.Error())
		require.ErrorIs(t, err, tt.err)
	}
	require.NoError(t, classify(nil, "test"))
}
