package snapshots

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlasfare/bargain/pkg/cache"
	"github.com/atlasfare/bargain/pkg/contracts"
)

type stubSource struct {
	mu    sync.Mutex
	calls int32
	snaps []contracts.SupplierSnapshot
	err   error
	delay time.Duration
}

func (s *stubSource) Search(ctx context.Context, productKey string) ([]contracts.SupplierSnapshot, error) {
	atomic.AddInt32(&s.calls, 1)
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return s.snaps, nil
}

func testSnaps() []contracts.SupplierSnapshot {
	return []contracts.SupplierSnapshot{
		{SupplierID: "sup-1", ProductKey: "HTL-100", Net: 200, Currency: "USD", Inventory: contracts.InventoryAvailable, SnapshotAt: time.Now().UTC()},
	}
}

func newTestProvider(src Source) *Provider {
	return NewProvider(src, cache.NewMemoryStore(), slog.New(slog.DiscardHandler))
}

func TestGet_FetchesAndCaches(t *testing.T) {
	src := &stubSource{snaps: testSnaps()}
	p := newTestProvider(src)
	ctx := context.Background()

	first, err := p.Get(ctx, "HTL-100")
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, "sup-1", first[0].SupplierID)

	// Second call is a cache hit, not an upstream call.
	_, err = p.Get(ctx, "HTL-100")
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&src.calls))
}

func TestGet_UpstreamFailureMapsToNoInventory(t *testing.T) {
	src := &stubSource{err: errors.New("aggregator 503")}
	p := newTestProvider(src)

	_, err := p.Get(context.Background(), "HTL-100")
	assert.ErrorIs(t, err, contracts.ErrNoInventory)
}

func TestGet_EmptyResultMapsToNoInventory(t *testing.T) {
	src := &stubSource{snaps: nil}
	p := newTestProvider(src)

	_, err := p.Get(context.Background(), "HTL-100")
	assert.ErrorIs(t, err, contracts.ErrNoInventory)
}

func TestGet_CoalescesConcurrentCalls(t *testing.T) {
	src := &stubSource{snaps: testSnaps(), delay: 50 * time.Millisecond}
	p := newTestProvider(src)

	const callers = 8
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = p.Get(context.Background(), "HTL-100")
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		assert.NoError(t, errs[i])
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&src.calls))
}

func TestGet_FailureSharedByCoalescedCallers(t *testing.T) {
	src := &stubSource{err: errors.New("aggregator down"), delay: 50 * time.Millisecond}
	p := newTestProvider(src)

	const callers = 4
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = p.Get(context.Background(), "HTL-100")
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		assert.ErrorIs(t, errs[i], contracts.ErrNoInventory)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&src.calls))
}

func TestInvalidate_ForcesRefetch(t *testing.T) {
	src := &stubSource{snaps: testSnaps()}
	p := newTestProvider(src)
	ctx := context.Background()

	_, err := p.Get(ctx, "HTL-100")
	require.NoError(t, err)

	p.Invalidate(ctx, "HTL-100")

	_, err = p.Get(ctx, "HTL-100")
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&src.calls))
}

func TestGet_ContextCancelledWaiter(t *testing.T) {
	src := &stubSource{snaps: testSnaps(), delay: 200 * time.Millisecond}
	p := newTestProvider(src)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := p.Get(ctx, "HTL-100")
	assert.ErrorIs(t, err, contracts.ErrNoInventory)
}
