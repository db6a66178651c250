package pool_test

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mxtransport/pool"
)

type fakeResource struct {
	id          int
	terminated  int32
}

func (f *fakeResource) Terminate() { atomic.StoreInt32(&f.terminated, 1) }

func TestTakeCreatesThenReuses(t *testing.T) {
	var created int32
	factory := func(key string) (*fakeResource, error) {
		n := atomic.AddInt32(&created, 1)
		return &fakeResource{id: int(n)}, nil
	}
	p := pool.New[string, *fakeResource](factory, 4, time.Minute)
	defer p.Close()

	r1, err := p.Take("svc-a")
	require.NoError(t, err)
	require.Equal(t, int32(1), atomic.LoadInt32(&created))

	p.Return("svc-a", r1, true)

	r2, err := p.Take("svc-a")
	require.NoError(t, err)
	require.Same(t, r1, r2)
	require.Equal(t, int32(1), atomic.LoadInt32(&created), "reused connection should not dial again")
}

func TestReturnUnusableTerminatesAndFreesSlot(t *testing.T) {
	factory := func(key string) (*fakeResource, error) { return &fakeResource{}, nil }
	p := pool.New[string, *fakeResource](factory, 1, time.Minute)
	defer p.Close()

	r1, err := p.Take("svc-a")
	require.NoError(t, err)
	p.Return("svc-a", r1, false)
	require.Equal(t, int32(1), atomic.LoadInt32(&r1.terminated))

	r2, err := p.Take("svc-a")
	require.NoError(t, err)
	require.NotSame(t, r1, r2)
}

func TestTakeBlocksAtCapacityUntilReturn(t *testing.T) {
	factory := func(key string) (*fakeResource, error) { return &fakeResource{}, nil }
	p := pool.New[string, *fakeResource](factory, 1, time.Minute)
	defer p.Close()

	r1, err := p.Take("svc-a")
	require.NoError(t, err)

	done := make(chan *fakeResource, 1)
	go func() {
		r, err := p.Take("svc-a")
		require.NoError(t, err)
		done <- r
	}()

	select {
	case <-done:
		t.Fatal("Take should block while pool is at capacity")
	case <-time.After(50 * time.Millisecond):
	}

	p.Return("svc-a", r1, true)

	select {
	case r2 := <-done:
		require.Same(t, r1, r2)
	case <-time.After(time.Second):
		t.Fatal("Take never unblocked after Return")
	}
}

func TestTakePropagatesFactoryError(t *testing.T) {
	wantErr := errors.New("dial failed")
	factory := func(key string) (*fakeResource, error) { return nil, wantErr }
	p := pool.New[string, *fakeResource](factory, 2, time.Minute)
	defer p.Close()

	_, err := p.Take("svc-a")
	require.ErrorIs(t, err, wantErr)
}

func TestDiscardIsEquivalentToUnusableReturn(t *testing.T) {
	factory := func(key string) (*fakeResource, error) { return &fakeResource{}, nil }
	p := pool.New[string, *fakeResource](factory, 2, time.Minute)
	defer p.Close()

	r1, err := p.Take("svc-a")
	require.NoError(t, err)
	p.Discard("svc-a", r1)
	require.Equal(t, int32(1), atomic.LoadInt32(&r1.terminated))
}
