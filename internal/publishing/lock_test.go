package publishing

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLock_MutualExclusion(t *testing.T) {
	var lock Lock
	var inside int
	var maxInside int
	var mu sync.Mutex

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := lock.RunExclusive(context.Background(), func(ctx context.Context) error {
				mu.Lock()
				inside++
				if inside > maxInside {
					maxInside = inside
				}
				mu.Unlock()

				time.Sleep(time.Millisecond)

				mu.Lock()
				inside--
				mu.Unlock()
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxInside, "more than one holder observed inside the critical section")
	assert.False(t, lock.IsLocked())
	assert.Equal(t, 0, lock.QueueLength())
}

func TestLock_FIFOOrder(t *testing.T) {
	var lock Lock

	release, err := lock.Acquire(context.Background())
	require.NoError(t, err)

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup

	// Queue waiters one at a time so their arrival order is deterministic
	for i := 0; i < 5; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := lock.Acquire(context.Background())
			require.NoError(t, err)
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			r()
		}()
		require.True(t, waitFor(time.Second, func() bool {
			return lock.QueueLength() == i+1
		}), "waiter %d never queued", i)
	}

	release()
	wg.Wait()

	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestLock_AcquireCancelledWhileWaiting(t *testing.T) {
	var lock Lock

	release, err := lock.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := lock.Acquire(ctx)
		errCh <- err
	}()
	require.True(t, waitFor(time.Second, func() bool { return lock.QueueLength() == 1 }))

	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancelled waiter did not return")
	}

	// The abandoned slot must not wedge the lock
	release()
	r2, err := lock.Acquire(context.Background())
	require.NoError(t, err)
	r2()
}

func TestLock_AcquireWithDoneContext(t *testing.T) {
	var lock Lock
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := lock.Acquire(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, lock.IsLocked())
}

func TestLock_ReleaseIsIdempotent(t *testing.T) {
	var lock Lock

	release, err := lock.Acquire(context.Background())
	require.NoError(t, err)
	release()
	release()

	// A double release must not grant a phantom slot
	r2, err := lock.Acquire(context.Background())
	require.NoError(t, err)
	assert.True(t, lock.IsLocked())
	r2()
	assert.False(t, lock.IsLocked())
}

func TestLock_RunExclusiveReleasesOnError(t *testing.T) {
	var lock Lock

	wantErr := assert.AnError
	err := lock.RunExclusive(context.Background(), func(ctx context.Context) error {
		return wantErr
	})
	assert.ErrorIs(t, err, wantErr)
	assert.False(t, lock.IsLocked())
}

func TestLock_RunExclusiveReleasesOnPanic(t *testing.T) {
	var lock Lock

	func() {
		defer func() { _ = recover() }()
		_ = lock.RunExclusive(context.Background(), func(ctx context.Context) error {
			panic("boom")
		})
	}()

	assert.False(t, lock.IsLocked())
}
