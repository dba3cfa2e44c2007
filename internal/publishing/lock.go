// -----------------------------------------------------------------------
// Execution Lock - fair FIFO mutex guarding the single browser instance
// -----------------------------------------------------------------------

package publishing

import (
	"context"
	"sync"
)

// Lock is a context-aware mutex with strict FIFO handoff. Waiters acquire in
// the exact order they called Acquire, so queued tasks execute in submission
// order rather than racing for the browser when it frees up.
//
// The zero value is ready to use.
type Lock struct {
	mu      sync.Mutex
	held    bool
	waiters []chan struct{}
}

// Acquire blocks until the lock is granted or ctx is done. On success it
// returns an idempotent release function; the caller must invoke it exactly
// once, typically via defer.
func (l *Lock) Acquire(ctx context.Context) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	if !l.held && len(l.waiters) == 0 {
		l.held = true
		l.mu.Unlock()
		return l.releaseFunc(), nil
	}

	grant := make(chan struct{})
	l.waiters = append(l.waiters, grant)
	l.mu.Unlock()

	select {
	case <-grant:
		return l.releaseFunc(), nil
	case <-ctx.Done():
		l.mu.Lock()
		for i, w := range l.waiters {
			if w == grant {
				l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
				l.mu.Unlock()
				return nil, ctx.Err()
			}
		}
		// The grant raced with cancellation; we briefly own the lock and
		// must pass it on before reporting the cancellation.
		l.handoffLocked()
		l.mu.Unlock()
		return nil, ctx.Err()
	}
}

// RunExclusive acquires the lock, runs fn, and releases. The lock is released
// even when fn panics.
func (l *Lock) RunExclusive(ctx context.Context, fn func(ctx context.Context) error) error {
	release, err := l.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	return fn(ctx)
}

// IsLocked reports whether the lock is currently held. Advisory only: the
// answer can be stale by the time the caller acts on it.
func (l *Lock) IsLocked() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held
}

// QueueLength reports how many callers are waiting. Advisory only.
func (l *Lock) QueueLength() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.waiters)
}

func (l *Lock) releaseFunc() func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			l.handoffLocked()
			l.mu.Unlock()
		})
	}
}

// handoffLocked passes ownership to the oldest waiter, or marks the lock free
// when nobody is queued. Caller holds l.mu.
func (l *Lock) handoffLocked() {
	if len(l.waiters) == 0 {
		l.held = false
		return
	}
	next := l.waiters[0]
	l.waiters = l.waiters[1:]
	l.held = true
	close(next)
}
