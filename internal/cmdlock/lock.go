package cmdlock

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Token identifies one successful Acquire. The zero Token never holds the lock.
type Token uint64

// Lock is a single-slot lock serializing command issuance. Waiters are
// admitted in FIFO order and may give up through their context.
type Lock struct {
	sem    *semaphore.Weighted
	mu     sync.Mutex
	holder Token
	next   Token
}

func New() *Lock {
	return &Lock{sem: semaphore.NewWeighted(1)}
}

// Acquire returns as soon as the lock is free. It fails only when ctx is done
// first, in which case the lock is not held.
func (l *Lock) Acquire(ctx context.Context) (Token, error) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.next++
	l.holder = l.next
	return l.holder, nil
}

// TryAcquire takes the lock only if it is free.
func (l *Lock) TryAcquire() (Token, bool) {
	if !l.sem.TryAcquire(1) {
		return 0, false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.next++
	l.holder = l.next
	return l.holder, true
}

// Release frees the lock when tok is the current holder. Stale tokens, the
// zero token and repeated calls are no-ops.
func (l *Lock) Release(tok Token) bool {
	l.mu.Lock()
	if tok == 0 || l.holder != tok {
		l.mu.Unlock()
		return false
	}
	l.holder = 0
	l.mu.Unlock()
	l.sem.Release(1)
	return true
}

func (l *Lock) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.holder != 0
}
