package roboclaw

import (
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"
)

// Lock is an exclusive lock whose acquisition honors a context. A failed
// acquisition is reported as a ConcurrencyError instead of blocking forever.
type Lock struct {
	sem *semaphore.Weighted
}

func NewLock() *Lock {
	return &Lock{sem: semaphore.NewWeighted(1)}
}

// Acquire blocks until the lock is held or ctx is done.
func (l *Lock) Acquire(ctx context.Context, op string) error {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return &Error{Kind: KindConcurrency, Op: op, Err: fmt.Errorf("%w: %v", ErrLockUnavailable, err)}
	}
	return nil
}

func (l *Lock) Release() {
	l.sem.Release(1)
}
