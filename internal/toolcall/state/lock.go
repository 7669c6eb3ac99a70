package state

import (
	"context"

	"golang.org/x/sync/semaphore"
)

const maxReaders = 1 << 30

// opLock is a reader/writer lock whose acquisition honours a context
// deadline. Writers take the whole weight; the semaphore is FIFO so a
// waiting writer is not starved by a stream of readers.
type opLock struct {
	sem *semaphore.Weighted
}

func newOpLock() *opLock {
	return &opLock{sem: semaphore.NewWeighted(maxReaders)}
}

func (l *opLock) rlock(ctx context.Context) error {
	return l.sem.Acquire(ctx, 1)
}

func (l *opLock) runlock() {
	l.sem.Release(1)
}

func (l *opLock) lock(ctx context.Context) error {
	return l.sem.Acquire(ctx, maxReaders)
}

func (l *opLock) unlock() {
	l.sem.Release(maxReaders)
}
