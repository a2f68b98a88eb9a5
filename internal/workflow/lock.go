package workflow

import "context"

// RunLock admits one task run at a time. The poller holds it while it
// sweeps worktrees and selects; a durable workflow holds it for its whole
// drive, including one DBOS recovers at launch.
type RunLock struct {
	ch chan struct{}
}

// NewRunLock creates an unlocked RunLock
func NewRunLock() *RunLock {
	return &RunLock{ch: make(chan struct{}, 1)}
}

// Acquire blocks until the lock is free or ctx is done
func (l *RunLock) Acquire(ctx context.Context) error {
	select {
	case l.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees the lock
func (l *RunLock) Release() {
	select {
	case <-l.ch:
	default:
		panic("workflow: release of unlocked RunLock")
	}
}
