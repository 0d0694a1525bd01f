package hwman

import "context"

// resourceLock serializes access to one physical bus resource. It is a
// one-slot semaphore so acquisition can observe context cancellation,
// which a plain sync.Mutex cannot.
type resourceLock struct {
	slot chan struct{}
}

func newResourceLock() *resourceLock {
	return &resourceLock{slot: make(chan struct{}, 1)}
}

func (l *resourceLock) acquire(ctx context.Context) error {
	select {
	case l.slot <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *resourceLock) release() {
	<-l.slot
}

// holders reports whether the lock is currently held. Only used by
// instrumentation in tests.
func (l *resourceLock) held() bool {
	return len(l.slot) == 1
}
