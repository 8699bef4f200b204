package migrate

import (
	"context"
	"sync"
	"time"

	"github.com/roseybot/rosey/pkg/models"
)

// keyedLocks serializes migration operations per plugin. Operations on
// different plugins run in parallel; a second operation on the same plugin
// waits up to the acquire timeout and then fails with LOCK_TIMEOUT.
type keyedLocks struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{locks: make(map[string]chan struct{})}
}

// acquire takes the lock for key, returning the release function. The lock
// channel doubles as a one-slot semaphore.
func (k *keyedLocks) acquire(ctx context.Context, key string, timeout time.Duration) (func(), error) {
	k.mu.Lock()
	ch, ok := k.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		k.locks[key] = ch
	}
	k.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-timer.C:
		return nil, models.NewError(models.CodeLockTimeout,
			"timed out after %s waiting for migration lock on plugin %q", timeout, key)
	case <-ctx.Done():
		return nil, models.WrapError(models.CodeLockTimeout, ctx.Err(),
			"canceled while waiting for migration lock on plugin %q", key)
	}
}
