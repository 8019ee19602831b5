package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/PaulBabatuyi/FileFlow/internal/clock"
)

// ErrNotHeld is returned by Unlock when this holder no longer owns the lock.
var ErrNotHeld = errors.New("lock: not held")

// Locker serialises work across instances. TryLock waits up to wait for the lock and
// holds it for at most lease; not acquiring it is reported as false, not as an error.
type Locker interface {
	TryLock(ctx context.Context, key string, wait, lease time.Duration) (bool, error)
	Unlock(ctx context.Context, key string) error
}

const defaultRetryInterval = 50 * time.Millisecond

// poll retries attempt until it succeeds, fails, or wait elapses.
func poll(ctx context.Context, wait, interval time.Duration, attempt func() (bool, error)) (bool, error) {
	deadline := time.Now().Add(wait)
	for {
		ok, err := attempt()
		if err != nil || ok {
			return ok, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false, nil
		}
		sleep := interval
		if remaining < sleep {
			sleep = remaining
		}
		t := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			t.Stop()
			return false, ctx.Err()
		case <-t.C:
		}
	}
}

// LocalLocker is an in-process Locker for single-node deployments and tests.
type LocalLocker struct {
	mu     sync.Mutex
	clock  clock.Clock
	leases map[string]time.Time
}

func NewLocalLocker(c clock.Clock) *LocalLocker {
	return &LocalLocker{clock: c, leases: make(map[string]time.Time)}
}

func (l *LocalLocker) TryLock(ctx context.Context, key string, wait, lease time.Duration) (bool, error) {
	return poll(ctx, wait, defaultRetryInterval, func() (bool, error) {
		l.mu.Lock()
		defer l.mu.Unlock()
		now := l.clock.Now()
		if until, ok := l.leases[key]; ok && now.Before(until) {
			return false, nil
		}
		l.leases[key] = now.Add(lease)
		return true, nil
	})
}

func (l *LocalLocker) Unlock(ctx context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	until, ok := l.leases[key]
	delete(l.leases, key)
	if !ok || !l.clock.Now().Before(until) {
		return ErrNotHeld
	}
	return nil
}
