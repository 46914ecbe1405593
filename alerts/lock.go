package alerts

import (
	"context"
	"sync"
)

// LocalLocker serializes batches within one process.
type LocalLocker struct {
	mu sync.Mutex
}

// TryLock acquires the lock without blocking.
func (l *LocalLocker) TryLock(_ context.Context) (unlock func(), ok bool, err error) {
	if !l.mu.TryLock() {
		return nil, false, nil
	}
	return l.mu.Unlock, true, nil
}
