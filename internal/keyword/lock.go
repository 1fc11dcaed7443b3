package keyword

import "sync/atomic"

// rebuildLock provides non-blocking lock semantics using atomic operations.
// A failed TryAcquire means a rebuild is already running.
type rebuildLock struct {
	state atomic.Int32 // 0 = idle, 1 = rebuilding
}

// TryAcquire attempts to acquire the lock without blocking.
func (l *rebuildLock) TryAcquire() bool {
	return l.state.CompareAndSwap(0, 1)
}

// Release releases the lock.
// Must only be called by the goroutine that successfully acquired the lock.
func (l *rebuildLock) Release() {
	l.state.Store(0)
}

// Held reports whether a rebuild is running
func (l *rebuildLock) Held() bool {
	return l.state.Load() == 1
}
