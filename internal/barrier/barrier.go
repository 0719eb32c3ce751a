// Package barrier provides a counting wait primitive used to drive
// lock-step sampling rounds across monitor threads.
package barrier

import "sync"

// Barrier is a counting semaphore built on sync.Cond. The zero value is
// ready to use and starts with a count of zero (closed).
//
// The count carries the state, so a Notify that races with a Wait is never
// lost: the waiter observes the incremented count once it reacquires the lock.
type Barrier struct {
	mu    sync.Mutex
	cond  sync.Cond
	once  sync.Once
	count uint64
}

func (b *Barrier) init() {
	b.once.Do(func() {
		b.cond.L = &b.mu
	})
}

// Notify increments the count by one and wakes every waiter. A single
// Signal could land on a WaitN caller that still needs more and leave a
// Wait caller asleep.
func (b *Barrier) Notify() {
	b.init()
	b.mu.Lock()
	b.count++
	b.mu.Unlock()
	b.cond.Broadcast()
}

// NotifyN increments the count by n and wakes every waiter. Waking all of
// them lets n separate Wait callers proceed even if bulk waiters share the
// same barrier.
func (b *Barrier) NotifyN(n int) {
	if n <= 0 {
		return
	}
	b.init()
	b.mu.Lock()
	b.count += uint64(n)
	b.mu.Unlock()
	b.cond.Broadcast()
}

// Wait blocks until the count is positive, then takes one from it.
func (b *Barrier) Wait() {
	b.init()
	b.mu.Lock()
	for b.count == 0 {
		b.cond.Wait()
	}
	b.count--
	b.mu.Unlock()
}

// WaitN blocks until the count reaches n, then takes n from it.
func (b *Barrier) WaitN(n int) {
	if n <= 0 {
		return
	}
	b.init()
	want := uint64(n)
	b.mu.Lock()
	for b.count < want {
		b.cond.Wait()
	}
	b.count -= want
	b.mu.Unlock()
}

// Count reports the number of pending notifications.
func (b *Barrier) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int(b.count)
}
