package barrier

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestNotifyBeforeWaitIsNotLost(t *testing.T) {
	t.Parallel()

	var b Barrier
	b.Notify()
	b.NotifyN(2)

	done := make(chan struct{})
	go func() {
		b.Wait()
		b.WaitN(2)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("waiter did not observe earlier notifications")
	}
	if got := b.Count(); got != 0 {
		t.Fatalf("expected count 0, got %d", got)
	}
}

func TestNotifyNReleasesExactlyN(t *testing.T) {
	t.Parallel()

	const waiters = 8
	var (
		b        Barrier
		released atomic.Int32
		wg       sync.WaitGroup
	)

	for range waiters {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Wait()
			released.Add(1)
		}()
	}

	b.NotifyN(waiters - 1)
	waitFor(t, time.Second, func() bool { return released.Load() == waiters-1 })

	time.Sleep(20 * time.Millisecond)
	if got := released.Load(); got != waiters-1 {
		t.Fatalf("expected %d released waiters, got %d", waiters-1, got)
	}

	b.Notify()
	wg.Wait()
	if got := b.Count(); got != 0 {
		t.Fatalf("count underflow or leftover: %d", got)
	}
}

func TestWaitNBlocksUntilEnough(t *testing.T) {
	t.Parallel()

	var b Barrier
	done := make(chan struct{})
	go func() {
		b.WaitN(3)
		close(done)
	}()

	b.Notify()
	b.Notify()
	select {
	case <-done:
		t.Fatal("WaitN returned before count reached 3")
	case <-time.After(20 * time.Millisecond):
	}

	b.Notify()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WaitN did not return after third notify")
	}
}

func TestNotifyWakesSingleWaiterBehindBulkWaiter(t *testing.T) {
	t.Parallel()

	var b Barrier
	bulkDone := make(chan struct{})
	go func() {
		b.WaitN(2)
		close(bulkDone)
	}()
	time.Sleep(20 * time.Millisecond)

	singleDone := make(chan struct{})
	go func() {
		b.Wait()
		close(singleDone)
	}()
	time.Sleep(20 * time.Millisecond)

	b.Notify()
	select {
	case <-singleDone:
	case <-time.After(time.Second):
		t.Fatalf("Wait stayed blocked with count=%d", b.Count())
	}
	select {
	case <-bulkDone:
		t.Fatal("WaitN(2) returned after a single notify")
	default:
	}

	b.NotifyN(2)
	select {
	case <-bulkDone:
	case <-time.After(time.Second):
		t.Fatal("WaitN did not return after two more notifies")
	}
}

func TestZeroCountsAreNoops(t *testing.T) {
	t.Parallel()

	var b Barrier
	b.NotifyN(0)
	b.NotifyN(-3)
	b.WaitN(0)
	if got := b.Count(); got != 0 {
		t.Fatalf("expected count 0, got %d", got)
	}
}

func TestRepeatedRoundsWithIdleAck(t *testing.T) {
	t.Parallel()

	const (
		workers = 4
		rounds  = 200
	)
	var (
		start, complete, end Barrier
		perWorker            [workers]atomic.Int64
		wg                   sync.WaitGroup
	)

	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range rounds {
				start.Wait()
				perWorker[i].Add(1)
				complete.Notify()
				end.Wait()
				complete.Notify()
			}
		}()
	}

	for round := 1; round <= rounds; round++ {
		start.NotifyN(workers)
		complete.WaitN(workers)
		for i := range workers {
			if got := perWorker[i].Load(); got != int64(round) {
				t.Fatalf("round %d: worker %d completed %d rounds", round, i, got)
			}
		}
		end.NotifyN(workers)
		complete.WaitN(workers)
	}
	wg.Wait()
}

func waitFor(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}
