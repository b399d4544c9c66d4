package kernel

import (
	"time"

	"golang.org/x/exp/slices"
)

// waiter is one sleeping thread. status receives exactly one wake status.
type waiter struct {
	th     Thread
	status chan error
}

func newWaiter(th Thread) *waiter {
	return &waiter{th: th, status: make(chan error, 1)}
}

type sleepQueue struct {
	waiters []*waiter
}

func (q *sleepQueue) len() int { return len(q.waiters) }

func (q *sleepQueue) push(w *waiter) {
	q.waiters = append(q.waiters, w)
}

// pop removes the next waiter: arrival order, or best priority with arrival
// order breaking ties.
func (q *sleepQueue) pop(p Protocol) *waiter {
	if len(q.waiters) == 0 {
		return nil
	}
	i := 0
	if p == Priority {
		for j, w := range q.waiters {
			if w.th.Priority < q.waiters[i].th.Priority {
				i = j
			}
		}
	}
	w := q.waiters[i]
	q.waiters = slices.Delete(q.waiters, i, i+1)
	return w
}

// take removes the waiter for thread id.
func (q *sleepQueue) take(id uint32) *waiter {
	i := slices.IndexFunc(q.waiters, func(w *waiter) bool { return w.th.ID == id })
	if i < 0 {
		return nil
	}
	w := q.waiters[i]
	q.waiters = slices.Delete(q.waiters, i, i+1)
	return w
}

func (q *sleepQueue) remove(w *waiter) bool {
	i := slices.Index(q.waiters, w)
	if i < 0 {
		return false
	}
	q.waiters = slices.Delete(q.waiters, i, i+1)
	return true
}

func (q *sleepQueue) drain() []*waiter {
	ws := q.waiters
	q.waiters = nil
	return ws
}

func wake(w *waiter, status error) {
	w.status <- status
}

// sleep blocks for a wake status. A zero timeout waits forever. On expiry
// onTimeout runs under the kernel lock and decides: ok=true means the waiter
// was dequeued and the wait ends with status; otherwise it keeps waiting
// without a deadline because a waker already owns it.
func (k *Kernel) sleep(w *waiter, timeout time.Duration, onTimeout func() (error, bool)) error {
	if timeout <= 0 {
		return <-w.status
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case st := <-w.status:
		return st
	case <-timer.C:
	}
	k.mu.Lock()
	st, done := onTimeout()
	k.mu.Unlock()
	if done {
		return st
	}
	return <-w.status
}
