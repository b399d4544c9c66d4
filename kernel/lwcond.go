package kernel

import (
	"fmt"
	"time"

	"github.com/colorfulnotion/guestfault/emuerrors"
)

// Signal modes.
const (
	// ModeTransfer: the caller owns the mutex. The waiter moves to the mutex
	// sleep queue and is woken by the caller's unlock.
	ModeTransfer = 1
	// ModeNoMutex: the caller could not take the mutex. The waiter wakes with
	// ErrSyncBusy and locks for itself.
	ModeNoMutex = 2
	// ModeHandoff: the caller took the mutex with trylock and hands it to the
	// woken thread.
	ModeHandoff = 3
)

type lwCond struct {
	id      uint32
	mutex   uint32
	control uint32
	name    uint64
	sq      sleepQueue
}

// CreateCond allocates a condition bound to an existing lightweight mutex.
func (k *Kernel) CreateCond(mutexID uint32, control uint32, name uint64) (uint32, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, err := k.mutex(mutexID); err != nil {
		return 0, err
	}
	id, err := k.allocID(1, len(k.conds))
	if err != nil {
		return 0, err
	}
	k.conds[id] = &lwCond{id: id, mutex: mutexID, control: control, name: name}
	trace("lwcond create", "id", fmt.Sprintf("%#x", id), "mutex", fmt.Sprintf("%#x", mutexID))
	return id, nil
}

// DestroyCond fails with ErrSyncBusy while threads wait on it.
func (k *Kernel) DestroyCond(id uint32) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	c, err := k.cond(id)
	if err != nil {
		return err
	}
	if c.sq.len() > 0 {
		return fmt.Errorf("%w: lwcond %#x has waiters", emuerrors.ErrSyncBusy, id)
	}
	delete(k.conds, id)
	return nil
}

// QueueWait atomically queues th on the condition and releases the mutex
// whose user-side owner the caller already set to Reserved. It returns nil
// when th owns the mutex again, ErrSyncBusy when th was signalled without
// the mutex, ErrSyncTimeout, or ErrSyncDestroyed.
func (k *Kernel) QueueWait(condID, mutexID uint32, th Thread, timeout time.Duration) error {
	k.mu.Lock()
	c, err := k.cond(condID)
	if err != nil {
		k.mu.Unlock()
		return err
	}
	m, err := k.mutex(mutexID)
	if err != nil {
		k.mu.Unlock()
		return err
	}
	if c.mutex != mutexID {
		k.mu.Unlock()
		return fmt.Errorf("%w: lwcond %#x is bound to %#x", emuerrors.ErrSyncInvalid, condID, c.mutex)
	}
	w := newWaiter(th)
	c.sq.push(w)
	if next := m.sq.pop(m.protocol); next != nil {
		wake(next, nil)
	} else {
		m.signals++
	}
	k.mu.Unlock()

	trace("lwcond wait", "id", fmt.Sprintf("%#x", condID), "thread", th.ID)
	return k.sleep(w, timeout, func() (error, bool) {
		if c.sq.remove(w) {
			return emuerrors.ErrSyncTimeout, true
		}
		// already moved to the mutex queue or woken: keep the transfer
		return nil, false
	})
}

// Signal wakes one waiter, the next by protocol or the thread target.
func (k *Kernel) Signal(condID, mutexID, target uint32, mode int) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	c, m, err := k.pair(condID, mutexID, mode)
	if err != nil {
		return err
	}
	var w *waiter
	if target == AnyThread {
		w = c.sq.pop(m.protocol)
	} else {
		w = c.sq.take(target)
	}
	if w == nil {
		switch {
		case target != AnyThread || mode == ModeHandoff:
			return emuerrors.ErrSyncNotFound
		case mode == ModeTransfer:
			return emuerrors.ErrSyncPermission
		}
		return nil
	}
	k.signalLocked(m, w, mode)
	return nil
}

// SignalAll wakes every waiter and returns how many there were.
func (k *Kernel) SignalAll(condID, mutexID uint32, mode int) (int, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	c, m, err := k.pair(condID, mutexID, mode)
	if err != nil {
		return 0, err
	}
	if mode == ModeHandoff {
		return 0, fmt.Errorf("%w: handoff of all waiters", emuerrors.ErrSyncInvalid)
	}
	n := 0
	for w := c.sq.pop(m.protocol); w != nil; w = c.sq.pop(m.protocol) {
		k.signalLocked(m, w, mode)
		n++
	}
	return n, nil
}

func (k *Kernel) pair(condID, mutexID uint32, mode int) (*lwCond, *lwMutex, error) {
	if mode < ModeTransfer || mode > ModeHandoff {
		return nil, nil, fmt.Errorf("%w: signal mode %d", emuerrors.ErrSyncInvalid, mode)
	}
	c, err := k.cond(condID)
	if err != nil {
		return nil, nil, err
	}
	m, err := k.mutex(mutexID)
	if err != nil {
		return nil, nil, err
	}
	if c.mutex != mutexID {
		return nil, nil, fmt.Errorf("%w: lwcond %#x is bound to %#x", emuerrors.ErrSyncInvalid, condID, c.mutex)
	}
	return c, m, nil
}

func (k *Kernel) signalLocked(m *lwMutex, w *waiter, mode int) {
	switch mode {
	case ModeTransfer:
		m.sq.push(w)
	case ModeNoMutex:
		wake(w, emuerrors.ErrSyncBusy)
	case ModeHandoff:
		// threads already asleep on the mutex keep their place in line
		if m.sq.len() > 0 {
			m.sq.push(w)
			w = m.sq.pop(m.protocol)
		}
		wake(w, nil)
	}
	trace("lwcond signal", "mutex", fmt.Sprintf("%#x", m.id), "thread", w.th.ID, "mode", mode)
}

// CondWaiters returns the number of threads waiting on a condition.
func (k *Kernel) CondWaiters(id uint32) int {
	k.mu.Lock()
	defer k.mu.Unlock()
	if c, ok := k.conds[id]; ok {
		return c.sq.len()
	}
	return 0
}
