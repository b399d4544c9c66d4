package kernel

import (
	"fmt"
	"time"

	"github.com/colorfulnotion/guestfault/emuerrors"
)

type lwMutex struct {
	id       uint32
	protocol Protocol
	control  uint32 // guest address of the user-side structure
	name     uint64

	signals int  // wakes posted with nobody asleep
	busy    bool // unlock2 posted with nobody asleep
	sq      sleepQueue
}

// CreateMutex allocates the kernel side of a lightweight mutex.
func (k *Kernel) CreateMutex(protocol Protocol, control uint32, name uint64) (uint32, error) {
	if !protocol.Valid() {
		return 0, fmt.Errorf("%w: %v", emuerrors.ErrSyncInvalid, protocol)
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	id, err := k.allocID(0, len(k.mutexes))
	if err != nil {
		return 0, err
	}
	k.mutexes[id] = &lwMutex{id: id, protocol: protocol, control: control, name: name}
	trace("lwmutex create", "id", fmt.Sprintf("%#x", id), "protocol", protocol)
	return id, nil
}

// DestroyMutex removes the object; sleepers wake with ErrSyncDestroyed.
func (k *Kernel) DestroyMutex(id uint32) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	m, err := k.mutex(id)
	if err != nil {
		return err
	}
	for _, c := range k.conds {
		if c.mutex == id && c.sq.len() > 0 {
			return fmt.Errorf("%w: lwmutex %#x has condition waiters", emuerrors.ErrSyncBusy, id)
		}
	}
	delete(k.mutexes, id)
	for _, w := range m.sq.drain() {
		wake(w, emuerrors.ErrSyncDestroyed)
	}
	trace("lwmutex destroy", "id", fmt.Sprintf("%#x", id))
	return nil
}

// takeSignal consumes a posted wake. ok is false when nothing was posted.
func (m *lwMutex) takeSignal() (status error, ok bool) {
	switch {
	case m.busy:
		m.busy = false
		return emuerrors.ErrSyncBusy, true
	case m.signals > 0:
		m.signals--
		return nil, true
	}
	return nil, false
}

// Lock sleeps until the mutex is handed over, the timeout expires, or the
// object is destroyed. ErrSyncBusy means the wake came from Unlock2 and the
// caller must compete again.
func (k *Kernel) Lock(id uint32, th Thread, timeout time.Duration) error {
	k.mu.Lock()
	m, err := k.mutex(id)
	if err != nil {
		k.mu.Unlock()
		return err
	}
	if st, ok := m.takeSignal(); ok {
		k.mu.Unlock()
		return st
	}
	w := newWaiter(th)
	m.sq.push(w)
	k.mu.Unlock()

	trace("lwmutex sleep", "id", fmt.Sprintf("%#x", id), "thread", th.ID)
	return k.sleep(w, timeout, func() (error, bool) {
		if m.sq.remove(w) {
			return emuerrors.ErrSyncTimeout, true
		}
		return nil, false
	})
}

// TryLock consumes a posted wake without sleeping.
func (k *Kernel) TryLock(id uint32) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	m, err := k.mutex(id)
	if err != nil {
		return err
	}
	if m.signals > 0 {
		m.signals--
		return nil
	}
	return emuerrors.ErrSyncBusy
}

// Unlock hands the mutex to the next sleeper, or posts a wake.
func (k *Kernel) Unlock(id uint32) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	m, err := k.mutex(id)
	if err != nil {
		return err
	}
	if w := m.sq.pop(m.protocol); w != nil {
		trace("lwmutex handoff", "id", fmt.Sprintf("%#x", id), "thread", w.th.ID)
		wake(w, nil)
		return nil
	}
	m.signals++
	return nil
}

// Unlock2 is the retry-protocol release: the next sleeper wakes with
// ErrSyncBusy and re-competes for the already freed mutex.
func (k *Kernel) Unlock2(id uint32) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	m, err := k.mutex(id)
	if err != nil {
		return err
	}
	if w := m.sq.pop(m.protocol); w != nil {
		wake(w, emuerrors.ErrSyncBusy)
		return nil
	}
	m.busy = true
	return nil
}

// MutexSleepers returns the number of threads asleep on a mutex.
func (k *Kernel) MutexSleepers(id uint32) int {
	k.mu.Lock()
	defer k.mu.Unlock()
	if m, ok := k.mutexes[id]; ok {
		return m.sq.len()
	}
	return 0
}
