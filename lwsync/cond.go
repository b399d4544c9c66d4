package lwsync

import (
	"errors"
	"fmt"
	"time"

	"github.com/colorfulnotion/guestfault/emuerrors"
	"github.com/colorfulnotion/guestfault/kernel"
	"github.com/colorfulnotion/guestfault/log"
)

// Guest layout of a lightweight condition, big-endian.
const (
	condMutex = 0 // guest address of the bound mutex
	condQueue = 4 // kernel object id, OwnerDead once destroyed
	CondSize  = 8
)

// Cond is a lightweight condition at a guest address.
type Cond struct {
	s    *Sync
	addr uint32
}

func (s *Sync) Cond(addr uint32) *Cond {
	return &Cond{s: s, addr: addr}
}

func (c *Cond) Addr() uint32 { return c.addr }

// CreateCond initialises the structure at addr, bound to the mutex at mutexAddr.
func (s *Sync) CreateCond(addr, mutexAddr uint32, name [8]byte) (*Cond, error) {
	m := s.Mutex(mutexAddr)
	sq, err := m.load(mutexSleepQueue)
	if err != nil {
		return nil, err
	}
	id, err := s.k.CreateCond(sq, addr, nameWord(name))
	if err != nil {
		return nil, err
	}
	if err := s.mem.Store32(addr+condMutex, mutexAddr); err != nil {
		return nil, memErr(err)
	}
	if err := s.mem.Store32(addr+condQueue, id); err != nil {
		return nil, memErr(err)
	}
	log.Debug(log.SyncMonitoring, "lwcond create", "addr", fmt.Sprintf("%#x", addr), "mutex", fmt.Sprintf("%#x", mutexAddr))
	return s.Cond(addr), nil
}

// Mutex returns the mutex the condition is bound to.
func (c *Cond) Mutex() (*Mutex, error) {
	addr, err := c.s.mem.Load32(c.addr + condMutex)
	if err != nil {
		return nil, memErr(err)
	}
	return c.s.Mutex(addr), nil
}

// ids loads the bound mutex, the condition's kernel id and the mutex's.
func (c *Cond) ids() (*Mutex, uint32, uint32, error) {
	q, err := c.s.mem.Load32(c.addr + condQueue)
	if err != nil {
		return nil, 0, 0, memErr(err)
	}
	if q == OwnerDead {
		return nil, 0, 0, fmt.Errorf("%w: lwcond %#x destroyed", emuerrors.ErrSyncInvalid, c.addr)
	}
	m, err := c.Mutex()
	if err != nil {
		return nil, 0, 0, err
	}
	sq, err := m.load(mutexSleepQueue)
	if err != nil {
		return nil, 0, 0, err
	}
	return m, q, sq, nil
}

// Wait releases the mutex held by th, sleeps until signalled and owns the
// mutex again on return. A zero timeout waits forever.
func (c *Cond) Wait(th kernel.Thread, timeout time.Duration) error {
	m, q, sq, err := c.ids()
	if err != nil {
		return err
	}
	owner, err := m.Owner()
	if err != nil {
		return err
	}
	if owner != th.ID {
		return emuerrors.ErrSyncPermission
	}
	rc, err := m.RecursionCount()
	if err != nil {
		return err
	}
	if err := m.store(mutexOwner, OwnerReserved); err != nil {
		return err
	}
	if err := m.store(mutexRecursive, 0); err != nil {
		return err
	}

	res := c.s.k.QueueWait(q, sq, th, timeout)
	switch {
	case res == nil, errors.Is(res, emuerrors.ErrSyncDestroyed):
		if res == nil {
			if err := m.addWaiters(-1); err != nil {
				return err
			}
		}
		if err := m.takeOwnership(th.ID); err != nil {
			return err
		}
		if err := m.store(mutexRecursive, rc); err != nil {
			return err
		}
		return res
	case errors.Is(res, emuerrors.ErrSyncBusy), errors.Is(res, emuerrors.ErrSyncTimeout):
		if err := m.Lock(th, 0); err != nil {
			return err
		}
		if err := m.store(mutexRecursive, rc); err != nil {
			return err
		}
		if errors.Is(res, emuerrors.ErrSyncBusy) {
			return nil
		}
		return res
	}
	return res
}

// Signal wakes one waiter.
func (c *Cond) Signal(th kernel.Thread) error {
	return c.signal(th, kernel.AnyThread)
}

// SignalTo wakes the waiter with thread id target.
func (c *Cond) SignalTo(th kernel.Thread, target uint32) error {
	return c.signal(th, target)
}

func (c *Cond) signal(th kernel.Thread, target uint32) error {
	m, q, sq, err := c.ids()
	if err != nil {
		return err
	}
	attr, err := m.load(mutexAttribute)
	if err != nil {
		return err
	}
	if attr&uint32(kernel.Retry) != 0 {
		return c.s.k.Signal(q, sq, target, kernel.ModeNoMutex)
	}
	owner, err := m.Owner()
	if err != nil {
		return err
	}
	if owner == th.ID {
		// the transferred waiter is woken by our own unlock
		if err := m.addWaiters(1); err != nil {
			return err
		}
		if err := c.s.k.Signal(q, sq, target, kernel.ModeTransfer); err != nil {
			m.addWaiters(-1)
			if target == kernel.AnyThread && errors.Is(err, emuerrors.ErrSyncPermission) {
				return nil
			}
			return err
		}
		return nil
	}

	if err := m.TryLock(th); err != nil {
		if !errors.Is(err, emuerrors.ErrSyncBusy) {
			return err
		}
		return c.s.k.Signal(q, sq, target, kernel.ModeNoMutex)
	}
	if err := m.addWaiters(1); err != nil {
		return err
	}
	if err := c.s.k.Signal(q, sq, target, kernel.ModeHandoff); err != nil {
		m.addWaiters(-1)
		if uerr := m.Unlock(th); uerr != nil {
			return uerr
		}
		if target == kernel.AnyThread && errors.Is(err, emuerrors.ErrSyncNotFound) {
			return nil
		}
		return err
	}
	return nil
}

// SignalAll wakes every waiter and returns how many were woken.
func (c *Cond) SignalAll(th kernel.Thread) (int, error) {
	m, q, sq, err := c.ids()
	if err != nil {
		return 0, err
	}
	attr, err := m.load(mutexAttribute)
	if err != nil {
		return 0, err
	}
	if attr&uint32(kernel.Retry) != 0 {
		return c.s.k.SignalAll(q, sq, kernel.ModeNoMutex)
	}
	owner, err := m.Owner()
	if err != nil {
		return 0, err
	}
	if owner == th.ID {
		return c.transferAll(m, q, sq)
	}

	if err := m.TryLock(th); err != nil {
		if !errors.Is(err, emuerrors.ErrSyncBusy) {
			return 0, err
		}
		return c.s.k.SignalAll(q, sq, kernel.ModeNoMutex)
	}
	n, err := c.transferAll(m, q, sq)
	if uerr := m.Unlock(th); err == nil {
		err = uerr
	}
	return n, err
}

// transferAll moves every waiter to the mutex sleep queue. The caller owns
// the mutex, so none of them can run before its unlock sees the new count.
func (c *Cond) transferAll(m *Mutex, q, sq uint32) (int, error) {
	n, err := c.s.k.SignalAll(q, sq, kernel.ModeTransfer)
	if err != nil || n == 0 {
		return n, err
	}
	return n, m.addWaiters(int32(n))
}

// Destroy marks the condition Dead. It fails with ErrSyncBusy while threads wait.
func (c *Cond) Destroy() error {
	q, err := c.s.mem.Load32(c.addr + condQueue)
	if err != nil {
		return memErr(err)
	}
	if q == OwnerDead {
		return fmt.Errorf("%w: lwcond %#x destroyed", emuerrors.ErrSyncInvalid, c.addr)
	}
	if err := c.s.k.DestroyCond(q); err != nil {
		return err
	}
	log.Debug(log.SyncMonitoring, "lwcond destroy", "addr", fmt.Sprintf("%#x", c.addr))
	return memErr(c.s.mem.Store32(c.addr+condQueue, OwnerDead))
}
