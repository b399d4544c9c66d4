// Package lwsync implements lightweight mutexes and conditions over
// guest-memory structures. The uncontended paths are single atomic
// operations on guest memory; contended paths fall back to the kernel
// package's sleep queues.
package lwsync

import (
	"errors"
	"fmt"
	"time"

	"github.com/colorfulnotion/guestfault/arena"
	"github.com/colorfulnotion/guestfault/emuerrors"
	"github.com/colorfulnotion/guestfault/kernel"
	"github.com/colorfulnotion/guestfault/log"
	"github.com/colorfulnotion/guestfault/reservation"
)

// Owner sentinels. Any other owner value is a guest thread id.
const (
	OwnerFree     uint32 = 0xFFFFFFFF
	OwnerDead     uint32 = 0xFFFFFFFE
	OwnerReserved uint32 = 0xFFFFFFFD
)

// Recursion attribute values.
const (
	Recursive    uint32 = 0x10
	NotRecursive uint32 = 0x20
)

// Guest layout of a lightweight mutex, big-endian.
const (
	mutexOwner      = 0  // u32, high half of the lock word
	mutexWaiter     = 4  // u32, low half of the lock word
	mutexAttribute  = 8  // protocol | recursion
	mutexRecursive  = 12 // recursion count
	mutexSleepQueue = 16 // kernel object id
	MutexSize       = 24
)

type MutexAttr struct {
	Protocol  kernel.Protocol
	Recursive uint32
	Name      [8]byte
}

type Config struct {
	SpinRetries int // CAS retries before sleeping
}

func DefaultConfig() Config {
	return Config{SpinRetries: 10}
}

// Sync binds the primitives to guest memory and a kernel.
type Sync struct {
	mem *reservation.Memory
	k   *kernel.Kernel
	cfg Config
}

func New(mem *reservation.Memory, k *kernel.Kernel, cfg Config) *Sync {
	if cfg.SpinRetries <= 0 {
		cfg.SpinRetries = DefaultConfig().SpinRetries
	}
	return &Sync{mem: mem, k: k, cfg: cfg}
}

// Mutex is a lightweight mutex at a guest address.
type Mutex struct {
	s    *Sync
	addr uint32
}

// Mutex returns a handle to an existing mutex structure.
func (s *Sync) Mutex(addr uint32) *Mutex {
	return &Mutex{s: s, addr: addr}
}

func (m *Mutex) Addr() uint32 { return m.addr }

func memErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", emuerrors.ErrSyncInvalid, err)
}

func nameWord(name [8]byte) uint64 {
	var v uint64
	for _, b := range name {
		v = v<<8 | uint64(b)
	}
	return v
}

// CreateMutex initialises the structure at addr.
func (s *Sync) CreateMutex(addr uint32, attr MutexAttr) (*Mutex, error) {
	if attr.Recursive != Recursive && attr.Recursive != NotRecursive {
		return nil, fmt.Errorf("%w: recursion attribute %#x", emuerrors.ErrSyncInvalid, attr.Recursive)
	}
	if !attr.Protocol.Valid() {
		return nil, fmt.Errorf("%w: protocol %v", emuerrors.ErrSyncInvalid, attr.Protocol)
	}
	id, err := s.k.CreateMutex(attr.Protocol, addr, nameWord(attr.Name))
	if err != nil {
		return nil, err
	}
	m := s.Mutex(addr)
	for _, w := range []struct{ off, v uint32 }{
		{mutexOwner, OwnerFree},
		{mutexWaiter, 0},
		{mutexAttribute, uint32(attr.Protocol) | attr.Recursive},
		{mutexRecursive, 0},
		{mutexSleepQueue, id},
		{20, 0},
	} {
		if err := s.mem.Store32(addr+w.off, w.v); err != nil {
			s.k.DestroyMutex(id)
			return nil, memErr(err)
		}
	}
	log.Debug(log.SyncMonitoring, "lwmutex create", "addr", fmt.Sprintf("%#x", addr), "queue", fmt.Sprintf("%#x", id))
	return m, nil
}

func (m *Mutex) load(off uint32) (uint32, error) {
	v, err := m.s.mem.Load32(m.addr + off)
	return v, memErr(err)
}

func (m *Mutex) store(off, v uint32) error {
	return memErr(m.s.mem.Store32(m.addr+off, v))
}

// Owner returns the current owner word.
func (m *Mutex) Owner() (uint32, error) { return m.load(mutexOwner) }

// Waiters returns the waiter half of the lock word.
func (m *Mutex) Waiters() (uint32, error) { return m.load(mutexWaiter) }

// RecursionCount returns the extra acquisitions held by the owner.
func (m *Mutex) RecursionCount() (uint32, error) { return m.load(mutexRecursive) }

func (m *Mutex) casOwner(old, new uint32) (uint32, bool, error) {
	prev, ok, err := m.s.mem.CompareAndSwap32(m.addr+mutexOwner, old, new)
	return prev, ok, memErr(err)
}

// addWaiters adjusts the waiter half of the lock word without touching the owner.
func (m *Mutex) addWaiters(n int32) error {
	for {
		v, err := m.s.mem.Load64(m.addr + mutexOwner)
		if err != nil {
			return memErr(err)
		}
		next := v&^0xFFFFFFFF | uint64(uint32(v)+uint32(n))
		ok, err := m.s.mem.CompareAndSwap64(m.addr+mutexOwner, v, next)
		if err != nil {
			return memErr(err)
		}
		if ok {
			return nil
		}
	}
}

// relock handles an acquisition attempt by the current owner.
func (m *Mutex) relock() error {
	attr, err := m.load(mutexAttribute)
	if err != nil {
		return err
	}
	if attr&Recursive == 0 {
		return emuerrors.ErrSyncDeadlock
	}
	rc, err := m.load(mutexRecursive)
	if err != nil {
		return err
	}
	if rc == ^uint32(0) {
		return emuerrors.ErrSyncResourceExhausted
	}
	return m.store(mutexRecursive, rc+1)
}

// spin retries the fast path while the owner word reads Free.
func (m *Mutex) spin(tid uint32) (bool, error) {
	for i := 0; i < m.s.cfg.SpinRetries; i++ {
		arena.CPURelax()
		owner, err := m.load(mutexOwner)
		if err != nil {
			return false, err
		}
		if owner != OwnerFree {
			continue
		}
		if _, ok, err := m.casOwner(OwnerFree, tid); err != nil || ok {
			return ok, err
		}
	}
	return false, nil
}

// takeOwnership records tid after the kernel granted the mutex.
func (m *Mutex) takeOwnership(tid uint32) error {
	old, err := m.s.mem.Swap32(m.addr+mutexOwner, tid)
	if err != nil {
		return memErr(err)
	}
	if old == OwnerFree || old == OwnerDead {
		m.s.mem.Swap32(m.addr+mutexOwner, old)
		return fmt.Errorf("%w: granted mutex %#x had owner %#x", emuerrors.ErrSyncInvalid, m.addr, old)
	}
	return nil
}

// Lock acquires the mutex for th. A zero timeout waits forever.
func (m *Mutex) Lock(th kernel.Thread, timeout time.Duration) error {
	tid := th.ID
	old, ok, err := m.casOwner(OwnerFree, tid)
	if err != nil || ok {
		return err
	}
	switch old {
	case tid:
		return m.relock()
	case OwnerDead:
		return emuerrors.ErrSyncInvalid
	}

	if ok, err := m.spin(tid); err != nil || ok {
		return err
	}
	if err := m.addWaiters(1); err != nil {
		return err
	}
	if _, ok, err := m.casOwner(OwnerFree, tid); err != nil || ok {
		m.addWaiters(-1)
		return err
	}

	sq, err := m.load(mutexSleepQueue)
	if err != nil {
		return err
	}
	log.Trace(log.SyncMonitoring, "lwmutex sleep", "addr", fmt.Sprintf("%#x", m.addr), "thread", tid)
	res := m.s.k.Lock(sq, th, timeout)
	if err := m.addWaiters(-1); err != nil {
		return err
	}
	if res == nil {
		return m.takeOwnership(tid)
	}
	attr, err := m.load(mutexAttribute)
	if err != nil {
		return err
	}
	if !errors.Is(res, emuerrors.ErrSyncBusy) || attr&uint32(kernel.Retry) == 0 {
		return res
	}
	return m.retryLock(th, sq, timeout)
}

// retryLock is the retry-protocol loop: a Busy wake means the mutex was
// released to every sleeper, so compete for it again.
func (m *Mutex) retryLock(th kernel.Thread, sq uint32, timeout time.Duration) error {
	tid := th.ID
	for {
		if ok, err := m.spin(tid); err != nil || ok {
			return err
		}
		if err := m.addWaiters(1); err != nil {
			return err
		}
		if _, ok, err := m.casOwner(OwnerFree, tid); err != nil || ok {
			m.addWaiters(-1)
			return err
		}
		start := time.Now()
		res := m.s.k.Lock(sq, th, timeout)
		if err := m.addWaiters(-1); err != nil {
			return err
		}
		switch {
		case res == nil:
			return m.takeOwnership(tid)
		case !errors.Is(res, emuerrors.ErrSyncBusy):
			return res
		}
		if timeout > 0 {
			elapsed := time.Since(start)
			if elapsed >= timeout {
				return emuerrors.ErrSyncTimeout
			}
			timeout -= elapsed
		}
	}
}

// TryLock acquires the mutex without sleeping.
func (m *Mutex) TryLock(th kernel.Thread) error {
	tid := th.ID
	old, ok, err := m.casOwner(OwnerFree, tid)
	if err != nil || ok {
		return err
	}
	switch old {
	case tid:
		return m.relock()
	case OwnerDead:
		return emuerrors.ErrSyncInvalid
	case OwnerReserved:
		// a release is in flight in the kernel; claim it there
		sq, err := m.load(mutexSleepQueue)
		if err != nil {
			return err
		}
		if err := m.s.k.TryLock(sq); err != nil {
			return err
		}
		return m.takeOwnership(tid)
	}
	return emuerrors.ErrSyncBusy
}

// Unlock releases one acquisition held by th.
func (m *Mutex) Unlock(th kernel.Thread) error {
	tid := th.ID
	owner, err := m.load(mutexOwner)
	if err != nil {
		return err
	}
	if owner != tid {
		return emuerrors.ErrSyncPermission
	}
	rc, err := m.load(mutexRecursive)
	if err != nil {
		return err
	}
	if rc != 0 {
		return m.store(mutexRecursive, rc-1)
	}

	ok, err := m.s.mem.CompareAndSwap64(m.addr+mutexOwner, uint64(tid)<<32, uint64(OwnerFree)<<32)
	if err != nil || ok {
		return memErr(err)
	}
	attr, err := m.load(mutexAttribute)
	if err != nil {
		return err
	}
	sq, err := m.load(mutexSleepQueue)
	if err != nil {
		return err
	}
	if attr&uint32(kernel.Retry) != 0 {
		if err := m.store(mutexOwner, OwnerFree); err != nil {
			return err
		}
		return m.s.k.Unlock2(sq)
	}
	if err := m.store(mutexOwner, OwnerReserved); err != nil {
		return err
	}
	return m.s.k.Unlock(sq)
}

// Destroy marks the mutex Dead. It fails with ErrSyncBusy while owned.
func (m *Mutex) Destroy(th kernel.Thread) error {
	owner, err := m.load(mutexOwner)
	if err != nil {
		return err
	}
	if owner == th.ID {
		return emuerrors.ErrSyncBusy
	}
	if err := m.TryLock(th); err != nil {
		return err
	}
	sq, err := m.load(mutexSleepQueue)
	if err != nil {
		return err
	}
	if err := m.s.k.DestroyMutex(sq); err != nil {
		m.Unlock(th)
		return err
	}
	log.Debug(log.SyncMonitoring, "lwmutex destroy", "addr", fmt.Sprintf("%#x", m.addr))
	return m.store(mutexOwner, OwnerDead)
}
