// Package reservation tracks load-reserve ranges per guest thread and
// completes writes that fault on reserved pages through the privileged view.
package reservation

import (
	"fmt"

	"github.com/colorfulnotion/guestfault/arena"
	"github.com/colorfulnotion/guestfault/log"
)

// ThreadID is a guest thread id.
type ThreadID uint32

// Reservation is the last range a guest thread read with load-reserve
// semantics.
type Reservation struct {
	Thread ThreadID
	Addr   uint32
	Size   uint32
	Valid  bool
}

func (r *Reservation) overlaps(addr uint32, n uint64) bool {
	return r.Valid && uint64(addr) < uint64(r.Addr)+uint64(r.Size) && uint64(r.Addr) < uint64(addr)+n
}

func (r *Reservation) covers(addr uint32, n uint64) bool {
	return r.Valid && addr >= r.Addr && uint64(addr)+n <= uint64(r.Addr)+uint64(r.Size)
}

// Manager owns the reservation table and the page protections it implies.
type Manager struct {
	arena    *arena.Arena
	pageBits uint

	lock  spinLock
	table map[ThreadID]*Reservation
	pages map[uint32]int // page number -> live reservations touching it
	seen  []uint64       // pages ever write-protected by the manager
}

func NewManager(a *arena.Arena) *Manager {
	pageBits := uint(0)
	for uint64(1)<<pageBits < a.PageSize() {
		pageBits++
	}
	npages := a.Size() >> pageBits
	return &Manager{
		arena:    a,
		pageBits: pageBits,
		table:    make(map[ThreadID]*Reservation),
		pages:    make(map[uint32]int),
		seen:     make([]uint64, (npages+63)/64),
	}
}

func (m *Manager) Arena() *arena.Arena { return m.arena }

func (m *Manager) pageRange(addr uint32, n uint64) (first, last uint32) {
	first = uint32(uint64(addr) >> m.pageBits)
	last = uint32((uint64(addr) + n - 1) >> m.pageBits)
	return
}

// Reservation returns a copy of the thread's current reservation.
func (m *Manager) Reservation(t ThreadID) (Reservation, bool) {
	m.lock.Lock()
	defer m.lock.Unlock()
	r, ok := m.table[t]
	if !ok {
		return Reservation{}, false
	}
	return *r, r.Valid
}

// Reserve records a load-reserve of [addr, addr+size) for t, write-protects
// the covering pages and returns the reserved bytes. An earlier reservation
// of t is replaced.
func (m *Manager) Reserve(t ThreadID, addr uint32, size uint32) ([]byte, error) {
	if size == 0 || !m.arena.Contains(addr, uint64(size)) {
		return nil, fmt.Errorf("reservation: bad range [%#x, +%d)", addr, size)
	}
	m.lock.Lock()
	defer m.lock.Unlock()

	if err := m.dropLocked(t); err != nil {
		return nil, err
	}
	r := &Reservation{Thread: t, Addr: addr, Size: size, Valid: true}
	first, last := m.pageRange(addr, uint64(size))
	for p := first; p <= last; p++ {
		m.pages[p]++
		m.seen[p/64] |= 1 << (p % 64)
		if m.pages[p] == 1 {
			if err := m.arena.Protect(p<<m.pageBits, 1, arena.ProtRead); err != nil {
				m.pages[p]--
				return nil, err
			}
		}
	}
	m.table[t] = r
	data := make([]byte, size)
	copy(data, m.arena.Privileged()[addr:uint64(addr)+uint64(size)])
	log.Trace(log.ReservationMonitoring, "reserve", "thread", t, "addr", fmt.Sprintf("%#x", addr), "size", size)
	return data, nil
}

// StoreConditional writes data at addr if t still holds a reservation that
// covers it. The reservation is consumed either way.
func (m *Manager) StoreConditional(t ThreadID, addr uint32, data []byte) (bool, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	r, ok := m.table[t]
	if !ok || !r.covers(addr, uint64(len(data))) {
		return false, m.dropLocked(t)
	}
	if err := m.writeRawLocked(addr, data); err != nil {
		return false, err
	}
	if err := m.dropLocked(t); err != nil {
		return false, err
	}
	if err := m.breakLocked(t, addr, uint64(len(data))); err != nil {
		return false, err
	}
	log.Trace(log.ReservationMonitoring, "store conditional", "thread", t, "addr", fmt.Sprintf("%#x", addr), "size", len(data))
	return true, nil
}

// Release drops t's reservation, e.g. on thread exit.
func (m *Manager) Release(t ThreadID) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	err := m.dropLocked(t)
	delete(m.table, t)
	return err
}

// Reserved reports whether any page overlapping [addr, addr+n) is under a
// live reservation.
func (m *Manager) Reserved(addr uint32, n uint64) bool {
	m.lock.Lock()
	defer m.lock.Unlock()
	first, last := m.pageRange(addr, n)
	for p := first; p <= last; p++ {
		if m.pages[p] > 0 {
			return true
		}
	}
	return false
}

func (m *Manager) managedLocked(addr uint32) bool {
	p := uint32(uint64(addr) >> m.pageBits)
	return m.pages[p] > 0 || m.seen[p/64]&(1<<(p%64)) != 0
}

// dropLocked invalidates r and unprotects pages that lose their last reservation.
func (m *Manager) dropLocked(t ThreadID) error {
	r, ok := m.table[t]
	if !ok || !r.Valid {
		return nil
	}
	r.Valid = false
	first, last := m.pageRange(r.Addr, uint64(r.Size))
	var err error
	for p := first; p <= last; p++ {
		m.pages[p]--
		if m.pages[p] <= 0 {
			delete(m.pages, p)
			if e := m.arena.Protect(p<<m.pageBits, 1, arena.ProtReadWrite); e != nil && err == nil {
				err = e
			}
		}
	}
	return err
}

// breakLocked invalidates every reservation other than writer's that
// overlaps a completed store.
func (m *Manager) breakLocked(writer ThreadID, addr uint32, n uint64) error {
	for t, r := range m.table {
		if t == writer || !r.overlaps(addr, n) {
			continue
		}
		log.Trace(log.ReservationMonitoring, "reservation lost", "thread", t, "writer", writer, "addr", fmt.Sprintf("%#x", addr))
		if err := m.dropLocked(t); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) writeRawLocked(addr uint32, data []byte) error {
	n := len(data)
	switch {
	case n == 16 && addr%16 == 0:
		var b [16]byte
		copy(b[:], data)
		return m.arena.Store128(addr, arena.Uint128FromBytes(b))
	case n == 1 || n == 2 || n == 4 || n == 8:
		var v uint64
		for i := n - 1; i >= 0; i-- {
			v = v<<8 | uint64(data[i])
		}
		return m.arena.Store(addr, n, v)
	}
	copy(m.arena.Privileged()[addr:], data)
	return nil
}
