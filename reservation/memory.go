package reservation

import (
	"errors"
	"math/bits"
)

// Memory gives host-side code big-endian word access to guest memory with
// the same visibility as faulting guest code: every write goes through the
// privileged view and breaks overlapping reservations.
type Memory struct {
	m *Manager
}

func (m *Manager) Memory() *Memory { return &Memory{m: m} }

func (mem *Memory) Load32(addr uint32) (uint32, error) {
	v, err := mem.m.arena.Load(addr, 4)
	return bits.ReverseBytes32(uint32(v)), err
}

func (mem *Memory) Load64(addr uint32) (uint64, error) {
	v, err := mem.m.arena.Load(addr, 8)
	return bits.ReverseBytes64(v), err
}

func (mem *Memory) Store32(addr uint32, v uint32) error {
	return mem.write(addr, 4, func() error {
		return mem.m.arena.Store(addr, 4, uint64(bits.ReverseBytes32(v)))
	})
}

// Swap32 stores v and returns the previous big-endian word.
func (mem *Memory) Swap32(addr uint32, v uint32) (uint32, error) {
	var old uint64
	err := mem.write(addr, 4, func() (err error) {
		old, err = mem.m.arena.Swap(addr, 4, uint64(bits.ReverseBytes32(v)))
		return err
	})
	return bits.ReverseBytes32(uint32(old)), err
}

// CompareAndSwap32 returns the word found in memory and whether it was
// replaced.
func (mem *Memory) CompareAndSwap32(addr uint32, old, new uint32) (uint32, bool, error) {
	var prev uint64
	var swapped bool
	err := mem.write(addr, 4, func() (err error) {
		prev, swapped, err = mem.m.arena.CompareAndSwap(addr, 4, uint64(bits.ReverseBytes32(old)), uint64(bits.ReverseBytes32(new)))
		if err == nil && !swapped {
			err = errNoStore
		}
		return err
	})
	if err == errNoStore {
		err = nil
	}
	return bits.ReverseBytes32(uint32(prev)), swapped, err
}

func (mem *Memory) CompareAndSwap64(addr uint32, old, new uint64) (bool, error) {
	var swapped bool
	err := mem.write(addr, 8, func() (err error) {
		_, swapped, err = mem.m.arena.CompareAndSwap(addr, 8, bits.ReverseBytes64(old), bits.ReverseBytes64(new))
		if err == nil && !swapped {
			err = errNoStore
		}
		return err
	})
	if err == errNoStore {
		return false, nil
	}
	return swapped, err
}

// errNoStore tells write that nothing was written, so no reservation breaks.
var errNoStore = errors.New("reservation: compare failed")

func (mem *Memory) write(addr uint32, n uint64, f func() error) error {
	m := mem.m
	m.lock.Lock()
	defer m.lock.Unlock()
	if err := f(); err != nil {
		return err
	}
	return m.breakLocked(NoThread, addr, n)
}
