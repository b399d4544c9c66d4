//go:build !linux || !amd64 || !cgo || noasm

package arena

import (
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"
)

// Sub-word operations are emulated with a CAS on the enclosing aligned
// 32-bit word. Hosts are assumed little-endian.

func enclosing(p unsafe.Pointer) (*uint32, uint) {
	addr := uintptr(p)
	return (*uint32)(unsafe.Pointer(addr &^ 3)), uint(addr&3) * 8
}

func load8(p unsafe.Pointer) uint8 {
	w, shift := enclosing(p)
	return uint8(atomic.LoadUint32(w) >> shift)
}

func load16(p unsafe.Pointer) uint16 {
	w, shift := enclosing(p)
	return uint16(atomic.LoadUint32(w) >> shift)
}

func updateSub(p unsafe.Pointer, mask uint32, f func(old uint32) (uint32, bool)) uint32 {
	w, shift := enclosing(p)
	for {
		cur := atomic.LoadUint32(w)
		old := (cur >> shift) & mask
		nv, write := f(old)
		if !write {
			return old
		}
		if atomic.CompareAndSwapUint32(w, cur, cur&^(mask<<shift)|(nv&mask)<<shift) {
			return old
		}
	}
}

func xchg8(p unsafe.Pointer, v uint8) uint8 {
	return uint8(updateSub(p, 0xFF, func(uint32) (uint32, bool) { return uint32(v), true }))
}

func xchg16(p unsafe.Pointer, v uint16) uint16 {
	return uint16(updateSub(p, 0xFFFF, func(uint32) (uint32, bool) { return uint32(v), true }))
}

func cas8(p unsafe.Pointer, old, new uint8) (uint8, bool) {
	prev := uint8(updateSub(p, 0xFF, func(cur uint32) (uint32, bool) { return uint32(new), cur == uint32(old) }))
	return prev, prev == old
}

func cas16(p unsafe.Pointer, old, new uint16) (uint16, bool) {
	prev := uint16(updateSub(p, 0xFFFF, func(cur uint32) (uint32, bool) { return uint32(new), cur == uint32(old) }))
	return prev, prev == old
}

// 128-bit operations serialise on a striped lock. They are atomic with
// respect to each other only.
var stripes [64]sync.Mutex

func cas128(p unsafe.Pointer, oldLo, oldHi, newLo, newHi uint64) (uint64, uint64, bool) {
	mu := &stripes[(uintptr(p)>>4)%uintptr(len(stripes))]
	mu.Lock()
	defer mu.Unlock()
	w := (*[2]uint64)(p)
	lo, hi := atomic.LoadUint64(&w[0]), atomic.LoadUint64(&w[1])
	if lo != oldLo || hi != oldHi {
		return lo, hi, false
	}
	atomic.StoreUint64(&w[0], newLo)
	atomic.StoreUint64(&w[1], newHi)
	return oldLo, oldHi, true
}

// CPURelax yields inside spin loops.
func CPURelax() { runtime.Gosched() }
