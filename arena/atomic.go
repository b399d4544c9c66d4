package arena

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/colorfulnotion/guestfault/emuerrors"
)

// Uint128 is a 16-byte value in host byte order: Lo holds bytes 0-7.
type Uint128 struct {
	Lo, Hi uint64
}

// Bytes returns v as it appears in memory.
func (v Uint128) Bytes() (b [16]byte) {
	*(*[2]uint64)(unsafe.Pointer(&b)) = [2]uint64{v.Lo, v.Hi}
	return b
}

// Uint128FromBytes is the inverse of Bytes.
func Uint128FromBytes(b [16]byte) Uint128 {
	w := *(*[2]uint64)(unsafe.Pointer(&b))
	return Uint128{Lo: w[0], Hi: w[1]}
}

// The atomic accessors below operate on the privileged view in host byte
// order, the way the faulting host instruction would have. Widths are 1, 2, 4
// and 8 bytes; the 16-byte forms have their own entry points and, like
// CMPXCHG16B, require 16-byte alignment.

func (a *Arena) word(addr uint32, size int, atomicOp bool) (unsafe.Pointer, error) {
	switch size {
	case 1, 2, 4, 8, 16:
	default:
		return nil, fmt.Errorf("%w: width %d", emuerrors.ErrReservationShapeUnsupported, size)
	}
	if !a.Contains(addr, uint64(size)) {
		return nil, fmt.Errorf("%w: [%#x, +%d) outside arena", emuerrors.ErrReservationShapeUnsupported, addr, size)
	}
	if atomicOp && size == 16 && !IsAligned(addr, 16) {
		return nil, fmt.Errorf("%w: misaligned %d-byte atomic at %#x", emuerrors.ErrReservationShapeUnsupported, size, addr)
	}
	return unsafe.Pointer(&a.privileged[addr]), nil
}

// Load reads size bytes. Misaligned loads are performed bytewise.
func (a *Arena) Load(addr uint32, size int) (uint64, error) {
	if size == 16 {
		return 0, fmt.Errorf("%w: 16-byte scalar load", emuerrors.ErrReservationShapeUnsupported)
	}
	p, err := a.word(addr, size, false)
	if err != nil {
		return 0, err
	}
	if !IsAligned(addr, uint32(size)) {
		return readBytes(p, size), nil
	}
	switch size {
	case 1:
		return uint64(load8(p)), nil
	case 2:
		return uint64(load16(p)), nil
	case 4:
		return uint64(atomic.LoadUint32((*uint32)(p))), nil
	}
	return atomic.LoadUint64((*uint64)(p)), nil
}

// Store writes size bytes. Misaligned stores are performed bytewise.
func (a *Arena) Store(addr uint32, size int, v uint64) error {
	if size == 16 {
		return fmt.Errorf("%w: 16-byte scalar store", emuerrors.ErrReservationShapeUnsupported)
	}
	p, err := a.word(addr, size, false)
	if err != nil {
		return err
	}
	if !IsAligned(addr, uint32(size)) {
		writeBytes(p, size, v)
		return nil
	}
	switch size {
	case 1:
		xchg8(p, uint8(v))
	case 2:
		xchg16(p, uint16(v))
	case 4:
		atomic.StoreUint32((*uint32)(p), uint32(v))
	default:
		atomic.StoreUint64((*uint64)(p), v)
	}
	return nil
}

// Swap is LOCK XCHG: it stores v and returns the previous value.
func (a *Arena) Swap(addr uint32, size int, v uint64) (uint64, error) {
	if size == 16 {
		return 0, fmt.Errorf("%w: 16-byte exchange", emuerrors.ErrReservationShapeUnsupported)
	}
	p, err := a.word(addr, size, true)
	if err != nil {
		return 0, err
	}
	if !IsAligned(addr, uint32(size)) {
		return a.updateUnaligned(addr, size, func(uint64) (uint64, bool) { return v, true }), nil
	}
	switch size {
	case 1:
		return uint64(xchg8(p, uint8(v))), nil
	case 2:
		return uint64(xchg16(p, uint16(v))), nil
	case 4:
		return uint64(atomic.SwapUint32((*uint32)(p), uint32(v))), nil
	}
	return atomic.SwapUint64((*uint64)(p), v), nil
}

// CompareAndSwap is LOCK CMPXCHG. It returns the value memory held before the
// operation, which equals old exactly when swapped is true.
func (a *Arena) CompareAndSwap(addr uint32, size int, old, new uint64) (prev uint64, swapped bool, err error) {
	if size == 16 {
		return 0, false, fmt.Errorf("%w: use CompareAndSwap128", emuerrors.ErrReservationShapeUnsupported)
	}
	p, err := a.word(addr, size, true)
	if err != nil {
		return 0, false, err
	}
	mask := widthMask(size)
	old &= mask
	new &= mask
	if !IsAligned(addr, uint32(size)) {
		prev := a.updateUnaligned(addr, size, func(cur uint64) (uint64, bool) { return new, cur == old })
		return prev, prev == old, nil
	}
	switch size {
	case 1:
		v, ok := cas8(p, uint8(old), uint8(new))
		return uint64(v), ok, nil
	case 2:
		v, ok := cas16(p, uint16(old), uint16(new))
		return uint64(v), ok, nil
	case 4:
		for {
			if atomic.CompareAndSwapUint32((*uint32)(p), uint32(old), uint32(new)) {
				return old, true, nil
			}
			if cur := atomic.LoadUint32((*uint32)(p)); cur != uint32(old) {
				return uint64(cur), false, nil
			}
		}
	}
	for {
		if atomic.CompareAndSwapUint64((*uint64)(p), old, new) {
			return old, true, nil
		}
		if cur := atomic.LoadUint64((*uint64)(p)); cur != old {
			return cur, false, nil
		}
	}
}

// updateUnaligned is a split-lock read-modify-write at a misaligned address.
// Inside one aligned 8-byte word it CASes that word; across words it runs
// bytewise under a.split, which every crossing update takes. f returns the
// new value and whether to write it. Hosts are assumed little-endian.
func (a *Arena) updateUnaligned(addr uint32, size int, f func(old uint64) (uint64, bool)) uint64 {
	off := addr & 7
	if int(off)+size <= 8 {
		mask := widthMask(size)
		shift := uint(off) * 8
		w := (*uint64)(unsafe.Pointer(&a.privileged[addr-off]))
		for {
			cur := atomic.LoadUint64(w)
			old := cur >> shift & mask
			nv, write := f(old)
			if !write || atomic.CompareAndSwapUint64(w, cur, cur&^(mask<<shift)|(nv&mask)<<shift) {
				return old
			}
		}
	}
	a.split.Lock()
	defer a.split.Unlock()
	p := unsafe.Pointer(&a.privileged[addr])
	old := readBytes(p, size)
	if nv, write := f(old); write {
		writeBytes(p, size, nv)
	}
	return old
}

// And is LOCK AND: memory becomes memory & v. It returns the previous value.
func (a *Arena) And(addr uint32, size int, v uint64) (uint64, error) {
	if size != 16 && !IsAligned(addr, uint32(size)) {
		if _, err := a.word(addr, size, true); err != nil {
			return 0, err
		}
		return a.updateUnaligned(addr, size, func(cur uint64) (uint64, bool) { return cur & v, true }), nil
	}
	cur, err := a.Load(addr, size)
	if err != nil {
		return 0, err
	}
	for {
		prev, ok, err := a.CompareAndSwap(addr, size, cur, cur&v)
		if err != nil {
			return 0, err
		}
		if ok {
			return prev, nil
		}
		cur = prev
	}
}

// Load128 reads 16 bytes atomically. addr must be 16-byte aligned.
func (a *Arena) Load128(addr uint32) (Uint128, error) {
	p, err := a.word(addr, 16, true)
	if err != nil {
		return Uint128{}, err
	}
	// CMPXCHG16B with equal old and new only ever rewrites the same value.
	lo, hi, _ := cas128(p, 0, 0, 0, 0)
	return Uint128{Lo: lo, Hi: hi}, nil
}

// CompareAndSwap128 is LOCK CMPXCHG16B.
func (a *Arena) CompareAndSwap128(addr uint32, old, new Uint128) (Uint128, bool, error) {
	p, err := a.word(addr, 16, true)
	if err != nil {
		return Uint128{}, false, err
	}
	lo, hi, ok := cas128(p, old.Lo, old.Hi, new.Lo, new.Hi)
	return Uint128{Lo: lo, Hi: hi}, ok, nil
}

// Store128 writes 16 bytes. Aligned stores are single atomic writes; unaligned
// ones are bytewise, matching MOVUPS.
func (a *Arena) Store128(addr uint32, v Uint128) error {
	if !a.Contains(addr, 16) {
		return fmt.Errorf("%w: [%#x, +16) outside arena", emuerrors.ErrReservationShapeUnsupported, addr)
	}
	if !IsAligned(addr, 16) {
		b := v.Bytes()
		copy(a.privileged[addr:addr+16], b[:])
		return nil
	}
	cur, err := a.Load128(addr)
	if err != nil {
		return err
	}
	for {
		prev, ok, err := a.CompareAndSwap128(addr, cur, v)
		if err != nil || ok {
			return err
		}
		cur = prev
	}
}

// CopyPrivileged copies n bytes between guest addresses on the privileged view.
func (a *Arena) CopyPrivileged(dst, src uint32, n uint64) error {
	if !a.Contains(dst, n) || !a.Contains(src, n) {
		return fmt.Errorf("%w: copy %#x <- %#x (+%d) outside arena", emuerrors.ErrHostPointer, dst, src, n)
	}
	// forward byte order, like MOVSB with DF clear
	for i := uint64(0); i < n; i++ {
		a.privileged[uint64(dst)+i] = a.privileged[uint64(src)+i]
	}
	return nil
}

func widthMask(size int) uint64 {
	if size >= 8 {
		return ^uint64(0)
	}
	return uint64(1)<<(uint(size)*8) - 1
}

func readBytes(p unsafe.Pointer, size int) uint64 {
	b := unsafe.Slice((*byte)(p), size)
	var v uint64
	for i := size - 1; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func writeBytes(p unsafe.Pointer, size int, v uint64) {
	b := unsafe.Slice((*byte)(p), size)
	for i := range b {
		b[i] = byte(v >> (8 * i))
	}
}
