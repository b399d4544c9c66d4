//go:build linux && amd64 && cgo && !noasm

package arena

/*
#include <stdint.h>

static uint8_t gf_load8(void *p) { return __atomic_load_n((uint8_t *)p, __ATOMIC_SEQ_CST); }
static uint16_t gf_load16(void *p) { return __atomic_load_n((uint16_t *)p, __ATOMIC_SEQ_CST); }

static uint8_t gf_xchg8(void *p, uint8_t v) {
	return __atomic_exchange_n((uint8_t *)p, v, __ATOMIC_SEQ_CST);
}

static uint16_t gf_xchg16(void *p, uint16_t v) {
	return __atomic_exchange_n((uint16_t *)p, v, __ATOMIC_SEQ_CST);
}

static int gf_cas8(void *p, uint8_t *old, uint8_t v) {
	return __atomic_compare_exchange_n((uint8_t *)p, old, v, 0, __ATOMIC_SEQ_CST, __ATOMIC_SEQ_CST);
}

static int gf_cas16(void *p, uint16_t *old, uint16_t v) {
	return __atomic_compare_exchange_n((uint16_t *)p, old, v, 0, __ATOMIC_SEQ_CST, __ATOMIC_SEQ_CST);
}

// old[0..1] is updated with the value found in memory.
static int gf_cas128(void *p, uint64_t *old, uint64_t lo, uint64_t hi) {
	uint8_t ok;
	uint64_t olo = old[0], ohi = old[1];
	__asm__ __volatile__("lock cmpxchg16b %1\n\tsete %0"
		: "=q"(ok), "+m"(*(volatile __int128 *)p), "+a"(olo), "+d"(ohi)
		: "b"(lo), "c"(hi)
		: "memory", "cc");
	old[0] = olo;
	old[1] = ohi;
	return ok;
}

static void gf_pause(void) { __asm__ __volatile__("pause" ::: "memory"); }
*/
import "C"

import "unsafe"

func load8(p unsafe.Pointer) uint8   { return uint8(C.gf_load8(p)) }
func load16(p unsafe.Pointer) uint16 { return uint16(C.gf_load16(p)) }

func xchg8(p unsafe.Pointer, v uint8) uint8 {
	return uint8(C.gf_xchg8(p, C.uint8_t(v)))
}

func xchg16(p unsafe.Pointer, v uint16) uint16 {
	return uint16(C.gf_xchg16(p, C.uint16_t(v)))
}

func cas8(p unsafe.Pointer, old, new uint8) (uint8, bool) {
	o := C.uint8_t(old)
	ok := C.gf_cas8(p, &o, C.uint8_t(new)) != 0
	return uint8(o), ok
}

func cas16(p unsafe.Pointer, old, new uint16) (uint16, bool) {
	o := C.uint16_t(old)
	ok := C.gf_cas16(p, &o, C.uint16_t(new)) != 0
	return uint16(o), ok
}

func cas128(p unsafe.Pointer, oldLo, oldHi, newLo, newHi uint64) (uint64, uint64, bool) {
	old := [2]C.uint64_t{C.uint64_t(oldLo), C.uint64_t(oldHi)}
	ok := C.gf_cas128(p, &old[0], C.uint64_t(newLo), C.uint64_t(newHi)) != 0
	return uint64(old[0]), uint64(old[1]), ok
}

// CPURelax issues PAUSE inside spin loops.
func CPURelax() { C.gf_pause() }
