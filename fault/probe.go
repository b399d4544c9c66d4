package fault

import "runtime/debug"

// Probe runs fn with Go-side memory faults turned into a recoverable panic
// and reports the faulting address. Host code uses it to detect that it
// touched a protected page of the arena instead of crashing the process.
func Probe(fn func()) (addr uintptr, faulted bool) {
	defer debug.SetPanicOnFault(debug.SetPanicOnFault(true))
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		e, ok := r.(interface{ Addr() uintptr })
		if !ok {
			panic(r)
		}
		addr, faulted = e.Addr(), true
	}()
	fn()
	return 0, false
}
