package reservation

import (
	"sync/atomic"

	"github.com/colorfulnotion/guestfault/arena"
)

// spinLock guards the reservation table. It never parks the caller, so it is
// safe to take from the fault path.
type spinLock struct {
	state atomic.Uint32
}

func (l *spinLock) Lock() {
	for !l.state.CompareAndSwap(0, 1) {
		for l.state.Load() != 0 {
			arena.CPURelax()
		}
	}
}

func (l *spinLock) Unlock() {
	l.state.Store(0)
}
