package fault

import (
	"errors"
	"fmt"
	"runtime"
	"sync"

	"github.com/colorfulnotion/guestfault/hostctx"
	"github.com/colorfulnotion/guestfault/kernel"
	"github.com/colorfulnotion/guestfault/reservation"
)

var ErrAlreadyBound = errors.New("fault: host thread already bound to a guest thread")

// GuestThread is the guest logical thread running on one host thread.
type GuestThread struct {
	ID       uint32
	Priority int
}

// ReservationID is the thread's key in the reservation manager.
func (t *GuestThread) ReservationID() reservation.ThreadID { return reservation.ThreadID(t.ID) }

// Kernel is the thread as the kernel sleep queues see it.
func (t *GuestThread) Kernel() kernel.Thread { return kernel.Thread{ID: t.ID, Priority: t.Priority} }

func (t *GuestThread) String() string { return fmt.Sprintf("guest thread %#x", t.ID) }

// Registry maps host threads to the guest thread they run. Lookups happen
// on the fault path and never block.
type Registry struct {
	threads sync.Map // hostctx.ThreadHandle -> *GuestThread
}

func NewRegistry() *Registry { return &Registry{} }

// Bind records t as the guest thread of host thread h.
func (r *Registry) Bind(h hostctx.ThreadHandle, t *GuestThread) error {
	if _, loaded := r.threads.LoadOrStore(h, t); loaded {
		return fmt.Errorf("%w: %d", ErrAlreadyBound, h)
	}
	return nil
}

// BindCurrent pins the calling goroutine to its OS thread and binds t to it.
// The pin is released by UnbindCurrent.
func (r *Registry) BindCurrent(t *GuestThread) (hostctx.ThreadHandle, error) {
	runtime.LockOSThread()
	h := hostctx.CurrentThread()
	if err := r.Bind(h, t); err != nil {
		runtime.UnlockOSThread()
		return 0, err
	}
	return h, nil
}

func (r *Registry) Unbind(h hostctx.ThreadHandle) {
	r.threads.Delete(h)
}

// UnbindCurrent reverses BindCurrent on the calling goroutine.
func (r *Registry) UnbindCurrent() {
	r.Unbind(hostctx.CurrentThread())
	runtime.UnlockOSThread()
}

func (r *Registry) Lookup(h hostctx.ThreadHandle) (*GuestThread, bool) {
	v, ok := r.threads.Load(h)
	if !ok {
		return nil, false
	}
	return v.(*GuestThread), true
}

// Current returns the guest thread bound to the calling host thread.
func (r *Registry) Current() (*GuestThread, bool) {
	return r.Lookup(hostctx.CurrentThread())
}
