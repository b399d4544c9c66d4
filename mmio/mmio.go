// Package mmio redirects faulting 4-byte accesses in the co-processor
// register windows to the co-processor's register interface.
package mmio

import (
	"fmt"
	"math/bits"
	"sync/atomic"

	"github.com/colorfulnotion/guestfault/arena"
	"github.com/colorfulnotion/guestfault/emuerrors"
	"github.com/colorfulnotion/guestfault/hostctx"
	"github.com/colorfulnotion/guestfault/log"
	"github.com/colorfulnotion/guestfault/x64"
)

// CoProcessor is the register file behind one window. Addresses are full
// guest addresses; values are in guest order.
type CoProcessor interface {
	ReadRegister(addr uint32) (uint32, bool)
	WriteRegister(addr uint32, v uint32) bool
}

// Layout places Count windows Stride bytes apart starting at Base. Only the
// part of each stride at or above Offset is a register window.
type Layout struct {
	Base   uint32
	Stride uint32
	Offset uint32
	Count  int
}

func DefaultLayout() Layout {
	return Layout{Base: 0xE0000000, Stride: 0x100000, Offset: 0x40000, Count: 6}
}

func (l Layout) validate() error {
	switch {
	case l.Count <= 0:
		return fmt.Errorf("mmio: window count %d", l.Count)
	case l.Stride == 0 || l.Offset >= l.Stride:
		return fmt.Errorf("mmio: offset %#x outside stride %#x", l.Offset, l.Stride)
	case uint64(l.Base)+uint64(l.Stride)*uint64(l.Count) > arena.GuestSpace:
		return fmt.Errorf("mmio: windows past the 32-bit space")
	}
	return nil
}

// Window returns the index of the window containing addr.
func (l Layout) Window(addr uint32) (int, bool) {
	rel := uint64(addr) - uint64(l.Base)
	if addr < l.Base || rel >= uint64(l.Stride)*uint64(l.Count) {
		return 0, false
	}
	if uint32(rel%uint64(l.Stride)) < l.Offset {
		return 0, false
	}
	return int(rel / uint64(l.Stride)), true
}

// Range returns the guest range [start, end) of window i.
func (l Layout) Range(i int) (start, end uint32) {
	start = l.Base + uint32(i)*l.Stride + l.Offset
	return start, start + (l.Stride - l.Offset)
}

type slot struct {
	cp CoProcessor
}

// Dispatcher routes window accesses. Attach and Detach may race with the
// fault path; lookups are lock-free.
type Dispatcher struct {
	layout Layout
	units  []atomic.Pointer[slot]
}

func NewDispatcher(l Layout) (*Dispatcher, error) {
	if err := l.validate(); err != nil {
		return nil, err
	}
	return &Dispatcher{layout: l, units: make([]atomic.Pointer[slot], l.Count)}, nil
}

func (d *Dispatcher) Layout() Layout { return d.layout }

// Contains reports whether addr lies in any register window.
func (d *Dispatcher) Contains(addr uint32) bool {
	_, ok := d.layout.Window(addr)
	return ok
}

func (d *Dispatcher) Attach(i int, cp CoProcessor) error {
	if i < 0 || i >= len(d.units) {
		return fmt.Errorf("mmio: window %d out of range", i)
	}
	d.units[i].Store(&slot{cp: cp})
	log.Debug(log.MmioMonitoring, "mmio: attached", "window", i)
	return nil
}

func (d *Dispatcher) Detach(i int) {
	if i >= 0 && i < len(d.units) {
		d.units[i].Store(nil)
	}
}

// Protect revokes all protected-view access to the windows that fall inside a.
func (d *Dispatcher) Protect(a *arena.Arena) error {
	for i := 0; i < d.layout.Count; i++ {
		start, end := d.layout.Range(i)
		if !a.Contains(start, uint64(end-start)) {
			continue
		}
		if err := a.Protect(start, uint64(end-start), arena.ProtNone); err != nil {
			return err
		}
	}
	return nil
}

// Handle services a faulting access at addr. Only 4-byte loads and stores
// are valid; values cross the interface byte-swapped.
func (d *Dispatcher) Handle(addr uint32, op x64.Op, ctx hostctx.Context) error {
	i, ok := d.layout.Window(addr)
	if !ok {
		return fmt.Errorf("%w: %#x is not a register window", emuerrors.ErrNotOurFault, addr)
	}
	if op.Size != 4 || (op.Kind != x64.Load && op.Kind != x64.Store) {
		return fmt.Errorf("%w: %s at %#x", emuerrors.ErrMmioShapeUnsupported, op, addr)
	}
	s := d.units[i].Load()
	if s == nil {
		return fmt.Errorf("%w: no co-processor in window %d", emuerrors.ErrMmioRegister, i)
	}

	switch op.Kind {
	case x64.Load:
		v, ok := s.cp.ReadRegister(addr)
		if !ok {
			return fmt.Errorf("%w: read %#x", emuerrors.ErrMmioRegister, addr)
		}
		if err := hostctx.WriteOperand(ctx, op.Operand, 4, uint64(bits.ReverseBytes32(v))); err != nil {
			return err
		}
		log.Trace(log.MmioMonitoring, "mmio read", "addr", fmt.Sprintf("%#x", addr), "value", fmt.Sprintf("%#x", v))
	case x64.Store:
		raw, err := hostctx.ReadOperand(ctx, op, ctx.InstructionBytes())
		if err != nil {
			return err
		}
		v := bits.ReverseBytes32(uint32(raw))
		if !s.cp.WriteRegister(addr, v) {
			return fmt.Errorf("%w: write %#x <- %#x", emuerrors.ErrMmioRegister, addr, v)
		}
		log.Trace(log.MmioMonitoring, "mmio write", "addr", fmt.Sprintf("%#x", addr), "value", fmt.Sprintf("%#x", v))
	}
	hostctx.Advance(ctx, op.Length)
	return nil
}
