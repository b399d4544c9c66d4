package reservation

import (
	"fmt"

	"github.com/colorfulnotion/guestfault/arena"
	"github.com/colorfulnotion/guestfault/emuerrors"
	"github.com/colorfulnotion/guestfault/hostctx"
	"github.com/colorfulnotion/guestfault/log"
	"github.com/colorfulnotion/guestfault/x64"
)

// NoThread is the writer id used for stores that do not come from a guest
// thread's own faulting instruction.
const NoThread = ThreadID(0xFFFFFFFF)

// Handle completes the faulting access op of thread t at guestAddr on the
// privileged view and updates ctx as the instruction would have. It returns
// false with a nil error when the fault is not on a page the manager ever
// protected. A non-nil error is fatal for the guest.
func (m *Manager) Handle(t ThreadID, guestAddr uint32, op x64.Op, ctx hostctx.Context) (bool, error) {
	if !op.Supported() {
		return false, emuerrors.ErrDecodeUnsupported
	}
	m.lock.Lock()
	managed := m.managedLocked(guestAddr)
	m.lock.Unlock()
	if !managed {
		return false, nil
	}

	switch op.Kind {
	case x64.BlockMove, x64.BlockFill:
		return true, m.block(t, op, ctx)
	case x64.CompareExchange:
		return true, m.compareExchange(t, guestAddr, op, ctx)
	}

	code := ctx.InstructionBytes()
	m.lock.Lock()
	defer m.lock.Unlock()

	switch op.Kind {
	case x64.Load:
		v, err := m.arena.Load(guestAddr, op.Size)
		if err != nil {
			return false, err
		}
		if err := hostctx.WriteOperand(ctx, op.Operand, op.Size, v); err != nil {
			return false, err
		}
	case x64.Store:
		if op.Size == 16 {
			v, err := hostctx.ReadVectorOperand(ctx, op.Operand)
			if err != nil {
				return false, err
			}
			if err := m.arena.Store128(guestAddr, arena.Uint128FromBytes(v)); err != nil {
				return false, err
			}
			break
		}
		v, err := hostctx.ReadOperand(ctx, op, code)
		if err != nil {
			return false, err
		}
		if err := m.arena.Store(guestAddr, op.Size, v); err != nil {
			return false, err
		}
	case x64.Exchange:
		v, err := hostctx.ReadOperand(ctx, op, code)
		if err != nil {
			return false, err
		}
		old, err := m.arena.Swap(guestAddr, op.Size, v)
		if err != nil {
			return false, err
		}
		if err := hostctx.WriteOperand(ctx, op.Operand, op.Size, old); err != nil {
			return false, err
		}
	case x64.LoadAndStore:
		v, err := hostctx.ReadOperand(ctx, op, code)
		if err != nil {
			return false, err
		}
		old, err := m.arena.And(guestAddr, op.Size, v)
		if err != nil {
			return false, err
		}
		hostctx.SetStatusFlags(ctx, hostctx.LogicFlags(op.Size, old&v))
	default:
		return false, fmt.Errorf("%w: %s", emuerrors.ErrReservationShapeUnsupported, op.Kind)
	}

	if op.Writes() {
		if err := m.breakLocked(t, guestAddr, uint64(op.Size)); err != nil {
			return false, err
		}
	}
	log.Trace(log.ReservationMonitoring, "handled", "thread", t, "op", op.String(), "addr", fmt.Sprintf("%#x", guestAddr))
	hostctx.Advance(ctx, op.Length)
	return true, nil
}

var accumulator = x64.Operand{Class: x64.GPR, Reg: x64.RAX}

func (m *Manager) compareExchange(t ThreadID, addr uint32, op x64.Op, ctx hostctx.Context) error {
	if op.Size > 8 {
		return fmt.Errorf("%w: cmpxchg width %d", emuerrors.ErrReservationShapeUnsupported, op.Size)
	}
	mask := hostctx.WidthMask(op.Size)
	acc := ctx.GPR(x64.RAX) & mask
	src, err := hostctx.ReadOperand(ctx, op, nil)
	if err != nil {
		return err
	}

	// Memory already differs: the instruction can only fail, so report the
	// failure without taking the lock or breaking anyone's reservation.
	cur, err := m.arena.Load(addr, op.Size)
	if err != nil {
		return err
	}
	if cur != acc {
		return m.finishCompareExchange(op, ctx, acc, cur, false)
	}

	m.lock.Lock()
	prev, swapped, err := m.arena.CompareAndSwap(addr, op.Size, acc, src)
	if err == nil && swapped {
		err = m.breakLocked(t, addr, uint64(op.Size))
	}
	m.lock.Unlock()
	if err != nil {
		return err
	}
	return m.finishCompareExchange(op, ctx, acc, prev, swapped)
}

func (m *Manager) finishCompareExchange(op x64.Op, ctx hostctx.Context, acc, prev uint64, swapped bool) error {
	hostctx.SetStatusFlags(ctx, hostctx.SubFlags(op.Size, acc, prev))
	if !swapped {
		if err := hostctx.WriteOperand(ctx, accumulator, op.Size, prev); err != nil {
			return err
		}
	}
	log.Trace(log.ReservationMonitoring, "cmpxchg", "op", op.String(), "acc", acc, "prev", prev, "swapped", swapped)
	hostctx.Advance(ctx, op.Length)
	return nil
}
