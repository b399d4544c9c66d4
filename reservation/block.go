package reservation

import (
	"fmt"

	"github.com/colorfulnotion/guestfault/arena"
	"github.com/colorfulnotion/guestfault/emuerrors"
	"github.com/colorfulnotion/guestfault/hostctx"
	"github.com/colorfulnotion/guestfault/log"
	"github.com/colorfulnotion/guestfault/x64"
)

// block runs MOVS/STOS up to the end of the destination page. The
// instruction pointer only moves past the instruction once the repeat
// counter is exhausted; until then the next page faults again and resumes
// the transfer.
func (m *Manager) block(t ThreadID, op x64.Op, ctx hostctx.Context) error {
	if ctx.Flags()&hostctx.FlagDF != 0 {
		return emuerrors.ErrReversedDirection
	}
	count := uint64(1)
	if op.Repeat {
		count = ctx.GPR(x64.RCX)
		if count == 0 {
			hostctx.Advance(ctx, op.Length)
			return nil
		}
	}

	dst, ok := m.arena.GuestAddr(uintptr(ctx.GPR(x64.RDI)))
	if !ok {
		return fmt.Errorf("%w: rdi=%#x", emuerrors.ErrHostPointer, ctx.GPR(x64.RDI))
	}
	var src uint32
	if op.Kind == x64.BlockMove {
		if src, ok = m.arena.GuestAddr(uintptr(ctx.GPR(x64.RSI))); !ok {
			return fmt.Errorf("%w: rsi=%#x", emuerrors.ErrHostPointer, ctx.GPR(x64.RSI))
		}
	}

	size := uint64(op.Size)
	n := arena.PageSpan(uint64(dst), m.arena.PageSize()) / size
	if n == 0 {
		n = 1 // element straddles the page boundary
	}
	if n > count {
		n = count
	}
	total := n * size
	if !m.arena.Contains(dst, total) {
		return fmt.Errorf("%w: destination [%#x, +%d) outside arena", emuerrors.ErrHostPointer, dst, total)
	}

	m.lock.Lock()
	var err error
	if op.Kind == x64.BlockMove {
		err = m.arena.CopyPrivileged(dst, src, total)
	} else {
		m.fillLocked(dst, n, op.Size, ctx.GPR(x64.RAX))
	}
	if err == nil {
		err = m.breakLocked(t, dst, total)
	}
	m.lock.Unlock()
	if err != nil {
		return err
	}

	ctx.SetGPR(x64.RDI, ctx.GPR(x64.RDI)+total)
	if op.Kind == x64.BlockMove {
		ctx.SetGPR(x64.RSI, ctx.GPR(x64.RSI)+total)
	}
	remaining := count - n
	if op.Repeat {
		ctx.SetGPR(x64.RCX, remaining)
	}
	log.Trace(log.ReservationMonitoring, "block", "op", op.String(), "dst", fmt.Sprintf("%#x", dst), "bytes", total, "remaining", remaining)
	if remaining == 0 {
		hostctx.Advance(ctx, op.Length)
	}
	return nil
}

func (m *Manager) fillLocked(dst uint32, n uint64, size int, v uint64) {
	priv := m.arena.Privileged()
	off := uint64(dst)
	for i := uint64(0); i < n; i++ {
		for b := 0; b < size; b++ {
			priv[off] = byte(v >> (8 * b))
			off++
		}
	}
}
