//go:build unicorn
// +build unicorn

package fault

import (
	"testing"

	"github.com/colorfulnotion/guestfault/hostctx"
	"github.com/colorfulnotion/guestfault/x64"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"
)

const codeBase = 0x10000

// runFaulting executes code in an emulated host CPU where the register
// windows are unmapped, feeding every memory fault to the interceptor.
func runFaulting(t *testing.T, f *fixture, code []byte, setup func(mu uc.Unicorn)) uc.Unicorn {
	t.Helper()
	mu, err := uc.NewUnicorn(uc.ARCH_X86, uc.MODE_64)
	require.NoError(t, err)
	t.Cleanup(func() { mu.Close() })
	require.NoError(t, mu.MemMap(codeBase, 0x1000))
	require.NoError(t, mu.MemWrite(codeBase, code))
	setup(mu)

	var faultAddr uint64
	var isWrite, faulted bool
	_, err = mu.HookAdd(uc.HOOK_MEM_READ_UNMAPPED|uc.HOOK_MEM_WRITE_UNMAPPED,
		func(mu uc.Unicorn, access int, addr uint64, size int, value int64) bool {
			faultAddr, isWrite, faulted = addr, access == uc.MEM_WRITE_UNMAPPED, true
			return false
		}, 1, 0)
	require.NoError(t, err)

	end := uint64(codeBase + len(code))
	pc := uint64(codeBase)
	for steps := 0; pc < end; steps++ {
		require.Less(t, steps, 16, "too many faults")
		faulted = false
		if err := mu.Start(pc, end); err == nil {
			break
		}
		require.True(t, faulted, "emulation stopped without a memory fault")
		ctx := hostctx.NewUnicornContext(mu, host)
		require.Equal(t, Handled, f.i.HandleGuestFault(f.a.HostAddr(uint32(faultAddr)), isWrite, ctx))
		pc = ctx.RIP()
	}
	return mu
}

func TestUnicornMMIO(t *testing.T) {
	f := newFixture(t)
	f.unit.regs[window] = 0x11223344

	code := []byte{
		0x8B, 0x03,       // mov eax, [rbx]
		0x89, 0x4B, 0x04, // mov [rbx+4], ecx
		0x48, 0xFF, 0xC2, // inc rdx
	}
	mu := runFaulting(t, f, code, func(mu uc.Unicorn) {
		require.NoError(t, mu.RegWrite(uc.X86_REG_RBX, window))
		require.NoError(t, mu.RegWrite(uc.X86_REG_RCX, 0xCAFEF00D))
	})

	rax, err := mu.RegRead(uc.X86_REG_RAX)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x44332211), rax)
	assert.Equal(t, uint32(0x0DF0FECA), f.unit.regs[window+4])
	rdx, err := mu.RegRead(uc.X86_REG_RDX)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rdx, "execution resumed past both accesses")
	assert.Equal(t, uint64(2), f.i.Stats().MMIO)
}

func TestUnicornCompareExchange(t *testing.T) {
	f := newFixture(t)
	_, err := f.i.Reservations().Reserve(1, reserved, 8)
	require.NoError(t, err)

	code := []byte{0xF0, 0x0F, 0xB1, 0x0B} // lock cmpxchg [rbx], ecx
	mu := runFaulting(t, f, code, func(mu uc.Unicorn) {
		require.NoError(t, mu.RegWrite(uc.X86_REG_RBX, reserved))
		require.NoError(t, mu.RegWrite(uc.X86_REG_RAX, 1))
		require.NoError(t, mu.RegWrite(uc.X86_REG_RCX, 2))
	})

	// memory held 0, so the exchange failed and loaded the accumulator
	rax, err := mu.RegRead(uc.X86_REG_RAX)
	require.NoError(t, err)
	assert.Zero(t, rax)
	flags, err := mu.RegRead(uc.X86_REG_EFLAGS)
	require.NoError(t, err)
	assert.Zero(t, flags&hostctx.FlagZF)
	_, ok := f.i.Reservations().Reservation(1)
	assert.True(t, ok, "a failed exchange leaves the reservation alone")
	assert.Equal(t, x64.CompareExchange, x64.Decode(code).Kind)
}
