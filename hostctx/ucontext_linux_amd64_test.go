//go:build linux && amd64

package hostctx

import (
	"runtime"
	"testing"
	"unsafe"

	"github.com/colorfulnotion/guestfault/x64"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestUContextLayout(t *testing.T) {
	assert.Equal(t, uintptr(40), unsafe.Offsetof(ucontext{}.MContext))
	assert.Equal(t, uintptr(0x80), unsafe.Offsetof(sigcontext{}.Rip))
	assert.Equal(t, uintptr(0x88), unsafe.Offsetof(sigcontext{}.Eflags))
	assert.Equal(t, uintptr(0xB0), unsafe.Offsetof(sigcontext{}.Cr2))
}

func TestUContextRegisters(t *testing.T) {
	var uc ucontext
	fx := make([]byte, 512)
	uc.MContext.Fpstate = uintptr(unsafe.Pointer(&fx[0]))
	uc.MContext.Rax = 0xAA
	uc.MContext.Rcx = 0xCC
	uc.MContext.R8 = 0x88
	uc.MContext.Rsp = 0x5555
	uc.MContext.Rip = 0x1000
	uc.MContext.Eflags = 0x246
	uc.MContext.Err = 0x6
	uc.MContext.Cr2 = 0xDEAD0000

	u := FromUContext(unsafe.Pointer(&uc))
	assert.Equal(t, uint64(0xAA), u.GPR(x64.RAX))
	assert.Equal(t, uint64(0xCC), u.GPR(x64.RCX))
	assert.Equal(t, uint64(0x88), u.GPR(x64.R8))
	assert.Equal(t, uint64(0x5555), u.GPR(x64.RSP))
	assert.Equal(t, uint64(0x1000), u.RIP())
	assert.Equal(t, uint64(0x246), u.Flags())
	assert.Equal(t, uint64(0xDEAD0000), u.FaultAddress())
	assert.True(t, u.IsWrite())
	assert.Equal(t, CurrentThread(), u.HostThread())

	u.SetGPR(x64.RDI, 7)
	assert.Equal(t, uint64(7), uc.MContext.Rdi)
	Advance(u, 4)
	assert.Equal(t, uint64(0x1004), uc.MContext.Rip)

	want := [16]byte{0: 1, 15: 2}
	require.NoError(t, u.SetVector(x64.XMM2, want))
	assert.Equal(t, want[:], fx[fxsaveXMMOffset+32:fxsaveXMMOffset+48])
	got, err := u.Vector(x64.XMM2)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	runtime.KeepAlive(fx)
}

func TestReadCodeStopsAtUnreadablePage(t *testing.T) {
	page := unix.Getpagesize()
	mem, err := unix.Mmap(-1, 0, 2*page, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	require.NoError(t, err)
	defer unix.Munmap(mem)
	for i := range mem {
		mem[i] = byte(i)
	}
	base := uintptr(unsafe.Pointer(&mem[0]))

	// fully inside the first page
	got := readCode(base + 0x10)
	assert.Equal(t, mem[0x10:0x10+x64.X86_MAX_INST_LENGTH], got)

	// crossing into a readable page; without process_vm_readv (seccomp) the
	// read stops at the page end
	got = readCode(base + uintptr(page) - 3)
	require.GreaterOrEqual(t, len(got), 3)
	assert.Equal(t, mem[page-3:page-3+len(got)], got)
	if _, err := unix.ProcessVMReadv(unix.Getpid(), nil, nil, 0); err == nil {
		assert.Len(t, got, x64.X86_MAX_INST_LENGTH)
	}

	// crossing into a PROT_NONE page
	require.NoError(t, unix.Mprotect(mem[page:], unix.PROT_NONE))
	got = readCode(base + uintptr(page) - 3)
	assert.Equal(t, mem[page-3:page], got)

	uc := ucontext{}
	uc.MContext.Rip = uint64(base + uintptr(page) - 2)
	assert.Equal(t, mem[page-2:page], FromUContext(unsafe.Pointer(&uc)).InstructionBytes())
}
