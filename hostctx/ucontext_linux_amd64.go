//go:build linux && amd64

package hostctx

import (
	"fmt"
	"unsafe"

	"github.com/colorfulnotion/guestfault/x64"
	"golang.org/x/sys/unix"
)

// sigcontext is struct sigcontext from <asm/sigcontext.h>.
type sigcontext struct {
	R8, R9, R10, R11, R12, R13, R14, R15 uint64
	Rdi, Rsi, Rbp, Rbx, Rdx, Rax, Rcx    uint64
	Rsp, Rip, Eflags                     uint64
	CsGsFsSs                             uint64
	Err, Trapno, Oldmask, Cr2            uint64
	Fpstate                              uintptr // *fxsave area, nil if unused
	Reserved                             [8]uint64
}

// ucontext is ucontext_t on linux/amd64.
type ucontext struct {
	Flags    uint64
	Link     uint64
	Stack    [3]uint64 // stack_t
	MContext sigcontext
}

// offset of the XMM register area inside the fxsave image
const fxsaveXMMOffset = 160

// sigcontext field index for each logical GPR (encoding order).
var ucontextGPR = [x64.NumGPR]int{
	x64.RAX: 13, x64.RCX: 14, x64.RDX: 12, x64.RBX: 11,
	x64.RSP: 15, x64.RBP: 10, x64.RSI: 9, x64.RDI: 8,
	x64.R8: 0, x64.R9: 1, x64.R10: 2, x64.R11: 3,
	x64.R12: 4, x64.R13: 5, x64.R14: 6, x64.R15: 7,
}

// UContext adapts the ucontext_t a signal handler receives. Writes go straight
// to the saved context, so they take effect when the handler returns.
type UContext struct {
	uc     *ucontext
	thread ThreadHandle
}

// FromUContext wraps the third argument of an SA_SIGINFO handler.
func FromUContext(p unsafe.Pointer) *UContext {
	return &UContext{uc: (*ucontext)(p), thread: ThreadHandle(unix.Gettid())}
}

func (u *UContext) gregs() *[18]uint64 {
	return (*[18]uint64)(unsafe.Pointer(&u.uc.MContext))
}

func (u *UContext) GPR(r x64.Reg) uint64 {
	return u.gregs()[ucontextGPR[r&15]]
}

func (u *UContext) SetGPR(r x64.Reg, v uint64) {
	u.gregs()[ucontextGPR[r&15]] = v
}

func (u *UContext) xmm(r x64.Reg) (*[16]byte, error) {
	if !r.IsVector() {
		return nil, fmt.Errorf("hostctx: %s is not a vector register", r)
	}
	fp := u.uc.MContext.Fpstate
	if fp == 0 {
		return nil, fmt.Errorf("hostctx: signal context carries no fpstate")
	}
	return (*[16]byte)(unsafe.Add(unsafe.Pointer(fp), fxsaveXMMOffset+16*r.Index())), nil
}

func (u *UContext) Vector(r x64.Reg) ([16]byte, error) {
	p, err := u.xmm(r)
	if err != nil {
		return [16]byte{}, err
	}
	return *p, nil
}

func (u *UContext) SetVector(r x64.Reg, v [16]byte) error {
	p, err := u.xmm(r)
	if err != nil {
		return err
	}
	*p = v
	return nil
}

func (u *UContext) RIP() uint64              { return u.uc.MContext.Rip }
func (u *UContext) SetRIP(v uint64)          { u.uc.MContext.Rip = v }
func (u *UContext) Flags() uint64            { return u.uc.MContext.Eflags }
func (u *UContext) SetFlags(v uint64)        { u.uc.MContext.Eflags = v }
func (u *UContext) HostThread() ThreadHandle { return u.thread }

// FaultAddress returns CR2 as saved by the kernel.
func (u *UContext) FaultAddress() uint64 { return u.uc.MContext.Cr2 }

// IsWrite reports the write bit of the page-fault error code.
func (u *UContext) IsWrite() bool { return u.uc.MContext.Err&2 != 0 }

// InstructionBytes reads the faulting instruction from executable host memory.
// The read stops short at an unreadable page rather than faulting again.
func (u *UContext) InstructionBytes() []byte {
	return readCode(uintptr(u.uc.MContext.Rip))
}

// readCode copies up to X86_MAX_INST_LENGTH bytes at pc. Each page is a
// separate remote iovec, and process_vm_readv never splits one, so the copy
// ends at the first page that is unmapped or unreadable.
func readCode(pc uintptr) []byte {
	buf := make([]byte, x64.X86_MAX_INST_LENGTH)
	page := uintptr(unix.Getpagesize())
	first := int(page - pc%page)
	if first > len(buf) {
		first = len(buf)
	}
	remote := []unix.RemoteIovec{{Base: pc, Len: first}}
	if first < len(buf) {
		remote = append(remote, unix.RemoteIovec{Base: pc + uintptr(first), Len: len(buf) - first})
	}
	local := []unix.Iovec{{Base: &buf[0]}}
	local[0].SetLen(len(buf))
	n, err := unix.ProcessVMReadv(unix.Getpid(), local, remote, 0)
	if err != nil {
		// pc is executing, so its own page is readable
		copy(buf, unsafe.Slice((*byte)(unsafe.Pointer(pc)), first))
		return buf[:first]
	}
	return buf[:n]
}
