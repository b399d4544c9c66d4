//go:build unicorn
// +build unicorn

package hostctx

import (
	"errors"

	"github.com/colorfulnotion/guestfault/x64"
	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"
)

var unicornGPR = [x64.NumGPR]int{
	uc.X86_REG_RAX, uc.X86_REG_RCX, uc.X86_REG_RDX, uc.X86_REG_RBX,
	uc.X86_REG_RSP, uc.X86_REG_RBP, uc.X86_REG_RSI, uc.X86_REG_RDI,
	uc.X86_REG_R8, uc.X86_REG_R9, uc.X86_REG_R10, uc.X86_REG_R11,
	uc.X86_REG_R12, uc.X86_REG_R13, uc.X86_REG_R14, uc.X86_REG_R15,
}

var errUnicornVector = errors.New("hostctx: unicorn bindings cannot access xmm registers")

// UnicornContext drives the fault path from an emulated host CPU, so faults
// can be replayed without real signals.
type UnicornContext struct {
	mu     uc.Unicorn
	thread ThreadHandle
}

func NewUnicornContext(mu uc.Unicorn, thread ThreadHandle) *UnicornContext {
	return &UnicornContext{mu: mu, thread: thread}
}

func (u *UnicornContext) GPR(r x64.Reg) uint64 {
	v, _ := u.mu.RegRead(unicornGPR[r&15])
	return v
}

func (u *UnicornContext) SetGPR(r x64.Reg, v uint64) {
	_ = u.mu.RegWrite(unicornGPR[r&15], v)
}

func (u *UnicornContext) Vector(r x64.Reg) ([16]byte, error) {
	return [16]byte{}, errUnicornVector
}

func (u *UnicornContext) SetVector(r x64.Reg, v [16]byte) error {
	return errUnicornVector
}

func (u *UnicornContext) RIP() uint64 {
	v, _ := u.mu.RegRead(uc.X86_REG_RIP)
	return v
}

func (u *UnicornContext) SetRIP(v uint64) {
	_ = u.mu.RegWrite(uc.X86_REG_RIP, v)
}

func (u *UnicornContext) Flags() uint64 {
	v, _ := u.mu.RegRead(uc.X86_REG_EFLAGS)
	return v
}

func (u *UnicornContext) SetFlags(v uint64) {
	_ = u.mu.RegWrite(uc.X86_REG_EFLAGS, v)
}

func (u *UnicornContext) HostThread() ThreadHandle { return u.thread }

// InstructionBytes shrinks the read until it fits inside mapped emulator memory.
func (u *UnicornContext) InstructionBytes() []byte {
	rip := u.RIP()
	for n := uint64(x64.X86_MAX_INST_LENGTH); n > 0; n-- {
		if b, err := u.mu.MemRead(rip, n); err == nil {
			return b
		}
	}
	return nil
}
