// Package hostctx abstracts the host register file captured when guest code
// faults, so fault handling never touches raw OS context layouts directly.
package hostctx

import "github.com/colorfulnotion/guestfault/x64"

// ThreadHandle identifies a host thread (the OS thread id on linux).
type ThreadHandle uint64

// RFLAGS bits.
const (
	FlagCF uint64 = 1 << 0
	FlagPF uint64 = 1 << 2
	FlagAF uint64 = 1 << 4
	FlagZF uint64 = 1 << 6
	FlagSF uint64 = 1 << 7
	FlagDF uint64 = 1 << 10
	FlagOF uint64 = 1 << 11

	StatusFlags = FlagCF | FlagPF | FlagAF | FlagZF | FlagSF | FlagOF
)

// Context is the register file of one faulting host thread. Registers are
// addressed by logical index (x64.RAX..x64.R15, x64.XMM0..x64.XMM15).
type Context interface {
	GPR(r x64.Reg) uint64
	SetGPR(r x64.Reg, v uint64)
	Vector(r x64.Reg) ([16]byte, error)
	SetVector(r x64.Reg, v [16]byte) error
	RIP() uint64
	SetRIP(v uint64)
	Flags() uint64
	SetFlags(v uint64)

	// InstructionBytes returns up to 15 bytes starting at the faulting instruction.
	InstructionBytes() []byte

	// HostThread identifies the faulting host thread.
	HostThread() ThreadHandle
}

// Advance moves the instruction pointer past n bytes.
func Advance(ctx Context, n int) {
	ctx.SetRIP(ctx.RIP() + uint64(n))
}
