package hostctx

import (
	"fmt"

	"github.com/colorfulnotion/guestfault/x64"
)

// RegFile is a captured register file. It is used for tests, replay of
// recorded faults and as scratch state by the unicorn adapter.
type RegFile struct {
	Regs   [x64.NumGPR]uint64
	XMM    [x64.NumVector][16]byte
	Rip    uint64
	Rflags uint64
	Text   []byte // instruction bytes at Rip
	Thread ThreadHandle
}

func (r *RegFile) GPR(reg x64.Reg) uint64 {
	return r.Regs[reg&15]
}

func (r *RegFile) SetGPR(reg x64.Reg, v uint64) {
	r.Regs[reg&15] = v
}

func (r *RegFile) Vector(reg x64.Reg) ([16]byte, error) {
	if !reg.IsVector() {
		return [16]byte{}, fmt.Errorf("hostctx: %s is not a vector register", reg)
	}
	return r.XMM[reg.Index()], nil
}

func (r *RegFile) SetVector(reg x64.Reg, v [16]byte) error {
	if !reg.IsVector() {
		return fmt.Errorf("hostctx: %s is not a vector register", reg)
	}
	r.XMM[reg.Index()] = v
	return nil
}

func (r *RegFile) RIP() uint64              { return r.Rip }
func (r *RegFile) SetRIP(v uint64)          { r.Rip = v }
func (r *RegFile) Flags() uint64            { return r.Rflags }
func (r *RegFile) SetFlags(v uint64)        { r.Rflags = v }
func (r *RegFile) HostThread() ThreadHandle { return r.Thread }

func (r *RegFile) InstructionBytes() []byte {
	if len(r.Text) > x64.X86_MAX_INST_LENGTH {
		return r.Text[:x64.X86_MAX_INST_LENGTH]
	}
	return r.Text
}

// Snapshot copies any Context into a RegFile.
func Snapshot(ctx Context) *RegFile {
	rf := &RegFile{
		Rip:    ctx.RIP(),
		Rflags: ctx.Flags(),
		Thread: ctx.HostThread(),
		Text:   append([]byte(nil), ctx.InstructionBytes()...),
	}
	for i := 0; i < x64.NumGPR; i++ {
		rf.Regs[i] = ctx.GPR(x64.Reg(i))
	}
	for i := 0; i < x64.NumVector; i++ {
		v, err := ctx.Vector(x64.XMM0 + x64.Reg(i))
		if err != nil {
			break
		}
		rf.XMM[i] = v
	}
	return rf
}
