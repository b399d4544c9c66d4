package x64

import "fmt"

// Reg is a logical host register index: 0-15 are the general-purpose
// registers in encoding order, 16-31 are XMM0-XMM15.
type Reg uint8

// Standard x86-64 register definitions
const (
	RAX Reg = iota // Commonly used as return value register
	RCX            // Used for loop counters or intermediates
	RDX            // Often paired with rax for mul/div
	RBX
	RSP
	RBP
	RSI // Often used as function argument
	RDI // Often used as function argument
	R8  // Typically function argument #5
	R9
	R10
	R11
	R12
	R13
	R14
	R15
	XMM0
	XMM1
	XMM2
	XMM3
	XMM4
	XMM5
	XMM6
	XMM7
	XMM8
	XMM9
	XMM10
	XMM11
	XMM12
	XMM13
	XMM14
	XMM15
)

const (
	NumGPR    = 16
	NumVector = 16
)

var gprNames = [NumGPR]string{
	"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
}

var lowByteNames = [NumGPR]string{
	"al", "cl", "dl", "bl", "spl", "bpl", "sil", "dil",
	"r8b", "r9b", "r10b", "r11b", "r12b", "r13b", "r14b", "r15b",
}

var highByteNames = [4]string{"ah", "ch", "dh", "bh"}

// IsVector reports whether r names an XMM register.
func (r Reg) IsVector() bool { return r >= XMM0 && r <= XMM15 }

// Index returns the register number within its file (0-15).
func (r Reg) Index() int {
	if r.IsVector() {
		return int(r - XMM0)
	}
	return int(r)
}

func (r Reg) String() string {
	switch {
	case r < NumGPR:
		return gprNames[r]
	case r.IsVector():
		return fmt.Sprintf("xmm%d", r-XMM0)
	}
	return fmt.Sprintf("reg(%d)", uint8(r))
}

// RegName returns the assembler name of r accessed at the given width.
func RegName(r Reg, size int) string {
	if r >= NumGPR {
		return r.String()
	}
	name := gprNames[r]
	switch size {
	case 1:
		return lowByteNames[r]
	case 2:
		if r < R8 {
			return name[1:]
		}
		return name + "w"
	case 4:
		if r < R8 {
			return "e" + name[1:]
		}
		return name + "d"
	}
	return name
}
