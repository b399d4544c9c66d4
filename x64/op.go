package x64

import (
	"encoding/binary"
	"fmt"
)

// Kind classifies what a faulting instruction does to memory.
type Kind uint8

const (
	None            Kind = iota // unsupported marker
	Load                        // MOV r, m
	Store                       // MOV m, r / MOV m, imm / vector store
	Exchange                    // XCHG m, r
	CompareExchange             // CMPXCHG m, r
	LoadAndStore                // AND m, r (read-modify-write)
	BlockMove                   // MOVS
	BlockFill                   // STOS
)

var kindNames = [...]string{
	None:            "none",
	Load:            "load",
	Store:           "store",
	Exchange:        "xchg",
	CompareExchange: "cmpxchg",
	LoadAndStore:    "and",
	BlockMove:       "movs",
	BlockFill:       "stos",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// OperandClass tags an Operand.
type OperandClass uint8

const (
	NoOperand OperandClass = iota
	GPR                    // general-purpose register, accessed at the op width
	ByteLow                // low byte of a GPR (AL..R15B, SPL..DIL with REX)
	ByteHigh               // AH, CH, DH, BH: bits 8-15 of RAX..RBX
	Vector                 // XMM register
	Imm8
	Imm16
	Imm32 // sign-extended to 64 bits for 8-byte stores
	Counter
)

var classNames = [...]string{
	NoOperand: "none",
	GPR:       "gpr",
	ByteLow:   "byte",
	ByteHigh:  "byte-high",
	Vector:    "xmm",
	Imm8:      "imm8",
	Imm16:     "imm16",
	Imm32:     "imm32",
	Counter:   "counter",
}

func (c OperandClass) String() string {
	if int(c) < len(classNames) {
		return classNames[c]
	}
	return fmt.Sprintf("class(%d)", uint8(c))
}

// ImmediateSize is the number of trailing immediate bytes for an immediate class.
func (c OperandClass) ImmediateSize() int {
	switch c {
	case Imm8:
		return 1
	case Imm16:
		return 2
	case Imm32:
		return 4
	}
	return 0
}

// Operand identifies the register or immediate an instruction moves.
type Operand struct {
	Class OperandClass
	Reg   Reg
}

func (o Operand) String() string {
	switch o.Class {
	case GPR, Counter, Vector:
		return o.Reg.String()
	case ByteLow:
		return lowByteNames[o.Reg]
	case ByteHigh:
		return highByteNames[o.Reg&3]
	}
	return o.Class.String()
}

// Op is one decoded instruction.
type Op struct {
	Kind    Kind
	Operand Operand
	Size    int // bytes moved per element: 1, 2, 4, 8 or 16
	Length  int // encoded instruction length
	Lock    bool
	Repeat  bool // REP-prefixed string form
	Aligned bool // vector form that requires 16-byte alignment
}

// Unsupported is the zero Op.
var Unsupported = Op{}

// Supported reports whether op can be emulated.
func (op Op) Supported() bool {
	return op.Kind != None
}

// Writes reports whether op modifies memory.
func (op Op) Writes() bool {
	return op.Kind != None && op.Kind != Load
}

func (op Op) String() string {
	if !op.Supported() {
		return "unsupported"
	}
	s := op.Kind.String()
	if op.Repeat {
		s = "rep " + s
	}
	if op.Lock {
		s = "lock " + s
	}
	operand := op.Operand.String()
	if op.Operand.Class == GPR {
		operand = RegName(op.Operand.Reg, op.Size)
	}
	return fmt.Sprintf("%s %s size=%d len=%d", s, operand, op.Size, op.Length)
}

// Immediate returns the immediate operand encoded at the end of code,
// widened to the op size with x86 sign-extension rules.
func (op Op) Immediate(code []byte) (uint64, bool) {
	n := op.Operand.Class.ImmediateSize()
	if n == 0 || op.Length > len(code) || op.Length < n {
		return 0, false
	}
	imm := code[op.Length-n : op.Length]
	switch op.Operand.Class {
	case Imm8:
		if op.Size != 1 {
			return 0, false
		}
		return uint64(imm[0]), true
	case Imm16:
		if op.Size != 2 {
			return 0, false
		}
		return uint64(binary.LittleEndian.Uint16(imm)), true
	case Imm32:
		v := int32(binary.LittleEndian.Uint32(imm))
		switch op.Size {
		case 4:
			return uint64(uint32(v)), true
		case 8:
			return uint64(int64(v)), true
		}
	}
	return 0, false
}
