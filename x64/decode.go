package x64

import (
	"encoding/hex"
	"fmt"

	"github.com/colorfulnotion/guestfault/log"
)

// Inst is an Op together with the encoding fields that produced it.
type Inst struct {
	Op
	Prefixes []byte
	REX      byte // 0 when absent
	Opcode   []byte
	ModRM    int // -1 when absent
	SIB      int // -1 when absent
	DispLen  int
	ImmLen   int
	Reason   string // why decoding failed; empty on success
}

// form is one row of the regular opcode table.
type form struct {
	kind      Kind
	byteOp    bool // 8-bit operand, byte register encoding
	immediate bool // ModRM.reg must be 0; operand is a trailing immediate
	noLock    bool // LOCK is #UD for this form
}

var oneByteForms = [256]form{
	X86_OP_MOV_RM8_R8:   {kind: Store, byteOp: true, noLock: true},
	X86_OP_MOV_RM_R:     {kind: Store, noLock: true},
	X86_OP_MOV_R8_RM8:   {kind: Load, byteOp: true, noLock: true},
	X86_OP_MOV_R_RM:     {kind: Load, noLock: true},
	X86_OP_MOV_RM8_IMM8: {kind: Store, byteOp: true, immediate: true, noLock: true},
	X86_OP_MOV_RM_IMM:   {kind: Store, immediate: true, noLock: true},
	X86_OP_XCHG_RM8_R8:  {kind: Exchange, byteOp: true},
	X86_OP_XCHG_RM_R:    {kind: Exchange},
	X86_OP_AND_RM8_R8:   {kind: LoadAndStore, byteOp: true},
	X86_OP_AND_RM_R:     {kind: LoadAndStore},
}

var twoByteForms = [256]form{
	X86_OP2_CMPXCHG8: {kind: CompareExchange, byteOp: true},
	X86_OP2_CMPXCHG:  {kind: CompareExchange},
}

type prefixes struct {
	lock bool
	rep  byte // 0, REPNE or REPE
	oso  bool
	seg  byte
	rex  byte
}

func (p *prefixes) opSize() int {
	switch {
	case p.rex&X86_REX_W != 0:
		return 8
	case p.oso:
		return 2
	}
	return 4
}

func (p *prefixes) regField(modrm byte) Reg {
	r := Reg(modrm>>3) & X86_MOD_REG_MASK
	if p.rex&X86_REX_R != 0 {
		r += 8
	}
	return r
}

// byteReg applies the legacy encoding: without any REX prefix, reg 4-7 are AH/CH/DH/BH.
func (p *prefixes) byteReg(modrm byte) Operand {
	r := p.regField(modrm)
	if p.rex == 0 && r >= 4 {
		return Operand{Class: ByteHigh, Reg: r - 4}
	}
	return Operand{Class: ByteLow, Reg: r}
}

// Decode classifies the instruction at the start of code. It never reads past
// len(code) and returns Unsupported for anything outside the supported forms.
func Decode(code []byte) Op {
	return DecodeInst(code).Op
}

// DecodeInst is Decode plus the encoding breakdown.
func DecodeInst(code []byte) Inst {
	inst := decode(code)
	if !inst.Supported() {
		n := len(code)
		if n > X86_MAX_INST_LENGTH {
			n = X86_MAX_INST_LENGTH
		}
		log.Warn(log.DecodeMonitoring, "x64: unsupported instruction", "code", hex.EncodeToString(code[:n]), "reason", inst.Reason)
	}
	return inst
}

func fail(inst Inst, format string, args ...interface{}) Inst {
	inst.Op = Unsupported
	inst.Reason = fmt.Sprintf(format, args...)
	return inst
}

func decode(code []byte) Inst {
	inst := Inst{ModRM: -1, SIB: -1}
	var p prefixes
	n := 0

prefixLoop:
	for ; n < len(code) && n < X86_MAX_INST_LENGTH; n++ {
		b := code[n]
		switch b {
		case X86_PREFIX_LOCK:
			p.lock = true
		case X86_PREFIX_REPNE, X86_PREFIX_REPE:
			if p.rep != 0 && p.rep != b {
				return fail(inst, "conflicting repeat prefixes")
			}
			p.rep = b
		case X86_PREFIX_OSO:
			p.oso = true
		case X86_PREFIX_CS, X86_PREFIX_SS, X86_PREFIX_DS, X86_PREFIX_ES, X86_PREFIX_FS, X86_PREFIX_GS:
			// the last segment override wins
			p.seg = b
		case X86_PREFIX_ASO:
			return fail(inst, "address-size override prefix")
		default:
			break prefixLoop
		}
		inst.Prefixes = append(inst.Prefixes, b)
	}
	if n < len(code) && code[n]&0xF0 == X86_OP_REX {
		p.rex = code[n]
		inst.REX = p.rex
		n++
	}
	if n >= len(code) {
		return fail(inst, "truncated before opcode")
	}

	op1 := code[n]
	n++
	inst.Opcode = []byte{op1}

	switch op1 {
	case X86_OP_TWO_BYTE:
		if n >= len(code) {
			return fail(inst, "truncated two-byte opcode")
		}
		op2 := code[n]
		n++
		inst.Opcode = append(inst.Opcode, op2)
		switch op2 {
		case X86_OP2_MOVUPS_M_X, X86_OP2_MOVAPS_M_X, X86_OP2_MOVDQ_M_X:
			return decodeVectorStore(inst, &p, op2, code, n)
		}
		return decodeRegular(inst, &p, twoByteForms[op2], code, n)
	case X86_OP_MOVSB, X86_OP_MOVS, X86_OP_STOSB, X86_OP_STOS:
		return decodeString(inst, &p, op1, n)
	}
	return decodeRegular(inst, &p, oneByteForms[op1], code, n)
}

func decodeRegular(inst Inst, p *prefixes, f form, code []byte, n int) Inst {
	if f.kind == None {
		return fail(inst, "unsupported opcode % x", inst.Opcode)
	}
	if p.lock && f.noLock {
		return fail(inst, "LOCK on non-lockable form")
	}
	if p.rep != 0 {
		return fail(inst, "repeat prefix on non-string form")
	}
	if f.byteOp && p.oso {
		return fail(inst, "operand-size prefix on byte form")
	}
	if n >= len(code) {
		return fail(inst, "truncated before ModRM")
	}
	modrm := code[n]
	if modrm>>6 == X86_MOD_REGISTER {
		return fail(inst, "register-direct ModRM cannot fault")
	}
	ml, ok := modrmLength(code[n:], &inst)
	if !ok {
		return fail(inst, "truncated ModRM/SIB/displacement")
	}
	n += ml

	op := Op{Kind: f.kind, Lock: p.lock}
	if f.byteOp {
		op.Size = 1
	} else {
		op.Size = p.opSize()
	}

	switch {
	case f.immediate:
		if (modrm>>3)&X86_MOD_REG_MASK != 0 {
			return fail(inst, "immediate form with ModRM.reg %d", (modrm>>3)&X86_MOD_REG_MASK)
		}
		switch op.Size {
		case 1:
			op.Operand = Operand{Class: Imm8}
		case 2:
			op.Operand = Operand{Class: Imm16}
		default:
			op.Operand = Operand{Class: Imm32}
		}
		inst.ImmLen = op.Operand.Class.ImmediateSize()
		n += inst.ImmLen
	case f.byteOp:
		op.Operand = p.byteReg(modrm)
	default:
		op.Operand = Operand{Class: GPR, Reg: p.regField(modrm)}
	}

	if n > len(code) {
		return fail(inst, "truncated immediate")
	}
	if n > X86_MAX_INST_LENGTH {
		return fail(inst, "instruction longer than %d bytes", X86_MAX_INST_LENGTH)
	}
	op.Length = n
	inst.Op = op
	return inst
}

// decodeString handles MOVS/STOS. Only the F3 repeat prefix is accepted.
func decodeString(inst Inst, p *prefixes, opcode byte, n int) Inst {
	if p.lock {
		return fail(inst, "LOCK on string form")
	}
	if p.rep == X86_PREFIX_REPNE {
		return fail(inst, "REPNE on string form")
	}
	if n > X86_MAX_INST_LENGTH {
		return fail(inst, "instruction longer than %d bytes", X86_MAX_INST_LENGTH)
	}
	op := Op{Length: n}
	switch opcode {
	case X86_OP_MOVSB, X86_OP_MOVS:
		op.Kind = BlockMove
	default:
		op.Kind = BlockFill
	}
	if opcode == X86_OP_MOVSB || opcode == X86_OP_STOSB {
		if p.oso {
			return fail(inst, "operand-size prefix on byte string form")
		}
		op.Size = 1
	} else {
		op.Size = p.opSize()
	}
	if p.rep == X86_PREFIX_REPE {
		op.Repeat = true
		op.Operand = Operand{Class: Counter, Reg: RCX}
	}
	inst.Op = op
	return inst
}

// decodeVectorStore handles the 128-bit aligned and unaligned store forms.
func decodeVectorStore(inst Inst, p *prefixes, opcode byte, code []byte, n int) Inst {
	if p.lock {
		return fail(inst, "LOCK on vector form")
	}
	op := Op{Kind: Store, Size: 16}
	switch opcode {
	case X86_OP2_MOVUPS_M_X, X86_OP2_MOVAPS_M_X:
		if p.rep != 0 {
			return fail(inst, "scalar vector store")
		}
		op.Aligned = opcode == X86_OP2_MOVAPS_M_X
	case X86_OP2_MOVDQ_M_X:
		switch {
		case p.oso && p.rep == 0:
			op.Aligned = true
		case !p.oso && p.rep == X86_PREFIX_REPE:
		default:
			return fail(inst, "MMX or invalid MOVDQ form")
		}
	}
	if n >= len(code) {
		return fail(inst, "truncated before ModRM")
	}
	modrm := code[n]
	if modrm>>6 == X86_MOD_REGISTER {
		return fail(inst, "register-direct ModRM cannot fault")
	}
	ml, ok := modrmLength(code[n:], &inst)
	if !ok {
		return fail(inst, "truncated ModRM/SIB/displacement")
	}
	n += ml
	if n > X86_MAX_INST_LENGTH {
		return fail(inst, "instruction longer than %d bytes", X86_MAX_INST_LENGTH)
	}
	op.Operand = Operand{Class: Vector, Reg: XMM0 + p.regField(modrm)}
	op.Length = n
	inst.Op = op
	return inst
}

// modrmLength returns the number of ModRM, SIB and displacement bytes at the
// start of code. The effective address itself is never computed.
func modrmLength(code []byte, inst *Inst) (int, bool) {
	if len(code) == 0 {
		return 0, false
	}
	modrm := code[0]
	mod := modrm >> 6
	rm := modrm & X86_MOD_REG_MASK
	inst.ModRM = int(modrm)
	n := 1
	if mod != X86_MOD_REGISTER && rm == X86_RM_SIB {
		if len(code) < 2 {
			return 0, false
		}
		sib := code[1]
		inst.SIB = int(sib)
		n++
		if mod == X86_MOD_INDIRECT && sib&X86_MOD_REG_MASK == X86_RM_DISP32 {
			inst.DispLen = 4
		}
	}
	switch mod {
	case X86_MOD_INDIRECT:
		if rm == X86_RM_DISP32 {
			inst.DispLen = 4
		}
	case X86_MOD_INDIRECT_DISP8:
		inst.DispLen = 1
	case X86_MOD_INDIRECT_DISP32:
		inst.DispLen = 4
	}
	n += inst.DispLen
	if n > len(code) {
		return 0, false
	}
	return n, true
}
