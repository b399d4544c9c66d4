package hostctx

import (
	"fmt"

	"github.com/colorfulnotion/guestfault/emuerrors"
	"github.com/colorfulnotion/guestfault/x64"
)

// ReadOperand returns the register or immediate source of op at op.Size
// bytes (1, 2, 4 or 8). code must hold the instruction bytes for immediates.
func ReadOperand(ctx Context, op x64.Op, code []byte) (uint64, error) {
	mask := WidthMask(op.Size)
	switch op.Operand.Class {
	case x64.GPR, x64.Counter:
		if op.Size > 8 {
			break
		}
		return ctx.GPR(op.Operand.Reg) & mask, nil
	case x64.ByteLow:
		if op.Size != 1 {
			break
		}
		return ctx.GPR(op.Operand.Reg) & 0xFF, nil
	case x64.ByteHigh:
		if op.Size != 1 || op.Operand.Reg > x64.RBX {
			break
		}
		return (ctx.GPR(op.Operand.Reg) >> 8) & 0xFF, nil
	case x64.Imm8, x64.Imm16, x64.Imm32:
		if v, ok := op.Immediate(code); ok {
			return v, nil
		}
	}
	return 0, fmt.Errorf("%w: read %s at size %d", emuerrors.ErrOperandUnsupported, op.Operand.Class, op.Size)
}

// WriteOperand stores v into a register operand with x86 width semantics:
// 32-bit writes zero the upper half, 8- and 16-bit writes merge.
func WriteOperand(ctx Context, operand x64.Operand, size int, v uint64) error {
	switch operand.Class {
	case x64.GPR, x64.Counter:
		old := ctx.GPR(operand.Reg)
		switch size {
		case 1, 2:
			m := WidthMask(size)
			ctx.SetGPR(operand.Reg, old&^m|v&m)
		case 4:
			ctx.SetGPR(operand.Reg, v&0xFFFFFFFF)
		case 8:
			ctx.SetGPR(operand.Reg, v)
		default:
			return fmt.Errorf("%w: write gpr at size %d", emuerrors.ErrOperandUnsupported, size)
		}
		return nil
	case x64.ByteLow:
		if size != 1 {
			break
		}
		old := ctx.GPR(operand.Reg)
		ctx.SetGPR(operand.Reg, old&^0xFF|v&0xFF)
		return nil
	case x64.ByteHigh:
		if size != 1 || operand.Reg > x64.RBX {
			break
		}
		old := ctx.GPR(operand.Reg)
		ctx.SetGPR(operand.Reg, old&^0xFF00|(v&0xFF)<<8)
		return nil
	}
	return fmt.Errorf("%w: write %s at size %d", emuerrors.ErrOperandUnsupported, operand.Class, size)
}

// ReadVectorOperand returns the 16-byte source of a vector store.
func ReadVectorOperand(ctx Context, operand x64.Operand) ([16]byte, error) {
	if operand.Class != x64.Vector {
		return [16]byte{}, fmt.Errorf("%w: %s is not a vector operand", emuerrors.ErrOperandUnsupported, operand.Class)
	}
	v, err := ctx.Vector(operand.Reg)
	if err != nil {
		return v, fmt.Errorf("%w: %v", emuerrors.ErrOperandUnsupported, err)
	}
	return v, nil
}
