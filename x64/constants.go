// Package x64 decodes the x86-64 load, store, atomic and string instructions
// that can fault on protected guest memory.
package x64

// ================================================================================================
// Legacy prefixes
// ================================================================================================

const (
	X86_PREFIX_LOCK  = 0xF0 // LOCK
	X86_PREFIX_REPNE = 0xF2 // REPNE / REPNZ
	X86_PREFIX_REPE  = 0xF3 // REP / REPE / REPZ
	X86_PREFIX_OSO   = 0x66 // operand-size override
	X86_PREFIX_ASO   = 0x67 // address-size override
	X86_PREFIX_CS    = 0x2E
	X86_PREFIX_SS    = 0x36
	X86_PREFIX_DS    = 0x3E
	X86_PREFIX_ES    = 0x26
	X86_PREFIX_FS    = 0x64
	X86_PREFIX_GS    = 0x65
)

// REX Prefix Constants
const (
	X86_OP_REX = 0x40 // REX prefix base
	X86_REX_W  = 0x08 // REX.W - 64-bit operand size
	X86_REX_R  = 0x04 // REX.R - Extension of ModRM reg field
	X86_REX_X  = 0x02 // REX.X - Extension of SIB index field
	X86_REX_B  = 0x01 // REX.B - Extension of ModRM r/m, SIB base, or opcode reg field
)

// ModRM Mode Constants
const (
	X86_MOD_INDIRECT        = 0x00 // [reg] or [disp32]
	X86_MOD_INDIRECT_DISP8  = 0x01 // [reg + disp8]
	X86_MOD_INDIRECT_DISP32 = 0x02 // [reg + disp32]
	X86_MOD_REGISTER        = 0x03 // reg
	X86_MOD_REG_MASK        = 0x07 // Mask for register bits (3 bits)
	X86_RM_SIB              = 0x04 // r/m value selecting a SIB byte
	X86_RM_DISP32           = 0x05 // r/m (mod 00) selecting RIP+disp32; SIB base selecting disp32
)

// Primary Opcodes
const (
	X86_OP_AND_RM8_R8   = 0x20 // AND r/m8, r8
	X86_OP_AND_RM_R     = 0x21 // AND r/m, r
	X86_OP_XCHG_RM8_R8  = 0x86 // XCHG r/m8, r8
	X86_OP_XCHG_RM_R    = 0x87 // XCHG r/m, r
	X86_OP_MOV_RM8_R8   = 0x88 // MOV r/m8, r8
	X86_OP_MOV_RM_R     = 0x89 // MOV r/m, r
	X86_OP_MOV_R8_RM8   = 0x8A // MOV r8, r/m8
	X86_OP_MOV_R_RM     = 0x8B // MOV r, r/m
	X86_OP_MOVSB        = 0xA4 // MOVS m8, m8
	X86_OP_MOVS         = 0xA5 // MOVS m16/32/64
	X86_OP_STOSB        = 0xAA // STOS m8
	X86_OP_STOS         = 0xAB // STOS m16/32/64
	X86_OP_MOV_RM8_IMM8 = 0xC6 // MOV r/m8, imm8
	X86_OP_MOV_RM_IMM   = 0xC7 // MOV r/m, imm16/imm32
	X86_OP_TWO_BYTE     = 0x0F // two-byte opcode escape
)

// Two-byte Opcodes (0x0F prefix)
const (
	X86_OP2_MOVUPS_M_X  = 0x11 // MOVUPS/MOVUPD m128, xmm
	X86_OP2_MOVAPS_M_X  = 0x29 // MOVAPS/MOVAPD m128, xmm
	X86_OP2_MOVDQ_M_X   = 0x7F // MOVDQA (66) / MOVDQU (F3) m128, xmm
	X86_OP2_CMPXCHG8    = 0xB0 // CMPXCHG r/m8, r8
	X86_OP2_CMPXCHG     = 0xB1 // CMPXCHG r/m, r
	X86_MAX_INST_LENGTH = 15
)
