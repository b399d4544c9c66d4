package hostctx

import (
	"testing"

	"github.com/colorfulnotion/guestfault/emuerrors"
	"github.com/colorfulnotion/guestfault/x64"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteOperandWidths(t *testing.T) {
	const before = uint64(0x1122334455667788)
	cases := []struct {
		name    string
		operand x64.Operand
		size    int
		value   uint64
		reg     x64.Reg
		after   uint64
	}{
		{"qword", x64.Operand{Class: x64.GPR, Reg: x64.RBX}, 8, 0xCAFEBABEDEADBEEF, x64.RBX, 0xCAFEBABEDEADBEEF},
		{"dword zero-extends", x64.Operand{Class: x64.GPR, Reg: x64.RBX}, 4, 0xFFFFFFFF_AABBCCDD, x64.RBX, 0x00000000AABBCCDD},
		{"word merges", x64.Operand{Class: x64.GPR, Reg: x64.R9}, 2, 0xABCD, x64.R9, 0x112233445566ABCD},
		{"low byte merges", x64.Operand{Class: x64.ByteLow, Reg: x64.RSI}, 1, 0x1EE, x64.RSI, 0x11223344556677EE},
		{"high byte", x64.Operand{Class: x64.ByteHigh, Reg: x64.RDX}, 1, 0x99, x64.RDX, 0x1122334455669988},
		{"gpr byte", x64.Operand{Class: x64.GPR, Reg: x64.R15}, 1, 0x42, x64.R15, 0x1122334455667742},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rf := &RegFile{}
			for i := range rf.Regs {
				rf.Regs[i] = before
			}
			require.NoError(t, WriteOperand(rf, tc.operand, tc.size, tc.value))
			for i := range rf.Regs {
				if x64.Reg(i) == tc.reg {
					assert.Equal(t, tc.after, rf.Regs[i], "target %s", tc.reg)
				} else {
					assert.Equal(t, before, rf.Regs[i], "untouched %s", x64.Reg(i))
				}
			}
		})
	}
}

func TestReadOperand(t *testing.T) {
	rf := &RegFile{}
	rf.Regs[x64.RAX] = 0x1122334455667788
	rf.Regs[x64.RBX] = 0xA0B0

	v, err := ReadOperand(rf, x64.Op{Kind: x64.Store, Size: 4, Operand: x64.Operand{Class: x64.GPR, Reg: x64.RAX}}, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x55667788), v)

	v, err = ReadOperand(rf, x64.Op{Kind: x64.Store, Size: 1, Operand: x64.Operand{Class: x64.ByteHigh, Reg: x64.RBX}}, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(0xA0), v)

	// mov qword [rax], -2
	code := []byte{0x48, 0xC7, 0x00, 0xFE, 0xFF, 0xFF, 0xFF}
	op := x64.Decode(code)
	require.True(t, op.Supported())
	v, err = ReadOperand(rf, op, code)
	require.NoError(t, err)
	assert.Equal(t, ^uint64(1), v)

	_, err = ReadOperand(rf, x64.Op{Kind: x64.Store, Size: 16, Operand: x64.Operand{Class: x64.Vector, Reg: x64.XMM1}}, nil)
	assert.ErrorIs(t, err, emuerrors.ErrOperandUnsupported)
}

func TestWriteOperandRejects(t *testing.T) {
	rf := &RegFile{}
	assert.ErrorIs(t, WriteOperand(rf, x64.Operand{Class: x64.Imm32}, 4, 1), emuerrors.ErrOperandUnsupported)
	assert.ErrorIs(t, WriteOperand(rf, x64.Operand{Class: x64.ByteLow, Reg: x64.RAX}, 2, 1), emuerrors.ErrOperandUnsupported)
	assert.ErrorIs(t, WriteOperand(rf, x64.Operand{Class: x64.GPR, Reg: x64.RAX}, 16, 1), emuerrors.ErrOperandUnsupported)
}

func TestVectorOperand(t *testing.T) {
	rf := &RegFile{}
	want := [16]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	require.NoError(t, rf.SetVector(x64.XMM9, want))
	got, err := ReadVectorOperand(rf, x64.Operand{Class: x64.Vector, Reg: x64.XMM9})
	require.NoError(t, err)
	assert.Equal(t, want, got)

	_, err = rf.Vector(x64.RAX)
	assert.Error(t, err)
}

func TestSnapshot(t *testing.T) {
	rf := &RegFile{Rip: 0x4000, Rflags: 0x202, Thread: 7, Text: make([]byte, 20)}
	rf.Regs[x64.R12] = 12
	rf.XMM[3][0] = 0xFF
	snap := Snapshot(rf)
	assert.Equal(t, rf.Regs, snap.Regs)
	assert.Equal(t, rf.XMM, snap.XMM)
	assert.Len(t, snap.Text, x64.X86_MAX_INST_LENGTH)
	assert.Equal(t, ThreadHandle(7), snap.HostThread())

	Advance(snap, 3)
	assert.Equal(t, uint64(0x4003), snap.RIP())
	assert.Equal(t, uint64(0x4000), rf.RIP())
}
