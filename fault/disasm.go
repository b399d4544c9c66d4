package fault

import (
	"golang.org/x/arch/x86/x86asm"
)

// disassemble is best effort: fatal reports carry it next to the raw bytes.
func disassemble(code []byte, pc uint64) string {
	if len(code) == 0 {
		return ""
	}
	inst, err := x86asm.Decode(code, 64)
	if err != nil {
		return "(bad)"
	}
	return x86asm.GNUSyntax(inst, pc, nil)
}
