package main

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/colorfulnotion/guestfault/x64"
	"github.com/xlab/treeprint"
	"golang.org/x/arch/x86/x86asm"
)

// parseHex accepts "f0 0f b1 0b", "f00fb10b" or "0xf0,0x0f,...".
func parseHex(s string) ([]byte, error) {
	s = strings.NewReplacer("0x", "", "0X", "", ",", "", " ", "", "\t", "").Replace(s)
	code, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("bad instruction hex %q: %w", s, err)
	}
	if len(code) == 0 {
		return nil, fmt.Errorf("empty instruction")
	}
	return code, nil
}

type description struct {
	code   []byte
	inst   x64.Inst
	op     x64.Op
	ref    string
	refLen int
}

func describe(code []byte) description {
	inst := x64.DecodeInst(code)
	d := description{code: code, inst: inst, op: inst.Op, ref: "(bad)"}
	if ref, err := x86asm.Decode(code, 64); err == nil {
		d.ref = x86asm.IntelSyntax(ref, 0, nil)
		d.refLen = ref.Len
	}
	return d
}

// lengthMismatch reports a supported decode whose length disagrees with
// the reference disassembler.
func (d description) lengthMismatch() bool {
	return d.op.Supported() && d.refLen != 0 && d.refLen != d.op.Length
}

func paint(color bool, code int, s string) string {
	if !color {
		return s
	}
	return fmt.Sprintf("\033[1;%dm%s\033[0m", code, s)
}

func (d description) tree(color bool) treeprint.Tree {
	t := treeprint.New()
	t.SetValue(fmt.Sprintf("%s  %s", hex.EncodeToString(d.code), paint(color, 34, d.ref)))
	if !d.op.Supported() {
		t.AddNode(paint(color, 31, "unsupported: "+d.inst.Reason))
		return t
	}
	op := d.op
	t.AddNode(fmt.Sprintf("kind: %s", paint(color, 32, op.Kind.String())))
	t.AddNode(fmt.Sprintf("operand: %s (%s)", op.Operand, op.Operand.Class))
	t.AddNode(fmt.Sprintf("size: %d", op.Size))
	length := fmt.Sprintf("length: %d", op.Length)
	if d.lengthMismatch() {
		length += paint(color, 31, fmt.Sprintf(" (reference %d)", d.refLen))
	}
	t.AddNode(length)
	if op.Lock || op.Repeat || op.Aligned {
		var attrs []string
		for _, a := range []struct {
			on   bool
			name string
		}{{op.Lock, "lock"}, {op.Repeat, "rep"}, {op.Aligned, "aligned"}} {
			if a.on {
				attrs = append(attrs, a.name)
			}
		}
		t.AddNode("attrs: " + strings.Join(attrs, ","))
	}
	if imm, ok := op.Immediate(d.code); ok {
		t.AddNode(fmt.Sprintf("immediate: %#x", imm))
	}

	enc := t.AddBranch("encoding")
	if len(d.inst.Prefixes) > 0 {
		enc.AddNode("prefixes: " + hex.EncodeToString(d.inst.Prefixes))
	}
	if d.inst.REX != 0 {
		enc.AddNode(fmt.Sprintf("rex: %#02x", d.inst.REX))
	}
	enc.AddNode("opcode: " + hex.EncodeToString(d.inst.Opcode))
	if d.inst.ModRM >= 0 {
		enc.AddNode(fmt.Sprintf("modrm: %02x", d.inst.ModRM))
	}
	if d.inst.SIB >= 0 {
		enc.AddNode(fmt.Sprintf("sib: %02x", d.inst.SIB))
	}
	if d.inst.DispLen > 0 {
		enc.AddNode(fmt.Sprintf("disp: %d bytes", d.inst.DispLen))
	}
	if d.inst.ImmLen > 0 {
		enc.AddNode(fmt.Sprintf("imm: %d bytes", d.inst.ImmLen))
	}
	return t
}
