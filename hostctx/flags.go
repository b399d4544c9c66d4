package hostctx

import "math/bits"

// WidthMask returns the value mask for an access of size bytes.
func WidthMask(size int) uint64 {
	if size >= 8 {
		return ^uint64(0)
	}
	return uint64(1)<<(uint(size)*8) - 1
}

func signBit(size int) uint64 {
	return uint64(1) << (uint(size)*8 - 1)
}

func parityEven(b byte) bool {
	return bits.OnesCount8(b)&1 == 0
}

// SubFlags returns the status flags of CMP x, y (x - y) at the given width,
// following the architectural SUB definition.
func SubFlags(size int, x, y uint64) uint64 {
	mask, sign := WidthMask(size), signBit(size)
	x &= mask
	y &= mask
	r := (x - y) & mask

	var f uint64
	if x < y {
		f |= FlagCF
	}
	if r == 0 {
		f |= FlagZF
	}
	if r&sign != 0 {
		f |= FlagSF
	}
	if (x^y)&(x^r)&sign != 0 {
		f |= FlagOF
	}
	if parityEven(byte(r)) {
		f |= FlagPF
	}
	if (x^y^r)&0x10 != 0 {
		f |= FlagAF
	}
	return f
}

// LogicFlags returns the status flags of AND/OR/XOR producing r. CF and OF are
// cleared; AF is architecturally undefined and left clear.
func LogicFlags(size int, r uint64) uint64 {
	r &= WidthMask(size)
	var f uint64
	if r == 0 {
		f |= FlagZF
	}
	if r&signBit(size) != 0 {
		f |= FlagSF
	}
	if parityEven(byte(r)) {
		f |= FlagPF
	}
	return f
}

// SetStatusFlags replaces the six status flags in ctx, keeping the rest of RFLAGS.
func SetStatusFlags(ctx Context, status uint64) {
	ctx.SetFlags(ctx.Flags()&^StatusFlags | status&StatusFlags)
}
