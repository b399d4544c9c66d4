package arena

import "golang.org/x/exp/constraints"

// AlignDown rounds v down to a power-of-two alignment.
func AlignDown[T constraints.Unsigned](v, align T) T {
	return v &^ (align - 1)
}

// AlignUp rounds v up to a power-of-two alignment.
func AlignUp[T constraints.Unsigned](v, align T) T {
	return (v + align - 1) &^ (align - 1)
}

func IsAligned[T constraints.Unsigned](v, align T) bool {
	return v&(align-1) == 0
}

// PageSpan returns the number of bytes from addr to the end of its page.
func PageSpan[T constraints.Unsigned](addr, pageSize T) T {
	return AlignDown(addr, pageSize) + pageSize - addr
}
