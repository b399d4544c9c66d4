package main

import (
	"testing"

	"github.com/colorfulnotion/guestfault/x64"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseHex(t *testing.T) {
	for _, in := range []string{"f00fb10b", "f0 0f b1 0b", "0xf0,0x0f,0xb1,0x0b"} {
		code, err := parseHex(in)
		require.NoError(t, err, in)
		assert.Equal(t, []byte{0xF0, 0x0F, 0xB1, 0x0B}, code)
	}
	_, err := parseHex("f0z")
	assert.Error(t, err)
	_, err = parseHex("")
	assert.Error(t, err)
}

func TestDescribe(t *testing.T) {
	d := describe([]byte{0xF0, 0x0F, 0xB1, 0x0B})
	require.True(t, d.op.Supported())
	assert.Equal(t, x64.CompareExchange, d.op.Kind)
	assert.False(t, d.lengthMismatch())
	assert.Equal(t, 4, d.refLen)

	out := d.tree(false).String()
	assert.Contains(t, out, "f00fb10b")
	assert.Contains(t, out, "kind: cmpxchg")
	assert.Contains(t, out, "attrs: lock")
	assert.Contains(t, out, "opcode: 0fb1")
	assert.Contains(t, out, "modrm: 0b")
	assert.NotContains(t, out, "\033[")

	out = describe([]byte{0xC7, 0x43, 0x08, 0x44, 0x33, 0x22, 0x11}).tree(false).String()
	assert.Contains(t, out, "immediate: 0x11223344")
	assert.Contains(t, out, "disp: 1 bytes")

	d = describe([]byte{0x0F, 0x0B})
	assert.False(t, d.op.Supported())
	assert.Contains(t, d.tree(false).String(), "unsupported")
}
