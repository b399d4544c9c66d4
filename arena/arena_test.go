package arena

import (
	"sync"
	"testing"

	"github.com/colorfulnotion/guestfault/emuerrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestArena(t *testing.T) *Arena {
	t.Helper()
	a, err := New(Config{Size: 1 << 20})
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func TestConfigValidate(t *testing.T) {
	_, err := New(Config{Size: 0})
	assert.Error(t, err)
	_, err = New(Config{Size: 0x1800, PageSize: 0x1000})
	assert.Error(t, err)
	_, err = New(Config{Size: 0x2000, PageSize: 0x1800})
	assert.Error(t, err)
	_, err = New(Config{Size: GuestSpace + DefaultPageSize})
	assert.Error(t, err)
}

func TestViewsAlias(t *testing.T) {
	a := newTestArena(t)
	a.Privileged()[0x1234] = 0xAB
	assert.Equal(t, byte(0xAB), a.Protected()[0x1234])
	a.Protected()[0x4000] = 0xCD
	assert.Equal(t, byte(0xCD), a.Privileged()[0x4000])
	if a.Enforced() {
		assert.NotEqual(t, a.Base(), a.PrivilegedBase())
	}
}

func TestGuestAddr(t *testing.T) {
	a := newTestArena(t)
	g, ok := a.GuestAddr(a.Base() + 0x10)
	require.True(t, ok)
	assert.Equal(t, uint32(0x10), g)
	assert.Equal(t, a.Base()+0x10, a.HostAddr(0x10))

	_, ok = a.GuestAddr(a.Base() + uintptr(a.Size()))
	assert.False(t, ok)
	_, ok = a.GuestAddr(a.Base() - 1)
	assert.False(t, ok)
}

func TestProtectKeepsPrivilegedWritable(t *testing.T) {
	a := newTestArena(t)
	require.NoError(t, a.Protect(0x2010, 8, ProtRead))
	require.NoError(t, a.Store(0x2010, 8, 0x1122334455667788))
	v, err := a.Load(0x2010, 8)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1122334455667788), v)
	// reads through the protected view still work
	assert.Equal(t, byte(0x88), a.Protected()[0x2010])
	require.NoError(t, a.Protect(0x2010, 8, ProtReadWrite))
	assert.Error(t, a.Protect(uint32(a.Size()-8), 16, ProtRead))
}

func TestSizedAtomics(t *testing.T) {
	a := newTestArena(t)
	for _, size := range []int{1, 2, 4, 8} {
		addr := uint32(0x100 + 8*size)
		mask := widthMask(size)
		require.NoError(t, a.Store(addr, size, 0xF0E0D0C0B0A09080))

		old, err := a.Swap(addr, size, 0x0102030405060708)
		require.NoError(t, err)
		assert.Equal(t, 0xF0E0D0C0B0A09080&mask, old, "size %d", size)

		prev, ok, err := a.CompareAndSwap(addr, size, 0x99, 0x55)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, 0x0102030405060708&mask, prev)

		prev, ok, err = a.CompareAndSwap(addr, size, 0x0102030405060708, 0x0F0F)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, 0x0102030405060708&mask, prev)

		old, err = a.And(addr, size, 0x3C)
		require.NoError(t, err)
		assert.Equal(t, uint64(0x0F0F)&mask, old)
		v, err := a.Load(addr, size)
		require.NoError(t, err)
		assert.Equal(t, uint64(0x0C), v)
	}
}

func TestSubWordNeighboursUntouched(t *testing.T) {
	a := newTestArena(t)
	require.NoError(t, a.Store(0x800, 8, 0x1111111111111111))
	_, err := a.Swap(0x803, 1, 0xAA)
	require.NoError(t, err)
	_, _, err = a.CompareAndSwap(0x806, 2, 0x1111, 0xBBCC)
	require.NoError(t, err)
	v, err := a.Load(0x800, 8)
	require.NoError(t, err)
	assert.Equal(t, uint64(0xBBCC1111AA111111), v)
}

func TestMisaligned(t *testing.T) {
	a := newTestArena(t)
	require.NoError(t, a.Store(0x1001, 4, 0xDEADBEEF))
	v, err := a.Load(0x1001, 4)
	require.NoError(t, err)
	assert.Equal(t, uint64(0xDEADBEEF), v)

	_, err = a.Swap(0x1000, 3, 1)
	assert.ErrorIs(t, err, emuerrors.ErrReservationShapeUnsupported)
	_, err = a.Load(uint32(a.Size()-2), 4)
	assert.ErrorIs(t, err, emuerrors.ErrReservationShapeUnsupported)
}

func TestMisalignedAtomics(t *testing.T) {
	a := newTestArena(t)
	cases := []struct {
		name string
		addr uint32
		size int
	}{
		{"word inside qword", 0x1002, 4},
		{"half at qword tail", 0x1005, 2},
		{"word across qwords", 0x1006, 4},
		{"qword across qwords", 0x1003, 8},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			base := uint32(0x1000)
			for i := uint32(0); i < 16; i++ {
				a.Privileged()[base+i] = 0xEE
			}
			mask := uint64(1)<<(uint(tc.size)*8) - 1
			if tc.size == 8 {
				mask = ^uint64(0)
			}
			require.NoError(t, a.Store(tc.addr, tc.size, 0x0102030405060708&mask))

			old, err := a.Swap(tc.addr, tc.size, 0x1111111111111111)
			require.NoError(t, err)
			assert.Equal(t, 0x0102030405060708&mask, old)

			prev, ok, err := a.CompareAndSwap(tc.addr, tc.size, 0, 5)
			require.NoError(t, err)
			assert.False(t, ok)
			assert.Equal(t, 0x1111111111111111&mask, prev)
			_, ok, err = a.CompareAndSwap(tc.addr, tc.size, 0x1111111111111111, 0x2222222222222222)
			require.NoError(t, err)
			assert.True(t, ok)

			prev, err = a.And(tc.addr, tc.size, 0x0F0F0F0F0F0F0F0F)
			require.NoError(t, err)
			assert.Equal(t, 0x2222222222222222&mask, prev)
			v, err := a.Load(tc.addr, tc.size)
			require.NoError(t, err)
			assert.Equal(t, 0x0202020202020202&mask, v)

			// neighbours keep their bytes
			for i := base; i < base+16; i++ {
				if i < tc.addr || i >= tc.addr+uint32(tc.size) {
					assert.Equal(t, byte(0xEE), a.Privileged()[i], "byte %#x", i)
				}
			}
		})
	}
}

func TestConcurrentMisalignedAnd(t *testing.T) {
	a := newTestArena(t)
	// crosses the qword boundary at 0x48
	require.NoError(t, a.Store(0x45, 8, ^uint64(0)))
	var wg sync.WaitGroup
	for bit := 0; bit < 64; bit++ {
		wg.Add(1)
		go func(bit int) {
			defer wg.Done()
			_, err := a.And(0x45, 8, ^(uint64(1) << bit))
			assert.NoError(t, err)
		}(bit)
	}
	wg.Wait()
	v, err := a.Load(0x45, 8)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), v)
}

func TestAtomic128(t *testing.T) {
	a := newTestArena(t)
	want := Uint128{Lo: 0x0706050403020100, Hi: 0x0F0E0D0C0B0A0908}
	require.NoError(t, a.Store128(0x200, want))
	got, err := a.Load128(0x200)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	b := want.Bytes()
	assert.Equal(t, b[:], a.Privileged()[0x200:0x210])
	assert.Equal(t, want, Uint128FromBytes(b))

	prev, ok, err := a.CompareAndSwap128(0x200, Uint128{}, Uint128{Lo: 1})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, want, prev)

	_, ok, err = a.CompareAndSwap128(0x200, want, Uint128{Lo: 1, Hi: 2})
	require.NoError(t, err)
	assert.True(t, ok)

	// unaligned 16-byte store goes bytewise
	require.NoError(t, a.Store128(0x301, want))
	assert.Equal(t, b[:], a.Privileged()[0x301:0x311])
	_, err = a.Load128(0x301)
	assert.ErrorIs(t, err, emuerrors.ErrReservationShapeUnsupported)
}

func TestConcurrentAnd(t *testing.T) {
	a := newTestArena(t)
	require.NoError(t, a.Store(0x40, 8, ^uint64(0)))
	var wg sync.WaitGroup
	for bit := 0; bit < 64; bit++ {
		wg.Add(1)
		go func(bit int) {
			defer wg.Done()
			_, err := a.And(0x40, 8, ^(uint64(1) << bit))
			assert.NoError(t, err)
		}(bit)
	}
	wg.Wait()
	v, err := a.Load(0x40, 8)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), v)
}

func TestAlign(t *testing.T) {
	assert.Equal(t, uint64(0x1000), AlignDown(uint64(0x1FFF), 0x1000))
	assert.Equal(t, uint32(0x2000), AlignUp(uint32(0x1001), 0x1000))
	assert.True(t, IsAligned(uint16(0x40), 0x10))
	assert.Equal(t, uint32(0x10), PageSpan(uint32(0x1FF0), 0x1000))
	assert.Equal(t, uint32(0x1000), PageSpan(uint32(0x3000), 0x1000))
}

func TestCopyPrivileged(t *testing.T) {
	a := newTestArena(t)
	copy(a.Privileged()[0x10:], []byte{1, 2, 3, 4})
	require.NoError(t, a.CopyPrivileged(0x12, 0x10, 4))
	// overlapping forward copy replicates like MOVSB
	assert.Equal(t, []byte{1, 2, 1, 2, 1, 2}, a.Privileged()[0x10:0x16])
	assert.ErrorIs(t, a.CopyPrivileged(uint32(a.Size()-1), 0, 2), emuerrors.ErrHostPointer)
}
