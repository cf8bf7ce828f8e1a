package mem

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFreeListAllocatorAllocFree(t *testing.T) {
	a := NewFreeListAllocator(0)
	pa, ok := a.AllocFrame()
	require.True(t, ok)
	require.Equal(t, 1, a.Outstanding())

	pg := a.KernelAlias(pa)
	pg[0] = 0xAB
	a.FreeFrame(pa)
	require.Equal(t, 0, a.Outstanding())

	pa2, ok := a.AllocFrame()
	require.True(t, ok)
	require.Equal(t, pa, pa2, "reused frame should come from the free list")
	require.Equal(t, byte(0), a.KernelAlias(pa2)[0], "reused frames must come back zeroed")
}

func TestFreeListAllocatorLimit(t *testing.T) {
	a := NewFreeListAllocator(2)
	_, ok := a.AllocFrame()
	require.True(t, ok)
	_, ok = a.AllocFrame()
	require.True(t, ok)
	_, ok = a.AllocFrame()
	require.False(t, ok, "a starved allocator must report failure rather than overcommit")
	require.Equal(t, 2, a.Outstanding())
}

func TestFreeListAllocatorDoubleFreePanics(t *testing.T) {
	a := NewFreeListAllocator(0)
	pa, _ := a.AllocFrame()
	a.FreeFrame(pa)
	require.Panics(t, func() { a.FreeFrame(pa) })
}
