package vm

import (
	"testing"

	"github.com/stretchr/testify/require"

	"vmspace/defs"
	"vmspace/mem"
	"vmspace/pagetable"
)

func newTestVSpace(t *testing.T) (*VSpace, mem.FrameAllocator) {
	t.Helper()
	alloc := mem.NewFreeListAllocator(0)
	pagetable.InitKernelHalf(alloc, mem.KERNEL_BASE, mem.PGSIZE)
	vs, ok := Init(alloc)
	require.True(t, ok)
	return vs, alloc
}

// TestInitBootstrap is scenario S1: a 200-byte init blob produces CODE
// at [0x10000, 0x10000+6*PAGE_SIZE), all present+writable, USTACK at
// [SZ_2G-PAGE_SIZE, SZ_2G), and the hardware table reflects the stack.
func TestInitBootstrap(t *testing.T) {
	vs, alloc := newTestVSpace(t)
	blob := make([]byte, 200)
	for i := range blob {
		blob[i] = byte(i)
	}

	err := InitCode(vs, blob)
	require.Zero(t, err)

	code := &vs.Regions[CODE]
	require.Equal(t, codeBase, code.VaBase)
	require.Equal(t, 6*mem.PGSIZE, code.Size)

	for a := code.Bottom(); a < code.Top(); a += uintptr(mem.PGSIZE) {
		vpi, ok := code.Lookup(a)
		require.True(t, ok)
		require.True(t, vpi.Used)
		require.True(t, vpi.Present)
		require.True(t, vpi.Writable)
	}

	stack := &vs.Regions[USTACK]
	require.Equal(t, mem.SZ_2G-uintptr(mem.PGSIZE), stack.Bottom())
	require.Equal(t, mem.SZ_2G, stack.Top())

	pte, ok := pagetable.Walk(alloc, vs.Root, mem.SZ_2G-8, false)
	require.True(t, ok)
	require.NotNil(t, pte)
	require.NotZero(t, *pte&mem.PTE_P)
	require.NotZero(t, *pte&mem.PTE_W)
}

// TestWriteToStackBoundary is scenario S4: a write that straddles a
// page boundary succeeds only when both pages are mapped.
func TestWriteToStackBoundary(t *testing.T) {
	vs, _ := newTestVSpace(t)
	require.Zero(t, InitCode(vs, make([]byte, 8)))

	data := []byte{1, 2, 3, 4}
	err := WriteTo(vs, mem.SZ_2G-0x1001, data)
	require.Equal(t, defs.ErrNotMapped, err, "the one-page stack from S1 does not cover the page below it")
}

func TestWriteToWithinOnePage(t *testing.T) {
	vs, _ := newTestVSpace(t)
	require.Zero(t, InitCode(vs, make([]byte, 8)))

	va := mem.SZ_2G - 8
	require.Zero(t, WriteTo(vs, va, []byte{0xAB}))

	stack := &vs.Regions[USTACK]
	vpi, ok := stack.Lookup(va)
	require.True(t, ok)
	pg := stack.alloc.KernelAlias(vpi.Ppn)
	require.Equal(t, byte(0xAB), pg[mem.PGSIZE-8])
}

func TestWriteToRejectsReadOnly(t *testing.T) {
	vs, _ := newTestVSpace(t)
	vs.Regions[CODE] = VRegion{VaBase: 0x400000, Size: mem.PGSIZE, Dir: Up, alloc: vs.alloc}
	_, err := vs.Regions[CODE].AddMapping(0x400000, mem.PGSIZE, true, false)
	require.Zero(t, err)

	err = WriteTo(vs, 0x400000, []byte{1})
	require.Equal(t, defs.ErrNotWritable, err)
}

// TestMarkNotPresent is scenario S5: flipping Present to false and
// calling MarkNotPresent zeroes the hardware PTE; a subsequent Update
// leaves it absent.
func TestMarkNotPresent(t *testing.T) {
	vs, alloc := newTestVSpace(t)
	require.Zero(t, InitStack(vs, mem.SZ_2G))
	require.Zero(t, Update(vs))

	va := mem.SZ_2G - uintptr(mem.PGSIZE)
	stack := &vs.Regions[USTACK]
	vpi, ok := stack.Lookup(va)
	require.True(t, ok)
	vpi.Present = false

	MarkNotPresent(vs, va)

	pte, ok := pagetable.Walk(alloc, vs.Root, va, false)
	require.True(t, ok)
	require.NotNil(t, pte)
	require.Zero(t, *pte)

	require.Zero(t, Update(vs))
	pte, ok = pagetable.Walk(alloc, vs.Root, va, false)
	require.True(t, ok)
	if pte != nil {
		require.Zero(t, *pte&mem.PTE_P, "present stays false across re-sync")
	}
}

func TestMarkNotPresentPanicsWhenStillPresent(t *testing.T) {
	vs, _ := newTestVSpace(t)
	require.Zero(t, InitStack(vs, mem.SZ_2G))

	va := mem.SZ_2G - uintptr(mem.PGSIZE)
	require.Panics(t, func() { MarkNotPresent(vs, va) })
}

func TestVSpaceContainsTriState(t *testing.T) {
	vs, _ := newTestVSpace(t)
	require.Zero(t, InitCode(vs, make([]byte, 8)))

	require.Equal(t, 0, vs.Contains(codeBase, mem.PGSIZE))
	require.Equal(t, -1, vs.Contains(0, mem.PGSIZE))
	require.Equal(t, 1, vs.Contains(codeBase, 100*mem.PGSIZE))
}

// TestVSpaceContainsGapIsNotFound guards against Contains collapsing a
// gap between two regions into "crosses a boundary" (1) instead of "no
// region matches" (-1): an address strictly between CODE's top and
// HEAP's base belongs to neither region.
func TestVSpaceContainsGapIsNotFound(t *testing.T) {
	vs, _ := newTestVSpace(t)
	require.Zero(t, InitCode(vs, make([]byte, 8)))

	code := &vs.Regions[CODE]
	heap := &vs.Regions[HEAP]
	require.Less(t, code.Top(), heap.Bottom(), "InitCode must leave a guard gap between CODE and HEAP")

	gap := code.Top()
	require.Equal(t, -1, vs.Contains(gap, 1))

	// A gap far past every region (HEAP->USTACK) must also report -1,
	// not fall through to 1.
	stack := &vs.Regions[USTACK]
	require.Equal(t, -1, vs.Contains(heap.Bottom()+1000*uintptr(mem.PGSIZE), 1))
	require.Less(t, heap.Bottom(), stack.Bottom())
}

func TestUpdateIdempotent(t *testing.T) {
	vs, alloc := newTestVSpace(t)
	require.Zero(t, InitCode(vs, make([]byte, 8)))

	require.Zero(t, Update(vs))
	pte1, _ := pagetable.Walk(alloc, vs.Root, codeBase, false)
	v1 := *pte1

	require.Zero(t, Update(vs))
	pte2, _ := pagetable.Walk(alloc, vs.Root, codeBase, false)
	require.Equal(t, v1, *pte2)
}

func TestFreeReturnsAllFrames(t *testing.T) {
	alloc := mem.NewFreeListAllocator(0)
	pagetable.InitKernelHalf(alloc, mem.KERNEL_BASE, mem.PGSIZE)
	// The kernel-half scaffold frames are a one-time, never-freed setup
	// shared by every VSpace's root (mirroring the real kernel's boot-time
	// template); only frames allocated after this point belong to vs.
	scaffold := alloc.Outstanding()

	vs, ok := Init(alloc)
	require.True(t, ok)
	require.Zero(t, InitCode(vs, make([]byte, 8)))
	require.Greater(t, alloc.Outstanding(), scaffold)

	Free(vs)
	require.Equal(t, scaffold, alloc.Outstanding())
}

// TestFreeZeroesRegionDescriptors is spec.md §4.3's explicit "zero
// region descriptors" step: after Free, every region must report a
// zero VaBase/Size and carry no dangling reference to the frames Free
// already released.
func TestFreeZeroesRegionDescriptors(t *testing.T) {
	vs, _ := newTestVSpace(t)
	require.Zero(t, InitCode(vs, make([]byte, 8)))

	Free(vs)

	for i := range vs.Regions {
		r := &vs.Regions[i]
		require.Zero(t, r.VaBase)
		require.Zero(t, r.Size)
		require.Zero(t, r.headPA)
		require.Nil(t, r.alloc)
	}
}
