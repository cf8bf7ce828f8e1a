// Package pagetable implements the hardware page-table helper external
// collaborators named in spec.md §6 (walk, map_page, free_user_subtree,
// free_table, new_kernel_table); load_root is cpu.CR3.LoadRoot, not part
// of this package. It is grounded on the
// teacher's mem/dmap.go: the same PTE_P/PTE_W/PTE_U flag layout, the
// same notion of a frozen, shared set of kernel entries (Kents), and
// the same page-aligned, frame-allocator-backed table nodes — but
// walks the four levels explicitly instead of through the x86
// recursive-mapping trick dmap.go uses, since nothing here runs
// against a real MMU to exploit it against.
package pagetable

import (
	"unsafe"

	"vmspace/mem"
)

const entries = 512

// table is one level of the 4-level paging structure: 512 entries,
// page-table-sized, exactly like the teacher's Pmap_t.
type table [entries]mem.Pa_t

// KernelPML4Start is the first PML4 index reserved for the kernel. It
// falls out of mem.KERNEL_BASE being exactly a PML4-aligned power of
// two: indices [0, KernelPML4Start) are user space, the rest belong to
// the kernel half shared by every VSpace's root table.
const KernelPML4Start = int((mem.KERNEL_BASE >> 39) & 0x1ff)

func shift(level int) uint {
	return 12 + 9*uint(level-1)
}

func index(va uintptr, level int) int {
	return int((va >> shift(level)) & 0x1ff)
}

func tableAt(alloc mem.FrameAllocator, pa mem.Pa_t) *table {
	return (*table)(unsafe.Pointer(alloc.KernelAlias(pa)))
}

/// Walk resolves the page-table entry for va, creating intermediate
/// PDPT/PD/PT nodes on demand when create is true. It returns (nil,
/// true) when the entry does not exist and create is false, and
/// (nil, false) only when an intermediate allocation failed (OutOfFrames).
func Walk(alloc mem.FrameAllocator, root mem.Pa_t, va uintptr, create bool) (*mem.Pa_t, bool) {
	cur := root
	for level := 4; level > 1; level-- {
		t := tableAt(alloc, cur)
		idx := index(va, level)
		e := t[idx]
		if e&mem.PTE_P == 0 {
			if !create {
				return nil, true
			}
			npa, ok := alloc.AllocFrame()
			if !ok {
				return nil, false
			}
			t[idx] = npa | mem.PTE_P | mem.PTE_W | mem.PTE_U
			cur = npa
		} else {
			cur = e & mem.PTE_ADDR
		}
	}
	t := tableAt(alloc, cur)
	return &t[index(va, 1)], true
}

/// MapPages installs n consecutive page mappings starting at va,
/// backed by physically contiguous frames starting at ppn, with the
/// given flags. It matches spec.md §6's map_page(root, va_page, n,
/// ppn, flags, replace). replace=false and an already-present entry is
/// a programming bug (RemapAttempted, spec.md §7) — the vm package is
/// responsible for never calling with replace=false over a used range;
/// this layer only asserts it.
func MapPages(alloc mem.FrameAllocator, root mem.Pa_t, va uintptr, n int, ppn mem.Pa_t, flags mem.Pa_t, replace bool) bool {
	for i := 0; i < n; i++ {
		pte, ok := Walk(alloc, root, va+uintptr(i*mem.PGSIZE), true)
		if !ok {
			return false
		}
		if *pte&mem.PTE_P != 0 && !replace {
			panic("pagetable: remap attempted")
		}
		*pte = (ppn + mem.Pa_t(i*mem.PGSIZE)) | flags
	}
	return true
}

/// FreeUserSubtree recursively frees the paging-structure nodes rooted
/// at a PDPT entry — PT and PD frames — without touching the data
/// frames the PT leaves point at; those are owned by VPageInfo slots
/// and freed independently.
func FreeUserSubtree(alloc mem.FrameAllocator, pdpt mem.Pa_t) {
	pdptTable := tableAt(alloc, pdpt)
	for _, pde := range pdptTable {
		if pde&mem.PTE_P == 0 {
			continue
		}
		pdPa := pde & mem.PTE_ADDR
		pdTable := tableAt(alloc, pdPa)
		for _, pte := range pdTable {
			if pte&mem.PTE_P == 0 {
				continue
			}
			alloc.FreeFrame(pte & mem.PTE_ADDR)
		}
		alloc.FreeFrame(pdPa)
	}
	alloc.FreeFrame(pdpt)
}

/// ResetUser frees and zeroes every user-half PML4 entry of root. This
/// is step 1 of sync/update (spec.md §4.4): the hardware table's user
/// portion is always rebuilt from scratch, never diffed.
func ResetUser(alloc mem.FrameAllocator, root mem.Pa_t) {
	t := tableAt(alloc, root)
	for i := 0; i < KernelPML4Start; i++ {
		if t[i]&mem.PTE_P != 0 {
			FreeUserSubtree(alloc, t[i]&mem.PTE_ADDR)
			t[i] = 0
		}
	}
}

/// FreeTable tears down the user portion of root and frees root's own
/// frame, leaving any kernel half (shared by pointer with every other
/// VSpace) untouched.
func FreeTable(alloc mem.FrameAllocator, root mem.Pa_t) {
	ResetUser(alloc, root)
	alloc.FreeFrame(root)
}

var (
	kernelHalf      [entries]mem.Pa_t
	kernelHalfReady bool
)

/// InitKernelHalf builds the kernel-only root table used by
/// install_kernel, and records its PML4 entries as the template every
/// subsequent NewKernelTable copies by value (the same child PDPT
/// frames are shared by every VSpace's root, mirroring the teacher's
/// dmap.go freezing Kents once at boot). It maps kernelBytes of
/// present+writable, non-user pages starting at kernelBase.
func InitKernelHalf(alloc mem.FrameAllocator, kernelBase uintptr, kernelBytes int) mem.Pa_t {
	root, ok := alloc.AllocFrame()
	if !ok {
		panic("pagetable: out of frames initializing the kernel half")
	}
	for off := 0; off < kernelBytes; off += mem.PGSIZE {
		fpa, ok := alloc.AllocFrame()
		if !ok {
			panic("pagetable: out of frames initializing the kernel half")
		}
		if !MapPages(alloc, root, kernelBase+uintptr(off), 1, fpa, mem.PTE_P|mem.PTE_W, false) {
			panic("pagetable: out of frames initializing the kernel half")
		}
	}
	t := tableAt(alloc, root)
	copy(kernelHalf[KernelPML4Start:], t[KernelPML4Start:])
	kernelHalfReady = true
	return root
}

/// SetupKernelMapping copies the shared kernel half into root,
/// matching spec.md §6's setup_kernel_mapping(root).
func SetupKernelMapping(alloc mem.FrameAllocator, root mem.Pa_t) {
	if !kernelHalfReady {
		panic("pagetable: kernel half not initialized")
	}
	t := tableAt(alloc, root)
	copy(t[KernelPML4Start:], kernelHalf[KernelPML4Start:])
}

/// NewKernelTable allocates a fresh root table preloaded with the
/// kernel mapping, per spec.md §4.3's init: "build a new hardware page
/// table preloaded with the kernel mapping".
func NewKernelTable(alloc mem.FrameAllocator) (mem.Pa_t, bool) {
	root, ok := alloc.AllocFrame()
	if !ok {
		return 0, false
	}
	SetupKernelMapping(alloc, root)
	return root, true
}
