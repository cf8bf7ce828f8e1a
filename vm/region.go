// Package vm implements the per-process user address space manager:
// VPageInfo/VPiPage descriptor storage, VRegion, VSpace, hardware sync,
// ELF loading, fork-copy, and teardown. The logical region model is
// authoritative; the hardware page table is rebuilt wholesale from it
// by Update, never diffed incrementally — grounded directly on the
// teacher's own Vm_t/Vmregion_t split (biscuit/src/vm/as.go) between a
// portable region description and the pmap it drives.
package vm

import (
	"unsafe"

	"vmspace/defs"
	"vmspace/mem"
	"vmspace/util"
)

/// VPageInfo describes one user virtual page: whether it is backed by
/// a frame at all, whether the MMU should see it, whether it is
/// writable, and which frame backs it. The user bit is implied
/// always-set for every page belonging to a region; it is not stored
/// here.
type VPageInfo struct {
	Used     bool
	Present  bool
	Writable bool
	Ppn      mem.Pa_t
}

const vpiSize = unsafe.Sizeof(VPageInfo{})
const paSize = unsafe.Sizeof(mem.Pa_t(0))

/// SlotsPerNode is PAGE_SIZE/sizeof(VPageInfo) less the room needed for
/// the node's own forward link, so a VPiPage's backing frame holds the
/// slot array and the link without overflowing one page.
const SlotsPerNode = (mem.PGSIZE - int(paSize)) / int(vpiSize)

/// VPiPage is a page-aligned descriptor node: a fixed array of
/// VPageInfo plus a forward link to the next node, chained as a
/// singly-linked list that is grown but never shrunk during a region's
/// lifetime (spec.md §4.1).
type VPiPage struct {
	Slots [SlotsPerNode]VPageInfo
	Next  mem.Pa_t
}

func piPageAt(alloc mem.FrameAllocator, pa mem.Pa_t) *VPiPage {
	return (*VPiPage)(unsafe.Pointer(alloc.KernelAlias(pa)))
}

/// Direction is the orientation of a VRegion: UP grows from va_base
/// upward, DOWN grows from va_base downward (used by the stack).
type Direction int

const (
	Up Direction = iota
	Down
)

/// VRegion is a contiguous, directional range of virtual pages with
/// uniform permissions semantics. It owns its VPiPage chain and,
/// transitively, the physical frames that chain's used slots
/// reference.
type VRegion struct {
	VaBase uintptr
	Size   int
	Dir    Direction

	headPA mem.Pa_t
	alloc  mem.FrameAllocator
}

/// Bottom returns the inclusive lower bound of the region regardless
/// of direction.
func (r *VRegion) Bottom() uintptr {
	if r.Dir == Up {
		return r.VaBase
	}
	return r.VaBase - uintptr(r.Size)
}

/// Top returns the exclusive upper bound of the region regardless of
/// direction.
func (r *VRegion) Top() uintptr {
	if r.Dir == Up {
		return r.VaBase + uintptr(r.Size)
	}
	return r.VaBase
}

// index computes the linear slot index of va within the region,
// returning -1 if va falls outside the direction's addressing
// convention (spec.md §3's UP/DOWN formulas). int64 arithmetic avoids
// the unsigned wraparound that a direct uintptr subtraction would
// produce for an out-of-range va.
func (r *VRegion) index(va uintptr) int {
	var d int64
	if r.Dir == Up {
		d = int64(va) - int64(r.VaBase)
	} else {
		d = int64(r.VaBase) - 1 - int64(va)
	}
	if d < 0 {
		return -1
	}
	return int(d >> mem.PGSHIFT)
}

/// Lookup returns a stable pointer to the VPageInfo for va, lazily
/// allocating descriptor nodes as needed (spec.md §4.1). It fails if
/// the frame allocator cannot provide a node, or if va lies on the wrong
/// side of VaBase for the region's direction (index returns -1).
func (r *VRegion) Lookup(va uintptr) (*VPageInfo, bool) {
	idx := r.index(va)
	if idx < 0 {
		return nil, false
	}
	if r.headPA == 0 {
		pa, ok := r.alloc.AllocFrame()
		if !ok {
			return nil, false
		}
		r.headPA = pa
	}
	cur := r.headPA
	nodeIdx := idx / SlotsPerNode
	slot := idx % SlotsPerNode
	for i := 0; i < nodeIdx; i++ {
		node := piPageAt(r.alloc, cur)
		if node.Next == 0 {
			pa, ok := r.alloc.AllocFrame()
			if !ok {
				return nil, false
			}
			node.Next = pa
		}
		cur = node.Next
	}
	node := piPageAt(r.alloc, cur)
	return &node.Slots[slot], true
}

/// AddMapping is the central allocator (spec.md §4.2). It rejects any
/// range touching KERNEL_BASE, is a silent no-op for size<=0, and
/// fatally panics (RemapAttempted) if any page in the range is already
/// used — checked in a pre-pass so the call never partially mutates
/// before detecting the conflict (testable property 7). On allocator
/// exhaustion it unwinds every page it touched during this call, so
/// none of the call's data frames stay outstanding (property 8); any
/// VPiPage descriptor nodes the pre-pass lookups allocated stay in the
/// region's chain.
func (r *VRegion) AddMapping(fromVA uintptr, size int, present, writable bool) (int, defs.Err_t) {
	if size <= 0 {
		return size, 0
	}
	if uint64(fromVA)+uint64(size) >= uint64(mem.KERNEL_BASE) {
		return 0, defs.E2BIG
	}
	start := util.Roundup(fromVA, uintptr(mem.PGSIZE))
	end := fromVA + uintptr(size)

	for a := start; a < end; a += uintptr(mem.PGSIZE) {
		vpi, ok := r.Lookup(a)
		if !ok {
			return 0, defs.ENOHEAP
		}
		if vpi.Used {
			panic("vm: remap attempted")
		}
	}

	var touched []uintptr
	for a := start; a < end; a += uintptr(mem.PGSIZE) {
		vpi, _ := r.Lookup(a)
		pa, ok := r.alloc.AllocFrame()
		if !ok {
			r.unwind(touched)
			return 0, defs.ENOMEM
		}
		vpi.Used = true
		vpi.Present = present
		vpi.Writable = writable
		vpi.Ppn = pa
		touched = append(touched, a)
	}
	return size, 0
}

func (r *VRegion) unwind(touched []uintptr) {
	for i := len(touched) - 1; i >= 0; i-- {
		vpi, _ := r.Lookup(touched[i])
		r.alloc.FreeFrame(vpi.Ppn)
		*vpi = VPageInfo{}
	}
}

/// AddData calls AddMapping over len(data) bytes starting at va, then
/// copies data into the freshly allocated frames via their kernel
/// aliases (spec.md §4.2). va must be page-aligned.
func (r *VRegion) AddData(va uintptr, data []byte, present, writable bool) defs.Err_t {
	if _, err := r.AddMapping(va, len(data), present, writable); err != 0 {
		return err
	}
	a := va
	remaining := data
	for len(remaining) > 0 {
		vpi, _ := r.Lookup(a)
		pg := r.alloc.KernelAlias(vpi.Ppn)
		off := a & mem.PGOFFSET
		n := util.Min(uintptr(mem.PGSIZE)-off, uintptr(len(remaining)))
		copy(pg[off:], remaining[:n])
		remaining = remaining[n:]
		a += n
	}
	return 0
}

/// inodeReader is the subset of fsinode.Inode that load_from_inode
/// needs; declared here instead of importing fsinode to keep the
/// dependency direction the same as the teacher's (vm depends on small
/// interfaces, not concrete collaborator packages).
type inodeReader interface {
	ReadAt(p []byte, off int64) (int, error)
}

/// LoadFromInode reads n bytes from off in inode directly into the
/// kernel aliases of va's already-used backing frames (spec.md §4.2).
/// va must be page-aligned and already mapped; any short read fails
/// the operation with ElfRejected.
func (r *VRegion) LoadFromInode(va uintptr, inode inodeReader, off int64, n int) defs.Err_t {
	a := va
	remaining := n
	foff := off
	for remaining > 0 {
		vpi, ok := r.Lookup(a)
		if !ok || !vpi.Used {
			panic("vm: load_from_inode: precondition violated")
		}
		pg := r.alloc.KernelAlias(vpi.Ppn)
		chunk := util.Min(mem.PGSIZE, remaining)
		got, err := inode.ReadAt(pg[:chunk], foff)
		if err != nil || got < chunk {
			return defs.ErrElfRejected
		}
		remaining -= chunk
		a += uintptr(mem.PGSIZE)
		foff += int64(chunk)
	}
	return 0
}

/// Contains reports whether [va, va+size) lies entirely within the
/// region (spec.md §4.2); with size==0, va==Top() is excluded.
func (r *VRegion) Contains(va uintptr, size int) bool {
	if size == 0 {
		return va >= r.Bottom() && va < r.Top()
	}
	return r.Bottom() <= va && va+uintptr(size) <= r.Top()
}
