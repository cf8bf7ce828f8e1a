package vm

import (
	"sync"

	"vmspace/defs"
	"vmspace/mem"
	"vmspace/pagetable"
	"vmspace/util"
)

// Region indices into VSpace.Regions, in the fixed order spec.md §3
// defines them.
const (
	CODE = iota
	HEAP
	USTACK
	numRegions
)

/// ScratchPages is the number of guard/scratch pages InitCode reserves
/// past the end of the loaded image (spec.md §4.3 scenario S1).
const ScratchPages = 5

/// VSpace is one process's virtual address space: the three fixed
/// regions plus the hardware root table that Update rebuilds from
/// them. A VSpace carries its own mutex the way the teacher's Vm_t
/// does, even though the core operations below are always called with
/// the owning process already serialized; it protects Root/Regions
/// against a concurrent Free or Copy.
type VSpace struct {
	mu      sync.Mutex
	Regions [numRegions]VRegion
	Root    mem.Pa_t
	alloc   mem.FrameAllocator
}

/// Init allocates a fresh hardware root table preloaded with the
/// kernel mapping and returns an otherwise-empty VSpace (spec.md §4.3).
func Init(alloc mem.FrameAllocator) (*VSpace, bool) {
	root, ok := pagetable.NewKernelTable(alloc)
	if !ok {
		return nil, false
	}
	return &VSpace{Root: root, alloc: alloc}, true
}

func (vs *VSpace) regionFor(va uintptr) (*VRegion, bool) {
	for i := range vs.Regions {
		r := &vs.Regions[i]
		if r.alloc == nil {
			continue
		}
		if r.Contains(va, 0) {
			return r, true
		}
	}
	return nil, false
}

/// Contains reports where va+size falls relative to vs's regions: -1
/// if va itself is not inside any region (including every gap between
/// regions, not just the span below the lowest one), 0 if [va,va+size)
/// is fully contained in the region va falls in, 1 if it crosses that
/// region's boundary (spec.md §4.3's tri-state contains). It locates
/// va's region the same way regionFor does before testing size, so a
/// gap address (e.g. between CODE and HEAP) never falls through to 1.
func (vs *VSpace) Contains(va uintptr, size int) int {
	r, ok := vs.regionFor(va)
	if !ok {
		return -1
	}
	if r.Contains(va, size) {
		return 0
	}
	return 1
}

/// InitCode lays out the CODE region for the very first process only
/// (spec.md §4.3 scenario S1): CODE starts at a fixed user base, holds
/// initBytes loaded present+writable, followed by ScratchPages
/// present+writable guard pages used by the kernel's memory map for
/// stack descriptor storage (spec.md §9); USTACK gets one page below
/// SZ_2G. Ends with a sync so the hardware table reflects the new
/// space immediately.
const codeBase = uintptr(0x10000)

func InitCode(vs *VSpace, initBytes []byte) defs.Err_t {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	dataSize := int(util.Roundup(uintptr(len(initBytes)), uintptr(mem.PGSIZE)))
	size := dataSize + ScratchPages*mem.PGSIZE
	vs.Regions[CODE] = VRegion{VaBase: codeBase, Size: size, Dir: Up, alloc: vs.alloc}

	if err := vs.Regions[CODE].AddData(codeBase, initBytes, true, true); err != 0 {
		return err
	}
	if _, err := vs.Regions[CODE].AddMapping(codeBase+uintptr(dataSize), ScratchPages*mem.PGSIZE, true, true); err != 0 {
		return err
	}

	stackTop := mem.SZ_2G
	vs.Regions[USTACK] = VRegion{VaBase: stackTop, Size: mem.PGSIZE, Dir: Down, alloc: vs.alloc}

	heapBase := util.Roundup(codeBase+uintptr(size), uintptr(mem.PGSIZE)) + uintptr(mem.PGSIZE)
	vs.Regions[HEAP] = VRegion{VaBase: heapBase, Size: 0, Dir: Up, alloc: vs.alloc}

	if _, err := vs.Regions[USTACK].AddMapping(vs.Regions[USTACK].Bottom(), mem.PGSIZE, true, true); err != 0 {
		return err
	}
	return updateLocked(vs)
}

/// InitStack maps a single present, writable page at the bottom of
/// USTACK. InitCode already does this for the default top-of-SZ_2G
/// stack; InitStack exists for callers that build USTACK independently
/// of InitCode, such as one that populated CODE with LoadCode (which
/// leaves USTACK untouched). It does not sync the hardware table.
func InitStack(vs *VSpace, top uintptr) defs.Err_t {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	vs.Regions[USTACK] = VRegion{VaBase: top, Size: mem.PGSIZE, Dir: Down, alloc: vs.alloc}
	_, err := vs.Regions[USTACK].AddMapping(vs.Regions[USTACK].Bottom(), mem.PGSIZE, true, true)
	return err
}

/// WriteTo copies data into an already-mapped range starting at va,
/// splitting the copy across page boundaries as needed (spec.md §4.3).
/// It is a recoverable failure, never a panic: an unmapped page
/// returns ErrNotMapped, a mapped-but-read-only page returns
/// ErrNotWritable, and in both cases nothing past the failing page is
/// touched.
func WriteTo(vs *VSpace, va uintptr, data []byte) defs.Err_t {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	a := va
	remaining := data
	for len(remaining) > 0 {
		r, ok := vs.regionFor(a)
		if !ok {
			return defs.ErrNotMapped
		}
		pageBase := a &^ mem.PGOFFSET
		vpi, ok := r.Lookup(pageBase)
		if !ok || !vpi.Used {
			return defs.ErrNotMapped
		}
		if !vpi.Writable {
			return defs.ErrNotWritable
		}
		pg := r.alloc.KernelAlias(vpi.Ppn)
		off := a & mem.PGOFFSET
		n := util.Min(uintptr(mem.PGSIZE)-off, uintptr(len(remaining)))
		copy(pg[off:], remaining[:n])
		remaining = remaining[n:]
		a += n
	}
	return 0
}

/// MarkNotPresent hides an already-known-but-hidden page from the
/// MMU: the precondition is that va's VPageInfo exists and its
/// Present bit is already false in the logical model (the caller
/// flips that bit first); the effect here is only to zero va's
/// hardware PTE if one exists (spec.md §4.3). Panics
/// (PreconditionViolated) if the precondition does not hold.
func MarkNotPresent(vs *VSpace, va uintptr) {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	r, ok := vs.regionFor(va)
	if !ok {
		panic("vm: mark_not_present: precondition violated")
	}
	vpi, ok := r.Lookup(va)
	if !ok || !vpi.Used || vpi.Present {
		panic("vm: mark_not_present: precondition violated")
	}
	pte, ok := pagetable.Walk(vs.alloc, vs.Root, va, false)
	if !ok {
		panic("vm: mark_not_present: precondition violated")
	}
	if pte != nil {
		*pte = 0
	}
}

/// Free releases every frame owned by vs's regions and tears down its
/// hardware table (spec.md §4.3).
func Free(vs *VSpace) {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	for i := range vs.Regions {
		r := &vs.Regions[i]
		if r.alloc == nil {
			continue
		}
		freeRegionFrames(r)
		vs.Regions[i] = VRegion{}
	}
	pagetable.FreeTable(vs.alloc, vs.Root)
}

func freeRegionFrames(r *VRegion) {
	cur := r.headPA
	for cur != 0 {
		node := piPageAt(r.alloc, cur)
		for i := range node.Slots {
			if node.Slots[i].Used {
				r.alloc.FreeFrame(node.Slots[i].Ppn)
			}
		}
		next := node.Next
		r.alloc.FreeFrame(cur)
		cur = next
	}
}
