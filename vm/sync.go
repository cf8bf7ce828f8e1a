package vm

import (
	"vmspace/defs"
	"vmspace/mem"
	"vmspace/pagetable"
)

// Update rebuilds the hardware page table from the logical region
// model (spec.md §4.4). The model is authoritative and the hardware
// table is cache-like: every call tears down the entire user portion
// of the root table and remaps every used slot from scratch, so any
// sequence of region mutations between syncs is tolerated without
// incremental-diff bookkeeping.
func Update(vs *VSpace) defs.Err_t {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	return updateLocked(vs)
}

func updateLocked(vs *VSpace) defs.Err_t {
	pagetable.ResetUser(vs.alloc, vs.Root)
	for i := range vs.Regions {
		r := &vs.Regions[i]
		if r.alloc == nil {
			continue
		}
		for a := r.Bottom(); a < r.Top(); a += uintptr(mem.PGSIZE) {
			vpi, ok := r.Lookup(a)
			if !ok {
				return defs.ENOHEAP
			}
			if !vpi.Used {
				continue
			}
			flags := mem.PTE_U
			if vpi.Present {
				flags |= mem.PTE_P
			}
			if vpi.Writable {
				flags |= mem.PTE_W
			}
			if !pagetable.MapPages(vs.alloc, vs.Root, a, 1, vpi.Ppn, flags, true) {
				return defs.ENOMEM
			}
		}
	}
	return 0
}
