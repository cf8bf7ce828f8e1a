package vm

import (
	"vmspace/defs"
	"vmspace/mem"
)

// Copy deep-copies src into dst for fork (spec.md §4.3): each region
// header is bitwise-copied, then its VPiPage chain is rebuilt node by
// node in dst, allocating a fresh frame and memcpy-ing PAGE_SIZE bytes
// for every used slot rather than sharing the source's frame
// (invariant 3). A sync follows so dst's hardware table reflects the
// copy immediately. On allocation failure the partially built dst is
// left for the caller's eventual Free to clean up.
func Copy(dst, src *VSpace) defs.Err_t {
	src.mu.Lock()
	defer src.mu.Unlock()
	dst.mu.Lock()
	defer dst.mu.Unlock()

	for i := range src.Regions {
		sr := &src.Regions[i]
		dr := &dst.Regions[i]
		dr.VaBase = sr.VaBase
		dr.Size = sr.Size
		dr.Dir = sr.Dir
		dr.alloc = dst.alloc
		dr.headPA = 0
		if sr.alloc == nil {
			continue
		}
		if err := copyPages(dr, sr); err != 0 {
			return err
		}
	}
	return updateLocked(dst)
}

// copyPages walks src's VPiPage chain and builds an equivalent chain
// in dst, duplicating every used slot's backing frame.
func copyPages(dst, src *VRegion) defs.Err_t {
	cur := src.headPA
	var prevPA mem.Pa_t
	for cur != 0 {
		srcNode := piPageAt(src.alloc, cur)
		dstPA, ok := dst.alloc.AllocFrame()
		if !ok {
			return defs.ENOHEAP
		}
		if dst.headPA == 0 {
			dst.headPA = dstPA
		} else {
			piPageAt(dst.alloc, prevPA).Next = dstPA
		}
		dstNode := piPageAt(dst.alloc, dstPA)
		for i := range srcNode.Slots {
			sv := &srcNode.Slots[i]
			if !sv.Used {
				continue
			}
			pa, ok := dst.alloc.AllocFrame()
			if !ok {
				return defs.ENOMEM
			}
			*dst.alloc.KernelAlias(pa) = *src.alloc.KernelAlias(sv.Ppn)
			dstNode.Slots[i] = VPageInfo{
				Used:     true,
				Present:  sv.Present,
				Writable: sv.Writable,
				Ppn:      pa,
			}
		}
		prevPA = dstPA
		cur = srcNode.Next
	}
	return 0
}
