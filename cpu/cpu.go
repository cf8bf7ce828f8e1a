// Package cpu stands in for the per-CPU TSS/segment setup and the
// interrupt-disable primitive spec.md §1 lists as external
// collaborators of vm.Install. Real hardware has exactly one of each
// per core; these are simple, lock-guarded reference objects so
// vm.Install and vm.InstallKernel are runnable and testable without a
// real CPU.
package cpu

import (
	"sync"

	"vmspace/mem"
)

/// TSS holds the per-CPU task-state fields the address-space manager
/// touches: the kernel stack pointer the CPU switches to on a
/// privilege-level change.
type TSS struct {
	mu             sync.Mutex
	KernelStackTop uintptr
}

/// Set installs top as the kernel stack the CPU switches to on a
/// privilege-level change.
func (t *TSS) Set(top uintptr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.KernelStackTop = top
}

/// InterruptGate abstracts the interrupt-disable primitive. Disable
/// returns the previous enabled state so Restore can undo exactly one
/// level of nesting, the way the teacher's runtime hooks do.
type InterruptGate interface {
	Disable() bool
	Restore(prevEnabled bool)
}

/// CountingGate is a reference InterruptGate: it tracks nesting depth
/// instead of touching a real CPU flag register, and panics on
/// unbalanced use — the same PreconditionViolated-style fatal the real
/// kernel would hit from mismatched cli/sti.
type CountingGate struct {
	mu    sync.Mutex
	depth int
}

func (g *CountingGate) Disable() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	wasEnabled := g.depth == 0
	g.depth++
	return wasEnabled
}

func (g *CountingGate) Restore(prevEnabled bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.depth == 0 {
		panic("cpu: restore without matching disable")
	}
	g.depth--
}

/// CR3 is the MMU's control register: the physical address of the
/// currently loaded root page table.
type CR3 struct {
	mu     sync.Mutex
	loaded mem.Pa_t
	set    bool
}

/// LoadRoot matches spec.md §6's load_root(phys).
func (c *CR3) LoadRoot(phys mem.Pa_t) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loaded = phys
	c.set = true
}

/// Loaded returns the currently loaded root and whether one has ever
/// been loaded.
func (c *CR3) Loaded() (mem.Pa_t, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loaded, c.set
}
