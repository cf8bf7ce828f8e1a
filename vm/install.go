package vm

import (
	"vmspace/cpu"
	"vmspace/mem"
)

// KstackPages is the number of pages reserved for a process's kernel
// stack. The real per-process kernel stack sizing lives in the
// runtime/assembly hooks spec.md §1 lists as out of scope; this is a
// reference default so Install has a concrete KSTACK_SIZE to compute
// against (see DESIGN.md).
const KstackPages = 2

// KstackSize is KstackPages in bytes.
const KstackSize = uintptr(KstackPages * mem.PGSIZE)

// Proc is the minimal per-process state Install needs: a process's
// kernel stack base and the address space to install (spec.md §4.5).
type Proc struct {
	Kstack uintptr
	VS     *VSpace
}

// Install points the current CPU at proc's address space (spec.md
// §4.5): it sets the per-CPU TSS kernel stack top and loads the root
// table's physical address into the MMU control register, both with
// interrupts disabled so no context switch can land between the two
// writes. Panics (PreconditionViolated) if any argument is missing.
func Install(proc *Proc, tss *cpu.TSS, gate cpu.InterruptGate, cr3 *cpu.CR3) {
	if proc == nil || proc.VS == nil || tss == nil || gate == nil || cr3 == nil {
		panic("vm: install: precondition violated")
	}
	en := gate.Disable()
	tss.Set(proc.Kstack + KstackSize)
	cr3.LoadRoot(proc.VS.Root)
	gate.Restore(en)
}

// InstallKernel loads the kernel-only root table into the MMU control
// register, used when no process is current (spec.md §4.5).
func InstallKernel(kernelRoot mem.Pa_t, gate cpu.InterruptGate, cr3 *cpu.CR3) {
	if gate == nil || cr3 == nil {
		panic("vm: install_kernel: precondition violated")
	}
	en := gate.Disable()
	cr3.LoadRoot(kernelRoot)
	gate.Restore(en)
}
