// Package defs holds the error representation shared across the
// address-space manager: a signed int where 0 is success and a
// positive value names the failing condition.
package defs

// Err_t is the kernel-wide error code. Zero means success; a caller
// tests for failure with `err != 0`; a failing call returns one of the
// constants below as-is, without negation.
type Err_t int

const (
	// EFAULT means the faulting address is not backed by any mapping.
	EFAULT Err_t = 1
	// ENOMEM means the frame allocator or page-table walker ran out of
	// backing pages.
	ENOMEM Err_t = 2
	// ENOHEAP means a bookkeeping allocation (a VPiPage node) could not
	// be satisfied.
	ENOHEAP Err_t = 3
	// E2BIG means a requested range reaches or exceeds KERNEL_BASE.
	E2BIG Err_t = 4
	// ENAMETOOLONG is unused by this subsystem directly but kept for
	// parity with the teacher's Err_t namespace; reserved.
	ENAMETOOLONG Err_t = 5
	// EINVAL means malformed input the caller should have validated.
	EINVAL Err_t = 6
	// ErrElfRejected means load_code found a malformed ELF image: bad
	// magic, a header failing a sanity check, an unaligned segment, or
	// a short read while populating a segment.
	ErrElfRejected Err_t = 7
	// ErrNotMapped means write_to touched a virtual address with no
	// used VPageInfo slot.
	ErrNotMapped Err_t = 8
	// ErrNotWritable means write_to touched a used but read-only slot.
	ErrNotWritable Err_t = 9
)

// String names an error kind for diagnostics.
func (e Err_t) String() string {
	switch e {
	case 0:
		return "ok"
	case EFAULT:
		return "EFAULT"
	case ENOMEM:
		return "ENOMEM"
	case ENOHEAP:
		return "ENOHEAP"
	case E2BIG:
		return "E2BIG"
	case ENAMETOOLONG:
		return "ENAMETOOLONG"
	case EINVAL:
		return "EINVAL"
	case ErrElfRejected:
		return "ElfRejected"
	case ErrNotMapped:
		return "NotMapped"
	case ErrNotWritable:
		return "NotWritable"
	default:
		return "Err_t(?)"
	}
}
