package vm

import (
	"debug/elf"

	"vmspace/defs"
	"vmspace/fsinode"
	"vmspace/mem"
	"vmspace/util"
)

// FSResolver is the file-system external collaborator LoadCode needs
// (spec.md §6): resolve a path to an inode.
type FSResolver interface {
	Resolve(path string) (fsinode.Inode, error)
}

// NoEntry is the sentinel ELF entry returned alongside ErrElfRejected.
const NoEntry = ^uintptr(0)

// LoadCode interprets the ELF image at path and populates vs's CODE
// and HEAP regions (spec.md §4.3): it resolves path to an inode, reads
// and sanity-checks the ELF header, maps and populates every PT_LOAD
// segment in order, derives HEAP's base from the end of the loaded
// image, and returns the ELF entry point. Any malformed input —
// truncated header, memsz < filesz, an address range that wraps, an
// unaligned segment, or a short read — releases the inode and returns
// (NoEntry, ErrElfRejected); partial region state left behind is
// cleaned up by the eventual VSpace Free, the same as the teacher's
// own chentry.go treats a bad ELF as fatal-to-the-operation rather
// than silently patched up.
func LoadCode(vs *VSpace, fs FSResolver, path string) (uintptr, defs.Err_t) {
	inode, rerr := fs.Resolve(path)
	if rerr != nil {
		return NoEntry, defs.ErrElfRejected
	}
	inode.Lock()
	entry, err := loadCodeLocked(vs, inode)
	inode.Unlock()
	inode.Release()
	return entry, err
}

func loadCodeLocked(vs *VSpace, inode fsinode.Inode) (uintptr, defs.Err_t) {
	// elf.NewFile already verifies the magic bytes and a well-formed
	// header as part of parsing; a bad magic or truncated header comes
	// back here as ferr, the same way the teacher's chentry.go treats
	// debug/elf's own validation as authoritative.
	ef, ferr := elf.NewFile(inode)
	if ferr != nil {
		return NoEntry, defs.ErrElfRejected
	}
	if ef.Class != elf.ELFCLASS64 {
		return NoEntry, defs.ErrElfRejected
	}

	vs.mu.Lock()
	defer vs.mu.Unlock()

	codeSet := false
	var codeEnd uintptr
	loadCount := 0

	for _, ph := range ef.Progs {
		if ph.Type != elf.PT_LOAD {
			continue
		}
		loadCount++

		vaddr := uintptr(ph.Vaddr)
		filesz := uintptr(ph.Filesz)
		memsz := uintptr(ph.Memsz)

		if memsz < filesz {
			return NoEntry, defs.ErrElfRejected
		}
		if vaddr+memsz < vaddr {
			return NoEntry, defs.ErrElfRejected
		}
		if vaddr%uintptr(mem.PGSIZE) != 0 {
			return NoEntry, defs.ErrElfRejected
		}

		if !codeSet {
			vs.Regions[CODE] = VRegion{
				VaBase: util.Rounddown(vaddr, uintptr(mem.PGSIZE)),
				Dir:    Up,
				alloc:  vs.alloc,
			}
			codeSet = true
		}

		writable := ph.Flags&elf.PF_W != 0
		if _, aerr := vs.Regions[CODE].AddMapping(vaddr, int(memsz), true, writable); aerr != 0 {
			return NoEntry, defs.ErrElfRejected
		}
		if filesz > 0 {
			if lerr := vs.Regions[CODE].LoadFromInode(vaddr, inode, int64(ph.Off), int(filesz)); lerr != 0 {
				return NoEntry, defs.ErrElfRejected
			}
		}

		if end := vaddr + memsz; end > codeEnd {
			codeEnd = end
		}
	}

	if loadCount == 0 {
		return NoEntry, defs.ErrElfRejected
	}

	vs.Regions[CODE].Size = int(codeEnd - vs.Regions[CODE].VaBase)
	heapBase := util.Roundup(codeEnd, uintptr(mem.PGSIZE)) + uintptr(mem.PGSIZE)
	vs.Regions[HEAP] = VRegion{VaBase: heapBase, Size: 0, Dir: Up, alloc: vs.alloc}

	return uintptr(ef.Entry), 0
}
