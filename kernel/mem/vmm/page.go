package vmm

import (
	"gopheros/kernel/mem"
)

// Page represents a page-aligned virtual memory page index, in the same way
// that pmm.Frame represents a physical frame index.
type Page uintptr

// Address returns the virtual memory address for this page.
func (p Page) Address() uintptr {
	return uintptr(p << mem.PageShift)
}

// PageFromAddress returns the Page that contains the given virtual address.
func PageFromAddress(addr uintptr) Page {
	return Page(addr >> mem.PageShift)
}

const (
	// pageLevels is the number of paging levels on amd64: PML4, PDPT, PD, PT.
	pageLevels = 4
)

var (
	// pageLevelBits holds, for each paging level, the number of bits of a
	// virtual address used to index that level's table. All four levels
	// on amd64 use 9 bits (512 entries per table).
	pageLevelBits = [pageLevels]uint8{9, 9, 9, 9}

	// pageLevelShifts holds, for each paging level, the bit offset of the
	// first bit used to index that level's table.
	pageLevelShifts = [pageLevels]uint8{39, 30, 21, 12}
)

const (
	// physMapOffset is the fixed virtual offset (K in v = p + K) at which
	// the entire range of physical memory tracked by the PPA is mapped.
	// Paging-structure frames (PML4/PDPT/PD/PT) are always dereferenced
	// through this window, regardless of which address space they belong
	// to and regardless of whether that address space is currently
	// active. The mapping itself is established by the boot trampoline
	// before any Go code runs, using 2 MiB pages covering the PPA's
	// managed memory range.
	physMapOffset = uintptr(0xffff800000000000)

	// tempMappingAddr is the fixed virtual address used by MapTemporary
	// to map in a single physical frame for short-lived access (e.g. to
	// zero or copy the contents of a frame that isn't part of the direct
	// physical map, such as frames above the PPA's managed range).
	tempMappingAddr = uintptr(0xffff900000000000)
)

// physToVirt returns the virtual address at which the given physical address
// can be dereferenced via the direct physical map.
func physToVirt(physAddr uintptr) uintptr {
	return physMapOffset + physAddr
}

// physToVirtFn is a package var wrapping physToVirt so that tests can run
// the paging-structure code against regular host memory (by substituting
// the identity function) instead of the kernel's direct physical map.
var physToVirtFn = physToVirt

// PhysToVirt exposes physToVirt to other packages that need to dereference
// a physical frame without mapping it into their own address space first,
// such as kernel/proc copying process stacks and code into newly allocated
// frames via the direct physical map.
func PhysToVirt(physAddr uintptr) uintptr {
	return physToVirtFn(physAddr)
}
