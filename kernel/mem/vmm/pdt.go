package vmm

import (
	"gopheros/kernel"
	"gopheros/kernel/cpu"
	"gopheros/kernel/mem"
	"gopheros/kernel/mem/pmm"
)

// firstUserPML4Entry and lastUserPML4Entry bound the lower half of the PML4
// (entries 0-255) that is private to a single address space. Entries 256-511
// map the kernel and are shared by every address space, mirroring
// original_source/kernel/mm/vmm.c's vmm_create_address_space 256-511 copy.
const (
	firstUserPML4Entry = 0
	lastUserPML4Entry  = 255
	firstKernelEntry   = 256
	lastKernelEntry    = 511
)

var (
	errAddressSpaceAllocFailed = &kernel.Error{Module: "vmm", Message: "could not allocate frame for new address space"}

	// releaseFrameFn returns a physical frame to the PPA. It is a package
	// var so tests can intercept frame releases without a live allocator.
	releaseFrameFn = pmm.ReleaseFrame

	// switchPDTFn loads CR3 with a new PML4 physical address. It is a
	// package var so tests can intercept Activate without executing a
	// privileged instruction.
	switchPDTFn = cpu.SwitchPDT

	// pdtMapFn is a method expression wrapping (*PageDirectoryTable).Map so
	// that callers building up a table that is not yet active (such as
	// setupPDTForKernel) can be intercepted by tests without requiring a
	// live frame allocator or real paging structures.
	pdtMapFn = (*PageDirectoryTable).Map
)

// PageDirectoryTable represents the root (PML4) of a 4-level page table
// hierarchy. It is also known as an AddressSpace: the kernel's own address
// space and every process's address space are each represented by one
// PageDirectoryTable value.
//
// Unlike the teacher's original recursively self-mapped scheme, a
// PageDirectoryTable does not need to be the currently active one (as
// installed in CR3) in order to be inspected or modified: Map, Unmap and
// Clone all dereference page table frames through the direct physical map,
// so building up or tearing down a process's tables never requires
// switching CR3.
type PageDirectoryTable struct {
	frame pmm.Frame
}

// AddressSpace is an alias for PageDirectoryTable, matching the name used to
// describe this abstraction.
type AddressSpace = PageDirectoryTable

// kernelSpace is the address space shared by kernel code and by the upper
// half of every process's address space.
var kernelSpace PageDirectoryTable

// activeSpace tracks the most recently activated address space.
var activeSpace *AddressSpace = &kernelSpace

// Init associates this PageDirectoryTable with the given (already allocated)
// physical frame and zero-fills its contents.
func (t *PageDirectoryTable) Init(frame pmm.Frame) *kernel.Error {
	t.frame = frame
	mem.Memset(physToVirtFn(frame.Address()), 0, uintptr(mem.PageSize))
	return nil
}

// Frame returns the physical frame backing this table's PML4.
func (t *PageDirectoryTable) Frame() pmm.Frame {
	return t.frame
}

// Map establishes a mapping between a virtual page and a physical frame in
// this address space, allocating any missing intermediate page tables along
// the way. If this table happens to be the currently active one, the TLB
// entry for the mapped page is flushed.
func (t *PageDirectoryTable) Map(page Page, frame pmm.Frame, flags PageTableEntryFlag) *kernel.Error {
	var err *kernel.Error

	walkRoot(t.frame.Address(), page.Address(), func(level uint8, pte *pageTableEntry) bool {
		if level == pageLevels-1 {
			*pte = 0
			pte.SetFrame(frame)
			pte.SetFlags(flags)
			return true
		}

		if pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		if !pte.HasFlags(FlagPresent) {
			newTableFrame, ferr := frameAllocator()
			if ferr != nil {
				err = ferr
				return false
			}

			*pte = 0
			pte.SetFrame(newTableFrame)
			pte.SetFlags(FlagPresent | FlagRW)
			mem.Memset(physToVirtFn(newTableFrame.Address()), 0, uintptr(mem.PageSize))
		}

		return true
	})

	if err == nil && t.frame.Address() == activeRootAddr {
		flushTLBEntryFn(page.Address())
	}

	return err
}

// Unmap removes a mapping previously installed via Map.
func (t *PageDirectoryTable) Unmap(page Page) *kernel.Error {
	var err *kernel.Error

	walkRoot(t.frame.Address(), page.Address(), func(level uint8, pte *pageTableEntry) bool {
		if level == pageLevels-1 {
			pte.ClearFlags(FlagPresent)
			return true
		}

		if !pte.HasFlags(FlagPresent) {
			err = ErrInvalidMapping
			return false
		}

		return true
	})

	if err == nil && t.frame.Address() == activeRootAddr {
		flushTLBEntryFn(page.Address())
	}

	return err
}

// Activate installs this table as the active address space by writing its
// physical frame address to CR3.
func (t *PageDirectoryTable) Activate() {
	switchPDTFn(t.frame.Address())
	activeRootAddr = t.frame.Address()
	activeSpace = t
}

// shareKernelEntries copies the kernel's PML4 entries (256-511) from the
// currently active kernel address space into this table, so that kernel
// code and data remain reachable after a SwitchTo into this address space.
func (t *PageDirectoryTable) shareKernelEntries() {
	srcTable := physToVirtFn(kernelSpace.frame.Address())
	dstTable := physToVirtFn(t.frame.Address())

	for i := firstKernelEntry; i <= lastKernelEntry; i++ {
		srcEntry := (*pageTableEntry)(ptePtrFn(srcTable + uintptr(i<<mem.PointerShift)))
		dstEntry := (*pageTableEntry)(ptePtrFn(dstTable + uintptr(i<<mem.PointerShift)))
		*dstEntry = *srcEntry
	}
}

// NewAddressSpace allocates and initializes a fresh address space whose
// upper half (entries 256-511) shares the kernel's mappings and whose lower
// half (entries 0-255) is empty, ready to receive a process's private
// mappings. Grounded on original_source/kernel/mm/vmm.c's
// vmm_create_address_space.
func NewAddressSpace() (*AddressSpace, *kernel.Error) {
	frame, err := frameAllocator()
	if err != nil {
		return nil, errAddressSpaceAllocFailed
	}

	space := &AddressSpace{}
	if err := space.Init(frame); err != nil {
		return nil, err
	}
	space.shareKernelEntries()

	return space, nil
}

// DestroySpace releases every frame backing the lower half (0-255) of the
// given address space's page tables, and finally the PML4 frame itself.
// Shared kernel entries (256-511) are never freed since they belong to
// kernelSpace. Grounded on original_source/kernel/mm/vmm.c's
// vmm_destroy_address_space.
func DestroySpace(space *AddressSpace) {
	pml4 := physToVirtFn(space.frame.Address())

	for i := firstUserPML4Entry; i <= lastUserPML4Entry; i++ {
		pml4Entry := (*pageTableEntry)(ptePtrFn(pml4 + uintptr(i<<mem.PointerShift)))
		if !pml4Entry.HasFlags(FlagPresent) {
			continue
		}

		pdpt := physToVirtFn(pml4Entry.Frame().Address())
		for j := 0; j < 512; j++ {
			pdptEntry := (*pageTableEntry)(ptePtrFn(pdpt + uintptr(j<<mem.PointerShift)))
			if !pdptEntry.HasFlags(FlagPresent) {
				continue
			}

			pd := physToVirtFn(pdptEntry.Frame().Address())
			for k := 0; k < 512; k++ {
				pdEntry := (*pageTableEntry)(ptePtrFn(pd + uintptr(k<<mem.PointerShift)))
				if !pdEntry.HasFlags(FlagPresent) {
					continue
				}

				releaseFrameFn(pdEntry.Frame())
			}
			releaseFrameFn(pdptEntry.Frame())
		}
		releaseFrameFn(pml4Entry.Frame())
	}

	releaseFrameFn(space.frame)
}

// SwitchTo makes the given address space the active one. It is the only
// vmm operation that writes CR3.
func SwitchTo(space *AddressSpace) {
	space.Activate()
}

// CurrentAddressSpace returns the address space that is currently active.
func CurrentAddressSpace() *AddressSpace {
	return activeSpace
}
