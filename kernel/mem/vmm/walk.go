package vmm

import (
	"gopheros/kernel/mem"
	"unsafe"
)

var (
	// ptePtrFn returns a pointer to the page table entry at the given
	// virtual address. It is used by tests to override the generated
	// page table entry pointers so walk() can be properly tested. When
	// compiling the kernel this function will be automatically inlined.
	ptePtrFn = func(entryAddr uintptr) unsafe.Pointer {
		return unsafe.Pointer(entryAddr)
	}

	// activeRootAddrFn returns the physical address of the PML4 table for
	// the address space that walk() operates against when no explicit
	// root is supplied. It is updated by Activate/SwitchTo and overridden
	// by tests.
	activeRootAddrFn = func() uintptr {
		return activeRootAddr
	}

	// activeRootAddr is the physical address of the currently active PML4.
	activeRootAddr uintptr
)

// pageTableWalker is a function that can be passed to the walk method. The
// function receives the current page level and page table entry as its
// arguments.  If the function returns false, then the page walk is aborted.
type pageTableWalker func(pteLevel uint8, pte *pageTableEntry) bool

// walk performs a page table walk for the given virtual address against the
// currently active address space. It calls the supplied walkFn with the page
// table entry that corresponds to each page table level. If walkFn returns
// false then the walk is aborted.
func walk(virtAddr uintptr, walkFn pageTableWalker) {
	walkRoot(activeRootAddrFn(), virtAddr, walkFn)
}

// walkRoot performs a page table walk for the given virtual address starting
// at the PML4 whose physical address is rootAddr. Unlike walk, this allows
// inspecting or mutating an address space that is not currently active:
// every table reached during the walk is dereferenced through the direct
// physical map (physToVirt) rather than through CR3, so no page directory
// switch is ever required to build up or tear down a process's tables.
func walkRoot(rootAddr uintptr, virtAddr uintptr, walkFn pageTableWalker) {
	tableAddr := physToVirtFn(rootAddr)

	for level := uint8(0); level < pageLevels; level++ {
		entryIndex := (virtAddr >> pageLevelShifts[level]) & ((1 << pageLevelBits[level]) - 1)
		entryAddr := tableAddr + (entryIndex << mem.PointerShift)

		pte := (*pageTableEntry)(ptePtrFn(entryAddr))
		if !walkFn(level, pte) {
			return
		}

		if level+1 < pageLevels {
			tableAddr = physToVirtFn(pte.Frame().Address())
		}
	}
}
