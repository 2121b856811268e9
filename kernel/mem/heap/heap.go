// Package heap implements the kernel's first-fit variable-size allocator.
// The heap covers a dedicated range of the kernel's virtual address space
// and grows on demand by asking the vmm package for fresh mappings and the
// pmm package for the physical frames backing them.
package heap

import (
	"gopheros/kernel"
	"gopheros/kernel/kfmt"
	"gopheros/kernel/mem"
	"gopheros/kernel/mem/pmm"
	"gopheros/kernel/mem/vmm"
	"unsafe"
)

// blockMagic tags every live block header so that corruption, bad frees and
// reallocs of unrelated pointers can be detected.
const blockMagic = uint32(0x48454150)

// minBlockSize is the smallest block size (header included) a split is
// allowed to produce.
const minBlockSize = 24

// heapVirtualStart is the fixed virtual address at which the heap's range
// begins. It lives in its own slice of the kernel-half address space,
// distinct from the vmm package's direct physical map and temporary mapping
// windows.
const heapVirtualStart = uintptr(0xffffa00000000000)

// blockHeader precedes every block (free or allocated) in the heap. Blocks
// form a single doubly-linked list in address order spanning the entire
// heap range.
type blockHeader struct {
	magic uint32
	size  uint32
	free  bool
	_     [7]byte
	next  *blockHeader
	prev  *blockHeader
}

var headerSize = unsafe.Sizeof(blockHeader{})

var (
	heapStart, heapEnd uintptr
	heapSize           mem.Size
	firstBlock         *blockHeader
	allocCount         uint32

	// mapFn and allocFrameFn are package vars so tests can grow the heap
	// without live paging structures or a physical frame allocator.
	mapFn          = vmm.Map
	allocFrameFn   = pmm.AllocFrame
	releaseFrameFn = pmm.ReleaseFrame
)

func headerAt(addr uintptr) *blockHeader {
	return (*blockHeader)(unsafe.Pointer(addr))
}

// Init reserves and maps the heap's initial virtual range, establishing a
// single free block that spans it.
func Init(initialSize mem.Size) *kernel.Error {
	heapStart = heapVirtualStart
	heapEnd = heapVirtualStart
	heapSize = 0
	firstBlock = nil
	allocCount = 0

	if err := expand(uintptr(initialSize)); err != nil {
		kfmt.Printf("heap: failed to initialize (out of memory)\n")
		return err
	}

	kfmt.Printf("heap: initialized at 0x%16x, size %d KB\n", heapStart, uint64(heapSize/mem.Kb))
	return nil
}

// expand grows the heap by at least minSize bytes (rounded up to a page),
// mapping fresh frames at the current tail of the heap range and appending
// one large free block covering the new space.
func expand(minSize uintptr) *kernel.Error {
	size := (minSize + uintptr(mem.PageSize) - 1) &^ (uintptr(mem.PageSize) - 1)
	pageCount := size / uintptr(mem.PageSize)

	startAddr := heapEnd
	for i := uintptr(0); i < pageCount; i++ {
		frame, err := allocFrameFn()
		if err != nil {
			return err
		}

		page := vmm.PageFromAddress(heapEnd)
		if err := mapFn(page, frame, vmm.FlagPresent|vmm.FlagRW|vmm.FlagNoExecute); err != nil {
			releaseFrameFn(frame)
			return err
		}

		heapEnd += uintptr(mem.PageSize)
	}

	block := headerAt(startAddr)
	*block = blockHeader{magic: blockMagic, size: uint32(size), free: true}
	appendBlock(block)

	heapSize += mem.Size(size)
	return nil
}

func appendBlock(b *blockHeader) {
	if firstBlock == nil {
		firstBlock = b
		return
	}

	last := firstBlock
	for last.next != nil {
		last = last.next
	}
	last.next = b
	b.prev = last
}

func findFreeBlock(size uintptr) *blockHeader {
	for cur := firstBlock; cur != nil; cur = cur.next {
		if cur.magic != blockMagic {
			kfmt.Printf("heap: corruption detected at 0x%16x\n", uintptr(unsafe.Pointer(cur)))
			return nil
		}

		if cur.free && uintptr(cur.size) >= size {
			return cur
		}
	}

	return nil
}

// splitBlock carves a new free block out of the tail of block if the
// remainder is large enough to hold another block.
func splitBlock(block *blockHeader, size uintptr) {
	if uintptr(block.size) < size+headerSize+minBlockSize {
		return
	}

	newAddr := uintptr(unsafe.Pointer(block)) + size
	newBlock := headerAt(newAddr)
	*newBlock = blockHeader{
		magic: blockMagic,
		size:  block.size - uint32(size),
		free:  true,
		next:  block.next,
		prev:  block,
	}

	if block.next != nil {
		block.next.prev = newBlock
	}
	block.next = newBlock
	block.size = uint32(size)
}

func coalesce() {
	cur := firstBlock
	for cur != nil && cur.next != nil {
		if cur.free && cur.next.free {
			cur.size += cur.next.size
			cur.next = cur.next.next
			if cur.next != nil {
				cur.next.prev = cur
			}
			continue
		}
		cur = cur.next
	}
}

// Alloc reserves size bytes from the heap, expanding it if no free block is
// large enough. It returns 0 if size is 0 or the heap cannot be expanded.
func Alloc(size uintptr) uintptr {
	if size == 0 {
		return 0
	}

	total := headerSize + size
	if total < minBlockSize {
		total = minBlockSize
	}
	total = (total + 7) &^ 7

	block := findFreeBlock(total)
	if block == nil {
		growBy := total * 2
		if growBy < uintptr(mem.PageSize) {
			growBy = uintptr(mem.PageSize)
		}

		if err := expand(growBy); err != nil {
			return 0
		}

		if block = findFreeBlock(total); block == nil {
			return 0
		}
	}

	splitBlock(block, total)
	block.free = false
	allocCount++

	return uintptr(unsafe.Pointer(block)) + headerSize
}

// AllocZero behaves like Alloc but zero-fills the returned block.
func AllocZero(size uintptr) uintptr {
	addr := Alloc(size)
	if addr != 0 {
		mem.Memset(addr, 0, size)
	}
	return addr
}

// Release returns a previously allocated block to the heap, coalescing it
// with any free neighbors. Release(0) is a no-op.
func Release(addr uintptr) {
	if addr == 0 {
		return
	}

	block := headerAt(addr - headerSize)
	if block.magic != blockMagic {
		kfmt.Printf("heap: invalid release (bad magic) at 0x%16x\n", addr)
		return
	}
	if block.free {
		kfmt.Printf("heap: double free detected at 0x%16x\n", addr)
		return
	}

	block.free = true
	allocCount--
	coalesce()
}

// Realloc resizes a previously allocated block, copying its contents if a
// new block must be allocated. Realloc(0, n) behaves like Alloc(n);
// Realloc(addr, 0) behaves like Release(addr).
func Realloc(addr uintptr, newSize uintptr) uintptr {
	if addr == 0 {
		return Alloc(newSize)
	}
	if newSize == 0 {
		Release(addr)
		return 0
	}

	block := headerAt(addr - headerSize)
	if block.magic != blockMagic {
		kfmt.Printf("heap: invalid realloc (bad magic) at 0x%16x\n", addr)
		return 0
	}

	curSize := uintptr(block.size) - headerSize
	if newSize <= curSize {
		return addr
	}

	newAddr := Alloc(newSize)
	if newAddr == 0 {
		return 0
	}

	mem.Memcopy(addr, newAddr, curSize)
	Release(addr)
	return newAddr
}

// Validate walks the block list checking magic tags and link symmetry. It
// returns false and logs a diagnostic at the first sign of corruption.
func Validate() bool {
	count := 0
	for cur := firstBlock; cur != nil; cur = cur.next {
		if cur.magic != blockMagic {
			kfmt.Printf("heap: invalid magic at block %d (0x%16x)\n", count, uintptr(unsafe.Pointer(cur)))
			return false
		}

		if cur.next != nil && cur.next.prev != cur {
			kfmt.Printf("heap: broken link at block %d\n", count)
			return false
		}

		count++
		if count > 100000 {
			kfmt.Printf("heap: block list too long or circular\n")
			return false
		}
	}

	return true
}

// TotalSize returns the total number of bytes currently reserved by the heap.
func TotalSize() mem.Size { return heapSize }

// UsedSize returns the number of bytes currently allocated (header included).
func UsedSize() mem.Size {
	var used mem.Size
	for cur := firstBlock; cur != nil; cur = cur.next {
		if !cur.free {
			used += mem.Size(cur.size)
		}
	}
	return used
}

// FreeSize returns the number of bytes currently unallocated.
func FreeSize() mem.Size {
	return heapSize - UsedSize()
}

// AllocationCount returns the number of allocations that have not yet been
// released.
func AllocationCount() uint32 { return allocCount }
