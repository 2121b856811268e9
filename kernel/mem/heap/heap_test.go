package heap

import (
	"gopheros/kernel"
	"gopheros/kernel/mem"
	"gopheros/kernel/mem/pmm"
	"gopheros/kernel/mem/vmm"
	"testing"
	"unsafe"
)

// alignedPages carves a page-aligned sub-slice of n pages out of a real,
// larger host allocation so the allocator can be pointed at it and
// dereference block headers for real.
func alignedPages(n int) []byte {
	raw := make([]byte, n*int(mem.PageSize)+int(mem.PageSize))
	addr := uintptr(unsafe.Pointer(&raw[0]))
	aligned := (addr + uintptr(mem.PageSize) - 1) &^ (uintptr(mem.PageSize) - 1)
	offset := aligned - addr
	return raw[offset : offset+uintptr(n)*uintptr(mem.PageSize)]
}

// withRealHeap points the heap at a page-aligned region of real host memory
// so Alloc/Release/Realloc can run against dereferenceable addresses instead
// of requiring live paging structures and a physical frame allocator.
// Callers should grow the heap with expand(), not Init() (which resets
// heapStart/heapEnd to the kernel's fixed virtual heap address).
func withRealHeap(t *testing.T, pages int) func() {
	t.Helper()

	buf := alignedPages(pages)
	addr := uintptr(unsafe.Pointer(&buf[0]))

	origMap, origAlloc, origRelease := mapFn, allocFrameFn, releaseFrameFn
	origStart, origEnd, origSize, origFirst, origCount := heapStart, heapEnd, heapSize, firstBlock, allocCount

	heapStart, heapEnd = addr, addr
	heapSize = 0
	firstBlock = nil
	allocCount = 0

	allocFrameFn = func() (pmm.Frame, *kernel.Error) { return pmm.Frame(0), nil }
	releaseFrameFn = func(_ pmm.Frame) {}
	mapFn = func(_ vmm.Page, _ pmm.Frame, _ vmm.PageTableEntryFlag) *kernel.Error { return nil }

	return func() {
		mapFn, allocFrameFn, releaseFrameFn = origMap, origAlloc, origRelease
		heapStart, heapEnd, heapSize, firstBlock, allocCount = origStart, origEnd, origSize, origFirst, origCount
	}
}

func TestHeapInit(t *testing.T) {
	origMap, origAlloc, origRelease := mapFn, allocFrameFn, releaseFrameFn
	defer func() { mapFn, allocFrameFn, releaseFrameFn = origMap, origAlloc, origRelease }()

	allocFrameFn = func() (pmm.Frame, *kernel.Error) { return pmm.Frame(0), nil }
	releaseFrameFn = func(_ pmm.Frame) {}
	mapFn = func(_ vmm.Page, _ pmm.Frame, _ vmm.PageTableEntryFlag) *kernel.Error { return nil }

	if err := Init(mem.PageSize); err != nil {
		t.Fatal(err)
	}

	if got, exp := TotalSize(), mem.PageSize; got != exp {
		t.Errorf("expected total size %d; got %d", exp, got)
	}
	if got, exp := FreeSize(), mem.PageSize; got != exp {
		t.Errorf("expected free size %d; got %d", exp, got)
	}
}

func TestHeapInitMapFailure(t *testing.T) {
	origMap, origAlloc, origRelease := mapFn, allocFrameFn, releaseFrameFn
	defer func() { mapFn, allocFrameFn, releaseFrameFn = origMap, origAlloc, origRelease }()

	expErr := &kernel.Error{Module: "test", Message: "out of memory"}
	allocFrameFn = func() (pmm.Frame, *kernel.Error) { return pmm.InvalidFrame, expErr }
	releaseFrameFn = func(_ pmm.Frame) {}

	if err := Init(mem.PageSize); err != expErr {
		t.Fatalf("expected error %v; got %v", expErr, err)
	}
}

func TestHeapAllocRelease(t *testing.T) {
	defer withRealHeap(t, 1)()

	if err := expand(uintptr(mem.PageSize)); err != nil {
		t.Fatal(err)
	}

	a := Alloc(64)
	if a == 0 {
		t.Fatal("expected non-zero allocation")
	}

	b := Alloc(64)
	if b == 0 {
		t.Fatal("expected non-zero allocation")
	}
	if a == b {
		t.Fatal("expected distinct allocations")
	}

	if got, exp := AllocationCount(), uint32(2); got != exp {
		t.Errorf("expected allocation count %d; got %d", exp, got)
	}

	Release(a)
	Release(b)

	if got, exp := AllocationCount(), uint32(0); got != exp {
		t.Errorf("expected allocation count %d; got %d", exp, got)
	}

	if !Validate() {
		t.Error("expected heap to validate after release")
	}
}

func TestHeapAllocZero(t *testing.T) {
	defer withRealHeap(t, 1)()

	if err := expand(uintptr(mem.PageSize)); err != nil {
		t.Fatal(err)
	}

	addr := Alloc(32)
	buf := (*[32]byte)(unsafe.Pointer(addr))
	for i := range buf {
		buf[i] = 0xff
	}
	Release(addr)

	zAddr := AllocZero(32)
	zBuf := (*[32]byte)(unsafe.Pointer(zAddr))
	for i, b := range zBuf {
		if b != 0 {
			t.Errorf("expected zeroed byte at index %d; got %d", i, b)
		}
	}
}

func TestHeapAllocZeroSize(t *testing.T) {
	defer withRealHeap(t, 1)()

	if err := expand(uintptr(mem.PageSize)); err != nil {
		t.Fatal(err)
	}

	if addr := Alloc(0); addr != 0 {
		t.Errorf("expected Alloc(0) to return 0; got 0x%x", addr)
	}
}

func TestHeapReleaseNil(t *testing.T) {
	defer withRealHeap(t, 1)()

	if err := expand(uintptr(mem.PageSize)); err != nil {
		t.Fatal(err)
	}

	// must not panic
	Release(0)
}

func TestHeapDoubleReleaseIsReported(t *testing.T) {
	defer withRealHeap(t, 1)()

	if err := expand(uintptr(mem.PageSize)); err != nil {
		t.Fatal(err)
	}

	addr := Alloc(32)
	Release(addr)
	Release(addr)

	if got, exp := AllocationCount(), uint32(0); got != exp {
		t.Errorf("expected allocation count to stay at %d after double release; got %d", exp, got)
	}
}

func TestHeapCoalescesOnRelease(t *testing.T) {
	defer withRealHeap(t, 1)()

	if err := expand(uintptr(mem.PageSize)); err != nil {
		t.Fatal(err)
	}

	a := Alloc(64)
	b := Alloc(64)
	c := Alloc(64)

	Release(a)
	Release(c)
	Release(b)

	blockCount := 0
	for cur := firstBlock; cur != nil; cur = cur.next {
		blockCount++
	}

	if blockCount != 1 {
		t.Errorf("expected all blocks to coalesce into 1; got %d", blockCount)
	}

	if got, exp := FreeSize(), TotalSize(); got != exp {
		t.Errorf("expected free size to equal total size; got %d want %d", got, exp)
	}
}

func TestHeapGrowsOnExhaustion(t *testing.T) {
	defer withRealHeap(t, 4)()

	if err := expand(uintptr(mem.PageSize)); err != nil {
		t.Fatal(err)
	}

	startSize := TotalSize()

	// request more than fits in the initial single page so the heap must
	// expand via expand().
	addr := Alloc(uintptr(mem.PageSize) * 2)
	if addr == 0 {
		t.Fatal("expected allocation to succeed after heap growth")
	}

	if TotalSize() <= startSize {
		t.Errorf("expected heap to grow beyond initial size %d; got %d", startSize, TotalSize())
	}
}

func TestHeapRealloc(t *testing.T) {
	defer withRealHeap(t, 4)()

	if err := expand(uintptr(mem.PageSize)); err != nil {
		t.Fatal(err)
	}

	addr := Alloc(16)
	buf := (*[16]byte)(unsafe.Pointer(addr))
	for i := range buf {
		buf[i] = byte(i)
	}

	grown := Realloc(addr, 256)
	if grown == 0 {
		t.Fatal("expected realloc to succeed")
	}

	grownBuf := (*[16]byte)(unsafe.Pointer(grown))
	for i, b := range grownBuf {
		if b != byte(i) {
			t.Errorf("expected realloc to preserve byte %d; got %d", i, b)
		}
	}

	if shrunk := Realloc(grown, 4); shrunk != grown {
		t.Errorf("expected realloc to reuse the same block when shrinking; got 0x%x want 0x%x", shrunk, grown)
	}

	if addr := Realloc(0, 8); addr == 0 {
		t.Error("expected Realloc(0, n) to behave like Alloc(n)")
	}

	before := AllocationCount()
	Realloc(grown, 0)
	if AllocationCount() != before-1 {
		t.Error("expected Realloc(addr, 0) to behave like Release(addr)")
	}
}

func TestHeapValidateDetectsCorruption(t *testing.T) {
	defer withRealHeap(t, 1)()

	if err := expand(uintptr(mem.PageSize)); err != nil {
		t.Fatal(err)
	}

	firstBlock.magic = 0xdeadbeef

	if Validate() {
		t.Error("expected Validate to detect a corrupted magic value")
	}
}
