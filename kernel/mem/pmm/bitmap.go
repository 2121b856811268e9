package pmm

import (
	"gopheros/kernel"
	"gopheros/kernel/hal/multiboot"
	"gopheros/kernel/kfmt"
	"gopheros/kernel/mem"
)

// maxManagedMemory caps the amount of physical memory that the bitmap
// allocator can track. This mirrors the 512 MiB assumption from the boot
// contract; a bigger machine still boots, it just can't use the memory
// past this point.
const maxManagedMemory = 512 * mem.Mb

// maxFrames is the number of Frame-sized bits that bitmapWords can hold.
const maxFrames = uint64(maxManagedMemory) / uint64(mem.PageSize)

// bitmapWords is the number of uint64 words required to track maxFrames bits.
const bitmapWords = maxFrames / 64

var (
	errOutOfMemory = &kernel.Error{Module: "pmm", Message: "out of memory"}
	errNoUsableMem = &kernel.Error{Module: "pmm", Message: "bootloader reported no usable physical memory"}

	// bitmapAllocator is the singleton allocator instance used by the
	// package-level Alloc/Release functions below.
	bitmapAllocator BitmapAllocator
)

// BitmapAllocator is a physical frame allocator that tracks allocation state
// using one bit per frame in a fixed-size, statically allocated bitmap. A
// cleared bit means the frame is free; a set bit means the frame is in use.
//
// Unlike a scan-only boot allocator, BitmapAllocator supports releasing
// frames, which is required once the kernel stops running exclusively out of
// the boot-time identity map.
type BitmapAllocator struct {
	bitmap     [bitmapWords]uint64
	totalFrame uint64
	usedFrames uint64

	// lastFreeHint speeds up repeated AllocOne calls by remembering where
	// the previous search for a free frame left off.
	lastFreeHint uint64
}

// Init sets up the bitmap allocator: it sizes totalFrame from the
// bootloader-reported memory map (clamped to maxFrames), marks frame 0 and
// the kernel image as used, and then reserves every frame that the
// bootloader's memory map lists as anything other than available. It
// reports an error if the bootloader's memory map describes no usable
// memory at all.
func Init(kernelStartAddr, kernelEndAddr uintptr) *kernel.Error {
	a := &bitmapAllocator

	var highestAddr uint64
	multiboot.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		if end := region.PhysAddress + region.Length; end > highestAddr {
			highestAddr = end
		}
		return true
	})

	a.totalFrame = highestAddr / uint64(mem.PageSize)
	if a.totalFrame > maxFrames {
		a.totalFrame = maxFrames
	}
	if a.totalFrame == 0 {
		return errNoUsableMem
	}

	// Start with every managed frame marked as used; VisitMemRegions will
	// clear the bits that correspond to actually available memory.
	for i := range a.bitmap {
		a.bitmap[i] = ^uint64(0)
	}
	a.usedFrames = a.totalFrame

	multiboot.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		if region.Type != multiboot.MemAvailable {
			return true
		}

		startFrame := region.PhysAddress / uint64(mem.PageSize)
		endFrame := (region.PhysAddress + region.Length) / uint64(mem.PageSize)
		for f := startFrame; f < endFrame && f < a.totalFrame; f++ {
			if a.bitSet(f) {
				a.clearBit(f)
				a.usedFrames--
			}
		}
		return true
	})

	if a.usedFrames == a.totalFrame {
		return errNoUsableMem
	}

	// Page 0 is reserved (real-mode IVT/BDA); never hand it out.
	a.markUsed(Frame(0))

	// Reserve the kernel image itself.
	kernelStartFrame := uint64(kernelStartAddr) / uint64(mem.PageSize)
	kernelEndFrame := (uint64(kernelEndAddr) + uint64(mem.PageSize) - 1) / uint64(mem.PageSize)
	for f := kernelStartFrame; f < kernelEndFrame; f++ {
		a.markUsed(Frame(f))
	}

	kfmt.Printf("[pmm] managing %d MB (%d frames)\n", uint64(a.totalFrame*uint64(mem.PageSize))/uint64(mem.Mb), a.totalFrame)
	kfmt.Printf("[pmm] %d frames used, %d frames free\n", a.usedFrames, a.totalFrame-a.usedFrames)

	return nil
}

func (a *BitmapAllocator) bitSet(frame uint64) bool {
	return a.bitmap[frame/64]&(1<<(frame%64)) != 0
}

func (a *BitmapAllocator) setBit(frame uint64) {
	a.bitmap[frame/64] |= 1 << (frame % 64)
}

func (a *BitmapAllocator) clearBit(frame uint64) {
	a.bitmap[frame/64] &^= 1 << (frame % 64)
}

// markUsed marks a single frame as used regardless of its previous state,
// adjusting usedFrames only if the frame was actually free.
func (a *BitmapAllocator) markUsed(f Frame) {
	frame := uint64(f)
	if frame >= a.totalFrame {
		return
	}
	if !a.bitSet(frame) {
		a.setBit(frame)
		a.usedFrames++
	}
}

// AllocOne reserves and returns the first free physical frame.
func (a *BitmapAllocator) AllocOne() (Frame, *kernel.Error) {
	for i := uint64(0); i < a.totalFrame; i++ {
		frame := (a.lastFreeHint + i) % a.totalFrame
		if !a.bitSet(frame) {
			a.setBit(frame)
			a.usedFrames++
			a.lastFreeHint = frame + 1
			return Frame(frame), nil
		}
	}

	return InvalidFrame, errOutOfMemory
}

// AllocContig reserves and returns the first run of `count` contiguous free
// frames, returning the first Frame in the run.
func (a *BitmapAllocator) AllocContig(count uint64) (Frame, *kernel.Error) {
	if count == 0 {
		return InvalidFrame, errOutOfMemory
	} else if count == 1 {
		return a.AllocOne()
	}

	var run uint64
	for f := uint64(0); f < a.totalFrame; f++ {
		if a.bitSet(f) {
			run = 0
			continue
		}

		run++
		if run == count {
			first := f + 1 - count
			for f := first; f < first+count; f++ {
				a.setBit(f)
			}
			a.usedFrames += count
			return Frame(first), nil
		}
	}

	return InvalidFrame, errOutOfMemory
}

// ReleaseOne returns a previously allocated frame back to the free pool.
func (a *BitmapAllocator) ReleaseOne(f Frame) {
	frame := uint64(f)
	if frame >= a.totalFrame {
		return
	}
	if !a.bitSet(frame) {
		kfmt.Printf("pmm: double free of frame 0x%16x\n", uint64(f)*uint64(mem.PageSize))
		return
	}

	a.clearBit(frame)
	a.usedFrames--
	if frame < a.lastFreeHint {
		a.lastFreeHint = frame
	}
}

// ReleaseContig releases `count` contiguous frames starting at f.
func (a *BitmapAllocator) ReleaseContig(f Frame, count uint64) {
	for i := uint64(0); i < count; i++ {
		a.ReleaseOne(Frame(uint64(f) + i))
	}
}

// IsFree reports whether the given frame is currently unallocated.
func (a *BitmapAllocator) IsFree(f Frame) bool {
	frame := uint64(f)
	if frame >= a.totalFrame {
		return false
	}
	return !a.bitSet(frame)
}

// TotalFrames returns the number of frames this allocator manages.
func (a *BitmapAllocator) TotalFrames() uint64 { return a.totalFrame }

// UsedFrames returns the number of frames currently allocated.
func (a *BitmapAllocator) UsedFrames() uint64 { return a.usedFrames }

// FreeFrames returns the number of frames currently available.
func (a *BitmapAllocator) FreeFrames() uint64 { return a.totalFrame - a.usedFrames }

// AllocFrame implements the vmm.FrameAllocatorFn signature, backed by the
// package-level allocator singleton.
func AllocFrame() (Frame, *kernel.Error) {
	return bitmapAllocator.AllocOne()
}

// ReleaseFrame returns a frame previously obtained from AllocFrame.
func ReleaseFrame(f Frame) {
	bitmapAllocator.ReleaseOne(f)
}

// Stats returns the global allocator's usage counters.
func Stats() (total, used, free uint64) {
	return bitmapAllocator.TotalFrames(), bitmapAllocator.UsedFrames(), bitmapAllocator.FreeFrames()
}

// AllocFrames allocates count physically contiguous frames, e.g. for a
// process's stack region, from the package-level allocator singleton.
func AllocFrames(count uint64) (Frame, *kernel.Error) {
	return bitmapAllocator.AllocContig(count)
}

// ReleaseFrames returns count contiguous frames previously obtained from
// AllocFrames.
func ReleaseFrames(f Frame, count uint64) {
	bitmapAllocator.ReleaseContig(f, count)
}
