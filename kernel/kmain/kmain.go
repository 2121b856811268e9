// Package kmain wires together every subsystem this kernel owns into the
// single boot sequence the rt0 assembly stub hands control to. Grounded on
// the teacher's own kmain.go, re-sequenced for the additional subsystems
// (interrupts, scheduler, syscalls, storage) this kernel adds on top of the
// teacher's memory-management-only boot path.
package kmain

import (
	"gopheros/kernel"
	"gopheros/kernel/driver/block"
	"gopheros/kernel/fs/simplefs"
	"gopheros/kernel/fs/vfs"
	"gopheros/kernel/gate"
	"gopheros/kernel/goruntime"
	"gopheros/kernel/hal"
	"gopheros/kernel/hal/multiboot"
	"gopheros/kernel/irq"
	"gopheros/kernel/kfmt"
	"gopheros/kernel/mem"
	"gopheros/kernel/mem/heap"
	"gopheros/kernel/mem/pmm"
	"gopheros/kernel/mem/vmm"
	"gopheros/kernel/proc"
	"gopheros/kernel/sched"
	"gopheros/kernel/syscall"
	"gopheros/kernel/timer"
)

const (
	// kernelVMABase is the virtual address the kernel is linked at by its
	// linker script, the standard x86-64 higher-half offset. vmm.Init
	// uses it to tell the kernel's own ELF sections apart from anything
	// else multiboot reports.
	kernelVMABase = uintptr(0xffffffff80000000)

	// timerFrequency is the PIT rate the scheduler's preemption and
	// sys_sleep's millisecond-to-tick conversion are both built around.
	timerFrequency = 100

	// picOffset1/picOffset2 remap the master/slave 8259 PICs so that
	// IRQ0-15 land on vectors 32-47, clear of the CPU exception range.
	picOffset1 = 0x20
	picOffset2 = 0x28

	// heapInitialSize is the initial size of the kernel heap's backing
	// region; the allocator grows it on demand past this point.
	heapInitialSize = 4 * mem.Mb

	// rootBlockDevice is the block device name the root filesystem is
	// expected to live on, matching original_source's fixed "hda" mount
	// target (the first identified primary-master drive).
	rootBlockDevice = "hda"
)

// Kmain is the only Go symbol visible (exported) to the rt0 initialization
// code. It is invoked after rt0 has set up the GDT and a minimal g0 struct
// that lets Go code run on the small stack the bootloader handed it.
//
// The rt0 code passes the multiboot info payload's address together with
// the physical start/end addresses of the loaded kernel image.
//
// Kmain is not expected to return. If it does, the rt0 code halts the CPU.
//
//go:noinline
func Kmain(multibootInfoPtr, kernelStart, kernelEnd uintptr) {
	multiboot.SetInfoPtr(multibootInfoPtr)
	gate.Init()

	var err *kernel.Error
	if err = pmm.Init(kernelStart, kernelEnd); err != nil {
		kernel.Panic(err)
	}
	vmm.SetFrameAllocator(pmm.AllocFrame)
	if err = vmm.Init(kernelVMABase); err != nil {
		kernel.Panic(err)
	}
	if err = goruntime.Init(); err != nil {
		kernel.Panic(err)
	}
	if err = heap.Init(heapInitialSize); err != nil {
		kernel.Panic(err)
	}

	irq.InitPIC(picOffset1, picOffset2)
	timer.Init(timerFrequency)

	hal.DetectHardware()

	proc.Init()
	sched.Init()
	sched.SetTickSource(timer.Ticks)
	syscall.Init()

	vfs.Init()
	mountRootFilesystem()

	sched.Start()

	// Sleep forever between ticks; Schedule() runs entirely from the
	// timer interrupt and never needs this goroutine's attention again.
	for {
		timer.SleepTicks(1)
	}
}

// mountRootFilesystem probes the ATA buses for a root disk and mounts its
// simplefs contents at "/". A system with no disk still boots; it simply
// has no filesystem to serve sys_open/sys_read against.
func mountRootFilesystem() {
	block.ProbeAll()

	dev := block.Get(rootBlockDevice)
	if dev == nil {
		kfmt.Printf("kmain: no %s block device found, booting without a root filesystem\n", rootBlockDevice)
		return
	}

	fs, err := simplefs.Mount(dev)
	if err != nil {
		kfmt.Printf("kmain: mounting simplefs on %s failed: %s\n", rootBlockDevice, err.Message)
		return
	}

	if err := vfs.Mount("/", fs.AsFileSystem()); err != nil {
		kfmt.Printf("kmain: mounting root filesystem failed: %s\n", err.Message)
	}
}
