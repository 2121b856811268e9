// Package gate builds the GDT and TSS that back ring transitions on amd64.
// It owns the segment selectors the rest of the kernel treats as fixed
// constants and the single ring-0 stack pointer the CPU consults whenever a
// ring-3 context takes a trap, interrupt or syscall.
package gate

import "unsafe"

// Segment selectors. Their values are part of the kernel's ABI: user-mode
// code built against these constants expects them to never move.
const (
	NullSelector       = uint16(0x00)
	KernelCodeSelector = uint16(0x08)
	KernelDataSelector = uint16(0x10)
	UserCodeSelector   = uint16(0x18) // RPL=3 -> 0x1B
	UserDataSelector   = uint16(0x20) // RPL=3 -> 0x23
	TSSSelector        = uint16(0x28)
)

// Access byte bits (present, DPL, descriptor type, segment type).
const (
	accPresent   = uint8(1 << 7)
	accRing0     = uint8(0 << 5)
	accRing3     = uint8(3 << 5)
	accCodeData  = uint8(1 << 4) // S bit: code/data, not a system descriptor
	accExecute   = uint8(1 << 3)
	accReadWrite = uint8(1 << 1)

	accTSS = uint8(0x89) // present, ring0, 64-bit TSS (available), type=9
)

// Granularity byte: 4KB pages, 64-bit long mode code, 20-bit limit.
const (
	granPage   = uint8(1 << 7)
	granLong   = uint8(1 << 5)
	granLimit4 = uint8(0x0f)
)

// descriptor is a classic 8-byte segment descriptor.
type descriptor struct {
	limitLow  uint16
	baseLow   uint16
	baseMid   uint8
	access    uint8
	granLimit uint8
	baseHigh  uint8
}

// tssDescriptor is the 16-byte system descriptor a 64-bit TSS occupies; it
// consumes two consecutive 8-byte slots in the GDT.
type tssDescriptor struct {
	descriptor
	baseUpper uint32
	reserved  uint32
}

// pointer is the operand loaded by LGDT.
type pointer struct {
	limit uint16
	base  uint64
}

// TSS is the 64-bit task state segment. In long mode its only roles are
// supplying the ring-0/1/2 stack pointers consulted on a privilege-level
// change and the interrupt stack table used by a handful of critical
// vectors.
type TSS struct {
	reserved0 uint32
	RSP0      uint64
	RSP1      uint64
	RSP2      uint64
	reserved1 uint64
	IST       [7]uint64
	reserved2 uint64
	reserved3 uint16
	IOMapBase uint16
}

const interruptStackSize = 16 * 1024

var (
	// gdt holds 5 plain descriptors (null, kcode, kdata, ucode, udata)
	// plus the two slots the 64-bit TSS descriptor occupies.
	gdt    [7]descriptor
	gdtPtr pointer

	kernelTSS TSS
	// interruptStack backs RSP0.
	interruptStack [interruptStackSize]byte

	// flushFn and loadTSSFn are package vars so tests can observe that
	// Init assembled the tables correctly without executing privileged
	// instructions.
	flushFn   = flushSegments
	loadTSSFn = loadTSS
)

func setDescriptor(d *descriptor, base uint32, limit uint32, access, gran uint8) {
	d.limitLow = uint16(limit & 0xffff)
	d.baseLow = uint16(base & 0xffff)
	d.baseMid = uint8((base >> 16) & 0xff)
	d.baseHigh = uint8((base >> 24) & 0xff)
	d.granLimit = uint8((limit>>16)&0x0f) | (gran &^ granLimit4)
	d.access = access
}

// Init assembles the GDT and TSS, installs the TSS descriptor across its two
// slots, loads the GDT register, reloads every segment register and loads
// the task register with TSSSelector.
func Init() {
	kernelTSS = TSS{}
	kernelTSS.RSP0 = uint64(uintptr(unsafe.Pointer(&interruptStack[0]))) + interruptStackSize
	kernelTSS.IOMapBase = uint16(unsafe.Sizeof(TSS{}))

	setDescriptor(&gdt[0], 0, 0, 0, 0)
	setDescriptor(&gdt[1], 0, 0xfffff, accPresent|accRing0|accCodeData|accExecute|accReadWrite, granPage|granLong)
	setDescriptor(&gdt[2], 0, 0xfffff, accPresent|accRing0|accCodeData|accReadWrite, granPage)
	setDescriptor(&gdt[3], 0, 0xfffff, accPresent|accRing3|accCodeData|accExecute|accReadWrite, granPage|granLong)
	setDescriptor(&gdt[4], 0, 0xfffff, accPresent|accRing3|accCodeData|accReadWrite, granPage)

	tssAddr := uint64(uintptr(unsafe.Pointer(&kernelTSS)))
	tssLimit := uint32(unsafe.Sizeof(TSS{})) - 1
	tssDesc := (*tssDescriptor)(unsafe.Pointer(&gdt[5]))
	setDescriptor(&tssDesc.descriptor, uint32(tssAddr), tssLimit, accTSS, 0)
	tssDesc.baseUpper = uint32(tssAddr >> 32)
	tssDesc.reserved = 0

	gdtPtr.limit = uint16(unsafe.Sizeof(gdt)) - 1
	gdtPtr.base = uint64(uintptr(unsafe.Pointer(&gdt[0])))

	flushFn(&gdtPtr)
	loadTSSFn(TSSSelector)
}

// SetKernelStack updates RSP0. The scheduler calls this on every context
// switch so a trap taken while a user process is running lands on that
// process's own kernel stack rather than the boot stack.
func SetKernelStack(rsp0 uintptr) {
	kernelTSS.RSP0 = uint64(rsp0)
}

// flushSegments loads GDTR with ptr, reloads the data segment registers
// with KernelDataSelector and performs a far return to reload CS with
// KernelCodeSelector.
func flushSegments(ptr *pointer)

// loadTSS loads the task register with the given selector.
func loadTSS(selector uint16)
