// Package syscall is the int 0x80 gate: a handler table indexed by syscall
// number and a Dispatch function registered against vector 0x80 via
// irq.HandleInterrupt. Grounded on
// original_source/kernel/arch/x86_64/syscall.c, which drives the same
// table-of-function-pointers design (syscall_table, syscall_dispatcher)
// this package mirrors as a Go slice of closures.
package syscall

import (
	"gopheros/kernel"
	"gopheros/kernel/fs/vfs"
	"gopheros/kernel/hal"
	"gopheros/kernel/irq"
	"gopheros/kernel/proc"
	"gopheros/kernel/sched"
	"gopheros/kernel/timer"
	"reflect"
	"unsafe"
)

// Syscall numbers, matching original_source/kernel/include/kernel/syscall.h.
// Fork/Exec/Wait/Malloc/Free are reserved slots with no handler registered,
// exactly as in the C original, and Dispatch reports them as unimplemented.
const (
	Exit    = 0
	Write   = 1
	Read    = 2
	Open    = 3
	Close   = 4
	GetPID  = 5
	Sleep   = 6
	Yield   = 7
	Fork    = 8
	Exec    = 9
	Wait    = 10
	Malloc  = 11
	Free    = 12
	Time    = 13
	GetChar = 14
	PutChar = 15

	// Count is the size of the handler table (SYSCALL_COUNT).
	Count = 16

	// Vector is the software interrupt number user tasks invoke via
	// "int 0x80" to reach Dispatch.
	Vector = 0x80
)

// ticksPerSecond matches timer.Init's boot-time frequency; sys_sleep's
// millisecond-to-tick conversion needs it to reproduce the original's
// "(ms+9)/10 at 100Hz" rounding-up behavior at whatever rate this kernel
// actually ticks at.
const ticksPerSecond = 100

// handler receives the raw interrupt/register frame delivered by vector
// 0x80 and returns the value to place back in RAX.
type handler func(frame *irq.Frame, regs *irq.Regs) int64

var table [Count]handler

// The following package vars indirect every call this package makes into
// another subsystem, the same seam-for-testing idiom kernel/proc and
// kernel/driver/block use for their own externally-supplied dependencies
// (allocFramesFn, outbFn, ...): tests install fakes here instead of
// driving real hardware, a PCB table, or a mounted filesystem.
var (
	activeTTYFn    = hal.ActiveTTY
	currentFn      = proc.Current
	exitFn         = proc.Exit
	sleepFn        = proc.Sleep
	yieldFn        = sched.Yield
	ticksFn        = timer.Ticks
	uptimeMillisFn = timer.UptimeMillis
	vfsOpenFn      = vfs.Open
	vfsCloseFn     = vfs.Close
	vfsReadFn      = vfs.Read
)

func init() {
	table[Exit] = handleExit
	table[Write] = handleWrite
	table[Read] = handleRead
	table[Open] = handleOpen
	table[Close] = handleClose
	table[GetPID] = handleGetPID
	table[Sleep] = handleSleep
	table[Yield] = handleYield
	table[Time] = handleTime
	table[GetChar] = handleGetChar
	table[PutChar] = handlePutChar
}

// Init registers Dispatch as the handler for interrupt vector 0x80.
func Init() {
	irq.HandleInterrupt(Vector, Dispatch)
}

// Dispatch is the syscall_dispatcher equivalent: it reads the syscall
// number from RAX, looks up the matching handler and stores its result
// back in RAX. An out-of-range or unregistered number yields -1.
func Dispatch(frame *irq.Frame, regs *irq.Regs) {
	num := regs.RAX
	if num >= Count || table[num] == nil {
		regs.RAX = uint64(-1)
		return
	}
	regs.RAX = uint64(table[num](frame, regs))
}

// validateUserRange is a placeholder for the bounds/permission check a
// real syscall gate needs before touching a user-supplied pointer: it is
// consulted on every syscall that dereferences user memory but rejects only
// a nil address with a non-zero size. userBytes below is consequently able
// to read or write any other address the caller names, kernel memory
// included — the same hole
// sys_write carries in original_source (see its "TODO: Validate user
// pointer" comments on sys_write/sys_open/sys_read), just made explicit
// here as a named checkpoint instead of a silent omission.
func validateUserRange(addr uintptr, size uint64) *kernel.Error {
	if addr == 0 && size > 0 {
		return errBadPointer
	}
	return nil
}

// userBytes overlays a []byte on top of a raw user-space address, the same
// reflect.SliceHeader technique kernel/mem.Memset/Memcopy use to turn a
// bare uintptr into a slice without an allocation.
func userBytes(addr uintptr, size uint64) []byte {
	return *(*[]byte)(unsafe.Pointer(&reflect.SliceHeader{
		Data: addr,
		Len:  int(size),
		Cap:  int(size),
	}))
}

var errBadPointer = &kernel.Error{Module: "syscall", Message: "invalid user pointer"}

// handleExit implements sys_exit: rdi = exit code. Never returns into its
// caller; proc.Exit reschedules away from the exiting task.
func handleExit(_ *irq.Frame, regs *irq.Regs) int64 {
	exitFn(int32(regs.RDI))
	return 0
}

// handleWrite implements sys_write: rdi = fd, rsi = buf, rdx = count.
// Only fd 1 (stdout) and fd 2 (stderr) are supported, matching the
// original, which has no VFS-backed stdout/stderr device yet; both are
// routed straight to the active console rather than through kernel/fs/vfs.
func handleWrite(_ *irq.Frame, regs *irq.Regs) int64 {
	fd := int64(regs.RDI)
	if fd != 1 && fd != 2 {
		return -1
	}
	if err := validateUserRange(uintptr(regs.RSI), regs.RDX); err != nil {
		return -1
	}

	con := activeTTYFn()
	if con == nil {
		return int64(regs.RDX)
	}

	buf := userBytes(uintptr(regs.RSI), regs.RDX)
	n, err := con.Write(buf)
	if err != nil {
		return -1
	}
	return int64(n)
}

// handleRead implements sys_read: rdi = fd, rsi = buf, rdx = count.
// Delegates to kernel/fs/vfs.Read, matching sys_read's "return
// vfs_read(fd, buf, count)".
func handleRead(_ *irq.Frame, regs *irq.Regs) int64 {
	if err := validateUserRange(uintptr(regs.RSI), regs.RDX); err != nil {
		return -1
	}
	buf := userBytes(uintptr(regs.RSI), regs.RDX)
	n, err := vfsReadFn(int(regs.RDI), buf)
	if err != nil {
		return -1
	}
	return int64(n)
}

// handleOpen implements sys_open: rdi = path, rsi = flags.
func handleOpen(_ *irq.Frame, regs *irq.Regs) int64 {
	if err := validateUserRange(uintptr(regs.RDI), 1); err != nil {
		return -1
	}
	path := cString(uintptr(regs.RDI))
	fd, err := vfsOpenFn(path, uint32(regs.RSI))
	if err != nil {
		return -1
	}
	return int64(fd)
}

// handleClose implements sys_close: rdi = fd.
func handleClose(_ *irq.Frame, regs *irq.Regs) int64 {
	if err := vfsCloseFn(int(regs.RDI)); err != nil {
		return -1
	}
	return 0
}

// handleGetPID implements sys_getpid, returning 0 if called with no
// current task (should not happen once the scheduler is running).
func handleGetPID(_ *irq.Frame, _ *irq.Regs) int64 {
	if current := currentFn(); current != nil {
		return int64(current.PID)
	}
	return 0
}

// handleSleep implements sys_sleep: rdi = milliseconds. Converts to ticks
// with the same round-up-at-100Hz arithmetic as the original.
func handleSleep(_ *irq.Frame, regs *irq.Regs) int64 {
	ms := regs.RDI
	if ms == 0 {
		return 0
	}
	ticksPerMilli := uint64(1000 / ticksPerSecond)
	ticks := (ms + ticksPerMilli - 1) / ticksPerMilli
	sleepFn(ticks, ticksFn())
	return 0
}

// handleYield implements sys_yield.
func handleYield(_ *irq.Frame, _ *irq.Regs) int64 {
	yieldFn()
	return 0
}

// handleTime implements sys_time.
func handleTime(_ *irq.Frame, _ *irq.Regs) int64 {
	return int64(uptimeMillisFn())
}

// handleGetChar implements sys_getchar. original_source stubs this out
// pending a keyboard input buffer ("TODO: Implement keyboard input
// buffer") and this port carries the same gap forward rather than
// inventing keyboard support the rest of the kernel has no driver for.
func handleGetChar(_ *irq.Frame, _ *irq.Regs) int64 {
	return -1
}

// handlePutChar implements sys_putchar: rdi = character.
func handlePutChar(_ *irq.Frame, regs *irq.Regs) int64 {
	con := activeTTYFn()
	if con == nil {
		return 0
	}
	if err := con.WriteByte(byte(regs.RDI)); err != nil {
		return -1
	}
	return 0
}

// cString reads a NUL-terminated string starting at addr. There is no
// length limit passed in by the caller (sys_open takes no path length
// argument, matching the original's bare "const char *path"), so this
// walks byte by byte until it finds the terminator.
func cString(addr uintptr) string {
	raw := userBytes(addr, 4096)
	for i, b := range raw {
		if b == 0 {
			return string(raw[:i])
		}
	}
	return string(raw)
}
