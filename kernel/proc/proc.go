// Package proc implements the kernel's process model: the process control
// block, the fixed-size process table, and the two constructors that spawn
// kernel and user tasks. The ready queue and the context-switch mechanics
// that actually run these PCBs live in kernel/sched; this package only
// owns PCB lifecycle (creation, sleep, exit, kill) and lookup.
package proc

import (
	"gopheros/kernel"
	"gopheros/kernel/cpu"
	"gopheros/kernel/gate"
	"gopheros/kernel/irq"
	"gopheros/kernel/mem"
	"gopheros/kernel/mem/pmm"
	"gopheros/kernel/mem/vmm"
)

// State is a PCB's position in its lifecycle.
type State uint8

const (
	// Ready means the PCB is eligible to be picked by the scheduler.
	Ready State = iota
	// Running means the PCB is the one currently executing.
	Running
	// Blocked means the PCB is waiting on a resource and is not in the
	// ready queue.
	Blocked
	// Sleeping means the PCB is waiting for WakeAtTick and is not in the
	// ready queue.
	Sleeping
	// Zombie means the PCB has exited but has not been reclaimed.
	Zombie
	// Dead means the PCB has been killed and its storage is reclaimable.
	Dead
)

// String returns the name used by diagnostic output such as Snapshot.
func (s State) String() string {
	switch s {
	case Ready:
		return "READY"
	case Running:
		return "RUNNING"
	case Blocked:
		return "BLOCKED"
	case Sleeping:
		return "SLEEPING"
	case Zombie:
		return "ZOMBIE"
	case Dead:
		return "DEAD"
	default:
		return "UNKNOWN"
	}
}

const (
	maxProcesses = 256

	kernelStackPages = 4 // 16 KiB
	userStackPages   = 4 // 16 KiB
	userCodePages    = 4 // 16 KiB

	// userStackVirtBase and userCodeVirtBase sit in PML4 entry 1, well
	// above the kernel's identity-mapped lower-half range, so a process's
	// lower-half mappings can never alias kernel memory. Grounded on
	// original_source/kernel/sched/process.c's process_create_user.
	userStackVirtBase = uintptr(0x8000000000)
	userCodeVirtBase  = uintptr(0x8000010000)

	defaultTimeSlice = uint64(10)

	// rflagsInterruptEnable is the initial RFLAGS value for a freshly
	// spawned task: the IF bit (0x200) plus bit 1 (0x2), which the CPU
	// always reads as set.
	rflagsInterruptEnable = uint64(0x202)

	// rescheduleVector is the software interrupt vector used to force a
	// synchronous reschedule. It is dedicated to voluntary reschedules
	// (Sleep, Exit) and deliberately distinct from the timer's own
	// vector 32 (IRQ0 remapped), so it never re-enters the hardware
	// tick handler and double-counts timer.Ticks(). Matches
	// kernel/sched's rescheduleVector.
	rescheduleVector = uint8(0x81)
)

var (
	errTableFull = &kernel.Error{Module: "proc", Message: "process table is full"}

	// allocFramesFn, releaseFramesFn, newAddressSpaceFn and destroySpaceFn
	// are package vars wrapping the pmm/vmm entry points SpawnKernel and
	// SpawnUser depend on, so tests can exercise PCB construction without
	// a live frame allocator or real paging structures.
	allocFramesFn        = pmm.AllocFrames
	releaseFramesFn      = pmm.ReleaseFrames
	newAddressSpaceFn    = vmm.NewAddressSpace
	destroySpaceFn       = vmm.DestroySpace
	currentSpaceFn       = vmm.CurrentAddressSpace
	physToVirtFn         = vmm.PhysToVirt
	memcopyFn            = mem.Memcopy
	softwareInterruptFn  = cpu.SoftwareInterrupt
	haltFn               = cpu.Halt

	// spaceMapFn wraps (*vmm.AddressSpace).Map so SpawnUser's mapping
	// loops can be tested without a live frame allocator or real paging
	// structures backing the target address space.
	spaceMapFn = func(space *vmm.AddressSpace, page vmm.Page, frame pmm.Frame, flags vmm.PageTableEntryFlag) *kernel.Error {
		return space.Map(page, frame, flags)
	}
)

// Context is a PCB's saved CPU state: the hardware-pushed exception frame
// together with the general-purpose register snapshot the IC dispatcher
// captures alongside it. The scheduler copies a Context to and from the
// live interrupt frame on every switch.
type Context struct {
	Regs  irq.Regs
	Frame irq.Frame
}

// PCB is a process control block. Field list matches the data model:
// identity, lifecycle state, saved register frame, address space and
// stacks, scheduling metadata, and the intrusive queue links the scheduler
// uses for O(1) ready-queue membership.
type PCB struct {
	PID       uint32
	ParentPID uint32
	Name      string
	State     State
	ExitCode  int32

	Context Context

	AddressSpace *vmm.AddressSpace

	Ring0Stack uintptr
	Ring3Stack uintptr

	Priority     uint8
	TimeSlice    uint64
	TimeUsed     uint64
	AccruedTicks uint64
	WakeAtTick   uint64

	// Next, Prev and InReadyQueue belong to kernel/sched's ready queue.
	// kernel/proc never reads them directly; they exist so the ready
	// queue can splice PCBs in and out without a separate node
	// allocation, and so RegisterReadyQueue's hooks are idempotent.
	Next, Prev   *PCB
	InReadyQueue bool

	kernelStackFrame pmm.Frame
	userStackFrame   pmm.Frame
	userCodeFrame    pmm.Frame
}

var (
	table   [maxProcesses]*PCB
	nextPID = uint32(1)
	current *PCB

	// enqueueReadyFn and dequeueReadyFn are installed by kernel/sched via
	// RegisterReadyQueue. kernel/proc cannot import kernel/sched directly
	// (sched already imports proc for the PCB type), so the invariant
	// that the ready queue contains exactly the READY PCBs is maintained
	// through this pair of hooks instead.
	enqueueReadyFn = func(*PCB) {}
	dequeueReadyFn = func(*PCB) {}
)

// RegisterReadyQueue installs the ready-queue enqueue/dequeue operations
// that Sleep, Exit, Kill and WakeSweep use to keep "in ready queue iff
// READY" true. Called once by kernel/sched during startup.
func RegisterReadyQueue(enqueue, dequeue func(*PCB)) {
	enqueueReadyFn = enqueue
	dequeueReadyFn = dequeue
}

// Init resets the process table. Called once during kernel startup before
// any task is spawned.
func Init() {
	table = [maxProcesses]*PCB{}
	nextPID = 1
	current = nil
}

func allocPID() uint32 {
	pid := nextPID
	nextPID++
	return pid
}

func addToTable(p *PCB) *kernel.Error {
	for i := range table {
		if table[i] == nil {
			table[i] = p
			return nil
		}
	}
	return errTableFull
}

func removeFromTable(p *PCB) {
	for i := range table {
		if table[i] == p {
			table[i] = nil
			return
		}
	}
}

// Current returns the PCB currently marked RUNNING, or nil before the
// first context switch.
func Current() *PCB {
	return current
}

// SetCurrent records which PCB is the one currently executing. Called by
// kernel/sched as part of a context switch; kernel/proc never calls it
// itself.
func SetCurrent(p *PCB) {
	current = p
}

// GetByPID looks up a PCB by its process id.
func GetByPID(pid uint32) *PCB {
	for _, p := range table {
		if p != nil && p.PID == pid {
			return p
		}
	}
	return nil
}

// Info is a read-only snapshot of one PCB's diagnostic fields, as returned
// by Snapshot. Supplemented from original_source's process_list.
type Info struct {
	PID          uint32
	Name         string
	State        State
	Priority     uint8
	AccruedTicks uint64
}

// Snapshot returns a diagnostic dump of every live PCB, in table order.
// Grounded on original_source/kernel/sched/process.c's process_list, used
// by the boot banner rather than a dedicated ps command.
func Snapshot() []Info {
	var out []Info
	for _, p := range table {
		if p == nil {
			continue
		}
		out = append(out, Info{
			PID:          p.PID,
			Name:         p.Name,
			State:        p.State,
			Priority:     p.Priority,
			AccruedTicks: p.AccruedTicks,
		})
	}
	return out
}

func parentPID() uint32 {
	if current != nil {
		return current.PID
	}
	return 0
}

// SpawnKernel creates a new task that runs in ring 0 sharing the kernel's
// own address space. entry is the instruction pointer the task begins
// execution at. Grounded on
// original_source/kernel/sched/process.c's process_create_kernel_task.
func SpawnKernel(entry uintptr, name string, priority uint8) (*PCB, *kernel.Error) {
	stackFrame, err := allocFramesFn(kernelStackPages)
	if err != nil {
		return nil, err
	}
	stackTop := physToVirtFn(stackFrame.Address()) + uintptr(kernelStackPages)*uintptr(mem.PageSize)

	p := &PCB{
		PID:              allocPID(),
		ParentPID:        parentPID(),
		Name:             name,
		State:            Ready,
		Priority:         priority,
		TimeSlice:        defaultTimeSlice,
		AddressSpace:     currentSpaceFn(),
		Ring0Stack:       stackTop,
		kernelStackFrame: stackFrame,
	}
	p.Context.Frame.RIP = uint64(entry)
	p.Context.Frame.RSP = uint64(stackTop)
	p.Context.Frame.RFlags = rflagsInterruptEnable
	p.Context.Frame.CS = uint64(gate.KernelCodeSelector)
	p.Context.Frame.SS = uint64(gate.KernelDataSelector)

	if err := addToTable(p); err != nil {
		releaseFramesFn(stackFrame, kernelStackPages)
		return nil, err
	}
	enqueueReadyFn(p)

	return p, nil
}

// SpawnUser creates a new task that runs in ring 3 in a fresh address
// space. entryInKernel points at 16 KiB of already-loaded code reachable
// through the kernel's own mappings (e.g. an embedded program image); it is
// copied into the frames backing the new process's user code region, which
// is mapped only into the new address space, not the kernel's. Grounded on
// original_source/kernel/sched/process.c's process_create_user, including
// its choice to build the new page tables without ever switching CR3.
func SpawnUser(entryInKernel uintptr, name string, priority uint8) (*PCB, *kernel.Error) {
	kstackFrame, err := allocFramesFn(kernelStackPages)
	if err != nil {
		return nil, err
	}
	kstackTop := physToVirtFn(kstackFrame.Address()) + uintptr(kernelStackPages)*uintptr(mem.PageSize)

	ustackFrame, err := allocFramesFn(userStackPages)
	if err != nil {
		releaseFramesFn(kstackFrame, kernelStackPages)
		return nil, err
	}

	space, err := newAddressSpaceFn()
	if err != nil {
		releaseFramesFn(kstackFrame, kernelStackPages)
		releaseFramesFn(ustackFrame, userStackPages)
		return nil, err
	}

	codeFrame, err := allocFramesFn(userCodePages)
	if err != nil {
		destroySpaceFn(space)
		releaseFramesFn(kstackFrame, kernelStackPages)
		releaseFramesFn(ustackFrame, userStackPages)
		return nil, err
	}

	const userFlags = vmm.FlagPresent | vmm.FlagRW | vmm.FlagUser

	for i := uintptr(0); i < userStackPages; i++ {
		virt := userStackVirtBase + i*uintptr(mem.PageSize)
		frame := ustackFrame + pmm.Frame(i)
		if err := spaceMapFn(space, vmm.PageFromAddress(virt), frame, userFlags); err != nil {
			destroySpaceFn(space)
			releaseFramesFn(kstackFrame, kernelStackPages)
			releaseFramesFn(ustackFrame, userStackPages)
			releaseFramesFn(codeFrame, userCodePages)
			return nil, err
		}
	}

	for i := uintptr(0); i < userCodePages; i++ {
		virt := userCodeVirtBase + i*uintptr(mem.PageSize)
		frame := codeFrame + pmm.Frame(i)
		if err := spaceMapFn(space, vmm.PageFromAddress(virt), frame, userFlags); err != nil {
			destroySpaceFn(space)
			releaseFramesFn(kstackFrame, kernelStackPages)
			releaseFramesFn(ustackFrame, userStackPages)
			releaseFramesFn(codeFrame, userCodePages)
			return nil, err
		}
	}

	codeSize := uintptr(userCodePages) * uintptr(mem.PageSize)
	memcopyFn(entryInKernel, physToVirtFn(codeFrame.Address()), codeSize)

	ustackTop := userStackVirtBase + uintptr(userStackPages)*uintptr(mem.PageSize)

	p := &PCB{
		PID:              allocPID(),
		ParentPID:        parentPID(),
		Name:             name,
		State:            Ready,
		Priority:         priority,
		TimeSlice:        defaultTimeSlice,
		AddressSpace:     space,
		Ring0Stack:       kstackTop,
		Ring3Stack:       ustackTop,
		kernelStackFrame: kstackFrame,
		userStackFrame:   ustackFrame,
		userCodeFrame:    codeFrame,
	}
	p.Context.Frame.RIP = uint64(userCodeVirtBase)
	p.Context.Frame.RSP = uint64(ustackTop)
	p.Context.Frame.RFlags = rflagsInterruptEnable
	p.Context.Frame.CS = uint64(gate.UserCodeSelector | 3)
	p.Context.Frame.SS = uint64(gate.UserDataSelector | 3)

	if err := addToTable(p); err != nil {
		destroySpaceFn(space)
		releaseFramesFn(kstackFrame, kernelStackPages)
		releaseFramesFn(ustackFrame, userStackPages)
		releaseFramesFn(codeFrame, userCodePages)
		return nil, err
	}
	enqueueReadyFn(p)

	return p, nil
}

// Sleep puts the current task to sleep until at least ticks timer ticks
// have elapsed, then synchronously reschedules. It never returns into the
// caller directly; execution resumes here once the task is woken and
// picked again.
func Sleep(ticks uint64, now uint64) {
	if current == nil {
		return
	}
	dequeueReadyFn(current)
	current.WakeAtTick = now + ticks
	current.State = Sleeping
	softwareInterruptFn(rescheduleVector)
}

// Exit marks the current task ZOMBIE with the given exit code and
// reschedules. It never returns.
func Exit(code int32) {
	if current == nil {
		return
	}
	dequeueReadyFn(current)
	current.ExitCode = code
	current.State = Zombie
	softwareInterruptFn(rescheduleVector)
	for {
		haltFn()
	}
}

// Kill marks the task with the given pid DEAD and removes it from the ready
// queue. It does not release the task's frames or address space; those stay
// allocated until Reap is called on the PCB.
func Kill(pid uint32) *kernel.Error {
	p := GetByPID(pid)
	if p == nil {
		return &kernel.Error{Module: "proc", Message: "no such process"}
	}
	dequeueReadyFn(p)
	p.State = Dead
	return nil
}

// Reap releases a DEAD task's resources and removes it from the process
// table. kernel/sched does not call it, and it does not check whether p is
// the current task.
func Reap(p *PCB) {
	removeFromTable(p)
	releaseFramesFn(p.kernelStackFrame, kernelStackPages)
	// Ring3Stack is only set for user tasks, which are the only ones that
	// own a private address space; kernel tasks share kernelSpace.
	if p.Ring3Stack != 0 {
		releaseFramesFn(p.userStackFrame, userStackPages)
		releaseFramesFn(p.userCodeFrame, userCodePages)
		destroySpaceFn(p.AddressSpace)
	}
}

// WakeSweep promotes every SLEEPING task whose WakeAtTick has arrived back
// to READY. Grounded on
// original_source/kernel/sched/process.c's process_wakeup_sleeping.
func WakeSweep(now uint64) {
	for _, p := range table {
		if p != nil && p.State == Sleeping && now >= p.WakeAtTick {
			p.State = Ready
			enqueueReadyFn(p)
		}
	}
}
