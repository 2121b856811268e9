// Package sched implements the preemptive round-robin scheduler. It owns
// the ready queue and the context-switch logic that runs on every timer
// tick; kernel/proc owns PCB lifecycle and lends it the queue links each
// PCB carries.
package sched

import (
	"gopheros/kernel/cpu"
	"gopheros/kernel/gate"
	"gopheros/kernel/irq"
	"gopheros/kernel/kfmt"
	"gopheros/kernel/mem/vmm"
	"gopheros/kernel/proc"
)

const timerIRQLine = uint8(0)

// rescheduleVector is the software interrupt vector used to force a
// synchronous reschedule; the same one kernel/proc's Sleep and Exit raise,
// and the one Yield raises directly. It is deliberately distinct from the
// timer's own vector (32, IRQ0 remapped) so a voluntary reschedule never
// re-enters the hardware tick handler: sharing vector 32 would make every
// Yield/Sleep/Exit call spuriously increment timer.Ticks() and issue a PIC
// EOI for an interrupt that never fired. It sits next to the syscall
// gate's 0x80.
const rescheduleVector = uint8(0x81)

var (
	readyHead, readyTail *proc.PCB
	readyCount           int
	running              bool
	totalSwitches        uint64

	currentSpaceFn   = vmm.CurrentAddressSpace
	switchToFn       = vmm.SwitchTo
	setKernelStackFn = gate.SetKernelStack
)

// Init wires the ready queue into kernel/proc and registers Schedule both
// as the second subscriber on IRQ0 (after kernel/timer's tick bookkeeping,
// for preemption) and as the sole handler of the dedicated reschedule
// vector (for voluntary Yield/Sleep/Exit calls). These are two distinct
// entry points into the same Schedule function, not a shared vector.
func Init() {
	readyHead, readyTail = nil, nil
	readyCount = 0
	running = false
	totalSwitches = 0

	proc.RegisterReadyQueue(enqueueReady, dequeueReady)
	irq.HandleIRQ(timerIRQLine, Schedule)
	irq.HandleInterrupt(rescheduleVector, Schedule)

	kfmt.Printf("sched: initialized (round-robin)\n")
}

// Start allows Schedule to begin picking tasks. Before Start, Schedule is a
// no-op even though it keeps running on every tick.
func Start() {
	running = true
	kfmt.Printf("sched: started\n")
}

// Stop freezes the currently RUNNING task in place; Schedule becomes a
// no-op again.
func Stop() {
	running = false
	kfmt.Printf("sched: stopped\n")
}

// IsRunning reports whether Schedule is currently allowed to switch tasks.
func IsRunning() bool {
	return running
}

// enqueueReady appends p to the tail of the ready queue. Grounded on
// original_source/kernel/sched/scheduler.c's scheduler_add_process.
func enqueueReady(p *proc.PCB) {
	if p.InReadyQueue {
		return
	}
	p.Next, p.Prev = nil, nil
	if readyHead == nil {
		readyHead, readyTail = p, p
	} else {
		readyTail.Next = p
		p.Prev = readyTail
		readyTail = p
	}
	p.InReadyQueue = true
	readyCount++
}

// dequeueReady splices p out of the ready queue. A no-op if p is not
// currently in it (e.g. it is the RUNNING task, which never sits in the
// queue). Grounded on
// original_source/kernel/sched/scheduler.c's scheduler_remove_process.
func dequeueReady(p *proc.PCB) {
	if !p.InReadyQueue {
		return
	}
	if p.Prev != nil {
		p.Prev.Next = p.Next
	} else {
		readyHead = p.Next
	}
	if p.Next != nil {
		p.Next.Prev = p.Prev
	} else {
		readyTail = p.Prev
	}
	p.Next, p.Prev = nil, nil
	p.InReadyQueue = false
	readyCount--
}

// pickNext performs the wakeup sweep and then rotates the ready queue,
// returning its former head. Grounded on
// original_source/kernel/sched/scheduler.c's scheduler_pick_next.
func pickNext(now uint64) *proc.PCB {
	proc.WakeSweep(now)

	if readyHead == nil {
		return nil
	}

	next := readyHead
	dequeueReady(next)
	enqueueReady(next)
	return next
}

// saveContext copies the live interrupt frame into a PCB's saved context,
// the inverse of restoreContext.
func saveContext(p *proc.PCB, frame *irq.Frame, regs *irq.Regs) {
	p.Context.Regs = *regs
	p.Context.Frame = *frame
}

// restoreContext copies a PCB's saved context into the live interrupt
// frame, the mechanism by which the pending iret resumes a different task.
func restoreContext(p *proc.PCB, frame *irq.Frame, regs *irq.Regs) {
	*regs = p.Context.Regs
	*frame = p.Context.Frame
}

// Schedule implements the scheduler's 7-step dispatch algorithm. It is
// registered as an IC handler for the timer IRQ and is also reached
// synchronously whenever a task raises the reschedule software interrupt
// (sleep, exit, yield). Grounded on
// original_source/kernel/sched/scheduler.c's scheduler_schedule.
func Schedule(frame *irq.Frame, regs *irq.Regs) {
	if !running {
		return
	}

	current := proc.Current()
	next := pickNext(tickSourceFn())
	if next == nil || next == current {
		return
	}

	if current != nil {
		saveContext(current, frame, regs)
		if current.State == proc.Running {
			current.State = proc.Ready
			enqueueReady(current)
		}
		current.TimeUsed = 0
	}

	next.State = proc.Running
	next.AccruedTicks++
	proc.SetCurrent(next)
	totalSwitches++
	setKernelStackFn(next.Ring0Stack)

	restoreContext(next, frame, regs)

	if next.AddressSpace != currentSpaceFn() {
		switchToFn(next.AddressSpace)
	}
}

// tickSourceFn is overridden by kmain wiring to timer.Ticks once the timer
// package is initialized; it defaults to a stub returning 0 so sched can be
// unit tested without importing kernel/timer (which would be a needless
// dependency for the scheduling algorithm itself).
var tickSourceFn = func() uint64 { return 0 }

// SetTickSource installs the function Schedule uses to learn the current
// tick count for WakeSweep's comparisons.
func SetTickSource(f func() uint64) {
	tickSourceFn = f
}

// softwareInterruptFn is a package var wrapping cpu.SoftwareInterrupt so
// Block and Yield can be exercised by tests without raising a real
// interrupt.
var softwareInterruptFn = cpu.SoftwareInterrupt

// Yield triggers an immediate synchronous reschedule by raising the same
// software interrupt kernel/proc's Sleep and Exit use.
func Yield() {
	softwareInterruptFn(rescheduleVector)
}

// Block removes the current task from the ready queue and marks it
// BLOCKED, then yields. Grounded on
// original_source/kernel/sched/scheduler.c's scheduler_block.
func Block() {
	current := proc.Current()
	if current == nil {
		return
	}
	current.State = proc.Blocked
	dequeueReady(current)
	Yield()
}

// Unblock moves a BLOCKED task back to READY and into the ready queue.
// Grounded on
// original_source/kernel/sched/scheduler.c's scheduler_unblock.
func Unblock(p *proc.PCB) {
	if p == nil || p.State != proc.Blocked {
		return
	}
	p.State = proc.Ready
	enqueueReady(p)
}

// ReadyCount returns the number of tasks currently in the ready queue.
func ReadyCount() int {
	return readyCount
}

// TotalSwitches returns the number of context switches Schedule has
// performed since Init.
func TotalSwitches() uint64 {
	return totalSwitches
}
