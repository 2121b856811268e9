// Package timer programs the 8253/8254 Programmable Interval Timer to
// deliver periodic IRQ0 interrupts and keeps the tick counter and uptime
// bookkeeping the rest of the kernel reads time from.
package timer

import (
	"gopheros/kernel/cpu"
	"gopheros/kernel/irq"
	"gopheros/kernel/kfmt"
)

const (
	pitChannel0 = uint16(0x40)
	pitCommand  = uint16(0x43)

	// pitBaseFrequency is the PIT's fixed input clock.
	pitBaseFrequency = uint32(1193182)

	// cmdChannel0Square selects channel 0, read/write LSB then MSB,
	// mode 3 (square wave generator), binary mode.
	cmdChannel0Square = uint8(0x00 | 0x30 | 0x06 | 0x00)

	irqLine = uint8(0)
)

var (
	ticks         uint64
	frequencyHz   uint32
	tickCallbacks []func()

	outbFn      = cpu.Outb
	haltFn      = cpu.Halt
	handleIRQFn = irq.HandleIRQ
	unmaskFn    = irq.UnmaskIRQ
)

// Init programs the PIT to fire at frequencyHz and registers the timer's
// own IRQ0 handler (tick counter, then every subscriber installed via
// SetTickCallback) as the first subscriber on that line.
func Init(frequency uint32) {
	ticks = 0
	frequencyHz = frequency
	tickCallbacks = nil

	divisor := pitBaseFrequency / frequency

	outbFn(pitCommand, cmdChannel0Square)
	outbFn(pitChannel0, uint8(divisor&0xff))
	outbFn(pitChannel0, uint8((divisor>>8)&0xff))

	handleIRQFn(irqLine, onTick)
	unmaskFn(irqLine)

	kfmt.Printf("timer: initialized at %d Hz (%d ms/tick)\n", frequency, 1000/frequency)
}

func onTick(_ *irq.Frame, _ *irq.Regs) {
	ticks++
	for _, cb := range tickCallbacks {
		cb()
	}
}

// SetTickCallback registers a function to run on every timer tick, after
// the tick counter has been incremented. Callbacks run in registration
// order.
func SetTickCallback(cb func()) {
	tickCallbacks = append(tickCallbacks, cb)
}

// Ticks returns the number of timer ticks delivered since Init.
func Ticks() uint64 {
	return ticks
}

// UptimeMillis returns the number of milliseconds elapsed since Init.
func UptimeMillis() uint64 {
	if frequencyHz == 0 {
		return 0
	}
	return (ticks * 1000) / uint64(frequencyHz)
}

// SleepTicks busy-waits (halting between interrupts) until n further ticks
// have elapsed. It is only meant for use before the scheduler is running;
// once processes exist, sleeping should go through the process model's own
// tick-based wake mechanism instead of blocking the only thread of
// execution.
func SleepTicks(n uint64) {
	target := ticks + n
	for ticks < target {
		haltFn()
	}
}
