package irq

import "gopheros/kernel/cpu"

// 8259 PIC I/O ports. The PC carries two cascaded controllers: a master
// wired to the CPU's INTR line and a slave cascaded through the master's
// IRQ2 input.
const (
	pic1Command = uint16(0x20)
	pic1Data    = uint16(0x21)
	pic2Command = uint16(0xA0)
	pic2Data    = uint16(0xA1)

	picEOI = uint8(0x20)

	icw1Init     = uint8(0x10)
	icw1ICW4     = uint8(0x01)
	icw4Mode8086 = uint8(0x01)
)

// outbFn, inbFn and ioWaitFn are package vars wrapping the asm-declared port
// I/O primitives so tests can exercise the ICW sequencing and mask/EOI
// logic above without touching real hardware ports.
var (
	outbFn   = cpu.Outb
	inbFn    = cpu.Inb
	ioWaitFn = cpu.IOWait
)

// InitPIC remaps the master and slave PIC's IRQ0-15 to vectors offset1 and
// offset2 respectively, so that hardware interrupts no longer collide with
// the CPU's reserved exception vectors 0-31. Both PICs are left with their
// prior interrupt masks restored, not fully unmasked, so callers opt in to
// individual lines via UnmaskIRQ.
func InitPIC(offset1, offset2 uint8) {
	mask1 := inbFn(pic1Data)
	mask2 := inbFn(pic2Data)

	outbFn(pic1Command, icw1Init|icw1ICW4)
	ioWaitFn()
	outbFn(pic2Command, icw1Init|icw1ICW4)
	ioWaitFn()

	// ICW2: vector offsets
	outbFn(pic1Data, offset1)
	ioWaitFn()
	outbFn(pic2Data, offset2)
	ioWaitFn()

	// ICW3: master has a slave cascaded on IRQ2, slave's cascade identity is 2
	outbFn(pic1Data, 0x04)
	ioWaitFn()
	outbFn(pic2Data, 0x02)
	ioWaitFn()

	// ICW4: 8086 mode
	outbFn(pic1Data, icw4Mode8086)
	ioWaitFn()
	outbFn(pic2Data, icw4Mode8086)
	ioWaitFn()

	outbFn(pic1Data, mask1)
	outbFn(pic2Data, mask2)
}

// EndOfInterrupt acknowledges IRQ line irq to the PIC(s). Lines 8-15 are
// serviced by the slave controller and require an EOI to both controllers;
// the master always gets one.
func EndOfInterrupt(irq uint8) {
	if irq >= 8 {
		outbFn(pic2Command, picEOI)
	}
	outbFn(pic1Command, picEOI)
}

// MaskIRQ disables (masks) a single hardware interrupt line.
func MaskIRQ(irq uint8) {
	port, bit := picDataPortFor(irq)
	outbFn(port, inbFn(port)|(1<<bit))
}

// UnmaskIRQ enables (unmasks) a single hardware interrupt line.
func UnmaskIRQ(irq uint8) {
	port, bit := picDataPortFor(irq)
	outbFn(port, inbFn(port)&^(1<<bit))
}

func picDataPortFor(irq uint8) (port uint16, bit uint8) {
	if irq < 8 {
		return pic1Data, irq
	}
	return pic2Data, irq - 8
}

// DisableAll masks every IRQ line on both controllers.
func DisableAll() {
	outbFn(pic1Data, 0xff)
	outbFn(pic2Data, 0xff)
}
